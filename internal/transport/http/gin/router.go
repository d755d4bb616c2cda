package httpgin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	redisrepo "github.com/kirinyoku/tix-pay/internal/repository/redis"
	"github.com/kirinyoku/tix-pay/internal/service"
	"github.com/kirinyoku/tix-pay/internal/service/admin"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
)

// IdempotencyStore backs the Idempotency-Key header.
type IdempotencyStore interface {
	GetResult(ctx context.Context, key string) (string, bool, error)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SaveResult(ctx context.Context, key string, payload string) error
	Release(ctx context.Context, key string) error
}

// Publisher hands verified webhook notifications to the queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

type Options struct {
	// Idempotency enables Idempotency-Key replay on reservation creation.
	Idempotency IdempotencyStore
	Webhooks    gateway.WebhookDecoder
	// Enqueue, when set, queues webhook notifications instead of applying
	// them inside the request.
	Enqueue   Publisher
	Metrics   *metrics.Metrics
	JWTSecret string
	Logger    *slog.Logger
}

func NewRouter(svcs *service.Services, opts Options, middlewares ...gin.HandlerFunc) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(opts.Logger), RequestIDMiddleware(), CORS())
	if opts.Metrics != nil {
		r.Use(MetricsMiddleware(opts.Metrics))
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/events/:id", handleGetEvent(svcs))
	r.GET("/events/:id/availability", handleGetAvailability(svcs))

	if opts.Webhooks != nil {
		r.POST("/webhooks/payments", handleWebhook(svcs, opts.Webhooks, opts.Enqueue, opts.Logger))
	}

	auth := r.Group("/", AuthMiddleware(opts.JWTSecret))
	{
		auth.POST("/events/:id/reservations", handleCreateReservation(svcs, opts.Idempotency))
		auth.GET("/reservations/:id", handleGetReservation(svcs))
		auth.POST("/reservations/:id/cancel", handleCancelReservation(svcs))
		auth.POST("/reservations/:id/payment-intent", handleCreatePaymentIntent(svcs))
		auth.GET("/reservations/:id/payment", handleGetPayment(svcs))
		auth.GET("/me/reservations", handleListMyReservations(svcs))
		auth.GET("/me/payments", handleListMyPayments(svcs))
	}

	adm := r.Group("/admin", AuthMiddleware(opts.JWTSecret), RequireRole(RoleAdmin))
	{
		adm.POST("/events", handleCreateEvent(svcs))
		adm.PATCH("/events/:id", handleUpdateEvent(svcs))
		adm.DELETE("/events/:id", handleDeleteEvent(svcs))
		adm.POST("/reservations/:id/cancel", handleAdminCancelReservation(svcs))
		adm.GET("/reconciliations", handleListReconciliations(svcs))
		adm.POST("/reconciliations/:id/resolve", handleResolveReconciliation(svcs))
	}

	return r
}

// @Summary  Get event
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  EventResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		e, err := svcs.Query.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCacheable(c, toEventResponse(e), time.Minute)
	}
}

// @Summary  Get ticket availability
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  AvailabilityResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		a, err := svcs.Query.Availability(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCacheable(c, toAvailabilityResponse(a), 5*time.Second)
	}
}

// @Summary  Create reservation (idempotent)
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Param    req body  CreateReservationRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} ReservationResponse
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "duplicate / insufficient inventory / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /events/{id}/reservations [post]
func handleCreateReservation(svcs *service.Services, idem IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req CreateReservationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		if req.SkipAvailabilityCheck && c.GetString(ctxRole) != RoleAdmin {
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "skip_availability_check requires the admin role"})
			return
		}

		userID := currentUserID(c)
		ctx := c.Request.Context()

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemReservation(userID, eventID, idemKey)

			if replayed := replayIdempotent(c, idem, idemStorageKey, idemKey); replayed {
				return
			}

			locked, err := idem.AcquireLock(ctx, idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if replayed := replayIdempotent(c, idem, idemStorageKey, idemKey); replayed {
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		res, err := svcs.Reservation.Create(ctx, reservation.CreateInput{
			UserID:                userID,
			EventID:               eventID,
			Quantity:              req.Quantity,
			SkipAvailabilityCheck: req.SkipAvailabilityCheck,
			RateLimitKey:          "user:" + strconv.FormatInt(userID, 10),
		})
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(ctx, idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := toReservationResponse(res)

		if idemStorageKey != "" {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(ctx, idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func replayIdempotent(c *gin.Context, idem IdempotencyStore, storageKey, idemKey string) bool {
	payload, ok, _ := idem.GetResult(c.Request.Context(), storageKey)
	if !ok {
		return false
	}
	c.Header("Idempotency-Key", idemKey)
	c.Header("Idempotent-Replay", "true")
	c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
	return true
}

// @Summary  Get reservation
// @Security BearerAuth
// @Param    id  path  int  true  "Reservation ID"
// @Success  200 {object} ReservationResponse
// @Failure  403 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id} [get]
func handleGetReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		r, err := svcs.Reservation.GetForUser(c.Request.Context(), id, currentUserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toReservationResponse(r))
	}
}

// @Summary  Cancel pending reservation
// @Security BearerAuth
// @Param    id  path  int  true  "Reservation ID"
// @Success  200 {object} ReservationResponse
// @Failure  409 {object} ErrorResponse "not pending"
// @Router   /reservations/{id}/cancel [post]
func handleCancelReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		r, err := svcs.Reservation.CancelForUser(c.Request.Context(), id, currentUserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toReservationResponse(r))
	}
}

// @Summary  Create or fetch the payment intent for a reservation
// @Security BearerAuth
// @Param    id  path  int  true  "Reservation ID"
// @Success  200 {object} PaymentIntentResponse
// @Failure  409 {object} ErrorResponse
// @Failure  502 {object} ErrorResponse "gateway unavailable"
// @Router   /reservations/{id}/payment-intent [post]
func handleCreatePaymentIntent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		intent, err := svcs.Payment.RequestPaymentIntent(c.Request.Context(), id, currentUserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, PaymentIntentResponse{
			PaymentReference: intent.ExternalReference,
			ClientSecret:     intent.ClientToken,
		})
	}
}

// @Summary  Get reservation payment
// @Security BearerAuth
// @Param    id  path  int  true  "Reservation ID"
// @Success  200 {object} PaymentResponse
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id}/payment [get]
func handleGetPayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		p, err := svcs.Payment.GetForReservation(c.Request.Context(), id, currentUserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toPaymentResponse(p))
	}
}

// @Summary  List my reservations
// @Security BearerAuth
// @Success  200 {array} ReservationResponse
// @Router   /me/reservations [get]
func handleListMyReservations(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svcs.Reservation.ListByUser(c.Request.Context(), currentUserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		out := make([]ReservationResponse, 0, len(list))
		for i := range list {
			out = append(out, toReservationResponse(&list[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  List my payments
// @Security BearerAuth
// @Success  200 {array} PaymentResponse
// @Router   /me/payments [get]
func handleListMyPayments(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svcs.Payment.ListByUser(c.Request.Context(), currentUserID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		out := make([]PaymentResponse, 0, len(list))
		for i := range list {
			out = append(out, toPaymentResponse(&list[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Create event
// @Security BearerAuth
// @Param    req body  CreateEventRequest true "payload"
// @Success  201 {object} EventResponse
// @Router   /admin/events [post]
func handleCreateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		starts, err := parseRFC3339(req.StartsAt)
		if err != nil {
			badRequest(c, "invalid starts_at (RFC3339)")
			return
		}
		e, err := svcs.Admin.CreateEvent(c.Request.Context(), admin.CreateEventInput{
			Title:        req.Title,
			Description:  req.Description,
			Location:     req.Location,
			StartsAt:     starts,
			PriceCents:   req.PriceCents,
			Currency:     req.Currency,
			TotalTickets: req.TotalTickets,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, toEventResponse(e))
	}
}

// @Summary  Update event details
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Param    req body  UpdateEventRequest true "payload"
// @Success  200 {object} EventResponse
// @Failure  404 {object} ErrorResponse
// @Router   /admin/events/{id} [patch]
func handleUpdateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req UpdateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		in := admin.UpdateEventInput{
			Title:       req.Title,
			Description: req.Description,
			Location:    req.Location,
			PriceCents:  req.PriceCents,
		}
		if req.StartsAt != nil {
			starts, err := parseRFC3339(*req.StartsAt)
			if err != nil {
				badRequest(c, "invalid starts_at (RFC3339)")
				return
			}
			in.StartsAt = &starts
		}
		e, err := svcs.Admin.UpdateEvent(c.Request.Context(), id, in)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toEventResponse(e))
	}
}

// @Summary  Delete an event that has no reservations
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Success  204
// @Failure  409 {object} ErrorResponse
// @Router   /admin/events/{id} [delete]
func handleDeleteEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		respondErr(c, svcs.Admin.DeleteEvent(c.Request.Context(), id))
	}
}

// @Summary  Cancel a confirmed reservation and release its tickets
// @Security BearerAuth
// @Param    id  path  int  true  "Reservation ID"
// @Param    req body  CancelReservationRequest false "payload"
// @Success  200 {object} ReservationResponse
// @Router   /admin/reservations/{id}/cancel [post]
func handleAdminCancelReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req CancelReservationRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		r, err := svcs.Admin.CancelConfirmedReservation(c.Request.Context(), id, req.Reason)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toReservationResponse(r))
	}
}

// @Summary  List open reconciliation cases
// @Security BearerAuth
// @Param    limit query int false "page size"
// @Success  200 {array} ReconciliationCaseResponse
// @Router   /admin/reconciliations [get]
func handleListReconciliations(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := parseIntDefault(c.Query("limit"), 50)
		list, err := svcs.Admin.ListOpenReconciliations(c.Request.Context(), limit)
		if err != nil {
			respondErr(c, err)
			return
		}
		out := make([]ReconciliationCaseResponse, 0, len(list))
		for i := range list {
			out = append(out, toReconciliationResponse(&list[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Resolve a reconciliation case
// @Security BearerAuth
// @Param    id  path  int  true  "Case ID"
// @Param    req body  ResolveReconciliationRequest true "payload"
// @Success  204
// @Router   /admin/reconciliations/{id}/resolve [post]
func handleResolveReconciliation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req ResolveReconciliationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svcs.Admin.ResolveReconciliation(c.Request.Context(), id, req.Resolution); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
