package httpgin

import (
	"time"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

type CreateReservationRequest struct {
	Quantity              int  `json:"quantity" binding:"required,gt=0,lte=100"`
	// SkipAvailabilityCheck is honoured for admins only.
	SkipAvailabilityCheck bool `json:"skip_availability_check"`
}

type CreateEventRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	Location     string `json:"location"`
	StartsAt     string `json:"starts_at" binding:"required"`
	PriceCents   int64  `json:"price_cents" binding:"gte=0"`
	Currency     string `json:"currency"`
	TotalTickets int    `json:"total_tickets" binding:"required,gt=0"`
}

// UpdateEventRequest changes the fields that are present. Ticket totals and
// currency are fixed at creation.
type UpdateEventRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
	StartsAt    *string `json:"starts_at"`
	PriceCents  *int64  `json:"price_cents" binding:"omitempty,gte=0"`
}

type CancelReservationRequest struct {
	Reason string `json:"reason"`
}

type ResolveReconciliationRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type EventResponse struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Location         string    `json:"location,omitempty"`
	StartsAt         time.Time `json:"starts_at"`
	PriceCents       int64     `json:"price_cents"`
	Currency         string    `json:"currency"`
	TotalTickets     int       `json:"total_tickets"`
	TicketsAvailable int       `json:"tickets_available"`
	Status           string    `json:"status"`
}

type AvailabilityResponse struct {
	EventID   int64  `json:"event_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Status    string `json:"status"`
}

type ReservationResponse struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	EventID          int64     `json:"event_id"`
	NumberOfTickets  int       `json:"number_of_tickets"`
	Status           string    `json:"status"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type PaymentResponse struct {
	ID                int64      `json:"id"`
	ReservationID     int64      `json:"reservation_id"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type PaymentIntentResponse struct {
	PaymentReference string `json:"payment_reference"`
	ClientSecret     string `json:"client_secret"`
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
}

type ReconciliationCaseResponse struct {
	ID                int64      `json:"id"`
	PaymentID         int64      `json:"payment_id"`
	ReservationID     int64      `json:"reservation_id"`
	EventID           int64      `json:"event_id"`
	ExternalReference string     `json:"external_reference"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	Reason            string     `json:"reason"`
	Detail            string     `json:"detail"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	Resolution        string     `json:"resolution,omitempty"`
}

func toEventResponse(e *domain.Event) EventResponse {
	return EventResponse{
		ID:               e.ID,
		Title:            e.Title,
		Description:      e.Description,
		Location:         e.Location,
		StartsAt:         e.StartsAt,
		PriceCents:       e.PriceCents,
		Currency:         e.Currency,
		TotalTickets:     e.TotalTickets,
		TicketsAvailable: e.TicketsAvailable,
		Status:           string(e.Status),
	}
}

func toAvailabilityResponse(a *domain.Availability) AvailabilityResponse {
	return AvailabilityResponse{
		EventID:   a.EventID,
		Total:     a.Total,
		Available: a.Available,
		Status:    string(a.Status),
	}
}

func toReservationResponse(r *domain.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:               r.ID,
		UserID:           r.UserID,
		EventID:          r.EventID,
		NumberOfTickets:  r.NumberOfTickets,
		Status:           string(r.Status),
		AmountCents:      r.AmountCents,
		Currency:         r.Currency,
		PaymentReference: r.ExternalPaymentReference,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		ReservationID:     p.ReservationID,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		Status:            string(p.Status),
		ExternalReference: p.ExternalReference,
		FailureReason:     p.FailureReason,
		ProcessedAt:       p.ProcessedAt,
		CreatedAt:         p.CreatedAt,
	}
}

func toReconciliationResponse(c *domain.ReconciliationCase) ReconciliationCaseResponse {
	return ReconciliationCaseResponse{
		ID:                c.ID,
		PaymentID:         c.PaymentID,
		ReservationID:     c.ReservationID,
		EventID:           c.EventID,
		ExternalReference: c.ExternalReference,
		AmountCents:       c.AmountCents,
		Currency:          c.Currency,
		Reason:            string(c.Reason),
		Detail:            c.Detail,
		CreatedAt:         c.CreatedAt,
		ResolvedAt:        c.ResolvedAt,
		Resolution:        c.Resolution,
	}
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
