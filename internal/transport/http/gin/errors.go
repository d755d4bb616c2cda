package httpgin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/service/admin"
	"github.com/kirinyoku/tix-pay/internal/service/notification"
	"github.com/kirinyoku/tix-pay/internal/service/payment"
	"github.com/kirinyoku/tix-pay/internal/service/query"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
)

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var rl *reservation.RateLimitedError

	switch {
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})

	// validation
	case errors.Is(err, reservation.ErrInvalidQuantity):
		badRequest(c, reservation.ErrInvalidQuantity.Error())
	case errors.Is(err, reservation.ErrQuantityAboveLimit):
		badRequest(c, reservation.ErrQuantityAboveLimit.Error())
	case errors.Is(err, admin.ErrInvalidEvent):
		badRequest(c, admin.ErrInvalidEvent.Error())
	case errors.Is(err, admin.ErrInvalidResolution):
		badRequest(c, admin.ErrInvalidResolution.Error())
	case errors.Is(err, notification.ErrInvalidNotification):
		badRequest(c, notification.ErrInvalidNotification.Error())

	// not found
	case errors.Is(err, reservation.ErrEventNotFound), errors.Is(err, query.ErrEventNotFound),
		errors.Is(err, admin.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, reservation.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "reservation not found"})
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "payment not found"})
	case errors.Is(err, admin.ErrCaseNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "reconciliation case not found"})

	case errors.Is(err, reservation.ErrUnauthorizedAccess):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "reservation belongs to another user"})

	// conflicts
	case errors.Is(err, reservation.ErrDuplicateReservation):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "active reservation already exists"})
	case errors.Is(err, reservation.ErrInsufficientInventory):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "insufficient inventory"})
	case errors.Is(err, reservation.ErrInvalidReservationState):
		c.JSON(http.StatusConflict, ErrorResponse{Error: stateMessage(err)})
	case errors.Is(err, admin.ErrEventInUse):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event has reservations"})
	case errors.Is(err, payment.ErrReferenceConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "payment reference conflict"})
	case errors.Is(err, payment.ErrIntentInProgress):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, ErrorResponse{Error: "payment intent request in progress"})

	case errors.Is(err, gateway.ErrCommunication):
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "payment gateway unavailable"})

	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func stateMessage(err error) string {
	var se *reservation.StateError
	if errors.As(err, &se) {
		return se.Error()
	}
	return "invalid reservation state"
}
