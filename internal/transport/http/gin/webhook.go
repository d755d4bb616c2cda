package httpgin

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/queue"
	"github.com/kirinyoku/tix-pay/internal/service"
	"github.com/kirinyoku/tix-pay/internal/service/notification"
)

const maxWebhookBody = 64 << 10

// @Summary  Payment gateway webhook
// @Param    payload body string true "gateway notification"
// @Success  200 {object} WebhookResponse
// @Success  202 {object} WebhookResponse "queued"
// @Failure  400 {object} ErrorResponse "bad signature or payload"
// @Failure  500 {object} ErrorResponse "retry later"
// @Router   /webhooks/payments [post]
func handleWebhook(
	svcs *service.Services,
	decoder gateway.WebhookDecoder,
	enqueue Publisher,
	logger *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}

		n, err := decoder.Decode(body, c.GetHeader(decoder.SignatureHeader()))
		switch {
		case errors.Is(err, gateway.ErrUnsupportedEvent):
			c.JSON(http.StatusOK, WebhookResponse{Outcome: "ignored"})
			return
		case errors.Is(err, gateway.ErrInvalidSignature):
			logger.Warn("webhook signature rejected", "ip", c.ClientIP())
			badRequest(c, "invalid signature")
			return
		case err != nil:
			badRequest(c, "malformed payload")
			return
		}

		ctx := c.Request.Context()

		if enqueue != nil {
			if err := enqueue.Publish(ctx, queue.QueuePaymentNotifications, queue.NewNotificationMessage(n)); err != nil {
				logger.Error("enqueue notification", "notification_id", n.ID, "error", err)
				c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "retry later"})
				return
			}
			c.JSON(http.StatusAccepted, WebhookResponse{Outcome: "queued"})
			return
		}

		outcome, err := svcs.Notification.Handle(ctx, n)
		if err != nil {
			if notification.Permanent(err) {
				badRequest(c, err.Error())
				return
			}
			logger.Error("apply notification", "notification_id", n.ID, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "retry later"})
			return
		}

		c.JSON(http.StatusOK, WebhookResponse{Outcome: string(outcome)})
	}
}
