package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/webhook"
)

const maxWebhookBody = 1 << 20

// providerWebhook verifies and ingests one provider event. Processing
// failures return 500 so the provider transport redelivers; bad signatures
// are the caller's problem and get a 400.
func (h *Handler) providerWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_BODY", "message": "unreadable body"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if err := webhook.VerifySignature(payload, signature, h.webhookSecret, webhook.DefaultTolerance, time.Now()); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SIGNATURE", "message": "signature verification failed"})
		return
	}

	if err := h.events.Handle(c.Request.Context(), payload); err != nil {
		h.logger.Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "EVENT_FAILED", "message": "event processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
