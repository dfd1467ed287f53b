package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/service"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
)

type extendInvoiceBody struct {
	DueAt time.Time `json:"due_at" binding:"required"`
}

// extendInvoice pushes a pending invoice's deadline out on the artist's
// behalf.
func (h *Handler) extendInvoice(c *gin.Context) {
	stripeID := c.Param("stripe_id")

	var body extendInvoiceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_BODY", "message": "due_at must be an RFC 3339 timestamp"})
		return
	}

	err := h.svc.ExtendDueDate(c.Request.Context(), stripeID, body.DueAt)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"stripe_id": stripeID, "due_at": body.DueAt.UTC().Truncate(time.Second).Format(time.RFC3339)})
	case errors.Is(err, service.ErrDueDateInPast):
		c.JSON(http.StatusBadRequest, gin.H{"code": "DUE_DATE_IN_PAST", "message": "due date must be in the future"})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "INVOICE_NOT_FOUND", "message": "invoice does not exist"})
	case errors.Is(err, storage.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"code": "INVOICE_NOT_PENDING", "message": "only pending invoices can be extended"})
	default:
		h.logger.Error("due date extension failed", "stripe_id", stripeID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "EXTENSION_UNAVAILABLE", "message": "try again later"})
	}
}
