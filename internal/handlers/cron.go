package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Zed-Softworks-Official/nemu-sub003/libs/auth"
)

// expireInvoices runs one expiry sweep on behalf of the external scheduler.
// Per-invoice failures are logged and retried on the next tick, so the
// scheduler only ever sees a sweep-level result.
func (h *Handler) expireInvoices(c *gin.Context) {
	token := auth.ExtractBearer(c.GetHeader("Authorization"))
	if h.cronSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid cron secret"})
		return
	}

	report, err := h.sweeper.ProcessDue(c.Request.Context(), time.Now())
	if err != nil {
		h.logger.Error("expiry sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SWEEP_FAILED", "message": "expiry sweep failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
