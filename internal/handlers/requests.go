package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/service"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/auth"
)

type submitRequestBody struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

type decisionResponse struct {
	RequestID  string `json:"request_id"`
	Decision   string `json:"decision"`
	Position   int    `json:"position,omitempty"`
	InvoiceURL string `json:"invoice_url,omitempty"`
}

func (h *Handler) submitRequest(c *gin.Context) {
	commissionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_COMMISSION_ID", "message": "commission id must be a uuid"})
		return
	}
	userID, err := uuid.Parse(c.GetString(auth.ContextUserIDKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid subject"})
		return
	}

	var body submitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_BODY", "message": "malformed request body"})
		return
	}

	requestID, err := resolveRequestID(c.GetHeader("Idempotency-Key"), body.RequestID, userID, commissionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST_ID", "message": "request id must be a uuid"})
		return
	}

	decision, err := h.svc.Admit(c.Request.Context(), service.AdmitParams{
		RequestID:    requestID,
		CommissionID: commissionID,
		UserID:       userID,
		Message:      body.Message,
		IP:           c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "COMMISSION_NOT_FOUND", "message": "commission does not exist"})
			return
		}
		h.logger.Error("admission failed", "commission_id", commissionID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "ADMISSION_UNAVAILABLE", "message": "try again later"})
		return
	}

	status := http.StatusOK
	if decision.Replayed {
		status = http.StatusConflict
	}
	c.JSON(status, decisionResponse{
		RequestID:  decision.Request.ID.String(),
		Decision:   decision.Status,
		Position:   decision.Position,
		InvoiceURL: decision.InvoiceURL,
	})
}

type queueResponse struct {
	Availability  string `json:"availability"`
	ActiveCount   int    `json:"active_count"`
	WaitlistCount int    `json:"waitlist_count"`
	Position      int    `json:"position,omitempty"`
}

func (h *Handler) getQueue(c *gin.Context) {
	commissionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_COMMISSION_ID", "message": "commission id must be a uuid"})
		return
	}

	view, err := h.svc.Queue(c.Request.Context(), commissionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "COMMISSION_NOT_FOUND", "message": "commission does not exist"})
			return
		}
		h.logger.Error("queue snapshot failed", "commission_id", commissionID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "QUEUE_UNAVAILABLE", "message": "try again later"})
		return
	}

	resp := queueResponse{
		Availability:  view.Availability,
		ActiveCount:   len(view.Active),
		WaitlistCount: len(view.Waitlist),
	}
	if rid := c.Query("request_id"); rid != "" {
		for i, id := range view.Waitlist {
			if id == rid {
				resp.Position = i + 1
				break
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// resolveRequestID derives the admission key. An Idempotency-Key header maps
// deterministically to the same uuid for the same caller and commission, so
// retried submissions replay instead of re-admitting.
func resolveRequestID(idempotencyKey, bodyID string, userID, commissionID uuid.UUID) (uuid.UUID, error) {
	if idempotencyKey != "" {
		seed := userID.String() + "|" + commissionID.String() + "|" + idempotencyKey
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)), nil
	}
	if bodyID != "" {
		return uuid.Parse(bodyID)
	}
	return uuid.New(), nil
}
