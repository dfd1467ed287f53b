// Package handlers exposes the commission admission service over HTTP: the
// buyer-facing request endpoints, the scheduler-driven expiry endpoint and
// the provider webhook sink.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/reconciler"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/service"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/auth"
)

type CommissionService interface {
	Admit(ctx context.Context, p service.AdmitParams) (*service.Decision, error)
	Queue(ctx context.Context, commissionID uuid.UUID) (*service.QueueView, error)
	ExtendDueDate(ctx context.Context, stripeID string, dueAt time.Time) error
}

type Sweeper interface {
	ProcessDue(ctx context.Context, now time.Time) (reconciler.Report, error)
}

type EventSink interface {
	Handle(ctx context.Context, payload []byte) error
}

type Handler struct {
	svc           CommissionService
	sweeper       Sweeper
	events        EventSink
	webhookSecret string
	cronSecret    string
	logger        *slog.Logger
}

func New(svc CommissionService, sweeper Sweeper, events EventSink, webhookSecret, cronSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:           svc,
		sweeper:       sweeper,
		events:        events,
		webhookSecret: webhookSecret,
		cronSecret:    cronSecret,
		logger:        logger,
	}
}

func (h *Handler) Register(router gin.IRouter, jwtSecret []byte) {
	v1 := router.Group("/v1")
	authed := v1.Group("", auth.Middleware(jwtSecret))
	authed.POST("/commissions/:id/requests", h.submitRequest)
	authed.GET("/commissions/:id/queue", h.getQueue)
	authed.POST("/invoices/:stripe_id/extend", h.extendInvoice)

	router.POST("/internal/cron/expire-invoices", h.expireInvoices)
	router.POST("/webhooks/stripe", h.providerWebhook)
}
