// Package webhook ingests provider events and folds them into local state.
// Events are verified, deduplicated by provider event id and dispatched
// through a closed set of handlers; anything unrecognized is acknowledged and
// dropped so the provider stops redelivering it.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/stripe"
)

type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account,omitempty"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type invoiceObject struct {
	ID string `json:"id"`
}

type accountObject struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

type subscriptionObject struct {
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

type Storage interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
	SetArtistOnboarded(ctx context.Context, stripeAccount string) (bool, error)
	SetArtistSupporterByCustomer(ctx context.Context, stripeCustomer string, supporter bool) error
}

type InvoiceLifecycle interface {
	MarkInvoicePaid(ctx context.Context, stripeID string) error
	FailInvoice(ctx context.Context, stripeID string) (uuid.UUID, bool, error)
	ActivateRequest(ctx context.Context, requestID uuid.UUID) (*storage.Invoice, error)
}

type AccountCache interface {
	InvalidateDashboardLink(ctx context.Context, stripeAccount string) error
}

type Syncer struct {
	store     Storage
	lifecycle InvoiceLifecycle
	provider  stripe.Client
	cache     AccountCache
	logger    *slog.Logger
	metrics   *Metrics
}

func NewSyncer(store Storage, lifecycle InvoiceLifecycle, provider stripe.Client, cache AccountCache, logger *slog.Logger, metrics *Metrics) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:     store,
		lifecycle: lifecycle,
		provider:  provider,
		cache:     cache,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handle processes one verified event payload. The event is marked processed
// only after its handler succeeded, so a redelivery after a failure gets a
// fresh attempt.
func (s *Syncer) Handle(ctx context.Context, payload []byte) error {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode webhook event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return fmt.Errorf("webhook event missing id or type")
	}

	processed, err := s.store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if processed {
		s.count(event.Type, "duplicate")
		return nil
	}

	status, err := s.dispatch(ctx, event)
	if err != nil {
		s.count(event.Type, "failed")
		return err
	}
	if err := s.store.MarkEventProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	s.count(event.Type, status)
	return nil
}

func (s *Syncer) dispatch(ctx context.Context, event Event) (string, error) {
	switch event.Type {
	case "invoice.paid":
		return s.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	case "account.updated":
		return s.handleAccountUpdated(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type, "event_id", event.ID)
		return "ignored", nil
	}
}

func (s *Syncer) handleInvoicePaid(ctx context.Context, event Event) (string, error) {
	var obj invoiceObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return "", fmt.Errorf("decode invoice object: %w", err)
	}
	if obj.ID == "" {
		return "", fmt.Errorf("invoice object missing id")
	}

	// Trust the provider, verify anyway: a forged or misrouted event must
	// never settle an unpaid invoice.
	current, err := s.provider.GetInvoice(ctx, obj.ID, event.Account)
	if err != nil {
		return "", fmt.Errorf("recheck invoice %s: %w", obj.ID, err)
	}
	if !current.Paid {
		return "", fmt.Errorf("invoice %s reported paid but provider disagrees", obj.ID)
	}

	if err := s.lifecycle.MarkInvoicePaid(ctx, obj.ID); err != nil {
		return "", err
	}
	return "handled", nil
}

func (s *Syncer) handlePaymentFailed(ctx context.Context, event Event) (string, error) {
	var obj invoiceObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return "", fmt.Errorf("decode invoice object: %w", err)
	}
	if obj.ID == "" {
		return "", fmt.Errorf("invoice object missing id")
	}

	current, err := s.provider.GetInvoice(ctx, obj.ID, event.Account)
	if err != nil {
		return "", fmt.Errorf("recheck invoice %s: %w", obj.ID, err)
	}
	if current.Paid {
		return "ignored", nil
	}
	// A declined attempt before the due date is not terminal; the buyer can
	// retry from the hosted page and the reconciler owns the deadline.
	if current.DueDate == 0 || time.Now().Unix() < current.DueDate {
		s.logger.Info("invoice payment attempt failed before due date", "stripe_id", obj.ID)
		return "handled", nil
	}

	promoted, ok, err := s.lifecycle.FailInvoice(ctx, obj.ID)
	if err != nil {
		return "", err
	}
	if ok {
		if _, err := s.lifecycle.ActivateRequest(ctx, promoted); err != nil {
			s.logger.Error("activate promoted request", "request_id", promoted, "error", err)
		}
	}
	return "handled", nil
}

func (s *Syncer) handleAccountUpdated(ctx context.Context, event Event) (string, error) {
	var obj accountObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return "", fmt.Errorf("decode account object: %w", err)
	}
	if obj.ID == "" {
		return "", fmt.Errorf("account object missing id")
	}
	if !obj.ChargesEnabled || !obj.DetailsSubmitted {
		return "handled", nil
	}

	changed, err := s.store.SetArtistOnboarded(ctx, obj.ID)
	if err != nil {
		return "", fmt.Errorf("mark artist onboarded: %w", err)
	}
	if changed {
		s.logger.Info("artist payout onboarding completed", "stripe_account", obj.ID)
	}
	if s.cache != nil {
		if err := s.cache.InvalidateDashboardLink(ctx, obj.ID); err != nil {
			s.logger.Error("dashboard link invalidation failed", "stripe_account", obj.ID, "error", err)
		}
	}
	return "handled", nil
}

func (s *Syncer) handleSubscriptionChanged(ctx context.Context, event Event) (string, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return "", fmt.Errorf("decode subscription object: %w", err)
	}
	if obj.Customer == "" {
		return "", fmt.Errorf("subscription object missing customer")
	}
	supporter := obj.Status == "active" || obj.Status == "trialing"
	return s.setSupporter(ctx, obj.Customer, supporter)
}

func (s *Syncer) handleSubscriptionDeleted(ctx context.Context, event Event) (string, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return "", fmt.Errorf("decode subscription object: %w", err)
	}
	if obj.Customer == "" {
		return "", fmt.Errorf("subscription object missing customer")
	}
	return s.setSupporter(ctx, obj.Customer, false)
}

func (s *Syncer) setSupporter(ctx context.Context, customer string, supporter bool) (string, error) {
	err := s.store.SetArtistSupporterByCustomer(ctx, customer, supporter)
	if err == nil {
		return "handled", nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Subscriptions for non-artist customers are someone else's concern.
		s.logger.Debug("subscription for unknown artist customer", "stripe_customer", customer)
		return "ignored", nil
	}
	return "", fmt.Errorf("update supporter flag: %w", err)
}

func (s *Syncer) count(eventType, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Events.WithLabelValues(eventType, status).Inc()
}
