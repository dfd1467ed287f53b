// Package service implements the commission admission and invoice lifecycle
// rules on top of the relational store, the queue documents and the invoice
// ledger. All writes funnel through here so the capacity and status
// invariants hold no matter which surface (HTTP, webhook, reconciler)
// triggered them.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/ledger"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/queue"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/stripe"
)

const (
	maxSaveRetries = 5
	defaultDueIn   = 48 * time.Hour
)

var (
	ErrArtistNotOnboarded = errors.New("artist has not completed payout onboarding")
	ErrDueDateInPast      = errors.New("due date must be in the future")
)

type Storage interface {
	GetCommission(ctx context.Context, commissionID uuid.UUID) (*storage.Commission, error)
	GetArtist(ctx context.Context, artistID uuid.UUID) (*storage.Artist, error)
	GetCustomerID(ctx context.Context, userID uuid.UUID) (string, error)
	CreateRequest(ctx context.Context, req storage.Request) (*storage.Request, bool, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*storage.Request, error)
	UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status string) (*storage.Request, error)
	CreateInvoice(ctx context.Context, inv storage.Invoice) error
	GetInvoice(ctx context.Context, stripeID string) (*storage.Invoice, error)
	GetLiveInvoiceByRequest(ctx context.Context, requestID uuid.UUID) (*storage.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, stripeID string, status string) (*storage.Invoice, error)
	FinalizeInvoiceRow(ctx context.Context, stripeID string, total, applicationFee int64, dueAt time.Time, hostedURL string) (*storage.Invoice, error)
	UpdateInvoiceDueDate(ctx context.Context, stripeID string, dueAt time.Time) error
	InsertAudit(ctx context.Context, log storage.AuditLog) error
}

type QueueStore interface {
	Get(ctx context.Context, commissionID uuid.UUID) (queue.Doc, error)
	Save(ctx context.Context, commissionID uuid.UUID, doc queue.Doc) error
}

type LedgerStore interface {
	Put(ctx context.Context, entry ledger.Entry) error
	Get(ctx context.Context, stripeID string) (ledger.Entry, error)
	Delete(ctx context.Context, stripeID string) error
	Schedule(ctx context.Context, stripeID string, dueAt time.Time) error
	Unschedule(ctx context.Context, stripeID string) error
}

type Notifier interface {
	Trigger(ctx context.Context, workflow string, recipients []uuid.UUID, data map[string]string)
}

type Deps struct {
	Store    Storage
	Queue    QueueStore
	Ledger   LedgerStore
	Provider stripe.Client
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *Metrics
	FeeBps   int64
	DueIn    time.Duration
}

type Service struct {
	store    Storage
	queue    QueueStore
	ledger   LedgerStore
	provider stripe.Client
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	feeBps   int64
	dueIn    time.Duration
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dueIn := deps.DueIn
	if dueIn <= 0 {
		dueIn = defaultDueIn
	}
	return &Service{
		store:    deps.Store,
		queue:    deps.Queue,
		ledger:   deps.Ledger,
		provider: deps.Provider,
		notifier: deps.Notifier,
		logger:   logger,
		metrics:  deps.Metrics,
		feeBps:   deps.FeeBps,
		dueIn:    dueIn,
	}
}

func (s *Service) notify(ctx context.Context, workflow string, recipients []uuid.UUID, data map[string]string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Trigger(ctx, workflow, recipients, data)
}

func (s *Service) countDecision(decision string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AdmissionDecisions.WithLabelValues(decision).Inc()
}

func (s *Service) countTransition(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.InvoiceTransitions.WithLabelValues(status).Inc()
}
