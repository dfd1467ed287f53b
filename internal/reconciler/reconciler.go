// Package reconciler sweeps the invoice expiry index and resolves every
// invoice whose due time has elapsed. Each due invoice is handled in
// isolation: a failure leaves its index member in place so the next sweep
// retries it, and never blocks the rest of the batch.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/ledger"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
)

const defaultConcurrency = 8

type DueIndex interface {
	Due(ctx context.Context, now time.Time) ([]string, error)
	Get(ctx context.Context, stripeID string) (ledger.Entry, error)
	Unschedule(ctx context.Context, stripeID string) error
}

type Lifecycle interface {
	ExpireInvoice(ctx context.Context, entry ledger.Entry) (uuid.UUID, bool, error)
	ActivateRequest(ctx context.Context, requestID uuid.UUID) (*storage.Invoice, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Promoted int `json:"promoted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type Reconciler struct {
	index       DueIndex
	lifecycle   Lifecycle
	logger      *slog.Logger
	metrics     *Metrics
	concurrency int
}

func New(index DueIndex, lifecycle Lifecycle, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		index:       index,
		lifecycle:   lifecycle,
		logger:      logger,
		metrics:     metrics,
		concurrency: defaultConcurrency,
	}
}

// ProcessDue resolves every invoice due at or before now.
func (r *Reconciler) ProcessDue(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	ids, err := r.index.Due(ctx, now)
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = Report{Scanned: len(ids)}
	)
	sem := make(chan struct{}, r.concurrency)

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(stripeID string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := r.resolve(ctx, stripeID)
			mu.Lock()
			switch outcome {
			case outcomeExpired:
				report.Expired++
			case outcomePromoted:
				report.Expired++
				report.Promoted++
			case outcomeSkipped:
				report.Skipped++
			case outcomeFailed:
				report.Failed++
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if r.metrics != nil {
		r.metrics.Outcomes.WithLabelValues("expired").Add(float64(report.Expired))
		r.metrics.Outcomes.WithLabelValues("promoted").Add(float64(report.Promoted))
		r.metrics.Outcomes.WithLabelValues("skipped").Add(float64(report.Skipped))
		r.metrics.Outcomes.WithLabelValues("failed").Add(float64(report.Failed))
		r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return report, nil
}

type outcome int

const (
	outcomeExpired outcome = iota
	outcomePromoted
	outcomeSkipped
	outcomeFailed
)

func (r *Reconciler) resolve(ctx context.Context, stripeID string) outcome {
	entry, err := r.index.Get(ctx, stripeID)
	if errors.Is(err, ledger.ErrNotFound) {
		// Resolved by a webhook or manual void between scan and now; the
		// stale index member is all that is left to clean up.
		if err := r.index.Unschedule(ctx, stripeID); err != nil {
			r.logger.Error("drop stale due member", "stripe_id", stripeID, "error", err)
			return outcomeFailed
		}
		return outcomeSkipped
	}
	if err != nil {
		r.logger.Error("load invoice cache", "stripe_id", stripeID, "error", err)
		return outcomeFailed
	}

	promoted, ok, err := r.lifecycle.ExpireInvoice(ctx, entry)
	if err != nil {
		// Still scheduled; the next sweep retries it.
		r.logger.Error("expire invoice", "stripe_id", stripeID, "error", err)
		return outcomeFailed
	}
	if !ok {
		return outcomeExpired
	}

	if _, err := r.lifecycle.ActivateRequest(ctx, promoted); err != nil {
		r.logger.Error("activate promoted request", "request_id", promoted, "error", err)
		return outcomeExpired
	}
	return outcomePromoted
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("expiry reconciler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.ProcessDue(ctx, time.Now())
			if err != nil {
				r.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if report.Scanned > 0 {
				r.logger.Info("expiry sweep finished",
					"scanned", report.Scanned,
					"expired", report.Expired,
					"promoted", report.Promoted,
					"skipped", report.Skipped,
					"failed", report.Failed,
				)
			}
		}
	}
}
