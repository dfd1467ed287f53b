package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/ledger"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/notify"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/stripe"
)

// EnsureInvoice guarantees an accepted request has exactly one live invoice.
// It returns the existing one, resumes a draft stalled mid-creation, or
// builds a fresh one end to end.
func (s *Service) EnsureInvoice(ctx context.Context, req *storage.Request) (*storage.Invoice, error) {
	inv, err := s.store.GetLiveInvoiceByRequest(ctx, req.ID)
	if err == nil {
		if inv.Status == storage.InvoiceStatusCreating {
			return s.finalize(ctx, inv.StripeID)
		}
		return inv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.createInvoice(ctx, req)
}

func (s *Service) createInvoice(ctx context.Context, req *storage.Request) (*storage.Invoice, error) {
	commission, err := s.store.GetCommission(ctx, req.CommissionID)
	if err != nil {
		return nil, fmt.Errorf("load commission: %w", err)
	}
	artist, err := s.store.GetArtist(ctx, commission.ArtistID)
	if err != nil {
		return nil, fmt.Errorf("load artist: %w", err)
	}
	if !artist.Onboarded {
		return nil, ErrArtistNotOnboarded
	}
	customer, err := s.store.GetCustomerID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load billing customer: %w", err)
	}

	stripeID, err := s.provider.CreateInvoice(ctx, customer, artist.StripeAccount)
	if err != nil {
		return nil, fmt.Errorf("create provider invoice: %w", err)
	}
	if err := s.store.CreateInvoice(ctx, storage.Invoice{
		StripeID:      stripeID,
		RequestID:     req.ID,
		Status:        storage.InvoiceStatusCreating,
		StripeAccount: artist.StripeAccount,
	}); err != nil {
		return nil, fmt.Errorf("record invoice draft: %w", err)
	}
	s.countTransition(storage.InvoiceStatusCreating)

	item := stripe.LineItem{Name: commission.Title, UnitAmount: commission.Price, Quantity: 1}
	if err := s.provider.AddLineItem(ctx, stripeID, item, artist.StripeAccount); err != nil {
		return nil, fmt.Errorf("add line item: %w", err)
	}

	return s.finalize(ctx, stripeID)
}

// finalize prices a draft, finalizes it at the provider and flips the local
// row to pending. The ledger entry and due-index member are written last so a
// scheduled invoice always has a resolvable cache entry.
func (s *Service) finalize(ctx context.Context, stripeID string) (*storage.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, stripeID)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	req, err := s.store.GetRequest(ctx, inv.RequestID)
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	commission, err := s.store.GetCommission(ctx, req.CommissionID)
	if err != nil {
		return nil, fmt.Errorf("load commission: %w", err)
	}
	artist, err := s.store.GetArtist(ctx, commission.ArtistID)
	if err != nil {
		return nil, fmt.Errorf("load artist: %w", err)
	}

	total := commission.Price
	fee := applicationFee(total, s.feeBps, artist.Supporter)
	dueAt := time.Now().UTC().Add(s.dueIn).Truncate(time.Second)

	if err := s.provider.UpdateInvoice(ctx, stripeID, stripe.UpdateParams{
		DueDate:        dueAt.Unix(),
		ApplicationFee: fee,
	}, inv.StripeAccount); err != nil {
		return nil, fmt.Errorf("price provider invoice: %w", err)
	}
	hostedURL, err := s.provider.FinalizeInvoice(ctx, stripeID, inv.StripeAccount)
	if err != nil {
		return nil, fmt.Errorf("finalize provider invoice: %w", err)
	}

	row, err := s.store.FinalizeInvoiceRow(ctx, stripeID, total, fee, dueAt, hostedURL)
	if err != nil {
		return nil, fmt.Errorf("finalize invoice row: %w", err)
	}
	s.countTransition(storage.InvoiceStatusPending)

	entry := ledger.Entry{
		StripeID:      stripeID,
		CommissionID:  commission.ID,
		RequestID:     req.ID,
		BuyerID:       req.UserID,
		ArtistUserID:  artist.UserID,
		StripeAccount: inv.StripeAccount,
		Total:         total,
		DueAt:         dueAt.Unix(),
	}
	if err := s.ledger.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("cache invoice: %w", err)
	}
	if err := s.ledger.Schedule(ctx, stripeID, dueAt); err != nil {
		return nil, fmt.Errorf("schedule invoice expiry: %w", err)
	}

	s.notify(ctx, notify.WorkflowInvoiceSent, []uuid.UUID{req.UserID}, map[string]string{
		"request_id": req.ID.String(),
		"title":      commission.Title,
		"hosted_url": hostedURL,
		"due_at":     dueAt.Format(time.RFC3339),
	})
	return row, nil
}

// MarkInvoicePaid settles an invoice after the provider confirmed payment.
// Terminal rows are left untouched so replayed confirmations are no-ops,
// except that a row already paid still drains the schedule index and cache:
// a first attempt may have crashed between the row update and the cleanup,
// and a scheduled entry for a paid invoice would make every sweep try to
// void it.
func (s *Service) MarkInvoicePaid(ctx context.Context, stripeID string) error {
	entry, entryErr := s.ledger.Get(ctx, stripeID)

	_, err := s.store.UpdateInvoiceStatus(ctx, stripeID, storage.InvoiceStatusPaid)
	switch {
	case err == nil:
		s.countTransition(storage.InvoiceStatusPaid)
	case errors.Is(err, storage.ErrInvalidStatus):
		inv, getErr := s.store.GetInvoice(ctx, stripeID)
		if getErr != nil {
			return fmt.Errorf("load settled invoice: %w", getErr)
		}
		// A cancelled invoice cleans up through its own path.
		if inv.Status != storage.InvoiceStatusPaid {
			return nil
		}
	default:
		return fmt.Errorf("mark invoice paid: %w", err)
	}

	if err := s.ledger.Unschedule(ctx, stripeID); err != nil {
		return fmt.Errorf("unschedule paid invoice: %w", err)
	}
	if err := s.ledger.Delete(ctx, stripeID); err != nil {
		return fmt.Errorf("drop invoice cache: %w", err)
	}

	if entryErr == nil {
		if _, err := s.store.UpdateRequestStatus(ctx, entry.RequestID, storage.RequestStatusAccepted); err != nil {
			if !errors.Is(err, storage.ErrInvalidStatus) && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("confirm paid request: %w", err)
			}
		}
		s.notify(ctx, notify.WorkflowInvoicePaid, []uuid.UUID{entry.ArtistUserID, entry.BuyerID}, map[string]string{
			"request_id": entry.RequestID.String(),
			"stripe_id":  stripeID,
		})
	}
	return nil
}

// FailInvoice resolves an invoice the provider could not collect after its
// due date: mark uncollectible at the provider, reject the request and free
// the queue slot. Mirrors ExpireInvoice except the request lands in rejected
// and the provider-side invoice stays on the books as uncollectible.
func (s *Service) FailInvoice(ctx context.Context, stripeID string) (uuid.UUID, bool, error) {
	entry, err := s.ledger.Get(ctx, stripeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("load invoice cache: %w", err)
	}

	if err := s.provider.MarkUncollectible(ctx, stripeID, entry.StripeAccount); err != nil {
		return uuid.Nil, false, fmt.Errorf("mark invoice uncollectible: %w", err)
	}

	if _, err := s.store.UpdateInvoiceStatus(ctx, stripeID, storage.InvoiceStatusCancelled); err != nil {
		if !errors.Is(err, storage.ErrInvalidStatus) && !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, fmt.Errorf("cancel failed invoice: %w", err)
		}
	} else {
		s.countTransition(storage.InvoiceStatusCancelled)
	}
	if _, err := s.store.UpdateRequestStatus(ctx, entry.RequestID, storage.RequestStatusRejected); err != nil {
		if !errors.Is(err, storage.ErrInvalidStatus) && !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, fmt.Errorf("reject failed request: %w", err)
		}
	}

	promoted, ok, err := s.EvictAndPromote(ctx, entry.CommissionID, entry.RequestID)
	if err != nil {
		return uuid.Nil, false, err
	}

	if err := s.ledger.Unschedule(ctx, stripeID); err != nil {
		return uuid.Nil, false, fmt.Errorf("unschedule failed invoice: %w", err)
	}
	if err := s.ledger.Delete(ctx, stripeID); err != nil {
		return uuid.Nil, false, fmt.Errorf("drop invoice cache: %w", err)
	}

	s.notify(ctx, notify.WorkflowInvoiceExpired, []uuid.UUID{entry.BuyerID}, map[string]string{
		"request_id": entry.RequestID.String(),
		"stripe_id":  stripeID,
		"reason":     "payment_failed",
	})
	return promoted, ok, nil
}

// VoidInvoice cancels a live invoice by hand, provider first. The local row
// only flips after the provider accepted the void, so a crash in between is
// repaired by retrying the whole call.
func (s *Service) VoidInvoice(ctx context.Context, stripeID string) error {
	inv, err := s.store.GetInvoice(ctx, stripeID)
	if err != nil {
		return err
	}
	if inv.Status == storage.InvoiceStatusCancelled {
		return nil
	}

	if err := s.provider.VoidInvoice(ctx, stripeID, inv.StripeAccount); err != nil {
		return fmt.Errorf("void provider invoice: %w", err)
	}
	if _, err := s.store.UpdateInvoiceStatus(ctx, stripeID, storage.InvoiceStatusCancelled); err != nil {
		if !errors.Is(err, storage.ErrInvalidStatus) {
			return fmt.Errorf("cancel invoice row: %w", err)
		}
	} else {
		s.countTransition(storage.InvoiceStatusCancelled)
	}

	if err := s.ledger.Unschedule(ctx, stripeID); err != nil {
		return fmt.Errorf("unschedule voided invoice: %w", err)
	}
	if err := s.ledger.Delete(ctx, stripeID); err != nil {
		return fmt.Errorf("drop invoice cache: %w", err)
	}
	return nil
}

// ExpireInvoice resolves one overdue invoice: void at the provider, cancel
// the row and its request, free the queue slot. The provider void is the
// irrevocable boundary; any failure before local state converges is safe to
// retry because every following step tolerates being already done.
func (s *Service) ExpireInvoice(ctx context.Context, entry ledger.Entry) (uuid.UUID, bool, error) {
	if err := s.provider.VoidInvoice(ctx, entry.StripeID, entry.StripeAccount); err != nil {
		return uuid.Nil, false, fmt.Errorf("void expired invoice: %w", err)
	}

	if _, err := s.store.UpdateInvoiceStatus(ctx, entry.StripeID, storage.InvoiceStatusCancelled); err != nil {
		if !errors.Is(err, storage.ErrInvalidStatus) && !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, fmt.Errorf("cancel expired invoice: %w", err)
		}
	} else {
		s.countTransition(storage.InvoiceStatusCancelled)
	}

	if _, err := s.store.UpdateRequestStatus(ctx, entry.RequestID, storage.RequestStatusCancelled); err != nil {
		if !errors.Is(err, storage.ErrInvalidStatus) && !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, fmt.Errorf("cancel expired request: %w", err)
		}
	}

	promoted, ok, err := s.EvictAndPromote(ctx, entry.CommissionID, entry.RequestID)
	if err != nil {
		return uuid.Nil, false, err
	}

	if err := s.ledger.Unschedule(ctx, entry.StripeID); err != nil {
		return uuid.Nil, false, fmt.Errorf("unschedule expired invoice: %w", err)
	}
	if err := s.ledger.Delete(ctx, entry.StripeID); err != nil {
		return uuid.Nil, false, fmt.Errorf("drop invoice cache: %w", err)
	}

	s.notify(ctx, notify.WorkflowInvoiceExpired, []uuid.UUID{entry.BuyerID}, map[string]string{
		"request_id": entry.RequestID.String(),
		"stripe_id":  entry.StripeID,
	})
	return promoted, ok, nil
}

// ActivateRequest moves a promoted request into the active state and makes
// sure it carries a live invoice.
func (s *Service) ActivateRequest(ctx context.Context, requestID uuid.UUID) (*storage.Invoice, error) {
	req, err := s.store.UpdateRequestStatus(ctx, requestID, storage.RequestStatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("activate request: %w", err)
	}

	commission, err := s.store.GetCommission(ctx, req.CommissionID)
	if err != nil {
		return nil, fmt.Errorf("load commission: %w", err)
	}
	s.notify(ctx, notify.WorkflowCommissionAccepted, []uuid.UUID{req.UserID}, map[string]string{
		"request_id":    req.ID.String(),
		"commission_id": commission.ID.String(),
		"title":         commission.Title,
	})

	return s.EnsureInvoice(ctx, req)
}

// ExtendDueDate pushes a pending invoice's deadline into the future and
// rescores its expiry index member.
func (s *Service) ExtendDueDate(ctx context.Context, stripeID string, dueAt time.Time) error {
	if !dueAt.After(time.Now()) {
		return ErrDueDateInPast
	}
	dueAt = dueAt.UTC().Truncate(time.Second)

	inv, err := s.store.GetInvoice(ctx, stripeID)
	if err != nil {
		return err
	}
	if inv.Status != storage.InvoiceStatusPending {
		return storage.ErrInvalidStatus
	}

	if err := s.provider.UpdateInvoice(ctx, stripeID, stripe.UpdateParams{DueDate: dueAt.Unix()}, inv.StripeAccount); err != nil {
		return fmt.Errorf("extend provider due date: %w", err)
	}
	if err := s.store.UpdateInvoiceDueDate(ctx, stripeID, dueAt); err != nil {
		return fmt.Errorf("extend invoice due date: %w", err)
	}

	entry, err := s.ledger.Get(ctx, stripeID)
	if err == nil {
		entry.DueAt = dueAt.Unix()
		if err := s.ledger.Put(ctx, entry); err != nil {
			return fmt.Errorf("update invoice cache: %w", err)
		}
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("load invoice cache: %w", err)
	}
	if err := s.ledger.Schedule(ctx, stripeID, dueAt); err != nil {
		return fmt.Errorf("reschedule invoice expiry: %w", err)
	}

	if err == nil {
		s.notify(ctx, notify.WorkflowInvoiceExtended, []uuid.UUID{entry.BuyerID}, map[string]string{
			"request_id": entry.RequestID.String(),
			"stripe_id":  stripeID,
			"due_at":     dueAt.Format(time.RFC3339),
		})
	}
	return nil
}

// applicationFee computes the marketplace cut in minor units, rounded down.
// Supporter artists keep the whole amount.
func applicationFee(total, feeBps int64, supporter bool) int64 {
	if supporter || feeBps <= 0 || total <= 0 {
		return 0
	}
	return decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(feeBps)).
		Div(decimal.NewFromInt(10000)).
		Floor().
		IntPart()
}
