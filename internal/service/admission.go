package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/notify"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/queue"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
)

type AdmitParams struct {
	RequestID    uuid.UUID
	CommissionID uuid.UUID
	UserID       uuid.UUID
	Message      string
	IP           string
	UserAgent    string
}

// Decision is the outcome of one admission attempt. Position is the 1-based
// waitlist slot for waitlisted requests and 0 otherwise. Replayed marks a
// decision that was recorded by an earlier attempt with the same request id.
type Decision struct {
	Request    *storage.Request
	Status     string
	Position   int
	InvoiceURL string
	Replayed   bool
}

// Admit decides a commission request: active while slots remain, waitlisted
// while the total queue is below the closing threshold, rejected otherwise.
// The same request id always replays the recorded decision, so transport
// retries never occupy a second slot.
func (s *Service) Admit(ctx context.Context, p AdmitParams) (*Decision, error) {
	commission, err := s.store.GetCommission(ctx, p.CommissionID)
	if err != nil {
		return nil, fmt.Errorf("load commission: %w", err)
	}

	if existing, err := s.store.GetRequest(ctx, p.RequestID); err == nil {
		return s.replay(ctx, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	var (
		decided  string
		position int
	)
	for attempt := 0; ; attempt++ {
		doc, err := s.queue.Get(ctx, p.CommissionID)
		if err != nil {
			return nil, err
		}

		// A queue entry with no row means a previous attempt crashed after
		// the document write. Honor the recorded slot and recreate the row.
		if doc.Contains(p.RequestID) {
			if doc.InActive(p.RequestID) {
				decided = storage.RequestStatusAccepted
			} else {
				decided = storage.RequestStatusWaitlist
				position = doc.Position(p.RequestID)
			}
			break
		}

		position = 0
		switch doc.Availability(commission.MaxActive, commission.MaxUntilClosed) {
		case storage.AvailabilityOpen:
			doc.AppendActive(p.RequestID)
			decided = storage.RequestStatusAccepted
		case storage.AvailabilityWaitlist:
			doc.AppendWaitlist(p.RequestID)
			decided = storage.RequestStatusWaitlist
			position = doc.Position(p.RequestID)
		default:
			decided = storage.RequestStatusRejected
		}

		if decided == storage.RequestStatusRejected {
			break
		}

		err = s.queue.Save(ctx, p.CommissionID, doc)
		if err == nil {
			break
		}
		if !errors.Is(err, queue.ErrVersionConflict) || attempt >= maxSaveRetries {
			return nil, fmt.Errorf("save queue: %w", err)
		}
	}

	req, created, err := s.store.CreateRequest(ctx, storage.Request{
		ID:           p.RequestID,
		CommissionID: p.CommissionID,
		UserID:       p.UserID,
		Status:       decided,
		Message:      p.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if !created {
		return s.replay(ctx, req)
	}

	s.countDecision(decided)
	if err := s.store.InsertAudit(ctx, storage.AuditLog{
		ActorID:    p.UserID,
		ActorType:  "user",
		Action:     "commission.request." + decided,
		EntityType: "request",
		EntityID:   &req.ID,
		IP:         p.IP,
		UserAgent:  p.UserAgent,
	}); err != nil {
		s.logger.Error("audit insert failed", "request_id", req.ID, "error", err)
	}

	decision := &Decision{Request: req, Status: decided, Position: position}
	s.notifyDecision(ctx, commission, decision)

	if decided == storage.RequestStatusAccepted {
		inv, err := s.EnsureInvoice(ctx, req)
		if err != nil {
			s.logger.Error("invoice creation after admission failed", "request_id", req.ID, "error", err)
			return decision, nil
		}
		decision.InvoiceURL = inv.HostedURL
	}
	return decision, nil
}

// replay rebuilds the decision for a request that was already admitted. For
// accepted requests it also repairs a missing invoice.
func (s *Service) replay(ctx context.Context, req *storage.Request) (*Decision, error) {
	decision := &Decision{Request: req, Status: req.Status, Replayed: true}

	switch req.Status {
	case storage.RequestStatusWaitlist:
		doc, err := s.queue.Get(ctx, req.CommissionID)
		if err != nil {
			return nil, err
		}
		decision.Position = doc.Position(req.ID)
	case storage.RequestStatusAccepted:
		inv, err := s.EnsureInvoice(ctx, req)
		if err != nil {
			s.logger.Error("invoice repair on replay failed", "request_id", req.ID, "error", err)
			return decision, nil
		}
		decision.InvoiceURL = inv.HostedURL
	}
	return decision, nil
}

func (s *Service) notifyDecision(ctx context.Context, commission *storage.Commission, decision *Decision) {
	data := map[string]string{
		"request_id":    decision.Request.ID.String(),
		"commission_id": commission.ID.String(),
		"title":         commission.Title,
	}

	switch decision.Status {
	case storage.RequestStatusAccepted:
		s.notify(ctx, notify.WorkflowCommissionAccepted, []uuid.UUID{decision.Request.UserID}, data)
	case storage.RequestStatusWaitlist:
		data["position"] = strconv.Itoa(decision.Position)
		s.notify(ctx, notify.WorkflowCommissionWaitlist, []uuid.UUID{decision.Request.UserID}, data)
	case storage.RequestStatusRejected:
		s.notify(ctx, notify.WorkflowCommissionRejected, []uuid.UUID{decision.Request.UserID}, data)
		return
	}

	// The artist hears about every request that landed in their queue.
	artist, err := s.store.GetArtist(ctx, commission.ArtistID)
	if err != nil {
		s.logger.Error("artist lookup for notification failed", "commission_id", commission.ID, "error", err)
		return
	}
	s.notify(ctx, notify.WorkflowCommissionRequested, []uuid.UUID{artist.UserID}, data)
}

// QueueView is a read-only snapshot of one commission's queue.
type QueueView struct {
	Active       []string `json:"active"`
	Waitlist     []string `json:"waitlist"`
	Availability string   `json:"availability"`
}

func (s *Service) Queue(ctx context.Context, commissionID uuid.UUID) (*QueueView, error) {
	commission, err := s.store.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.queue.Get(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	return &QueueView{
		Active:       doc.Active,
		Waitlist:     doc.Waitlist,
		Availability: doc.Availability(commission.MaxActive, commission.MaxUntilClosed),
	}, nil
}

// EvictAndPromote removes a request from the active list and, only when the
// removal actually happened, promotes the waitlist head into the freed slot.
// Conditioning promotion on the removal makes the whole call idempotent: a
// retry after a partial failure finds nothing to remove and promotes nobody.
func (s *Service) EvictAndPromote(ctx context.Context, commissionID, requestID uuid.UUID) (uuid.UUID, bool, error) {
	for attempt := 0; ; attempt++ {
		doc, err := s.queue.Get(ctx, commissionID)
		if err != nil {
			return uuid.Nil, false, err
		}

		if !doc.RemoveActive(requestID) {
			return uuid.Nil, false, nil
		}
		promoted, ok := doc.PromoteHead()

		err = s.queue.Save(ctx, commissionID, doc)
		if err == nil {
			return promoted, ok, nil
		}
		if !errors.Is(err, queue.ErrVersionConflict) || attempt >= maxSaveRetries {
			return uuid.Nil, false, fmt.Errorf("save queue: %w", err)
		}
	}
}
