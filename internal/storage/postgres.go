package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status transition")

	commissionsEventPrefix = "commissions:"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetCommission(ctx context.Context, commissionID uuid.UUID) (*Commission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, artist_id, title, max_active, max_until_closed, price, created_at, updated_at
		FROM commissions
		WHERE id = $1
	`, commissionID)
	var c Commission
	if err := row.Scan(&c.ID, &c.ArtistID, &c.Title, &c.MaxActive, &c.MaxUntilClosed, &c.Price, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetArtist(ctx context.Context, artistID uuid.UUID) (*Artist, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, display_name, stripe_account, stripe_customer, onboarded, supporter, created_at, updated_at
		FROM artists
		WHERE id = $1
	`, artistID)
	return scanArtistRow(row)
}

func (s *Store) GetCustomerID(ctx context.Context, userID uuid.UUID) (string, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT stripe_customer
		FROM billing_customers
		WHERE user_id = $1
	`, userID)
	var customer string
	if err := row.Scan(&customer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return customer, nil
}

// CreateRequest inserts a request row keyed by the caller-supplied id. The
// insert is idempotent: a duplicate id returns the existing row with
// created=false.
func (s *Store) CreateRequest(ctx context.Context, req Request) (*Request, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO requests (id, commission_id, user_id, status, message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, commission_id, user_id, status, message, created_at, updated_at
	`, req.ID, req.CommissionID, req.UserID, req.Status, req.Message)

	stored, err := scanRequestRow(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, commission_id, user_id, status, message, created_at, updated_at
		FROM requests
		WHERE id = $1
	`, requestID)
	req, err := scanRequestRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

// UpdateRequestStatus moves a request to a new status. Terminal statuses are
// sticky: the guarded UPDATE matches nothing and ErrInvalidStatus is returned.
func (s *Store) UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status string) (*Request, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE requests
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ('rejected','cancelled','delivered')
		RETURNING id, commission_id, user_id, status, message, created_at, updated_at
	`, status, requestID)

	req, err := scanRequestRow(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		var existing string
		check := s.pool.QueryRow(ctx, `SELECT status FROM requests WHERE id = $1`, requestID)
		if scanErr := check.Scan(&existing); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, scanErr
		}
		return nil, ErrInvalidStatus
	}
	return req, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (stripe_id, request_id, status, total, application_fee, due_at, stripe_account, hosted_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, inv.StripeID, inv.RequestID, inv.Status, inv.Total, inv.ApplicationFee, inv.DueAt, inv.StripeAccount, inv.HostedURL)
	return err
}

func (s *Store) GetInvoice(ctx context.Context, stripeID string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT stripe_id, request_id, status, total, application_fee, due_at, stripe_account, hosted_url, created_at, updated_at
		FROM invoices
		WHERE stripe_id = $1
	`, stripeID)
	inv, err := scanInvoiceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inv, nil
}

// GetLiveInvoiceByRequest returns the single non-cancelled invoice bound to a
// request, if any.
func (s *Store) GetLiveInvoiceByRequest(ctx context.Context, requestID uuid.UUID) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT stripe_id, request_id, status, total, application_fee, due_at, stripe_account, hosted_url, created_at, updated_at
		FROM invoices
		WHERE request_id = $1 AND status <> 'cancelled'
		ORDER BY created_at DESC
		LIMIT 1
	`, requestID)
	inv, err := scanInvoiceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inv, nil
}

// UpdateInvoiceStatus applies a monotonic status transition. Paid and
// cancelled rows never change again; attempting to do so yields
// ErrInvalidStatus so callers can decide whether the race is benign.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, stripeID string, status string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE invoices
		SET status = $1, updated_at = now()
		WHERE stripe_id = $2 AND status NOT IN ('paid','cancelled')
		RETURNING stripe_id, request_id, status, total, application_fee, due_at, stripe_account, hosted_url, created_at, updated_at
	`, status, stripeID)

	inv, err := scanInvoiceRow(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		var existing string
		check := s.pool.QueryRow(ctx, `SELECT status FROM invoices WHERE stripe_id = $1`, stripeID)
		if scanErr := check.Scan(&existing); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, scanErr
		}
		return nil, ErrInvalidStatus
	}
	return inv, nil
}

func (s *Store) FinalizeInvoiceRow(ctx context.Context, stripeID string, total, applicationFee int64, dueAt time.Time, hostedURL string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE invoices
		SET status = 'pending', total = $1, application_fee = $2, due_at = $3, hosted_url = $4, updated_at = now()
		WHERE stripe_id = $5 AND status = 'creating'
		RETURNING stripe_id, request_id, status, total, application_fee, due_at, stripe_account, hosted_url, created_at, updated_at
	`, total, applicationFee, dueAt, hostedURL, stripeID)

	inv, err := scanInvoiceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStatus
		}
		return nil, err
	}
	return inv, nil
}

func (s *Store) UpdateInvoiceDueDate(ctx context.Context, stripeID string, dueAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET due_at = $1, updated_at = now()
		WHERE stripe_id = $2 AND status = 'pending'
	`, dueAt, stripeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// SetArtistOnboarded flips the onboarded flag for a connected account. The
// returned bool reports whether this call performed the transition.
func (s *Store) SetArtistOnboarded(ctx context.Context, stripeAccount string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artists
		SET onboarded = true, updated_at = now()
		WHERE stripe_account = $1 AND onboarded = false
	`, stripeAccount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetArtistSupporterByCustomer(ctx context.Context, stripeCustomer string, supporter bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artists
		SET supporter = $1, updated_at = now()
		WHERE stripe_customer = $2
	`, supporter, stripeCustomer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	key := eventKey(eventID)
	if key == "" {
		return false, nil
	}
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, key)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) error {
	key := eventKey(eventID)
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, key)
	return err
}

func (s *Store) InsertAudit(ctx context.Context, log AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, actor_type, action, entity_type, entity_id, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
	`, log.ActorID, log.ActorType, log.Action, log.EntityType, log.EntityID, map[string]string{
		"ip":         log.IP,
		"user_agent": log.UserAgent,
	})
	return err
}

func eventKey(eventID string) string {
	trimmed := strings.TrimSpace(eventID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, commissionsEventPrefix) {
		return trimmed
	}
	return commissionsEventPrefix + trimmed
}

func scanArtistRow(row pgx.Row) (*Artist, error) {
	var a Artist
	if err := row.Scan(&a.ID, &a.UserID, &a.DisplayName, &a.StripeAccount, &a.StripeCustomer, &a.Onboarded, &a.Supporter, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanRequestRow(row pgx.Row) (*Request, error) {
	var r Request
	if err := row.Scan(&r.ID, &r.CommissionID, &r.UserID, &r.Status, &r.Message, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanInvoiceRow(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	if err := row.Scan(&inv.StripeID, &inv.RequestID, &inv.Status, &inv.Total, &inv.ApplicationFee, &inv.DueAt, &inv.StripeAccount, &inv.HostedURL, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}
