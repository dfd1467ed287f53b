// Package ledger keeps the hot-path mirror of invoice state: a per-invoice
// cache entry with everything needed to resolve an expiry without a
// relational join, plus the due-time sorted index the reconciler scans.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "nemu:"

var ErrNotFound = errors.New("invoice cache entry not found")

// Entry mirrors the authoritative invoice row plus the denormalized ids the
// reconciler needs. An absent entry means the invoice already reached a
// terminal state and was resolved by another actor.
type Entry struct {
	StripeID      string    `json:"stripe_id"`
	CommissionID  uuid.UUID `json:"commission_id"`
	RequestID     uuid.UUID `json:"request_id"`
	BuyerID       uuid.UUID `json:"buyer_id"`
	ArtistUserID  uuid.UUID `json:"artist_user_id"`
	StripeAccount string    `json:"stripe_account"`
	Total         int64     `json:"total"`
	DueAt         int64     `json:"due_at"`
}

type Store struct {
	client *redis.Client
	prefix string
}

func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) entryKey(stripeID string) string {
	return s.prefix + "invoice:" + stripeID
}

func (s *Store) dueKey() string {
	return s.prefix + "invoices:due"
}

func (s *Store) dashboardLinkKey(stripeAccount string) string {
	return s.prefix + "dashlink:" + stripeAccount
}

func (s *Store) Put(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger encode: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(entry.StripeID), payload, 0).Err(); err != nil {
		return fmt.Errorf("ledger put: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, stripeID string) (Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(stripeID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("ledger decode: %w", err)
	}
	return entry, nil
}

func (s *Store) Delete(ctx context.Context, stripeID string) error {
	if err := s.client.Del(ctx, s.entryKey(stripeID)).Err(); err != nil {
		return fmt.Errorf("ledger delete: %w", err)
	}
	return nil
}

// Schedule registers an invoice in the due index, scored by its due time.
func (s *Store) Schedule(ctx context.Context, stripeID string, dueAt time.Time) error {
	member := redis.Z{Score: float64(dueAt.Unix()), Member: stripeID}
	if err := s.client.ZAdd(ctx, s.dueKey(), member).Err(); err != nil {
		return fmt.Errorf("ledger schedule: %w", err)
	}
	return nil
}

// Due returns every scheduled invoice id with a due time at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger due scan: %w", err)
	}
	return ids, nil
}

func (s *Store) Unschedule(ctx context.Context, stripeID string) error {
	if err := s.client.ZRem(ctx, s.dueKey(), stripeID).Err(); err != nil {
		return fmt.Errorf("ledger unschedule: %w", err)
	}
	return nil
}

// InvalidateDashboardLink drops the cached express-dashboard login link for a
// connected account after its capabilities change.
func (s *Store) InvalidateDashboardLink(ctx context.Context, stripeAccount string) error {
	if err := s.client.Del(ctx, s.dashboardLinkKey(stripeAccount)).Err(); err != nil {
		return fmt.Errorf("dashboard link invalidate: %w", err)
	}
	return nil
}
