// Package queue holds the per-commission request queue document: the ordered
// active and waitlist id lists that back every admission and expiry decision.
// The document lives in Redis and is only ever written as a whole under a
// version compare-and-swap, so concurrent read-modify-write cycles for the
// same commission never clobber each other.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
)

const defaultPrefix = "nemu:"

var (
	ErrVersionConflict = errors.New("queue version conflict")
)

var saveScript = redis.NewScript(`
local doc_key = KEYS[1]
local ver_key = KEYS[2]
local expected = ARGV[1]
local payload = ARGV[2]

local current = redis.call("GET", ver_key)
if not current then
  current = "0"
end
if current ~= expected then
  return 0
end

redis.call("SET", doc_key, payload)
redis.call("INCR", ver_key)
return 1
`)

// Doc is one commission's queue state. Version is the value observed at read
// time; Save only succeeds while it is still current.
type Doc struct {
	Version  int64    `json:"-"`
	Active   []string `json:"active"`
	Waitlist []string `json:"waitlist"`
}

func (d *Doc) Contains(requestID uuid.UUID) bool {
	id := requestID.String()
	for _, v := range d.Active {
		if v == id {
			return true
		}
	}
	for _, v := range d.Waitlist {
		if v == id {
			return true
		}
	}
	return false
}

func (d *Doc) InActive(requestID uuid.UUID) bool {
	id := requestID.String()
	for _, v := range d.Active {
		if v == id {
			return true
		}
	}
	return false
}

func (d *Doc) AppendActive(requestID uuid.UUID) {
	d.Active = append(d.Active, requestID.String())
}

func (d *Doc) AppendWaitlist(requestID uuid.UUID) {
	d.Waitlist = append(d.Waitlist, requestID.String())
}

// RemoveActive deletes requestID from the active list preserving order.
func (d *Doc) RemoveActive(requestID uuid.UUID) bool {
	id := requestID.String()
	for i, v := range d.Active {
		if v == id {
			d.Active = append(d.Active[:i], d.Active[i+1:]...)
			return true
		}
	}
	return false
}

// PromoteHead pops the waitlist head and appends it to active (FIFO).
func (d *Doc) PromoteHead() (uuid.UUID, bool) {
	if len(d.Waitlist) == 0 {
		return uuid.Nil, false
	}
	head := d.Waitlist[0]
	d.Waitlist = d.Waitlist[1:]
	d.Active = append(d.Active, head)
	promoted, err := uuid.Parse(head)
	if err != nil {
		return uuid.Nil, false
	}
	return promoted, true
}

// Position returns the 1-based waitlist position of requestID, or 0.
func (d *Doc) Position(requestID uuid.UUID) int {
	id := requestID.String()
	for i, v := range d.Waitlist {
		if v == id {
			return i + 1
		}
	}
	return 0
}

// Availability derives the commission's availability from the current counts.
// It is never stored: it must always equal this function of the live lists.
func (d *Doc) Availability(maxActive, maxUntilClosed int) string {
	if len(d.Active) < maxActive {
		return storage.AvailabilityOpen
	}
	if len(d.Active)+len(d.Waitlist) < maxUntilClosed {
		return storage.AvailabilityWaitlist
	}
	return storage.AvailabilityClosed
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

func (s *Store) docKey(commissionID uuid.UUID) string {
	return s.prefix + "queue:" + commissionID.String()
}

func (s *Store) verKey(commissionID uuid.UUID) string {
	return s.prefix + "queue:" + commissionID.String() + ":ver"
}

// Get loads the queue document for a commission. A commission with no
// document yet yields an empty version-0 doc; queues are created lazily and
// never deleted.
func (s *Store) Get(ctx context.Context, commissionID uuid.UUID) (Doc, error) {
	vals, err := s.client.MGet(ctx, s.docKey(commissionID), s.verKey(commissionID)).Result()
	if err != nil {
		return Doc{}, fmt.Errorf("queue get: %w", err)
	}

	doc := Doc{Active: []string{}, Waitlist: []string{}}
	if raw, ok := vals[0].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return Doc{}, fmt.Errorf("queue decode: %w", err)
		}
	}
	if raw, ok := vals[1].(string); ok && raw != "" {
		ver, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Doc{}, fmt.Errorf("queue version decode: %w", err)
		}
		doc.Version = ver
	}
	return doc, nil
}

// Save overwrites the whole document iff the stored version still equals
// doc.Version. On conflict the caller re-reads and retries the full
// read-modify-write.
func (s *Store) Save(ctx context.Context, commissionID uuid.UUID, doc Doc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("queue encode: %w", err)
	}

	keys := []string{s.docKey(commissionID), s.verKey(commissionID)}
	res, err := saveScript.Run(ctx, s.client, keys, strconv.FormatInt(doc.Version, 10), string(payload)).Result()
	if err != nil {
		return fmt.Errorf("queue save: %w", err)
	}

	ok, isInt := res.(int64)
	if !isInt {
		return fmt.Errorf("queue save: unexpected redis response %T", res)
	}
	if ok != 1 {
		return ErrVersionConflict
	}
	return nil
}
