package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/ledger"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/queue"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/stripe"
)

type fakeStore struct {
	mu          sync.Mutex
	commissions map[uuid.UUID]storage.Commission
	artists     map[uuid.UUID]storage.Artist
	customers   map[uuid.UUID]string
	requests    map[uuid.UUID]storage.Request
	invoices    []storage.Invoice
	audits      []storage.AuditLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commissions: map[uuid.UUID]storage.Commission{},
		artists:     map[uuid.UUID]storage.Artist{},
		customers:   map[uuid.UUID]string{},
		requests:    map[uuid.UUID]storage.Request{},
	}
}

func (f *fakeStore) GetCommission(_ context.Context, id uuid.UUID) (*storage.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commissions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) GetArtist(_ context.Context, id uuid.UUID) (*storage.Artist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artists[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &a, nil
}

func (f *fakeStore) GetCustomerID(_ context.Context, userID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateRequest(_ context.Context, req storage.Request) (*storage.Request, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.requests[req.ID]; ok {
		return &existing, false, nil
	}
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	f.requests[req.ID] = req
	return &req, true, nil
}

func (f *fakeStore) GetRequest(_ context.Context, id uuid.UUID) (*storage.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (f *fakeStore) UpdateRequestStatus(_ context.Context, id uuid.UUID, status string) (*storage.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.TerminalRequestStatus(r.Status) {
		return nil, storage.ErrInvalidStatus
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	f.requests[id] = r
	return &r, nil
}

func (f *fakeStore) CreateInvoice(_ context.Context, inv storage.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	f.invoices = append(f.invoices, inv)
	return nil
}

func (f *fakeStore) GetInvoice(_ context.Context, stripeID string) (*storage.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.invoices {
		if f.invoices[i].StripeID == stripeID {
			inv := f.invoices[i]
			return &inv, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetLiveInvoiceByRequest(_ context.Context, requestID uuid.UUID) (*storage.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.invoices) - 1; i >= 0; i-- {
		if f.invoices[i].RequestID == requestID && f.invoices[i].Status != storage.InvoiceStatusCancelled {
			inv := f.invoices[i]
			return &inv, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) UpdateInvoiceStatus(_ context.Context, stripeID, status string) (*storage.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.invoices {
		if f.invoices[i].StripeID != stripeID {
			continue
		}
		if storage.TerminalInvoiceStatus(f.invoices[i].Status) {
			return nil, storage.ErrInvalidStatus
		}
		f.invoices[i].Status = status
		f.invoices[i].UpdatedAt = time.Now()
		inv := f.invoices[i]
		return &inv, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) FinalizeInvoiceRow(_ context.Context, stripeID string, total, applicationFee int64, dueAt time.Time, hostedURL string) (*storage.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.invoices {
		if f.invoices[i].StripeID != stripeID {
			continue
		}
		if f.invoices[i].Status != storage.InvoiceStatusCreating {
			return nil, storage.ErrInvalidStatus
		}
		f.invoices[i].Status = storage.InvoiceStatusPending
		f.invoices[i].Total = total
		f.invoices[i].ApplicationFee = applicationFee
		f.invoices[i].DueAt = &dueAt
		f.invoices[i].HostedURL = hostedURL
		f.invoices[i].UpdatedAt = time.Now()
		inv := f.invoices[i]
		return &inv, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) UpdateInvoiceDueDate(_ context.Context, stripeID string, dueAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.invoices {
		if f.invoices[i].StripeID != stripeID {
			continue
		}
		if f.invoices[i].Status != storage.InvoiceStatusPending {
			return storage.ErrInvalidStatus
		}
		f.invoices[i].DueAt = &dueAt
		return nil
	}
	return storage.ErrInvalidStatus
}

func (f *fakeStore) InsertAudit(_ context.Context, log storage.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, log)
	return nil
}

type providerInvoice struct {
	customer  string
	account   string
	items     []stripe.LineItem
	dueDate   int64
	fee       int64
	finalized bool
	voided    bool
}

type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	invoices  map[string]*providerInvoice
	voidErr   error
	voidCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{invoices: map[string]*providerInvoice{}}
}

func (p *fakeProvider) CreateInvoice(_ context.Context, customer, account string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("in_%03d", p.seq)
	p.invoices[id] = &providerInvoice{customer: customer, account: account}
	return id, nil
}

func (p *fakeProvider) AddLineItem(_ context.Context, invoiceID string, item stripe.LineItem, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("unknown invoice %s", invoiceID)
	}
	inv.items = append(inv.items, item)
	return nil
}

func (p *fakeProvider) UpdateInvoice(_ context.Context, invoiceID string, params stripe.UpdateParams, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("unknown invoice %s", invoiceID)
	}
	if params.DueDate > 0 {
		inv.dueDate = params.DueDate
	}
	if params.ApplicationFee > 0 {
		inv.fee = params.ApplicationFee
	}
	return nil
}

func (p *fakeProvider) FinalizeInvoice(_ context.Context, invoiceID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return "", fmt.Errorf("unknown invoice %s", invoiceID)
	}
	inv.finalized = true
	return "https://pay.example/" + invoiceID, nil
}

func (p *fakeProvider) VoidInvoice(_ context.Context, invoiceID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voidErr != nil {
		return p.voidErr
	}
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("unknown invoice %s", invoiceID)
	}
	if !inv.voided {
		inv.voided = true
		p.voidCalls++
	}
	return nil
}

func (p *fakeProvider) MarkUncollectible(_ context.Context, _, _ string) error { return nil }

func (p *fakeProvider) GetInvoice(_ context.Context, invoiceID, _ string) (*stripe.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, &stripe.Error{StatusCode: 404, Code: "resource_missing", Message: "no such invoice"}
	}
	status := "draft"
	if inv.finalized {
		status = "open"
	}
	if inv.voided {
		status = "void"
	}
	return &stripe.Invoice{ID: invoiceID, Status: status, DueDate: inv.dueDate}, nil
}

type sentNotification struct {
	workflow   string
	recipients []uuid.UUID
	data       map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Trigger(_ context.Context, workflow string, recipients []uuid.UUID, data map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{workflow: workflow, recipients: recipients, data: data})
}

func (f *fakeNotifier) workflows() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, n := range f.sent {
		out[i] = n.workflow
	}
	return out
}

type testEnv struct {
	svc        *Service
	store      *fakeStore
	provider   *fakeProvider
	notifier   *fakeNotifier
	queue      *queue.Store
	ledger     *ledger.Store
	commission storage.Commission
	artist     storage.Artist
}

func newTestEnv(t *testing.T, maxActive, maxUntilClosed int) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newFakeStore()
	artist := storage.Artist{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		DisplayName:   "inkwell",
		StripeAccount: "acct_artist",
		Onboarded:     true,
	}
	commission := storage.Commission{
		ID:             uuid.New(),
		ArtistID:       artist.ID,
		Title:          "Bust sketch",
		MaxActive:      maxActive,
		MaxUntilClosed: maxUntilClosed,
		Price:          1500,
	}
	store.artists[artist.ID] = artist
	store.commissions[commission.ID] = commission

	provider := newFakeProvider()
	notifier := &fakeNotifier{}
	queueStore := queue.NewStore(client, "test:")
	ledgerStore := ledger.NewStore(client, "test:")

	svc := New(Deps{
		Store:    store,
		Queue:    queueStore,
		Ledger:   ledgerStore,
		Provider: provider,
		Notifier: notifier,
		FeeBps:   1000,
		DueIn:    48 * time.Hour,
	})

	return &testEnv{
		svc:        svc,
		store:      store,
		provider:   provider,
		notifier:   notifier,
		queue:      queueStore,
		ledger:     ledgerStore,
		commission: commission,
		artist:     artist,
	}
}

// admit submits a fresh request from a new buyer and returns the decision.
func (e *testEnv) admit(t *testing.T) (*Decision, AdmitParams) {
	t.Helper()
	userID := uuid.New()
	e.store.mu.Lock()
	e.store.customers[userID] = "cus_" + userID.String()[:8]
	e.store.mu.Unlock()

	params := AdmitParams{
		RequestID:    uuid.New(),
		CommissionID: e.commission.ID,
		UserID:       userID,
		Message:      "please draw my fursona",
	}
	decision, err := e.svc.Admit(context.Background(), params)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return decision, params
}
