// Package stripe wraps the slice of the payment provider API the commission
// core depends on: draft invoices on connected accounts, line items, voiding
// and uncollectible marking. Calls carry a bounded timeout and are safe to
// retry; the provider keys every mutation by the invoice id.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const codeAlreadyVoided = "invoice_already_voided"

type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

type UpdateParams struct {
	DueDate        int64
	ApplicationFee int64
}

// Invoice is the provider-side view of an invoice.
type Invoice struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Paid             bool   `json:"paid"`
	DueDate          int64  `json:"due_date"`
	AmountDue        int64  `json:"amount_due"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
}

type Client interface {
	CreateInvoice(ctx context.Context, customer, account string) (string, error)
	AddLineItem(ctx context.Context, invoiceID string, item LineItem, account string) error
	UpdateInvoice(ctx context.Context, invoiceID string, params UpdateParams, account string) error
	FinalizeInvoice(ctx context.Context, invoiceID, account string) (string, error)
	VoidInvoice(ctx context.Context, invoiceID, account string) error
	MarkUncollectible(ctx context.Context, invoiceID, account string) error
	GetInvoice(ctx context.Context, invoiceID, account string) (*Invoice, error)
}

// Error is a decoded provider API error.
type Error struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stripe: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, customer, account string) (string, error) {
	form := url.Values{}
	form.Set("customer", customer)
	form.Set("collection_method", "send_invoice")
	form.Set("auto_advance", "false")

	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices", form, account, &inv); err != nil {
		return "", err
	}
	return inv.ID, nil
}

func (c *HTTPClient) AddLineItem(ctx context.Context, invoiceID string, item LineItem, account string) error {
	form := url.Values{}
	form.Set("invoice", invoiceID)
	form.Set("description", item.Name)
	form.Set("unit_amount", strconv.FormatInt(item.UnitAmount, 10))
	form.Set("quantity", strconv.FormatInt(item.Quantity, 10))
	return c.do(ctx, http.MethodPost, "/invoiceitems", form, account, nil)
}

func (c *HTTPClient) UpdateInvoice(ctx context.Context, invoiceID string, params UpdateParams, account string) error {
	form := url.Values{}
	if params.DueDate > 0 {
		form.Set("due_date", strconv.FormatInt(params.DueDate, 10))
	}
	if params.ApplicationFee > 0 {
		form.Set("application_fee_amount", strconv.FormatInt(params.ApplicationFee, 10))
	}
	return c.do(ctx, http.MethodPost, "/invoices/"+invoiceID, form, account, nil)
}

func (c *HTTPClient) FinalizeInvoice(ctx context.Context, invoiceID, account string) (string, error) {
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices/"+invoiceID+"/finalize", url.Values{}, account, &inv); err != nil {
		return "", err
	}
	return inv.HostedInvoiceURL, nil
}

// VoidInvoice cancels a finalized invoice. Voiding an already-void invoice is
// reported as success so racing cancellers converge.
func (c *HTTPClient) VoidInvoice(ctx context.Context, invoiceID, account string) error {
	err := c.do(ctx, http.MethodPost, "/invoices/"+invoiceID+"/void", url.Values{}, account, nil)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Code == codeAlreadyVoided {
		return nil
	}
	return err
}

func (c *HTTPClient) MarkUncollectible(ctx context.Context, invoiceID, account string) error {
	return c.do(ctx, http.MethodPost, "/invoices/"+invoiceID+"/mark_uncollectible", url.Values{}, account, nil)
}

func (c *HTTPClient) GetInvoice(ctx context.Context, invoiceID, account string) (*Invoice, error) {
	var inv Invoice
	if err := c.do(ctx, http.MethodGet, "/invoices/"+invoiceID, nil, account, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, form url.Values, account string, out any) error {
	var body io.Reader
	if form != nil && method != http.MethodGet {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if account != "" {
		req.Header.Set("Stripe-Account", account)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe call: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stripe read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var wrapper struct {
			Error *Error `json:"error"`
		}
		if jsonErr := json.Unmarshal(payload, &wrapper); jsonErr == nil && wrapper.Error != nil {
			apiErr.Code = wrapper.Error.Code
			apiErr.Message = wrapper.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("stripe decode response: %w", err)
		}
	}
	return nil
}
