// Package rbx is a client for the RBX billing API and the contacts API used by the billing flow.
//
// Both APIs take JSON bodies whose top-level key names the operation. Responses are read with
// gjson because their shape varies per operation and numbers often arrive as strings.
package rbx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/validate"
	"github.com/tidwall/gjson"
)

// Defaults
const (
	DefaultAccountNumber = 3
	DefaultTimeout       = 15 * time.Second
	maxResponseBytes     = 1 << 20
)

// ErrNotFound is returned when the API answers successfully but has no matching record.
var ErrNotFound = errors.New("rbx: not found")

// ErrNotConfigured is returned by NewClient when URLs or the key are missing.
var ErrNotConfigured = errors.New("rbx: client not configured")

// Customer is a billing customer.
type Customer struct {
	Code     int64  `json:"code"`
	Name     string `json:"name"`
	Document string `json:"document"`
}

// Invoice is an unpaid billing document.
type Invoice struct {
	ID      int64   `json:"id"`
	DueDate string  `json:"due_date"` // yyyy-mm-dd
	Value   float64 `json:"value"`
}

// Opts holds configuration options for the Client.
type Opts struct {
	ServerURL     string // rbx_server_json endpoint (customer queries)
	WSURL         string // ws_json endpoint (documents, billets, pix, payment notices)
	APIKey        string
	AccountNumber int
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Client.
type Option func(*Opts)

// WithServerURL sets the customer query endpoint.
func WithServerURL(u string) Option {
	return func(o *Opts) {
		o.ServerURL = u
	}
}

// WithWSURL sets the document endpoint.
func WithWSURL(u string) Option {
	return func(o *Opts) {
		o.WSURL = u
	}
}

// WithAPIKey sets the integration key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithAccountNumber sets the account used when listing unpaid documents.
func WithAccountNumber(n int) Option {
	return func(o *Opts) {
		o.AccountNumber = n
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client calls the RBX billing API.
type Client struct {
	serverURL string
	wsURL     string
	apiKey    string
	account   int
	http      *http.Client
}

// NewClient creates a Client. ServerURL, WSURL and APIKey are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{AccountNumber: DefaultAccountNumber}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ServerURL == "" || cfg.WSURL == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		serverURL: cfg.ServerURL,
		wsURL:     cfg.WSURL,
		apiKey:    cfg.APIKey,
		account:   cfg.AccountNumber,
		http:      cfg.HTTPClient,
	}, nil
}

// FindCustomer looks a customer up by CPF/CNPJ. Punctuation is stripped before querying.
func (c *Client) FindCustomer(ctx context.Context, document string) (*Customer, error) {
	doc := validate.Digits(document)
	if doc == "" {
		return nil, ErrNotFound
	}
	payload := map[string]any{
		"ConsultaClientes": map[string]any{
			"Autenticacao": map[string]any{"ChaveIntegracao": c.apiKey},
			"Filtro":       fmt.Sprintf("CNPJ_CNPF='%s'", doc),
		},
	}
	res, err := postJSON(ctx, c.http, c.serverURL, nil, payload)
	if err != nil {
		slog.Error("rbx.FindCustomer: request failed", "error", err)
		return nil, err
	}
	first := res.Get("result.0")
	if !first.Exists() {
		slog.Debug("rbx.FindCustomer: no customer for document")
		return nil, ErrNotFound
	}
	return &Customer{
		Code:     first.Get("Codigo").Int(),
		Name:     strings.TrimSpace(first.Get("Nome").String()),
		Document: first.Get("CNPJ_CNPF").String(),
	}, nil
}

// UnpaidDocuments lists the open invoices of a customer. An empty list is ErrNotFound.
func (c *Client) UnpaidDocuments(ctx context.Context, customerCode int64) ([]Invoice, error) {
	res, err := c.ws(ctx, "get_unpaid_document", map[string]any{
		"customer_id":    customerCode,
		"account_number": c.account,
	})
	if err != nil {
		slog.Error("rbx.UnpaidDocuments: request failed", "error", err, "customer", customerCode)
		return nil, err
	}
	var invoices []Invoice
	res.Get("result").ForEach(func(_, v gjson.Result) bool {
		invoices = append(invoices, Invoice{
			ID:      v.Get("id").Int(),
			DueDate: v.Get("due_date").String(),
			Value:   v.Get("value_init").Float(),
		})
		return true
	})
	if len(invoices) == 0 {
		return nil, ErrNotFound
	}
	slog.Debug("rbx.UnpaidDocuments: found", "customer", customerCode, "count", len(invoices))
	return invoices, nil
}

// BilletLink returns the PDF link of an invoice's bank slip.
func (c *Client) BilletLink(ctx context.Context, invoiceID int64) (string, error) {
	res, err := c.ws(ctx, "get_banking_billet", map[string]any{"document_id": invoiceID})
	if err != nil {
		slog.Error("rbx.BilletLink: request failed", "error", err, "invoice", invoiceID)
		return "", err
	}
	link := res.Get("result.banking_billet_link").String()
	if link == "" {
		return "", ErrNotFound
	}
	return link, nil
}

// PixCode returns the PIX copy-and-paste code of an invoice.
func (c *Client) PixCode(ctx context.Context, invoiceID int64) (string, error) {
	res, err := c.ws(ctx, "get_pix_copia_cola", map[string]any{
		"banking_billet_id":   invoiceID,
		"send_pix_copia_cola": false,
	})
	if err != nil {
		slog.Error("rbx.PixCode: request failed", "error", err, "invoice", invoiceID)
		return "", err
	}
	code := res.Get("result")
	if code.Type != gjson.String || code.String() == "" {
		return "", ErrNotFound
	}
	return code.String(), nil
}

// NotifyPayment reports that an invoice was paid on isoDate (yyyy-mm-dd).
// It returns false when the API declined the notice.
func (c *Client) NotifyPayment(ctx context.Context, invoiceID, customerCode int64, isoDate string) (bool, error) {
	res, err := c.ws(ctx, "send_payment_notification", map[string]any{
		"document_id":  invoiceID,
		"payment_date": isoDate,
		"customer_id":  customerCode,
	})
	if err != nil {
		slog.Error("rbx.NotifyPayment: request failed", "error", err, "invoice", invoiceID)
		return false, err
	}
	accepted := truthy(res.Get("result"))
	slog.Debug("rbx.NotifyPayment: done", "invoice", invoiceID, "accepted", accepted)
	return accepted, nil
}

// truthy treats a non-empty string, a non-zero number, true or any object as acceptance.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	default:
		return false
	}
}

func (c *Client) ws(ctx context.Context, operation string, body map[string]any) (gjson.Result, error) {
	headers := map[string]string{"authentication_key": c.apiKey}
	return postJSON(ctx, c.http, c.wsURL, headers, map[string]any{operation: body})
}

// postJSON posts payload and returns the parsed response body.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (gjson.Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return gjson.Result{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("invalid JSON response from %s", req.URL.Host)
	}
	return gjson.ParseBytes(body), nil
}
