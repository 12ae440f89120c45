package flows

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/rbx"
	"github.com/BTreeMap/ChatFlow/internal/validate"
)

// ErrOrderNotFound is returned by an OrderTracker for unknown order numbers.
var ErrOrderNotFound = errors.New("order not found")

// OrderStatus is the tracking state of an order.
type OrderStatus struct {
	Number            string    `json:"numero"`
	Status            string    `json:"status"`
	EstimatedDelivery time.Time `json:"previsao_entrega"`
}

// OrderTracker looks orders up by number.
type OrderTracker interface {
	Track(ctx context.Context, number string) (*OrderStatus, error)
}

// SampleDirectory is an in-memory CustomerDirectory.
type SampleDirectory struct {
	mu        sync.RWMutex
	customers map[string]rbx.Customer
	// Default, when set, is returned for any well-formed document not in the map.
	Default *rbx.Customer
}

// NewSampleDirectory returns a directory that knows every well-formed document as João da Silva.
func NewSampleDirectory() *SampleDirectory {
	return &SampleDirectory{
		customers: make(map[string]rbx.Customer),
		Default:   &rbx.Customer{Code: 1001, Name: "João da Silva"},
	}
}

// Add registers a customer under its document.
func (d *SampleDirectory) Add(c rbx.Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.customers == nil {
		d.customers = make(map[string]rbx.Customer)
	}
	d.customers[validate.Digits(c.Document)] = c
}

// FindCustomer implements CustomerDirectory.
func (d *SampleDirectory) FindCustomer(ctx context.Context, document string) (*rbx.Customer, error) {
	doc := validate.Digits(document)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.customers[doc]; ok {
		return &c, nil
	}
	if d.Default != nil && validate.Document(doc) {
		c := *d.Default
		c.Document = doc
		return &c, nil
	}
	return nil, rbx.ErrNotFound
}

// SampleBilling is an in-memory Billing backend with two open invoices per customer.
type SampleBilling struct {
	*SampleDirectory
	now func() time.Time

	mu      sync.Mutex
	notices []string
}

// NewSampleBilling creates a SampleBilling whose invoices are due around now.
func NewSampleBilling(now func() time.Time) *SampleBilling {
	if now == nil {
		now = time.Now
	}
	return &SampleBilling{SampleDirectory: NewSampleDirectory(), now: now}
}

// UnpaidDocuments implements Billing.
func (b *SampleBilling) UnpaidDocuments(ctx context.Context, customerCode int64) ([]rbx.Invoice, error) {
	today := b.now()
	return []rbx.Invoice{
		{ID: customerCode*100 + 1, DueDate: today.AddDate(0, 0, -20).Format(time.DateOnly), Value: 99.9},
		{ID: customerCode*100 + 2, DueDate: today.AddDate(0, 0, 10).Format(time.DateOnly), Value: 1249.5},
	}, nil
}

// BilletLink implements Billing.
func (b *SampleBilling) BilletLink(ctx context.Context, invoiceID int64) (string, error) {
	return fmt.Sprintf("https://boletos.exemplo.com.br/%d.pdf", invoiceID), nil
}

// PixCode implements Billing.
func (b *SampleBilling) PixCode(ctx context.Context, invoiceID int64) (string, error) {
	return fmt.Sprintf("00020126580014BR.GOV.BCB.PIX0136exemplo-%d5204000053039865802BR", invoiceID), nil
}

// NotifyPayment implements Billing and remembers the notice.
func (b *SampleBilling) NotifyPayment(ctx context.Context, invoiceID, customerCode int64, isoDate string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, fmt.Sprintf("%d:%d:%s", customerCode, invoiceID, isoDate))
	return true, nil
}

// Notices returns the payment notices received, as "customer:invoice:date".
func (b *SampleBilling) Notices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.notices...)
}

var sampleStatuses = []string{"Em processamento", "Enviado", "Em trânsito", "Saiu para entrega"}

// SampleOrders derives a stable status from the order number.
type SampleOrders struct {
	now func() time.Time
}

// NewSampleOrders creates a SampleOrders tracker.
func NewSampleOrders(now func() time.Time) *SampleOrders {
	if now == nil {
		now = time.Now
	}
	return &SampleOrders{now: now}
}

// Track implements OrderTracker. Numbers starting with "0" are unknown.
func (o *SampleOrders) Track(ctx context.Context, number string) (*OrderStatus, error) {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "0") {
		return nil, ErrOrderNotFound
	}
	h := fnv.New32a()
	h.Write([]byte(number))
	sum := h.Sum32()
	return &OrderStatus{
		Number:            number,
		Status:            sampleStatuses[sum%uint32(len(sampleStatuses))],
		EstimatedDelivery: o.now().AddDate(0, 0, 2+int(sum%5)),
	}, nil
}
