// Package gateway defines the narrow contract the core needs from the
// payment processor: create a checkout session, re-query a session or
// invoice, and verify inbound webhook signatures.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the provider has no record of the
// referenced session or invoice.
var ErrNotFound = errors.New("gateway: resource not found")

// ErrSignature is returned when a webhook payload fails signature
// verification. It is permanent and must never be retried.
var ErrSignature = errors.New("gateway: invalid webhook signature")

// TransientError wraps provider failures that are safe to retry
// (timeouts, 5xx, rate limits).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "gateway: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Payment statuses as reported by the provider.
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// CheckoutSession is the result of creating a hosted payment page.
type CheckoutSession struct {
	ID  string
	URL string
}

// SessionStatus is the provider's current view of a checkout session.
type SessionStatus struct {
	ID             string
	PaymentStatus  string
	AmountTotal    decimal.Decimal
	Currency       string
	SubscriptionID string
}

// Invoice is the provider's record of a subscription invoice.
type Invoice struct {
	ID             string
	AmountPaid     decimal.Decimal
	Currency       string
	SubscriptionID string
	CustomerID     string
}

// Event is a verified, parsed webhook notification.
type Event struct {
	ID         string
	Type       string
	ObjectID   string // session or invoice id the event refers to
	CustomerID string
	Metadata   map[string]string
	RawJSON    []byte
}

// Adapter is the payment-processor boundary consumed by the payment
// service and the reconciliation monitor.
type Adapter interface {
	CreateCheckoutSession(ctx context.Context, customerID string, amount decimal.Decimal, currency string, metadata map[string]string) (*CheckoutSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	VerifyAndParseEvent(payload []byte, signatureHeader string) (*Event, error)
}
