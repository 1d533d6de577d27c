// Package telephony defines the provider contracts consumed by the number
// and verification services. The concrete Twilio/Plivo/SMSPool HTTP
// wrappers live outside this module; the services only depend on these
// interfaces.
package telephony

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AvailableNumber is a purchasable number returned by a search.
type AvailableNumber struct {
	E164         string
	Country      string
	SMSCapable   bool
	MonthlyPrice decimal.Decimal
}

// PurchasedNumber is the provider's record after a successful purchase.
type PurchasedNumber struct {
	ProviderSID  string
	E164         string
	MonthlyPrice decimal.Decimal
}

// NumberProvider is the Twilio/Plivo-shaped contract for owning numbers.
type NumberProvider interface {
	Name() string
	SearchNumbers(ctx context.Context, country string, smsRequired bool, limit int) ([]AvailableNumber, error)
	PurchaseNumber(ctx context.Context, e164 string) (*PurchasedNumber, error)
	ReleaseNumber(ctx context.Context, providerSID string) error
	ConfigureRedirect(ctx context.Context, providerSID, forwardTo string) error
	SetSMSEnabled(ctx context.Context, providerSID string, enabled bool) error
}

// RentalOrder is an active disposable-number rental at the marketplace.
type RentalOrder struct {
	OrderID   string
	E164      string
	Price     decimal.Decimal
	ExpiresAt time.Time
}

// VerificationProvider is the SMSPool-shaped contract for disposable
// SMS-verification numbers.
type VerificationProvider interface {
	OrderNumber(ctx context.Context, service, country string) (*RentalOrder, error)
	CheckSMS(ctx context.Context, orderID string) (code string, received bool, err error)
	CancelOrder(ctx context.Context, orderID string) error
	ListActiveOrders(ctx context.Context) ([]RentalOrder, error)
}
