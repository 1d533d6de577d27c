package telephony

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the placeholder providers wired in when
// no real provider credentials are present.
var ErrNotConfigured = errors.New("telephony provider not configured")

// UnconfiguredNumbers satisfies NumberProvider and rejects every call.
// Deployments without provider credentials keep the number routes mounted
// but answer 502 instead of panicking on a nil interface.
type UnconfiguredNumbers struct{}

func (UnconfiguredNumbers) Name() string { return "unconfigured" }

func (UnconfiguredNumbers) SearchNumbers(ctx context.Context, country string, smsRequired bool, limit int) ([]AvailableNumber, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredNumbers) PurchaseNumber(ctx context.Context, e164 string) (*PurchasedNumber, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredNumbers) ReleaseNumber(ctx context.Context, providerSID string) error {
	return ErrNotConfigured
}

func (UnconfiguredNumbers) ConfigureRedirect(ctx context.Context, providerSID, forwardTo string) error {
	return ErrNotConfigured
}

func (UnconfiguredNumbers) SetSMSEnabled(ctx context.Context, providerSID string, enabled bool) error {
	return ErrNotConfigured
}

// UnconfiguredVerification satisfies VerificationProvider and rejects every
// call.
type UnconfiguredVerification struct{}

func (UnconfiguredVerification) OrderNumber(ctx context.Context, service, country string) (*RentalOrder, error) {
	return nil, ErrNotConfigured
}

func (UnconfiguredVerification) CheckSMS(ctx context.Context, orderID string) (string, bool, error) {
	return "", false, ErrNotConfigured
}

func (UnconfiguredVerification) CancelOrder(ctx context.Context, orderID string) error {
	return ErrNotConfigured
}

func (UnconfiguredVerification) ListActiveOrders(ctx context.Context) ([]RentalOrder, error) {
	return nil, ErrNotConfigured
}
