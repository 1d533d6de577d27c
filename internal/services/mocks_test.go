package services

import (
	"context"

	"github.com/numvia/backend/internal/gateway"
	"github.com/numvia/backend/internal/telephony"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateCheckoutSession(ctx context.Context, customerID string, amount decimal.Decimal, currency string, metadata map[string]string) (*gateway.CheckoutSession, error) {
	args := m.Called(ctx, customerID, amount, currency, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.CheckoutSession), args.Error(1)
}

func (m *MockGateway) GetSessionStatus(ctx context.Context, sessionID string) (*gateway.SessionStatus, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.SessionStatus), args.Error(1)
}

func (m *MockGateway) GetInvoice(ctx context.Context, invoiceID string) (*gateway.Invoice, error) {
	args := m.Called(ctx, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Invoice), args.Error(1)
}

func (m *MockGateway) VerifyAndParseEvent(payload []byte, signatureHeader string) (*gateway.Event, error) {
	args := m.Called(payload, signatureHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Event), args.Error(1)
}

type MockNumberProvider struct {
	mock.Mock
}

func (m *MockNumberProvider) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockNumberProvider) SearchNumbers(ctx context.Context, country string, smsRequired bool, limit int) ([]telephony.AvailableNumber, error) {
	args := m.Called(ctx, country, smsRequired, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]telephony.AvailableNumber), args.Error(1)
}

func (m *MockNumberProvider) PurchaseNumber(ctx context.Context, e164 string) (*telephony.PurchasedNumber, error) {
	args := m.Called(ctx, e164)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telephony.PurchasedNumber), args.Error(1)
}

func (m *MockNumberProvider) ReleaseNumber(ctx context.Context, providerSID string) error {
	args := m.Called(ctx, providerSID)
	return args.Error(0)
}

func (m *MockNumberProvider) ConfigureRedirect(ctx context.Context, providerSID, forwardTo string) error {
	args := m.Called(ctx, providerSID, forwardTo)
	return args.Error(0)
}

func (m *MockNumberProvider) SetSMSEnabled(ctx context.Context, providerSID string, enabled bool) error {
	args := m.Called(ctx, providerSID, enabled)
	return args.Error(0)
}

type MockVerificationProvider struct {
	mock.Mock
}

func (m *MockVerificationProvider) OrderNumber(ctx context.Context, service, country string) (*telephony.RentalOrder, error) {
	args := m.Called(ctx, service, country)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telephony.RentalOrder), args.Error(1)
}

func (m *MockVerificationProvider) CheckSMS(ctx context.Context, orderID string) (string, bool, error) {
	args := m.Called(ctx, orderID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockVerificationProvider) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockVerificationProvider) ListActiveOrders(ctx context.Context) ([]telephony.RentalOrder, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]telephony.RentalOrder), args.Error(1)
}
