package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phone number lifecycle statuses.
const (
	NumberActive    = "ACTIVE"
	NumberSuspended = "SUSPENDED"
	NumberReleased  = "RELEASED"
)

// PhoneNumber is a number purchased from a telephony provider on behalf
// of a tenant. MonthlyPrice is what the tenant is debited on renewal.
type PhoneNumber struct {
	ID           string          `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	Provider     string          `json:"provider" db:"provider"`
	ProviderSID  string          `json:"provider_sid" db:"provider_sid"`
	E164         string          `json:"e164" db:"e164"`
	Country      string          `json:"country" db:"country"`
	SMSEnabled   bool            `json:"sms_enabled" db:"sms_enabled"`
	ForwardTo    string          `json:"forward_to,omitempty" db:"forward_to"`
	MonthlyPrice decimal.Decimal `json:"monthly_price" db:"monthly_price"`
	Status       string          `json:"status" db:"status"`
	RenewsAt     time.Time       `json:"renews_at" db:"renews_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Verification rental statuses.
const (
	RentalActive    = "ACTIVE"
	RentalCompleted = "COMPLETED"
	RentalCancelled = "CANCELLED"
	RentalRefunded  = "REFUNDED"
)

// VerificationRental is a disposable SMS-verification number rented from
// the verification marketplace for a single service code.
type VerificationRental struct {
	ID              string          `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	ProviderOrderID string          `json:"provider_order_id" db:"provider_order_id"`
	Service         string          `json:"service" db:"service"`
	Country         string          `json:"country" db:"country"`
	E164            string          `json:"e164" db:"e164"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Code            string          `json:"code,omitempty" db:"code"`
	Status          string          `json:"status" db:"status"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
