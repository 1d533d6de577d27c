package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementKind distinguishes the two directions a balance can move.
type MovementKind string

const (
	MovementCredit MovementKind = "CREDIT"
	MovementDebit  MovementKind = "DEBIT"
)

// Balance is the single mutable row per tenant. It is created lazily on
// first read and only ever mutated by the ledger service under a row lock.
type Balance struct {
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// Movement is one immutable credit or debit against a tenant balance.
// ExternalReference carries the payment-provider identifier for credits
// and doubles as the idempotency key.
type Movement struct {
	ID                int64           `json:"id" db:"id"`
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Kind              MovementKind    `json:"kind" db:"kind"`
	Concept           string          `json:"concept" db:"concept"`
	ExternalReference string          `json:"external_reference,omitempty" db:"external_reference"`
	RelatedResourceID string          `json:"related_resource_id,omitempty" db:"related_resource_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}
