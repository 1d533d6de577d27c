package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Audit entry statuses. Completed and Failed are terminal; AwaitingPayment
// is re-checked on the next monitor sweep; RequiresReview means money was
// collected by the provider without a matching ledger movement and must be
// resolved by an operator.
const (
	AuditStarted         = "STARTED"
	AuditCompleted       = "COMPLETED"
	AuditFailed          = "FAILED"
	AuditAwaitingPayment = "AWAITING_PAYMENT"
	AuditRequiresReview  = "REQUIRES_REVIEW"
)

// Operation types recorded in the audit log.
const (
	OpBalanceRecharge      = "BALANCE_RECHARGE"
	OpSubscriptionInvoice  = "SUBSCRIPTION_INVOICE"
	OpNumberPurchase       = "NUMBER_PURCHASE"
	OpVerificationRental   = "VERIFICATION_RENTAL"
)

// AuditEntry is one row per business-initiated payment operation, keyed by
// the payment-gateway session/invoice id. It is written by both the request
// path and the reconciliation monitor.
type AuditEntry struct {
	ID                int64           `json:"id" db:"id"`
	OperationType     string          `json:"operation_type" db:"operation_type"`
	ExternalReference string          `json:"external_reference" db:"external_reference"`
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Status            string          `json:"status" db:"status"`
	ErrorDetail       string          `json:"error_detail,omitempty" db:"error_detail"`
	RequestSnapshot   string          `json:"request_snapshot,omitempty" db:"request_snapshot"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}
