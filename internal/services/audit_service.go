package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/numvia/backend/internal/models"
	"github.com/shopspring/decimal"
)

// AuditService keeps the independent, append-only record of payment
// operations keyed by external reference. It is deliberately decoupled
// from the ledger: a crash between "money taken" and "balance credited"
// leaves a Started entry the reconciliation monitor can find.
type AuditService struct {
	db *sql.DB
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// RegisterStart inserts a Started entry for the operation. Registration is
// idempotent: an existing entry with the same external reference wins and
// the call is a no-op.
func (s *AuditService) RegisterStart(ctx context.Context, operationType, externalReference, tenantID string, amount decimal.Decimal, requestSnapshot string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_audit (operation_type, external_reference, tenant_id, amount, status, request_snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (external_reference) DO NOTHING`,
		operationType, externalReference, tenantID, amount, models.AuditStarted, requestSnapshot, now)
	if err != nil {
		return fmt.Errorf("register audit start: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		log.Printf("[AUDIT] Entry already registered: %s", externalReference)
	}
	return nil
}

// UpdateStatus transitions the entry identified by externalReference. A
// missing entry is logged and ignored: start must precede update, and an
// update must never create state implicitly.
func (s *AuditService) UpdateStatus(ctx context.Context, externalReference, newStatus, errorDetail string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_audit
		SET status = $1, error_detail = $2, updated_at = $3
		WHERE external_reference = $4`,
		newStatus, errorDetail, time.Now(), externalReference)
	if err != nil {
		return fmt.Errorf("update audit status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		log.Printf("[AUDIT] Update for unknown reference ignored: %s -> %s", externalReference, newStatus)
	}
	return nil
}

// GetByReference fetches one audit entry, or (nil, nil) when none exists.
func (s *AuditService) GetByReference(ctx context.Context, externalReference string) (*models.AuditEntry, error) {
	var e models.AuditEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, operation_type, external_reference, tenant_id, amount, status,
		       COALESCE(error_detail, '') AS error_detail,
		       COALESCE(request_snapshot, '') AS request_snapshot,
		       created_at, updated_at
		FROM payment_audit WHERE external_reference = $1`, externalReference).
		Scan(&e.ID, &e.OperationType, &e.ExternalReference, &e.TenantID,
			&e.Amount, &e.Status, &e.ErrorDetail, &e.RequestSnapshot, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return &e, nil
}

// ListPending returns entries awaiting reconciliation within the window,
// oldest first. Completed and Failed are terminal; RequiresReview entries
// wait for manual resolution and are excluded so the sweep does not
// re-alert operators every interval.
func (s *AuditService) ListPending(ctx context.Context, hoursBack int) ([]models.AuditEntry, error) {
	since := time.Now().Add(-time.Duration(hoursBack) * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_type, external_reference, tenant_id, amount, status,
		       COALESCE(error_detail, '') AS error_detail,
		       COALESCE(request_snapshot, '') AS request_snapshot,
		       created_at, updated_at
		FROM payment_audit
		WHERE status NOT IN ($1, $2, $3) AND created_at >= $4
		ORDER BY created_at ASC`,
		models.AuditCompleted, models.AuditFailed, models.AuditRequiresReview, since)
	if err != nil {
		return nil, fmt.Errorf("list pending audit entries: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.OperationType, &e.ExternalReference, &e.TenantID,
			&e.Amount, &e.Status, &e.ErrorDetail, &e.RequestSnapshot, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
