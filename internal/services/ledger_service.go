package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/numvia/backend/internal/models"
	"github.com/shopspring/decimal"
)

// ErrNonPositiveAmount rejects credits and debits of zero or negative
// amounts. It signals a programming error in the caller, never a business
// outcome.
var ErrNonPositiveAmount = errors.New("ledger: amount must be positive")

// errDuplicateReference reports that the unique index on
// movements.external_reference rejected an insert: another transaction
// recorded the same payment first. The enclosing transaction is aborted
// and must roll back.
var errDuplicateReference = errors.New("ledger: reference already recorded")

// LedgerService owns the balances and movements tables. Every mutation is
// a single read-modify-write transaction holding a row lock on the tenant
// balance, so concurrent credits and debits for one tenant serialize while
// distinct tenants proceed in parallel.
type LedgerService struct {
	db    *sql.DB
	retry RetryPolicy
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		retry: DBTransientPolicy(),
	}
}

// BalanceSnapshot returns the tenant's balance row, creating a zero row
// on first sight.
func (s *LedgerService) BalanceSnapshot(ctx context.Context, tenantID string) (*models.Balance, error) {
	var b models.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, amount, last_updated FROM balances WHERE tenant_id = $1`, tenantID).
		Scan(&b.TenantID, &b.Amount, &b.LastUpdated)
	if err == nil {
		return &b, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO balances (tenant_id, amount, last_updated)
		VALUES ($1, 0, NOW())
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("create balance: %w", err)
	}

	// Re-read instead of assuming zero: a concurrent writer may have
	// created and credited the row between the miss and the insert.
	err = s.db.QueryRowContext(ctx, `
		SELECT tenant_id, amount, last_updated FROM balances WHERE tenant_id = $1`, tenantID).
		Scan(&b.TenantID, &b.Amount, &b.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return &b, nil
}

// GetBalance returns the tenant's current balance amount.
func (s *LedgerService) GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	b, err := s.BalanceSnapshot(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}

// HasSufficientBalance reports whether the tenant can cover required. A
// non-positive required amount is a caller bug.
func (s *LedgerService) HasSufficientBalance(ctx context.Context, tenantID string, required decimal.Decimal) (bool, error) {
	if required.Sign() <= 0 {
		return false, ErrNonPositiveAmount
	}
	balance, err := s.GetBalance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(required), nil
}

// Credit increases the tenant balance and appends a credit movement. When
// externalReference is set and a movement with that reference already
// exists, the call is a no-op success: this is the primary double-payment
// defense. The returned bool reports whether a new movement was applied.
//
// When dbTx is non-nil the credit participates in the caller's transaction
// instead of opening its own; the caller then owns commit and retry.
func (s *LedgerService) Credit(ctx context.Context, tenantID string, amount decimal.Decimal, concept, externalReference string, dbTx *sql.Tx) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrNonPositiveAmount
	}

	if dbTx != nil {
		return s.creditTx(ctx, dbTx, tenantID, amount, concept, externalReference)
	}

	var applied bool
	err := s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin credit: %w", err)
		}
		defer tx.Rollback()

		applied, err = s.creditTx(ctx, tx, tenantID, amount, concept, externalReference)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, errDuplicateReference) {
		return false, nil
	}
	return applied, err
}

func (s *LedgerService) creditTx(ctx context.Context, tx *sql.Tx, tenantID string, amount decimal.Decimal, concept, externalReference string) (bool, error) {
	balance, err := s.lockBalance(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}

	// The reference check runs only after the row lock is held: concurrent
	// credits for one tenant serialize on the lock, so the later
	// transaction's read sees the winner's committed movement.
	if externalReference != "" {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM movements WHERE external_reference = $1)`,
			externalReference).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check credit reference: %w", err)
		}
		if exists {
			log.Printf("[LEDGER] Duplicate credit skipped: tenant=%s ref=%s", tenantID, externalReference)
			return false, nil
		}
	}

	if err := s.writeBalance(ctx, tx, tenantID, balance.Add(amount)); err != nil {
		return false, err
	}

	if err := s.appendMovement(ctx, tx, tenantID, amount, models.MovementCredit, concept, externalReference, ""); err != nil {
		if externalReference != "" && isUniqueViolation(err) {
			// The same reference landed from a transaction this one never
			// serialized with. The movement exists, so the payment is
			// already credited.
			log.Printf("[LEDGER] Duplicate credit rejected by index: tenant=%s ref=%s", tenantID, externalReference)
			return false, errDuplicateReference
		}
		return false, err
	}

	log.Printf("[LEDGER] Credit applied: tenant=%s amount=%s ref=%s", tenantID, amount.String(), externalReference)
	return true, nil
}

// Debit decreases the tenant balance if it covers amount. The insufficient
// case returns (false, nil): a normal outcome, not an error. The balance
// is re-read under a row lock so two concurrent debits cannot both pass a
// stale sufficient-balance check.
//
// When dbTx is non-nil the debit participates in the caller's transaction,
// letting the charge commit atomically with the caller's own writes; the
// caller then owns commit and retry.
func (s *LedgerService) Debit(ctx context.Context, tenantID string, amount decimal.Decimal, concept, relatedResourceID string, dbTx *sql.Tx) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrNonPositiveAmount
	}

	if dbTx != nil {
		return s.debitTx(ctx, dbTx, tenantID, amount, concept, relatedResourceID)
	}

	var applied bool
	err := s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin debit: %w", err)
		}
		defer tx.Rollback()

		applied, err = s.debitTx(ctx, tx, tenantID, amount, concept, relatedResourceID)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		return tx.Commit()
	})
	return applied, err
}

func (s *LedgerService) debitTx(ctx context.Context, tx *sql.Tx, tenantID string, amount decimal.Decimal, concept, relatedResourceID string) (bool, error) {
	balance, err := s.lockBalance(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}

	if balance.LessThan(amount) {
		log.Printf("[LEDGER] Insufficient balance: tenant=%s have=%s need=%s", tenantID, balance.String(), amount.String())
		return false, nil
	}

	if err := s.writeBalance(ctx, tx, tenantID, balance.Sub(amount)); err != nil {
		return false, err
	}
	if err := s.appendMovement(ctx, tx, tenantID, amount, models.MovementDebit, concept, "", relatedResourceID); err != nil {
		return false, err
	}
	return true, nil
}

// ListMovements returns the tenant's newest movements first, bounded by
// limit. Ties on timestamp resolve by insertion order.
func (s *LedgerService) ListMovements(ctx context.Context, tenantID string, limit int) ([]models.Movement, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, amount, kind, concept,
		       COALESCE(external_reference, '') AS external_reference,
		       COALESCE(related_resource_id, '') AS related_resource_id,
		       created_at
		FROM movements
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	movements := []models.Movement{}
	for rows.Next() {
		var m models.Movement
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Amount, &m.Kind, &m.Concept,
			&m.ExternalReference, &m.RelatedResourceID, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ExistsMovementWithReference reports whether any movement carries the
// given external reference. It sits on the webhook hot path, so transient
// storage errors are retried before surfacing.
func (s *LedgerService) ExistsMovementWithReference(ctx context.Context, externalReference string) (bool, error) {
	var exists bool
	err := s.retry.Do(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM movements WHERE external_reference = $1)`,
			externalReference).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check movement reference: %w", err)
	}
	return exists, nil
}

// lockBalance creates the balance row if missing and locks it for the
// remainder of the transaction.
func (s *LedgerService) lockBalance(ctx context.Context, tx *sql.Tx, tenantID string) (decimal.Decimal, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (tenant_id, amount, last_updated)
		VALUES ($1, 0, NOW())
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure balance row: %w", err)
	}

	var amount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock balance row: %w", err)
	}
	return amount, nil
}

func (s *LedgerService) writeBalance(ctx context.Context, tx *sql.Tx, tenantID string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances SET amount = $1, last_updated = $2 WHERE tenant_id = $3`,
		amount, time.Now(), tenantID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *LedgerService) appendMovement(ctx context.Context, tx *sql.Tx, tenantID string, amount decimal.Decimal, kind models.MovementKind, concept, externalReference, relatedResourceID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO movements (tenant_id, amount, kind, concept, external_reference, related_resource_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		tenantID, amount, kind, concept, externalReference, relatedResourceID, time.Now())
	if err != nil {
		return fmt.Errorf("append movement: %w", err)
	}
	return nil
}
