package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/numvia/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAuditService_RegisterStart(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	ctx := context.Background()

	t.Run("new entry registered as started", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO payment_audit").
			WithArgs(models.OpBalanceRecharge, "cs_test_001", "tenant1",
				decimal.NewFromInt(50), models.AuditStarted, `{"amount":"50"}`, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.RegisterStart(ctx, models.OpBalanceRecharge, "cs_test_001", "tenant1",
			decimal.NewFromInt(50), `{"amount":"50"}`)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing reference is a no-op", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO payment_audit").
			WithArgs(models.OpBalanceRecharge, "cs_test_001", "tenant1",
				decimal.NewFromInt(50), models.AuditStarted, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.RegisterStart(ctx, models.OpBalanceRecharge, "cs_test_001", "tenant1",
			decimal.NewFromInt(50), "")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditService_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	ctx := context.Background()

	t.Run("existing entry transitions", func(t *testing.T) {
		mock.ExpectExec("UPDATE payment_audit").
			WithArgs(models.AuditCompleted, "", sqlmock.AnyArg(), "cs_test_001").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.UpdateStatus(ctx, "cs_test_001", models.AuditCompleted, "")
		assert.NoError(t, err)
	})

	t.Run("unknown reference never creates an entry", func(t *testing.T) {
		mock.ExpectExec("UPDATE payment_audit").
			WithArgs(models.AuditFailed, "session expired", sqlmock.AnyArg(), "cs_unknown").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.UpdateStatus(ctx, "cs_unknown", models.AuditFailed, "session expired")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditService_GetByReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	ctx := context.Background()

	auditColumns := []string{
		"id", "operation_type", "external_reference", "tenant_id", "amount",
		"status", "error_detail", "request_snapshot", "created_at", "updated_at",
	}

	t.Run("existing entry", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, operation_type, external_reference, tenant_id, amount, status").
			WithArgs("cs_test_001").
			WillReturnRows(sqlmock.NewRows(auditColumns).
				AddRow(7, models.OpBalanceRecharge, "cs_test_001", "tenant1", "50",
					models.AuditStarted, "", "", now, now))

		entry, err := service.GetByReference(ctx, "cs_test_001")
		assert.NoError(t, err)
		assert.NotNil(t, entry)
		assert.Equal(t, "tenant1", entry.TenantID)
		assert.Equal(t, models.AuditStarted, entry.Status)
	})

	t.Run("missing entry returns nil without error", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, operation_type, external_reference, tenant_id, amount, status").
			WithArgs("cs_missing").
			WillReturnRows(sqlmock.NewRows(auditColumns))

		entry, err := service.GetByReference(ctx, "cs_missing")
		assert.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestAuditService_ListPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	ctx := context.Background()

	auditColumns := []string{
		"id", "operation_type", "external_reference", "tenant_id", "amount",
		"status", "error_detail", "request_snapshot", "created_at", "updated_at",
	}

	t.Run("terminal and review statuses excluded, oldest first", func(t *testing.T) {
		// RequiresReview is excluded alongside the terminal statuses:
		// those entries wait for an operator, and re-listing them would
		// re-alert on every sweep.
		now := time.Now()
		mock.ExpectQuery("FROM payment_audit").
			WithArgs(models.AuditCompleted, models.AuditFailed, models.AuditRequiresReview, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(auditColumns).
				AddRow(1, models.OpBalanceRecharge, "cs_old", "tenant1", "50",
					models.AuditStarted, "", "", now.Add(-3*time.Hour), now.Add(-3*time.Hour)).
				AddRow(2, models.OpSubscriptionInvoice, "in_mid", "tenant2", "10",
					models.AuditAwaitingPayment, "", "", now.Add(-2*time.Hour), now.Add(-time.Hour)))

		entries, err := service.ListPending(ctx, 24)
		assert.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, "cs_old", entries[0].ExternalReference)
		assert.Equal(t, "in_mid", entries[1].ExternalReference)
	})

	t.Run("nothing pending", func(t *testing.T) {
		mock.ExpectQuery("FROM payment_audit").
			WithArgs(models.AuditCompleted, models.AuditFailed, models.AuditRequiresReview, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(auditColumns))

		entries, err := service.ListPending(ctx, 24)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})
}
