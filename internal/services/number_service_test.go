package services

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/numvia/backend/internal/telephony"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func numberFixture(t *testing.T) (*NumberService, sqlmock.Sqlmock, *MockNumberProvider) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	provider := new(MockNumberProvider)
	service := NewNumberService(db, NewLedgerService(db), provider)
	return service, dbMock, provider
}

func tenantRequest(method, target string, body []byte, params map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), "tenantID", "tenant1")
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

// expectDebit wires the debit sequence inside a charge transaction the
// service opens. The caller adds the expectations for its own writes and
// the commit; applied=false stops at the balance read and rolls back.
func expectDebit(dbMock sqlmock.Sqlmock, tenantID string, before, amount decimal.Decimal, applied bool) {
	dbMock.ExpectBegin()
	dbMock.ExpectExec("INSERT INTO balances").
		WithArgs(tenantID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	dbMock.ExpectQuery("SELECT amount FROM balances WHERE tenant_id = \\$1 FOR UPDATE").
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(before.String()))
	if !applied {
		dbMock.ExpectRollback()
		return
	}
	dbMock.ExpectExec("UPDATE balances SET amount = \\$1, last_updated = \\$2 WHERE tenant_id = \\$3").
		WithArgs(before.Sub(amount), sqlmock.AnyArg(), tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dbMock.ExpectExec("INSERT INTO movements").
		WithArgs(tenantID, amount, "DEBIT", sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestNumberService_SearchNumbers(t *testing.T) {
	t.Run("missing country rejected", func(t *testing.T) {
		service, _, _ := numberFixture(t)

		rec := httptest.NewRecorder()
		service.SearchNumbers(rec, tenantRequest(http.MethodGet, "/api/v1/numbers/search", nil, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("provider results returned", func(t *testing.T) {
		service, _, provider := numberFixture(t)
		provider.On("SearchNumbers", mock.Anything, "US", true, 20).
			Return([]telephony.AvailableNumber{
				{E164: "+15551234567", Country: "US", SMSCapable: true, MonthlyPrice: decimal.NewFromInt(2)},
			}, nil)

		rec := httptest.NewRecorder()
		service.SearchNumbers(rec, tenantRequest(http.MethodGet, "/api/v1/numbers/search?country=US&sms=true", nil, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "+15551234567")
	})

	t.Run("provider failure maps to 502", func(t *testing.T) {
		service, _, provider := numberFixture(t)
		provider.On("SearchNumbers", mock.Anything, "US", false, 20).
			Return(nil, errors.New("upstream down"))

		rec := httptest.NewRecorder()
		service.SearchNumbers(rec, tenantRequest(http.MethodGet, "/api/v1/numbers/search?country=US", nil, nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestNumberService_BuyNumber(t *testing.T) {
	body := []byte(`{"e164":"+15551234567","country":"US"}`)

	t.Run("successful purchase debits and stores", func(t *testing.T) {
		service, dbMock, provider := numberFixture(t)
		provider.On("Name").Return("twilio")
		provider.On("PurchaseNumber", mock.Anything, "+15551234567").
			Return(&telephony.PurchasedNumber{
				ProviderSID:  "PN123",
				E164:         "+15551234567",
				MonthlyPrice: decimal.NewFromInt(2),
			}, nil)

		expectDebit(dbMock, "tenant1", decimal.NewFromInt(10), decimal.NewFromInt(2), true)
		dbMock.ExpectExec("INSERT INTO phone_numbers").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectCommit()

		rec := httptest.NewRecorder()
		service.BuyNumber(rec, tenantRequest(http.MethodPost, "/api/v1/numbers", body, nil))
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		provider.AssertNotCalled(t, "ReleaseNumber")
	})

	t.Run("failed row insert rolls the charge back and releases the number", func(t *testing.T) {
		service, dbMock, provider := numberFixture(t)
		provider.On("Name").Return("twilio")
		provider.On("PurchaseNumber", mock.Anything, "+15551234567").
			Return(&telephony.PurchasedNumber{
				ProviderSID:  "PN123",
				E164:         "+15551234567",
				MonthlyPrice: decimal.NewFromInt(2),
			}, nil)
		provider.On("ReleaseNumber", mock.Anything, "PN123").Return(nil)

		expectDebit(dbMock, "tenant1", decimal.NewFromInt(10), decimal.NewFromInt(2), true)
		dbMock.ExpectExec("INSERT INTO phone_numbers").
			WillReturnError(errors.New("constraint violated"))
		dbMock.ExpectRollback()

		rec := httptest.NewRecorder()
		service.BuyNumber(rec, tenantRequest(http.MethodPost, "/api/v1/numbers", body, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		// The debit rolled back with the insert, so the tenant was never
		// charged for a number that has no local record.
		assert.NoError(t, dbMock.ExpectationsWereMet())
		provider.AssertCalled(t, "ReleaseNumber", mock.Anything, "PN123")
	})

	t.Run("insufficient balance releases the number and returns 402", func(t *testing.T) {
		service, dbMock, provider := numberFixture(t)
		provider.On("Name").Return("twilio")
		provider.On("PurchaseNumber", mock.Anything, "+15551234567").
			Return(&telephony.PurchasedNumber{
				ProviderSID:  "PN123",
				E164:         "+15551234567",
				MonthlyPrice: decimal.NewFromInt(2),
			}, nil)
		provider.On("ReleaseNumber", mock.Anything, "PN123").Return(nil)

		expectDebit(dbMock, "tenant1", decimal.NewFromInt(1), decimal.NewFromInt(2), false)

		rec := httptest.NewRecorder()
		service.BuyNumber(rec, tenantRequest(http.MethodPost, "/api/v1/numbers", body, nil))
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		provider.AssertCalled(t, "ReleaseNumber", mock.Anything, "PN123")
	})

	t.Run("provider purchase failure maps to 502", func(t *testing.T) {
		service, _, provider := numberFixture(t)
		provider.On("PurchaseNumber", mock.Anything, "+15551234567").
			Return(nil, errors.New("no longer available"))

		rec := httptest.NewRecorder()
		service.BuyNumber(rec, tenantRequest(http.MethodPost, "/api/v1/numbers", body, nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		service, _, _ := numberFixture(t)

		rec := httptest.NewRecorder()
		service.BuyNumber(rec, tenantRequest(http.MethodPost, "/api/v1/numbers", []byte(`{"e164":"not-a-number","country":"US"}`), nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestNumberService_ReleaseNumber(t *testing.T) {
	t.Run("unknown number returns 404", func(t *testing.T) {
		service, dbMock, _ := numberFixture(t)
		dbMock.ExpectQuery("FROM phone_numbers").
			WithArgs("num_x", "tenant1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "provider_sid", "e164", "status"}))

		rec := httptest.NewRecorder()
		service.ReleaseNumber(rec, tenantRequest(http.MethodDelete, "/api/v1/numbers/num_x", nil,
			map[string]string{"numberId": "num_x"}))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("owned number released at provider and locally", func(t *testing.T) {
		service, dbMock, provider := numberFixture(t)
		dbMock.ExpectQuery("FROM phone_numbers").
			WithArgs("num_1", "tenant1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "provider_sid", "e164", "status"}).
				AddRow("num_1", "tenant1", "PN123", "+15551234567", "ACTIVE"))
		provider.On("ReleaseNumber", mock.Anything, "PN123").Return(nil)
		dbMock.ExpectExec("UPDATE phone_numbers SET status = \\$1 WHERE id = \\$2").
			WithArgs("RELEASED", "num_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec := httptest.NewRecorder()
		service.ReleaseNumber(rec, tenantRequest(http.MethodDelete, "/api/v1/numbers/num_1", nil,
			map[string]string{"numberId": "num_1"}))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestNumberService_RenewDue(t *testing.T) {
	ctx := context.Background()
	dueColumns := []string{"id", "tenant_id", "e164", "monthly_price"}

	t.Run("due number renews and advances the date", func(t *testing.T) {
		service, dbMock, _ := numberFixture(t)

		dbMock.ExpectQuery("FROM phone_numbers").
			WithArgs("ACTIVE").
			WillReturnRows(sqlmock.NewRows(dueColumns).
				AddRow("num_1", "tenant1", "+15551234567", "2"))

		expectDebit(dbMock, "tenant1", decimal.NewFromInt(10), decimal.NewFromInt(2), true)
		dbMock.ExpectExec("UPDATE phone_numbers SET renews_at = renews_at \\+ INTERVAL '1 month' WHERE id = \\$1").
			WithArgs("num_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		service.RenewDue(ctx)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("interrupted renewal charges nothing", func(t *testing.T) {
		// The debit and the renews_at advance share one transaction: if
		// the advance fails, the charge rolls back with it and the next
		// sweep retries the whole renewal instead of debiting twice.
		service, dbMock, _ := numberFixture(t)

		dbMock.ExpectQuery("FROM phone_numbers").
			WithArgs("ACTIVE").
			WillReturnRows(sqlmock.NewRows(dueColumns).
				AddRow("num_1", "tenant1", "+15551234567", "2"))

		expectDebit(dbMock, "tenant1", decimal.NewFromInt(10), decimal.NewFromInt(2), true)
		dbMock.ExpectExec("UPDATE phone_numbers SET renews_at = renews_at \\+ INTERVAL '1 month' WHERE id = \\$1").
			WithArgs("num_1").
			WillReturnError(errors.New("connection reset"))
		dbMock.ExpectRollback()

		service.RenewDue(ctx)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("insufficient balance suspends instead of releasing", func(t *testing.T) {
		service, dbMock, _ := numberFixture(t)

		dbMock.ExpectQuery("FROM phone_numbers").
			WithArgs("ACTIVE").
			WillReturnRows(sqlmock.NewRows(dueColumns).
				AddRow("num_1", "tenant1", "+15551234567", "2"))

		expectDebit(dbMock, "tenant1", decimal.NewFromInt(1), decimal.NewFromInt(2), false)
		dbMock.ExpectExec("UPDATE phone_numbers SET status = \\$1 WHERE id = \\$2").
			WithArgs("SUSPENDED", "num_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service.RenewDue(ctx)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("nothing due is a quiet pass", func(t *testing.T) {
		service, dbMock, _ := numberFixture(t)

		dbMock.ExpectQuery("FROM phone_numbers").
			WithArgs("ACTIVE").
			WillReturnRows(sqlmock.NewRows(dueColumns))

		service.RenewDue(ctx)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
