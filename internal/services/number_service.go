package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/numvia/backend/internal/models"
	"github.com/numvia/backend/internal/telephony"
)

// NumberService sells provider phone numbers to tenants and keeps them
// renewed. Every charge goes through the ledger with the number id as the
// related resource, so each debit is attributable to one number.
type NumberService struct {
	db        *sql.DB
	ledger    *LedgerService
	provider  telephony.NumberProvider
	validator *ValidationHelper
	apiRetry  RetryPolicy
}

func NewNumberService(db *sql.DB, ledger *LedgerService, provider telephony.NumberProvider) *NumberService {
	return &NumberService{
		db:        db,
		ledger:    ledger,
		provider:  provider,
		validator: NewValidationHelper(),
		apiRetry:  APITransientPolicy(),
	}
}

// SearchNumbers lists purchasable numbers
// @Summary Search available numbers
// @Tags numbers
// @Produce json
// @Security BearerAuth
// @Param country query string true "ISO country code"
// @Param sms query bool false "Require SMS capability"
// @Success 200 {object} object{numbers=[]telephony.AvailableNumber}
// @Failure 502 {object} services.ErrorResponse
// @Router /numbers/search [get]
func (ns *NumberService) SearchNumbers(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		SendErrorResponse(w, "country is required", http.StatusBadRequest, nil)
		return
	}
	smsRequired := r.URL.Query().Get("sms") == "true"

	var numbers []telephony.AvailableNumber
	err := ns.apiRetry.Do(r.Context(), func() error {
		var perr error
		numbers, perr = ns.provider.SearchNumbers(r.Context(), country, smsRequired, 20)
		return perr
	})
	if err != nil {
		log.Printf("[NUMBERS] Search failed for country %s: %v", country, err)
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"numbers": numbers})
}

// BuyNumber purchases a number for the tenant
// @Summary Buy a phone number
// @Tags numbers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{e164=string,country=string} true "Number to buy"
// @Success 201 {object} models.PhoneNumber
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /numbers [post]
func (ns *NumberService) BuyNumber(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		E164    string `json:"e164" validate:"required,e164"`
		Country string `json:"country" validate:"required,len=2"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := ns.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var purchased *telephony.PurchasedNumber
	err := ns.apiRetry.Do(r.Context(), func() error {
		var perr error
		purchased, perr = ns.provider.PurchaseNumber(r.Context(), req.E164)
		return perr
	})
	if err != nil {
		log.Printf("[NUMBERS] Purchase failed for %s: %v", req.E164, err)
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	number := models.PhoneNumber{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Provider:     ns.provider.Name(),
		ProviderSID:  purchased.ProviderSID,
		E164:         purchased.E164,
		Country:      req.Country,
		MonthlyPrice: purchased.MonthlyPrice,
		Status:       models.NumberActive,
		RenewsAt:     time.Now().AddDate(0, 1, 0),
		CreatedAt:    time.Now(),
	}

	applied, err := ns.chargeAndStore(r.Context(), tenantID, &number)
	if err != nil || !applied {
		// Money did not move; undo the provider purchase best-effort so
		// the tenant is not left with an unpaid number.
		if relErr := ns.provider.ReleaseNumber(r.Context(), purchased.ProviderSID); relErr != nil {
			log.Printf("[NUMBERS] Release after failed purchase also failed for %s: %v", purchased.ProviderSID, relErr)
		}
		if err != nil {
			log.Printf("[NUMBERS] Purchase charge failed for %s: %v", req.E164, err)
			SendErrorResponse(w, "Failed to buy number", http.StatusInternalServerError, nil)
			return
		}
		SendErrorResponse(w, "Insufficient balance", http.StatusPaymentRequired, nil)
		return
	}

	log.Printf("[NUMBERS] Number purchased: tenant=%s e164=%s price=%s", tenantID, number.E164, number.MonthlyPrice.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(number)
}

// ListNumbers returns the tenant's numbers
// @Summary List owned numbers
// @Tags numbers
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{numbers=[]models.PhoneNumber}
// @Router /numbers [get]
func (ns *NumberService) ListNumbers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ns.db.QueryContext(r.Context(), `
		SELECT id, tenant_id, provider, provider_sid, e164, country, sms_enabled,
		       COALESCE(forward_to, '') AS forward_to, monthly_price, status, renews_at, created_at
		FROM phone_numbers
		WHERE tenant_id = $1 AND status != $2
		ORDER BY created_at DESC`, tenantID, models.NumberReleased)
	if err != nil {
		SendErrorResponse(w, "Failed to list numbers", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	numbers := []models.PhoneNumber{}
	for rows.Next() {
		var n models.PhoneNumber
		if err := rows.Scan(&n.ID, &n.TenantID, &n.Provider, &n.ProviderSID, &n.E164, &n.Country,
			&n.SMSEnabled, &n.ForwardTo, &n.MonthlyPrice, &n.Status, &n.RenewsAt, &n.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to list numbers", http.StatusInternalServerError, nil)
			return
		}
		numbers = append(numbers, n)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"numbers": numbers, "count": len(numbers)})
}

// ReleaseNumber gives a number back to the provider
// @Summary Release a phone number
// @Tags numbers
// @Produce json
// @Security BearerAuth
// @Param numberId path string true "Number ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} services.ErrorResponse
// @Router /numbers/{numberId} [delete]
func (ns *NumberService) ReleaseNumber(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := r.Context().Value("tenantID").(string)
	numberID := chi.URLParam(r, "numberId")

	number, err := ns.ownedNumber(r.Context(), tenantID, numberID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Number not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to release number", http.StatusInternalServerError, nil)
		}
		return
	}

	err = ns.apiRetry.Do(r.Context(), func() error {
		return ns.provider.ReleaseNumber(r.Context(), number.ProviderSID)
	})
	if err != nil {
		log.Printf("[NUMBERS] Provider release failed for %s: %v", number.ProviderSID, err)
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	if _, err := ns.db.ExecContext(r.Context(), `
		UPDATE phone_numbers SET status = $1 WHERE id = $2`, models.NumberReleased, numberID); err != nil {
		SendErrorResponse(w, "Failed to release number", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[NUMBERS] Number released: tenant=%s id=%s", tenantID, numberID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "released"})
}

// SetSMS toggles SMS on a number
// @Summary Enable or disable SMS
// @Tags numbers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param numberId path string true "Number ID"
// @Param request body object{enabled=bool} true "SMS flag"
// @Success 200 {object} map[string]string
// @Router /numbers/{numberId}/sms [put]
func (ns *NumberService) SetSMS(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := r.Context().Value("tenantID").(string)
	numberID := chi.URLParam(r, "numberId")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	number, err := ns.ownedNumber(r.Context(), tenantID, numberID)
	if err != nil {
		SendErrorResponse(w, "Number not found", http.StatusNotFound, nil)
		return
	}

	err = ns.apiRetry.Do(r.Context(), func() error {
		return ns.provider.SetSMSEnabled(r.Context(), number.ProviderSID, req.Enabled)
	})
	if err != nil {
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	if _, err := ns.db.ExecContext(r.Context(), `
		UPDATE phone_numbers SET sms_enabled = $1 WHERE id = $2`, req.Enabled, numberID); err != nil {
		SendErrorResponse(w, "Failed to update number", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

// SetRedirect configures call forwarding
// @Summary Configure call redirection
// @Tags numbers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param numberId path string true "Number ID"
// @Param request body object{forwardTo=string} true "Destination"
// @Success 200 {object} map[string]string
// @Router /numbers/{numberId}/redirect [put]
func (ns *NumberService) SetRedirect(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := r.Context().Value("tenantID").(string)
	numberID := chi.URLParam(r, "numberId")

	var req struct {
		ForwardTo string `json:"forwardTo" validate:"required,e164"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ns.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	number, err := ns.ownedNumber(r.Context(), tenantID, numberID)
	if err != nil {
		SendErrorResponse(w, "Number not found", http.StatusNotFound, nil)
		return
	}

	err = ns.apiRetry.Do(r.Context(), func() error {
		return ns.provider.ConfigureRedirect(r.Context(), number.ProviderSID, req.ForwardTo)
	})
	if err != nil {
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	if _, err := ns.db.ExecContext(r.Context(), `
		UPDATE phone_numbers SET forward_to = $1 WHERE id = $2`, req.ForwardTo, numberID); err != nil {
		SendErrorResponse(w, "Failed to update number", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

// RunRenewals sweeps numbers due for renewal every interval until ctx is
// cancelled.
func (ns *NumberService) RunRenewals(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ns.RenewDue(ctx)
		}
	}
}

// RenewDue debits every active number whose renewal date has passed.
// Insufficient funds suspends the number instead of releasing it, giving
// the tenant a window to top up. Per-number failures are logged and do not
// stop the sweep.
func (ns *NumberService) RenewDue(ctx context.Context) {
	rows, err := ns.db.QueryContext(ctx, `
		SELECT id, tenant_id, e164, monthly_price
		FROM phone_numbers
		WHERE status = $1 AND renews_at <= NOW()
		ORDER BY renews_at ASC
		LIMIT 200`, models.NumberActive)
	if err != nil {
		log.Printf("[NUMBERS] Renewal scan failed: %v", err)
		return
	}

	var pending []models.PhoneNumber
	for rows.Next() {
		var n models.PhoneNumber
		if err := rows.Scan(&n.ID, &n.TenantID, &n.E164, &n.MonthlyPrice); err != nil {
			rows.Close()
			log.Printf("[NUMBERS] Renewal scan failed: %v", err)
			return
		}
		pending = append(pending, n)
	}
	rows.Close()

	for _, n := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := ns.renewNumber(ctx, n); err != nil {
			log.Printf("[NUMBERS] Renewal failed for %s: %v", n.ID, err)
		}
	}
}

// renewNumber debits one renewal and advances renews_at in the same
// transaction. An interrupted sweep therefore cannot charge a month twice:
// either both writes land or neither does, and the number stays due.
func (ns *NumberService) renewNumber(ctx context.Context, n models.PhoneNumber) error {
	tx, err := ns.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin renewal: %w", err)
	}
	defer tx.Rollback()

	concept := fmt.Sprintf("Monthly renewal of number %s", n.E164)
	applied, err := ns.ledger.Debit(ctx, n.TenantID, n.MonthlyPrice, concept, n.ID, tx)
	if err != nil {
		return err
	}
	if !applied {
		tx.Rollback()
		log.Printf("[NUMBERS] Insufficient balance to renew %s, suspending", n.E164)
		if _, serr := ns.db.ExecContext(ctx, `
			UPDATE phone_numbers SET status = $1 WHERE id = $2`, models.NumberSuspended, n.ID); serr != nil {
			return fmt.Errorf("suspend number: %w", serr)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE phone_numbers SET renews_at = renews_at + INTERVAL '1 month' WHERE id = $1`, n.ID); err != nil {
		return fmt.Errorf("advance renewal date: %w", err)
	}
	return tx.Commit()
}

// chargeAndStore debits the purchase price and inserts the number row in
// one transaction, so a charge can never outlive a failed insert.
func (ns *NumberService) chargeAndStore(ctx context.Context, tenantID string, n *models.PhoneNumber) (bool, error) {
	tx, err := ns.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin purchase: %w", err)
	}
	defer tx.Rollback()

	concept := fmt.Sprintf("Purchase of number %s", n.E164)
	applied, err := ns.ledger.Debit(ctx, tenantID, n.MonthlyPrice, concept, n.ID, tx)
	if err != nil || !applied {
		return applied, err
	}
	if err := ns.insertNumber(ctx, tx, n); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (ns *NumberService) insertNumber(ctx context.Context, tx *sql.Tx, n *models.PhoneNumber) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO phone_numbers
		(id, tenant_id, provider, provider_sid, e164, country, sms_enabled, monthly_price, status, renews_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.TenantID, n.Provider, n.ProviderSID, n.E164, n.Country,
		n.SMSEnabled, n.MonthlyPrice, n.Status, n.RenewsAt, n.CreatedAt)
	return err
}

func (ns *NumberService) ownedNumber(ctx context.Context, tenantID, numberID string) (*models.PhoneNumber, error) {
	var n models.PhoneNumber
	err := ns.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, provider_sid, e164, status
		FROM phone_numbers
		WHERE id = $1 AND tenant_id = $2`, numberID, tenantID).
		Scan(&n.ID, &n.TenantID, &n.ProviderSID, &n.E164, &n.Status)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
