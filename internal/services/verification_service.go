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

// VerificationService rents disposable SMS-verification numbers from the
// marketplace provider. A rental is ordered at the provider first, then
// debited; if the debit cannot cover the price the order is cancelled so
// no unpaid rental survives. Cancellations refund through an idempotent
// credit keyed on the rental id.
type VerificationService struct {
	db        *sql.DB
	ledger    *LedgerService
	provider  telephony.VerificationProvider
	validator *ValidationHelper
	apiRetry  RetryPolicy
}

func NewVerificationService(db *sql.DB, ledger *LedgerService, provider telephony.VerificationProvider) *VerificationService {
	return &VerificationService{
		db:        db,
		ledger:    ledger,
		provider:  provider,
		validator: NewValidationHelper(),
		apiRetry:  APITransientPolicy(),
	}
}

// RentNumber orders a disposable verification number
// @Summary Rent an SMS-verification number
// @Tags verification
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{service=string,country=string} true "Rental request"
// @Success 201 {object} models.VerificationRental
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /verification/rentals [post]
func (vs *VerificationService) RentNumber(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Service string `json:"service" validate:"required,alphanum,max=40"`
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
	if err := vs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var order *telephony.RentalOrder
	err := vs.apiRetry.Do(r.Context(), func() error {
		var perr error
		order, perr = vs.provider.OrderNumber(r.Context(), req.Service, req.Country)
		return perr
	})
	if err != nil {
		log.Printf("[VERIFY] Order failed for service %s: %v", req.Service, err)
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	rental := models.VerificationRental{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		ProviderOrderID: order.OrderID,
		Service:         req.Service,
		Country:         req.Country,
		E164:            order.E164,
		Price:           order.Price,
		Status:          models.RentalActive,
		ExpiresAt:       order.ExpiresAt,
		CreatedAt:       time.Now(),
	}

	applied, err := vs.chargeAndStore(r.Context(), tenantID, &rental)
	if err != nil || !applied {
		if cerr := vs.provider.CancelOrder(r.Context(), order.OrderID); cerr != nil {
			log.Printf("[VERIFY] Cancel after failed charge also failed for order %s: %v", order.OrderID, cerr)
		}
		if err != nil {
			log.Printf("[VERIFY] Charge failed for rental %s: %v", rental.ID, err)
			SendErrorResponse(w, "Failed to rent number", http.StatusInternalServerError, nil)
			return
		}
		SendErrorResponse(w, "Insufficient balance", http.StatusPaymentRequired, nil)
		return
	}

	log.Printf("[VERIFY] Rental started: tenant=%s rental=%s service=%s price=%s", tenantID, rental.ID, req.Service, rental.Price.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rental)
}

// CheckCode polls the provider for the received SMS code
// @Summary Poll for the verification code
// @Tags verification
// @Produce json
// @Security BearerAuth
// @Param rentalId path string true "Rental ID"
// @Success 200 {object} object{status=string,code=string}
// @Failure 404 {object} services.ErrorResponse
// @Router /verification/rentals/{rentalId} [get]
func (vs *VerificationService) CheckCode(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := r.Context().Value("tenantID").(string)
	rentalID := chi.URLParam(r, "rentalId")

	rental, err := vs.ownedRental(r.Context(), tenantID, rentalID)
	if err != nil {
		SendErrorResponse(w, "Rental not found", http.StatusNotFound, nil)
		return
	}

	if rental.Code != "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": rental.Status, "code": rental.Code})
		return
	}

	var code string
	var received bool
	err = vs.apiRetry.Do(r.Context(), func() error {
		var perr error
		code, received, perr = vs.provider.CheckSMS(r.Context(), rental.ProviderOrderID)
		return perr
	})
	if err != nil {
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	status := rental.Status
	if received {
		status = models.RentalCompleted
		if _, err := vs.db.ExecContext(r.Context(), `
			UPDATE verification_rentals SET code = $1, status = $2 WHERE id = $3`,
			code, status, rentalID); err != nil {
			log.Printf("[VERIFY] Failed to store code for %s: %v", rentalID, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status, "code": code})
}

// CancelRental cancels at the provider and refunds the rental price
// @Summary Cancel a rental and refund
// @Tags verification
// @Produce json
// @Security BearerAuth
// @Param rentalId path string true "Rental ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /verification/rentals/{rentalId} [delete]
func (vs *VerificationService) CancelRental(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := r.Context().Value("tenantID").(string)
	rentalID := chi.URLParam(r, "rentalId")

	rental, err := vs.ownedRental(r.Context(), tenantID, rentalID)
	if err != nil {
		SendErrorResponse(w, "Rental not found", http.StatusNotFound, nil)
		return
	}
	if rental.Status != models.RentalActive {
		SendErrorResponse(w, "Rental is not active", http.StatusConflict, nil)
		return
	}

	err = vs.apiRetry.Do(r.Context(), func() error {
		return vs.provider.CancelOrder(r.Context(), rental.ProviderOrderID)
	})
	if err != nil {
		log.Printf("[VERIFY] Provider cancel failed for %s: %v", rental.ProviderOrderID, err)
		SendErrorResponse(w, "Provider unavailable", http.StatusBadGateway, nil)
		return
	}

	if _, err := vs.db.ExecContext(r.Context(), `
		UPDATE verification_rentals SET status = $1 WHERE id = $2`, models.RentalCancelled, rentalID); err != nil {
		SendErrorResponse(w, "Failed to cancel rental", http.StatusInternalServerError, nil)
		return
	}

	// The refund credit is keyed on the rental id, so a retried cancel
	// never refunds twice.
	concept := fmt.Sprintf("Refund for cancelled rental %s", rentalID)
	refundRef := fmt.Sprintf("rental-refund:%s", rentalID)
	if _, err := vs.ledger.Credit(r.Context(), tenantID, rental.Price, concept, refundRef, nil); err != nil {
		log.Printf("[VERIFY] Refund credit failed for %s: %v", rentalID, err)
		SendErrorResponse(w, "Refund failed", http.StatusInternalServerError, nil)
		return
	}

	if _, err := vs.db.ExecContext(r.Context(), `
		UPDATE verification_rentals SET status = $1 WHERE id = $2`, models.RentalRefunded, rentalID); err != nil {
		log.Printf("[VERIFY] Failed to mark rental refunded %s: %v", rentalID, err)
	}

	log.Printf("[VERIFY] Rental cancelled and refunded: tenant=%s rental=%s", tenantID, rentalID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "refunded"})
}

// RunOrphanSweep periodically cancels provider-side orders this platform
// has no record of.
func (vs *VerificationService) RunOrphanSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vs.SweepOrphans(ctx)
		}
	}
}

// SweepOrphans cancels active provider orders with no local rental row.
// Favoring provider-side cancellation over investigating the order's
// origin is a deliberate conservative policy: a cancelled order stops
// accruing cost, and any local charge stays visible in the ledger.
func (vs *VerificationService) SweepOrphans(ctx context.Context) {
	var orders []telephony.RentalOrder
	err := vs.apiRetry.Do(ctx, func() error {
		var perr error
		orders, perr = vs.provider.ListActiveOrders(ctx)
		return perr
	})
	if err != nil {
		log.Printf("[VERIFY] Orphan sweep failed to list orders: %v", err)
		return
	}

	for _, order := range orders {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var exists bool
		if err := vs.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM verification_rentals WHERE provider_order_id = $1)`,
			order.OrderID).Scan(&exists); err != nil {
			log.Printf("[VERIFY] Orphan check failed for %s: %v", order.OrderID, err)
			continue
		}
		if exists {
			continue
		}

		log.Printf("[VERIFY] Cancelling orphan provider order %s (%s)", order.OrderID, order.E164)
		if err := vs.provider.CancelOrder(ctx, order.OrderID); err != nil {
			log.Printf("[VERIFY] Failed to cancel orphan order %s: %v", order.OrderID, err)
		}
	}
}

// chargeAndStore debits the rental price and inserts the rental row in
// one transaction. A committed charge always has a matching local rental,
// so the orphan sweep can never cancel an order the tenant paid for.
func (vs *VerificationService) chargeAndStore(ctx context.Context, tenantID string, rental *models.VerificationRental) (bool, error) {
	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rental: %w", err)
	}
	defer tx.Rollback()

	concept := fmt.Sprintf("Verification rental %s for %s", rental.ID, rental.Service)
	applied, err := vs.ledger.Debit(ctx, tenantID, rental.Price, concept, rental.ID, tx)
	if err != nil || !applied {
		return applied, err
	}
	if err := vs.insertRental(ctx, tx, rental); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (vs *VerificationService) insertRental(ctx context.Context, tx *sql.Tx, rental *models.VerificationRental) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO verification_rentals
		(id, tenant_id, provider_order_id, service, country, e164, price, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rental.ID, rental.TenantID, rental.ProviderOrderID, rental.Service, rental.Country,
		rental.E164, rental.Price, rental.Status, rental.ExpiresAt, rental.CreatedAt)
	return err
}

func (vs *VerificationService) ownedRental(ctx context.Context, tenantID, rentalID string) (*models.VerificationRental, error) {
	var rental models.VerificationRental
	err := vs.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, provider_order_id, service, country, e164, price,
		       COALESCE(code, '') AS code, status, expires_at, created_at
		FROM verification_rentals
		WHERE id = $1 AND tenant_id = $2`, rentalID, tenantID).
		Scan(&rental.ID, &rental.TenantID, &rental.ProviderOrderID, &rental.Service, &rental.Country,
			&rental.E164, &rental.Price, &rental.Code, &rental.Status, &rental.ExpiresAt, &rental.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rental, nil
}
