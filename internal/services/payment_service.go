package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/numvia/backend/internal/gateway"
	"github.com/numvia/backend/internal/models"
	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"
)

// Gateway event types the webhook handler acts on.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventInvoicePaid       = "invoice.paid"
)

// PaymentService owns wallet top-ups: it creates checkout sessions,
// processes the provider's webhooks into ledger credits, and records every
// operation in the audit log. Webhook processing is protected twice: the
// event-id dedup gate stops redelivered webhooks, and the ledger's
// external-reference check stops the same payment crediting through two
// different code paths.
type PaymentService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	audit     *AuditService
	dedup     *WebhookEventService
	gateway   gateway.Adapter
	validator *ValidationHelper
	apiRetry  RetryPolicy
}

func NewPaymentService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, audit *AuditService, dedup *WebhookEventService, gw gateway.Adapter) *PaymentService {
	return &PaymentService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		audit:     audit,
		dedup:     dedup,
		gateway:   gw,
		validator: NewValidationHelper(),
		apiRetry:  APITransientPolicy(),
	}
}

// InitiateTopUp creates a checkout session for a wallet recharge
// @Summary Start a balance top-up
// @Description Create a hosted checkout session for recharging the prepaid balance
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=number,currency=string} true "Top-up request"
// @Success 200 {object} object{sessionId=string,url=string,qrPng=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /wallet/topup [post]
func (ps *PaymentService) InitiateTopUp(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount   float64 `json:"amount" validate:"required,gt=0,lte=10000"`
		Currency string  `json:"currency" validate:"omitempty,len=3"`
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
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	amount := decimal.NewFromFloat(req.Amount)
	customerID, err := ps.gatewayCustomerID(r.Context(), tenantID)
	if err != nil {
		log.Printf("[PAYMENT] Tenant lookup failed for %s: %v", tenantID, err)
		SendErrorResponse(w, "Failed to start top-up", http.StatusInternalServerError, nil)
		return
	}

	var session *gateway.CheckoutSession
	err = ps.apiRetry.Do(r.Context(), func() error {
		var cerr error
		session, cerr = ps.gateway.CreateCheckoutSession(r.Context(), customerID, amount, req.Currency, map[string]string{
			"tenant_id": tenantID,
		})
		return cerr
	})
	if err != nil {
		log.Printf("[PAYMENT] Checkout session creation failed for tenant %s: %v", tenantID, err)
		SendErrorResponse(w, "Payment provider unavailable", http.StatusBadGateway, nil)
		return
	}

	snapshot, _ := json.Marshal(req)
	if err := ps.audit.RegisterStart(r.Context(), models.OpBalanceRecharge, session.ID, tenantID, amount, string(snapshot)); err != nil {
		// The session exists at the provider; without a Started entry the
		// monitor cannot reconcile it, so this failure must surface.
		log.Printf("[PAYMENT] Audit registration failed for session %s: %v", session.ID, err)
		SendErrorResponse(w, "Failed to start top-up", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYMENT] Top-up started: tenant=%s session=%s amount=%s", tenantID, session.ID, amount.String())

	// Pay-by-QR for the hosted payment page.
	var qrB64 string
	if png, qerr := qrcode.Encode(session.URL, qrcode.Medium, 256); qerr == nil {
		qrB64 = base64.StdEncoding.EncodeToString(png)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessionId": session.ID,
		"url":       session.URL,
		"qrPng":     qrB64,
	})
}

// HandleWebhook receives payment-provider webhooks
// @Summary Payment provider webhook
// @Description Verify, deduplicate and process payment events
// @Tags wallet
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /payments/webhook [post]
func (ps *PaymentService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 262_144)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	event, err := ps.gateway.VerifyAndParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// Signature failures are permanent: reject without retry.
		log.Printf("[WEBHOOK] Rejected event: %v", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	process, err := ps.dedup.ShouldProcess(r.Context(), event.ID)
	if err != nil {
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}
	if !process {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "already processed"})
		return
	}

	if err := ps.dedup.RecordAttempt(r.Context(), event.ID, event.Type); err != nil {
		// Without a durable attempt record the crash-recovery window is
		// lost; fail so the provider redelivers.
		log.Printf("[WEBHOOK] Failed to record attempt for %s: %v", event.ID, err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}

	if err := ps.ProcessEvent(r.Context(), event); err != nil {
		// Returning 5xx makes the provider redeliver; the dedup staleness
		// window lets the retry through once this attempt goes stale.
		log.Printf("[WEBHOOK] Processing failed for %s (%s): %v", event.ID, event.Type, err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}

	if err := ps.dedup.MarkCompleted(r.Context(), event.ID); err != nil {
		// The business effect landed; the idempotent credit makes a
		// redelivered event harmless, so completion failure still fails
		// the request for redelivery.
		log.Printf("[WEBHOOK] Failed to mark %s completed: %v", event.ID, err)
		http.Error(w, "Failed to process event", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ProcessEvent applies the business effect of a verified event. Event
// types outside this service's interest succeed as no-ops so they are not
// redelivered forever.
func (ps *PaymentService) ProcessEvent(ctx context.Context, event *gateway.Event) error {
	switch event.Type {
	case eventCheckoutCompleted:
		return ps.creditCheckoutSession(ctx, event)
	case eventInvoicePaid:
		return ps.creditInvoice(ctx, event)
	default:
		log.Printf("[WEBHOOK] Ignoring event type %s (%s)", event.Type, event.ID)
		return nil
	}
}

// creditCheckoutSession resolves the paid amount from the provider (never
// trusting the raw payload for money) and credits the tenant once.
func (ps *PaymentService) creditCheckoutSession(ctx context.Context, event *gateway.Event) error {
	var status *gateway.SessionStatus
	err := ps.apiRetry.Do(ctx, func() error {
		var gerr error
		status, gerr = ps.gateway.GetSessionStatus(ctx, event.ObjectID)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("fetch session %s: %w", event.ObjectID, err)
	}

	if status.PaymentStatus != gateway.PaymentStatusPaid {
		log.Printf("[PAYMENT] Session %s completed but not paid (%s), leaving for monitor", status.ID, status.PaymentStatus)
		return ps.audit.UpdateStatus(ctx, status.ID, models.AuditAwaitingPayment, "")
	}

	tenantID, err := ps.resolveTenant(ctx, event, status.ID)
	if err != nil {
		return err
	}

	concept := fmt.Sprintf("Balance recharge via checkout session %s", status.ID)
	applied, err := ps.ledger.Credit(ctx, tenantID, status.AmountTotal, concept, status.ID, nil)
	if err != nil {
		if uerr := ps.audit.UpdateStatus(ctx, status.ID, models.AuditFailed, err.Error()); uerr != nil {
			log.Printf("[PAYMENT] Audit update failed for %s: %v", status.ID, uerr)
		}
		ps.alertCreditFailure(ctx, status.ID, tenantID, err)
		return fmt.Errorf("credit session %s: %w", status.ID, err)
	}
	if !applied {
		log.Printf("[PAYMENT] Session %s already credited", status.ID)
	}

	return ps.audit.UpdateStatus(ctx, status.ID, models.AuditCompleted, "")
}

// creditInvoice handles subscription renewal invoices. These originate at
// the provider, so the audit entry may not exist yet; registration is
// idempotent either way.
func (ps *PaymentService) creditInvoice(ctx context.Context, event *gateway.Event) error {
	var invoice *gateway.Invoice
	err := ps.apiRetry.Do(ctx, func() error {
		var gerr error
		invoice, gerr = ps.gateway.GetInvoice(ctx, event.ObjectID)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("fetch invoice %s: %w", event.ObjectID, err)
	}

	if invoice.AmountPaid.Sign() <= 0 {
		log.Printf("[PAYMENT] Invoice %s has no paid amount, skipping", invoice.ID)
		return nil
	}

	tenantID, err := ps.tenantByCustomer(ctx, invoice.CustomerID)
	if err != nil {
		return fmt.Errorf("resolve tenant for invoice %s: %w", invoice.ID, err)
	}

	if err := ps.audit.RegisterStart(ctx, models.OpSubscriptionInvoice, invoice.ID, tenantID, invoice.AmountPaid, string(event.RawJSON)); err != nil {
		return err
	}

	concept := fmt.Sprintf("Subscription credit for invoice %s (subscription %s)", invoice.ID, invoice.SubscriptionID)
	if _, err := ps.ledger.Credit(ctx, tenantID, invoice.AmountPaid, concept, invoice.ID, nil); err != nil {
		if uerr := ps.audit.UpdateStatus(ctx, invoice.ID, models.AuditFailed, err.Error()); uerr != nil {
			log.Printf("[PAYMENT] Audit update failed for %s: %v", invoice.ID, uerr)
		}
		ps.alertCreditFailure(ctx, invoice.ID, tenantID, err)
		return fmt.Errorf("credit invoice %s: %w", invoice.ID, err)
	}

	return ps.audit.UpdateStatus(ctx, invoice.ID, models.AuditCompleted, "")
}

// alertCreditFailure pushes a failed-credit alert onto the operator
// queue. Best effort: the audit row already carries the failure, so a
// Redis error is logged and swallowed.
func (ps *PaymentService) alertCreditFailure(ctx context.Context, reference, tenantID string, cause error) {
	if ps.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"kind":      "credit_failure",
		"reference": reference,
		"tenant_id": tenantID,
		"error":     cause.Error(),
		"flagged":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := ps.redis.LPush(ctx, alertQueue, string(payload)).Err(); err != nil {
		log.Printf("[PAYMENT] Failed to push operator alert for %s: %v", reference, err)
	}
}

// resolveTenant prefers the session metadata stamped at creation, falling
// back to the audit entry for sessions created before metadata existed.
func (ps *PaymentService) resolveTenant(ctx context.Context, event *gateway.Event, reference string) (string, error) {
	if tenantID := event.Metadata["tenant_id"]; tenantID != "" {
		return tenantID, nil
	}
	entry, err := ps.audit.GetByReference(ctx, reference)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", errors.New("no tenant attribution for " + reference)
	}
	return entry.TenantID, nil
}

func (ps *PaymentService) tenantByCustomer(ctx context.Context, customerID string) (string, error) {
	var tenantID string
	err := ps.db.QueryRowContext(ctx, `
		SELECT id FROM tenants WHERE gateway_customer_id = $1`, customerID).Scan(&tenantID)
	if err != nil {
		return "", err
	}
	return tenantID, nil
}

func (ps *PaymentService) gatewayCustomerID(ctx context.Context, tenantID string) (string, error) {
	var customerID string
	err := ps.db.QueryRowContext(ctx, `
		SELECT COALESCE(gateway_customer_id, '') FROM tenants WHERE id = $1`, tenantID).Scan(&customerID)
	if err != nil {
		return "", err
	}
	return customerID, nil
}
