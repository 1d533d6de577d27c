package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/numvia/backend/internal/gateway"
	"github.com/numvia/backend/internal/models"
)

// alertQueue is the Redis list operators watch for entries that need
// manual remediation.
const alertQueue = "ops:alerts"

// ReconciliationMonitor periodically sweeps pending audit entries and
// closes the gaps lost or delayed webhooks leave behind. It never credits
// a balance itself: a paid session without a movement becomes
// RequiresReview for directed remediation, not a guessed credit.
type ReconciliationMonitor struct {
	audit       *AuditService
	ledger      *LedgerService
	gateway     gateway.Adapter
	redis       *redis.Client
	retry       RetryPolicy
	gracePeriod time.Duration
	lookbackHrs int
	sweepBudget time.Duration
	concurrency int
}

func NewReconciliationMonitor(audit *AuditService, ledger *LedgerService, gw gateway.Adapter, redisClient *redis.Client) *ReconciliationMonitor {
	return &ReconciliationMonitor{
		audit:       audit,
		ledger:      ledger,
		gateway:     gw,
		redis:       redisClient,
		retry:       APITransientPolicy(),
		gracePeriod: time.Hour,
		lookbackHrs: 24,
		sweepBudget: 2 * time.Minute,
		concurrency: 3,
	}
}

// Run executes a sweep every interval until ctx is cancelled.
func (m *ReconciliationMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[RECONCILE] Monitor started, interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILE] Monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep reconciles every pending entry older than the grace period. Each
// entry's failure is isolated; the sweep as a whole is bounded by a
// wall-clock budget, after which remaining entries wait for the next run.
func (m *ReconciliationMonitor) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.sweepBudget)
	defer cancel()

	entries, err := m.audit.ListPending(ctx, m.lookbackHrs)
	if err != nil {
		log.Printf("[RECONCILE] Failed to list pending entries: %v", err)
		return
	}

	cutoff := time.Now().Add(-m.gracePeriod)
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.concurrency)

	for _, entry := range entries {
		if entry.CreatedAt.After(cutoff) {
			continue
		}
		if entry.OperationType != models.OpBalanceRecharge && entry.OperationType != models.OpSubscriptionInvoice {
			continue
		}
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILE] Sweep budget exhausted, deferring remaining entries")
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(e models.AuditEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.reconcileEntry(ctx, e); err != nil {
				log.Printf("[RECONCILE] Entry %s skipped: %v", e.ExternalReference, err)
			}
		}(entry)
	}
	wg.Wait()
}

func (m *ReconciliationMonitor) reconcileEntry(ctx context.Context, entry models.AuditEntry) error {
	// A movement with this reference means the credit landed; the webhook
	// outcome just never reached the audit log.
	exists, err := m.ledger.ExistsMovementWithReference(ctx, entry.ExternalReference)
	if err != nil {
		return err
	}
	if exists {
		log.Printf("[RECONCILE] Movement found for %s, marking completed", entry.ExternalReference)
		return m.audit.UpdateStatus(ctx, entry.ExternalReference, models.AuditCompleted, "verified by monitor")
	}

	paid, found, err := m.queryGateway(ctx, entry)
	if err != nil {
		return err
	}

	switch {
	case !found:
		log.Printf("[RECONCILE] Gateway has no record of %s, marking failed", entry.ExternalReference)
		return m.audit.UpdateStatus(ctx, entry.ExternalReference, models.AuditFailed, "not found at gateway")
	case !paid:
		return m.audit.UpdateStatus(ctx, entry.ExternalReference, models.AuditAwaitingPayment, "")
	default:
		// Money was collected but no movement exists. This must never be
		// resolved silently.
		log.Printf("[RECONCILE] ALERT: %s is paid at gateway with no ledger movement, flagging for review", entry.ExternalReference)
		if err := m.audit.UpdateStatus(ctx, entry.ExternalReference, models.AuditRequiresReview, "paid at gateway, no movement recorded"); err != nil {
			return err
		}
		m.alertOperators(ctx, entry)
		return nil
	}
}

// queryGateway asks the provider for the entry's payment state. found is
// false when the provider has no record of the reference.
func (m *ReconciliationMonitor) queryGateway(ctx context.Context, entry models.AuditEntry) (paid, found bool, err error) {
	err = m.retry.Do(ctx, func() error {
		switch entry.OperationType {
		case models.OpSubscriptionInvoice:
			invoice, gerr := m.gateway.GetInvoice(ctx, entry.ExternalReference)
			if gerr != nil {
				return gerr
			}
			paid = invoice.AmountPaid.Sign() > 0
		default:
			status, gerr := m.gateway.GetSessionStatus(ctx, entry.ExternalReference)
			if gerr != nil {
				return gerr
			}
			paid = status.PaymentStatus == gateway.PaymentStatusPaid
		}
		return nil
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("query gateway for %s: %w", entry.ExternalReference, err)
	}
	return paid, true, nil
}

// alertOperators pushes a review alert onto the operator queue. Best
// effort: the audit row already carries the state, so a Redis failure is
// logged and swallowed.
func (m *ReconciliationMonitor) alertOperators(ctx context.Context, entry models.AuditEntry) {
	if m.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"kind":      "requires_review",
		"reference": entry.ExternalReference,
		"tenant_id": entry.TenantID,
		"amount":    entry.Amount.String(),
		"operation": entry.OperationType,
		"flagged":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := m.redis.LPush(ctx, alertQueue, string(payload)).Err(); err != nil {
		log.Printf("[RECONCILE] Failed to push operator alert for %s: %v", entry.ExternalReference, err)
	}
}
