package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/numvia/backend/internal/models"
)

// WebhookEventService converts the payment provider's at-least-once
// webhook delivery into an effectively-once business effect. Each event id
// gets one row; Completed is terminal. An incomplete row blocks redelivery
// for the staleness window, after which the event becomes processable
// again so a crash mid-processing can recover.
type WebhookEventService struct {
	db        *sql.DB
	staleness time.Duration
	retention time.Duration
}

func NewWebhookEventService(db *sql.DB) *WebhookEventService {
	return &WebhookEventService{
		db:        db,
		staleness: time.Hour,
		retention: 30 * 24 * time.Hour,
	}
}

// ShouldProcess decides whether an inbound delivery of eventID should run
// the business handler. Unseen events and stale incomplete ones process;
// completed events and recently-attempted incomplete ones skip.
func (s *WebhookEventService) ShouldProcess(ctx context.Context, eventID string) (bool, error) {
	var event models.WebhookEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT completed, last_attempt_at FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(&event.Completed, &event.LastAttemptAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read webhook event: %w", err)
	}

	if event.Completed {
		log.Printf("[WEBHOOK] Event already completed, skipping: %s", eventID)
		return false, nil
	}
	if time.Since(event.LastAttemptAt) < s.staleness {
		log.Printf("[WEBHOOK] Event attempted %s ago, still in flight: %s", time.Since(event.LastAttemptAt).Round(time.Second), eventID)
		return false, nil
	}
	return true, nil
}

// RecordAttempt durably registers a processing attempt before any business
// logic runs, so a crash afterwards still leaves the attempt visible.
func (s *WebhookEventService) RecordAttempt(ctx context.Context, eventID, details string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, received_at, last_attempt_at, completed, attempt_count, details)
		VALUES ($1, $2, $2, FALSE, 1, $3)
		ON CONFLICT (event_id) DO UPDATE
		SET attempt_count = webhook_events.attempt_count + 1,
		    last_attempt_at = EXCLUDED.last_attempt_at`,
		eventID, now, details)
	if err != nil {
		return fmt.Errorf("record webhook attempt: %w", err)
	}
	return nil
}

// MarkCompleted sets the terminal state. Called only after the ledger
// mutation and audit update have durably succeeded.
func (s *WebhookEventService) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET completed = TRUE, completed_at = $1 WHERE event_id = $2`,
		time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("mark webhook completed: %w", err)
	}
	return nil
}

// PurgeOld drops completed events older than the retention window. Storage
// hygiene only; per-run failures are logged and do not propagate.
func (s *WebhookEventService) PurgeOld(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_events WHERE completed = TRUE AND received_at < $1`, cutoff)
	if err != nil {
		log.Printf("[WEBHOOK] Purge failed: %v", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		log.Printf("[WEBHOOK] Purged %d events older than %s", n, cutoff.Format(time.RFC3339))
	}
}
