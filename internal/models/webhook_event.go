package models

import "time"

// WebhookEvent tracks every provider-delivered event by its provider-assigned
// id. Completed is terminal; an incomplete row whose last attempt is older
// than the staleness threshold is eligible for reprocessing.
type WebhookEvent struct {
	EventID       string     `json:"event_id" db:"event_id"`
	ReceivedAt    time.Time  `json:"received_at" db:"received_at"`
	LastAttemptAt time.Time  `json:"last_attempt_at" db:"last_attempt_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Completed     bool       `json:"completed" db:"completed"`
	AttemptCount  int        `json:"attempt_count" db:"attempt_count"`
	Details       string     `json:"details" db:"details"`
}
