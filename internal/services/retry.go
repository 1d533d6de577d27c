package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/numvia/backend/internal/gateway"
)

// RetryPolicy is a named bounded-retry policy with exponential backoff.
// Every component applies one of the shared policies below instead of
// hand-rolling retries at call sites.
type RetryPolicy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// DBTransientPolicy retries serialization failures, deadlocks and dropped
// connections. Constraint violations and plain query errors fail fast.
func DBTransientPolicy() RetryPolicy {
	return RetryPolicy{
		Name:        "db-transient",
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		Retryable:   isDBTransient,
	}
}

// APITransientPolicy retries provider timeouts, 5xx and rate limits.
func APITransientPolicy() RetryPolicy {
	return RetryPolicy{
		Name:        "api-transient",
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Retryable:   gateway.IsTransient,
	}
}

// NoRetryPolicy runs the operation exactly once.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{Name: "none", MaxAttempts: 1}
}

// Do runs op, retrying per the policy. The delay doubles each attempt.
// Cancellation of ctx stops further attempts immediately.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == p.MaxAttempts {
			return err
		}

		log.Printf("[RETRY] %s attempt %d/%d failed: %v", p.Name, attempt, p.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isDBTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock timeout
			return true
		}
		// Class 08: connection exceptions.
		if pqErr.Code.Class() == "08" {
			return true
		}
	}
	return false
}
