package sink

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/store"
)

// RetryingStore decorates a Store with retry-with-backoff for
// connection/timeout-class failures, reconnecting before each retry.
// Non-retryable failures propagate immediately.
type RetryingStore struct {
	inner      store.Store
	maxRetries int
	delay      time.Duration
}

func WithRetry(inner store.Store, maxRetries int, delay time.Duration) *RetryingStore {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &RetryingStore{inner: inner, maxRetries: maxRetries, delay: delay}
}

func (r *RetryingStore) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := r.delay
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("store: %s failed, retrying in %s (attempt %d/%d): %v", op, delay, attempt+1, r.maxRetries, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if err := r.inner.Reconnect(ctx); err != nil {
				log.Printf("store: reconnect before retry: %v", err)
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// IsRetryable reports whether err looks like a transient
// connection/lock/timeout failure worth a reconnect-and-retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"i/o error",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (r *RetryingStore) UpsertPerson(ctx context.Context, p core.Person) (int64, error) {
	var id int64
	err := r.retry(ctx, "upsert person", func() error {
		var err error
		id, err = r.inner.UpsertPerson(ctx, p)
		return err
	})
	return id, err
}

func (r *RetryingStore) UpsertBroadcastSession(ctx context.Context, s core.BroadcastSession) (int64, error) {
	var id int64
	err := r.retry(ctx, "upsert session", func() error {
		var err error
		id, err = r.inner.UpsertBroadcastSession(ctx, s)
		return err
	})
	return id, err
}

func (r *RetryingStore) ApplySessionStatsDelta(ctx context.Context, sessionID int64, delta store.StatsDelta) error {
	return r.retry(ctx, "apply stats delta", func() error {
		return r.inner.ApplySessionStatsDelta(ctx, sessionID, delta)
	})
}

func (r *RetryingStore) BatchInsertEvents(ctx context.Context, events []core.Event) error {
	return r.retry(ctx, "batch insert events", func() error {
		return r.inner.BatchInsertEvents(ctx, events)
	})
}

func (r *RetryingStore) ListLiveSessions(ctx context.Context, platform core.Platform) ([]store.LiveSessionRef, error) {
	var refs []store.LiveSessionRef
	err := r.retry(ctx, "list live sessions", func() error {
		var err error
		refs, err = r.inner.ListLiveSessions(ctx, platform)
		return err
	})
	return refs, err
}

func (r *RetryingStore) MarkSessionEnded(ctx context.Context, sessionID int64, endedAt time.Time, durationMinutes int) error {
	return r.retry(ctx, "mark session ended", func() error {
		return r.inner.MarkSessionEnded(ctx, sessionID, endedAt, durationMinutes)
	})
}

func (r *RetryingStore) AddPersonAirMinutes(ctx context.Context, personID int64, minutes int) error {
	return r.retry(ctx, "add air minutes", func() error {
		return r.inner.AddPersonAirMinutes(ctx, personID, minutes)
	})
}

func (r *RetryingStore) UpsertCategory(ctx context.Context, c core.Category) error {
	return r.retry(ctx, "upsert category", func() error {
		return r.inner.UpsertCategory(ctx, c)
	})
}

func (r *RetryingStore) Ping() error { return r.inner.Ping() }

func (r *RetryingStore) Reconnect(ctx context.Context) error { return r.inner.Reconnect(ctx) }

func (r *RetryingStore) Close() error { return r.inner.Close() }
