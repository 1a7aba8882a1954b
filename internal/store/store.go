package store

import (
	"context"
	"time"

	"github.com/you/streamscout/internal/core"
)

// StatsDelta carries additive counter deltas plus optional absolute viewer
// fields for one session row. Chat/donation are added to the persisted
// totals; viewers and average are written as-is when their Set flag is on.
type StatsDelta struct {
	ChatCount      int64
	DonationAmount int64
	CurrentViewers int
	SetViewers     bool
	AvgViewers     float64
	SetAvg         bool
}

// LiveSessionRef is the slice of a live session row needed for
// end-of-broadcast detection.
type LiveSessionRef struct {
	SessionID           int64
	BroadcastID         string
	BroadcasterPersonID int64
	StartedAt           time.Time
}

// Store is the persistence collaborator. Every write is idempotent by
// natural key: calling it twice with the same key converges to one row.
type Store interface {
	UpsertPerson(ctx context.Context, p core.Person) (int64, error)
	UpsertBroadcastSession(ctx context.Context, s core.BroadcastSession) (int64, error)
	ApplySessionStatsDelta(ctx context.Context, sessionID int64, delta StatsDelta) error
	BatchInsertEvents(ctx context.Context, events []core.Event) error

	ListLiveSessions(ctx context.Context, platform core.Platform) ([]LiveSessionRef, error)
	MarkSessionEnded(ctx context.Context, sessionID int64, endedAt time.Time, durationMinutes int) error
	AddPersonAirMinutes(ctx context.Context, personID int64, minutes int) error

	UpsertCategory(ctx context.Context, c core.Category) error

	Ping() error
	Reconnect(ctx context.Context) error
	Close() error
}
