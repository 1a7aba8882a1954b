package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/streamscout/internal/core"
)

// ErrNotLive marks "stream not live / not found"-class connect failures.
// These are expected during auto-connect and are not logged at error level.
var ErrNotLive = errors.New("adapter: channel is not live")

// Sender identifies the platform user who produced an event.
type Sender struct {
	ID           string
	Nickname     string
	ProfileImage string
}

// LiveEvent is a raw platform event before identity resolution.
type LiveEvent struct {
	EventID      string
	Type         core.EventType
	Platform     core.Platform
	Sender       Sender
	Message      string
	Amount       int64
	Currency     string
	DonationType string
	ChannelID    string
	Ts           time.Time
}

// LiveAdapter is one channel's live subscription. Connect must be called
// before Events; the events channel is closed when the underlying stream
// ends or Disconnect is called. The channel is bounded, so a stalled
// consumer applies backpressure to the read loop.
type LiveAdapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan LiveEvent
}

// eventBuffer is the per-connection channel capacity shared by all adapters.
const eventBuffer = 256

// Options carries everything an adapter needs to reach its platform.
type Options struct {
	ChannelID   string
	BroadcastID string
	BaseURL     string
}

// New selects the platform implementation.
func New(platform core.Platform, opts Options) (LiveAdapter, error) {
	switch platform {
	case core.PlatformChzzk:
		return newChzzkAdapter(opts), nil
	case core.PlatformSoop:
		return newSoopAdapter(opts), nil
	default:
		return nil, fmt.Errorf("adapter: unknown platform %q", platform)
	}
}
