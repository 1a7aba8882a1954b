package session

import (
	"context"
	"log"
	"time"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/stats"
	"github.com/you/streamscout/internal/store"
)

// Tracker maps (platform, channel, broadcast, category) tuples to persisted
// session rows, splits sessions on category change while preserving lineage,
// and ends sessions that disappear from discovery.
//
// Lineage convention: the first segment of a continuous watch has
// RootSessionID zero; every segment created by a category change points at
// that first segment's id. A category change does not end the prior row —
// ended state is owned solely by end-of-broadcast detection.
type Tracker struct {
	st      store.Store
	flusher *stats.Flusher
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{st: st, flusher: stats.NewFlusher(st)}
}

// StartSession upserts the session row for a freshly connected channel and
// returns its id. Reconnecting to the same (channel, broadcast, category)
// converges to the existing row, so lineage survives evict/admit churn.
func (t *Tracker) StartSession(ctx context.Context, l core.BroadcastListing, broadcasterPersonID int64) (sessionID int64, err error) {
	return t.st.UpsertBroadcastSession(ctx, core.BroadcastSession{
		Platform:            l.Platform,
		ChannelID:           l.ChannelID,
		BroadcastID:         l.BroadcastID,
		CategoryID:          l.CategoryID,
		CategoryName:        l.CategoryName,
		BroadcasterPersonID: broadcasterPersonID,
		Title:               l.Title,
		CurrentViewers:      l.ViewerCount,
		StartedAt:           l.StartedAt,
	})
}

// Observation is one tick's view of an active connection.
type Observation struct {
	SessionID           int64
	RootSessionID       int64
	BroadcasterPersonID int64
	CategoryID          string
	Listing             core.BroadcastListing
	Acc                 *stats.Accumulator
}

// Result carries the connection state after an observation.
type Result struct {
	SessionID       int64
	RootSessionID   int64
	CategoryID      string
	CategoryChanged bool
}

// Observe reconciles one active connection against its newly discovered
// listing. Unchanged category: flush accumulated deltas plus the recomputed
// average and the fresh viewer count into the existing row. Changed
// category: flush the old row one last time (final average included), create
// the new segment carrying the lineage root forward, and reset the
// connection's counters and viewer samples.
func (t *Tracker) Observe(ctx context.Context, obs Observation) (Result, error) {
	res := Result{
		SessionID:     obs.SessionID,
		RootSessionID: obs.RootSessionID,
		CategoryID:    obs.CategoryID,
	}

	obs.Acc.ObserveViewers(obs.Listing.ViewerCount)

	if obs.Listing.CategoryID == obs.CategoryID {
		err := t.flusher.Flush(ctx, obs.SessionID, obs.Acc, stats.FlushOptions{
			WithAverage: true,
			Viewers:     obs.Listing.ViewerCount,
			SetViewers:  true,
		})
		return res, err
	}

	// category changed: final flush of the old segment
	if err := t.flusher.Flush(ctx, obs.SessionID, obs.Acc, stats.FlushOptions{WithAverage: true}); err != nil {
		log.Printf("session: %s/%s: final stats flush: %v", obs.Listing.Platform, obs.Listing.ChannelID, err)
	}

	root := obs.RootSessionID
	if root == 0 {
		root = obs.SessionID
	}

	newID, err := t.st.UpsertBroadcastSession(ctx, core.BroadcastSession{
		Platform:            obs.Listing.Platform,
		ChannelID:           obs.Listing.ChannelID,
		BroadcastID:         obs.Listing.BroadcastID,
		CategoryID:          obs.Listing.CategoryID,
		CategoryName:        obs.Listing.CategoryName,
		BroadcasterPersonID: obs.BroadcasterPersonID,
		Title:               obs.Listing.Title,
		CurrentViewers:      obs.Listing.ViewerCount,
		RootSessionID:       root,
		StartedAt:           time.Now().UTC(),
	})
	if err != nil {
		return res, err
	}

	obs.Acc.Reset()

	res.SessionID = newID
	res.RootSessionID = root
	res.CategoryID = obs.Listing.CategoryID
	res.CategoryChanged = true
	log.Printf("session: %s/%s: category %q -> %q, segment %d (root %d)",
		obs.Listing.Platform, obs.Listing.ChannelID, obs.CategoryID, obs.Listing.CategoryID, newID, root)
	return res, nil
}

// FlushFinal pushes a connection's remaining stats before disconnect.
func (t *Tracker) FlushFinal(ctx context.Context, sessionID int64, acc *stats.Accumulator) error {
	return t.flusher.Flush(ctx, sessionID, acc, stats.FlushOptions{WithAverage: true})
}

// EndAbsentBroadcasts marks every live session row whose broadcast id is
// absent from the tick's discovered set as ended, computes its duration from
// the recorded start, and increments the broadcaster's cumulative on-air
// minutes. Returns how many rows were ended.
func (t *Tracker) EndAbsentBroadcasts(ctx context.Context, platform core.Platform, discovered map[string]struct{}) (int, error) {
	live, err := t.st.ListLiveSessions(ctx, platform)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	ended := 0
	for _, ref := range live {
		if _, ok := discovered[ref.BroadcastID]; ok {
			continue
		}
		minutes := 0
		if !ref.StartedAt.IsZero() {
			minutes = int(now.Sub(ref.StartedAt).Minutes())
			if minutes < 0 {
				minutes = 0
			}
		}
		if err := t.st.MarkSessionEnded(ctx, ref.SessionID, now, minutes); err != nil {
			log.Printf("session: mark ended %d: %v", ref.SessionID, err)
			continue
		}
		if err := t.st.AddPersonAirMinutes(ctx, ref.BroadcasterPersonID, minutes); err != nil {
			log.Printf("session: air minutes for person %d: %v", ref.BroadcasterPersonID, err)
		}
		ended++
	}
	return ended, nil
}
