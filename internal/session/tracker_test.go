package session

import (
	"context"
	"testing"
	"time"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/stats"
	"github.com/you/streamscout/internal/store"
)

func listing(channel, broadcast, category string, viewers int) core.BroadcastListing {
	return core.BroadcastListing{
		Platform:     core.PlatformChzzk,
		ChannelID:    channel,
		BroadcastID:  broadcast,
		CategoryID:   category,
		CategoryName: category,
		Title:        "title",
		ViewerCount:  viewers,
	}
}

func TestStartSessionIdempotent(t *testing.T) {
	mem := store.NewMemory()
	tr := NewTracker(mem)
	ctx := context.Background()

	id1, err := tr.StartSession(ctx, listing("ch", "b1", "game", 100), 7)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id2, err := tr.StartSession(ctx, listing("ch", "b1", "game", 120), 7)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected reconnect to converge to session %d, got %d", id1, id2)
	}
	if len(mem.SessionsByID) != 1 {
		t.Fatalf("expected one session row, got %d", len(mem.SessionsByID))
	}
}

func TestObserveUnchangedCategoryFlushesStats(t *testing.T) {
	mem := store.NewMemory()
	tr := NewTracker(mem)
	ctx := context.Background()

	id, err := tr.StartSession(ctx, listing("ch", "b1", "game", 100), 7)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	acc := stats.NewAccumulator()
	acc.AddChat()
	acc.AddChat()
	acc.AddDonation(1000)

	res, err := tr.Observe(ctx, Observation{
		SessionID:  id,
		CategoryID: "game",
		Listing:    listing("ch", "b1", "game", 140),
		Acc:        acc,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if res.CategoryChanged || res.SessionID != id || res.RootSessionID != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	s, _ := mem.Session(id)
	if s.ChatCount != 2 || s.DonationAmount != 1000 {
		t.Fatalf("stats not flushed: chat=%d donation=%d", s.ChatCount, s.DonationAmount)
	}
	if s.CurrentViewers != 140 {
		t.Fatalf("viewer count not updated: %d", s.CurrentViewers)
	}
	if s.AvgViewers != 140 {
		t.Fatalf("average not written: %f", s.AvgViewers)
	}
}

func TestObserveCategoryChangeSplitsSegment(t *testing.T) {
	mem := store.NewMemory()
	tr := NewTracker(mem)
	ctx := context.Background()

	id, err := tr.StartSession(ctx, listing("ch", "b1", "game-a", 100), 7)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	acc := stats.NewAccumulator()
	acc.AddChat()
	acc.AddDonation(500)

	res, err := tr.Observe(ctx, Observation{
		SessionID:           id,
		BroadcasterPersonID: 7,
		CategoryID:          "game-a",
		Listing:             listing("ch", "b1", "game-b", 150),
		Acc:                 acc,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !res.CategoryChanged {
		t.Fatalf("expected category change")
	}
	if res.SessionID == id {
		t.Fatalf("expected a new segment row")
	}
	if res.RootSessionID != id {
		t.Fatalf("expected lineage root %d, got %d", id, res.RootSessionID)
	}
	if res.CategoryID != "game-b" {
		t.Fatalf("unexpected category: %q", res.CategoryID)
	}

	// the new segment keeps the broadcaster, so the end-of-broadcast sweep
	// can credit air minutes against it
	seg, ok := mem.Session(res.SessionID)
	if !ok {
		t.Fatalf("new segment row not persisted")
	}
	if seg.BroadcasterPersonID != 7 {
		t.Fatalf("new segment lost broadcaster: got person %d, want 7", seg.BroadcasterPersonID)
	}

	// accumulated stats landed on the old segment, and the accumulator reset
	old, _ := mem.Session(id)
	if old.ChatCount != 1 || old.DonationAmount != 500 {
		t.Fatalf("old segment missing final stats: chat=%d donation=%d", old.ChatCount, old.DonationAmount)
	}
	if !old.IsLive {
		t.Fatalf("category change must not end the old segment")
	}
	if chat, donation := acc.Counters(); chat != 0 || donation != 0 {
		t.Fatalf("accumulator not reset: chat=%d donation=%d", chat, donation)
	}
	if acc.SampleLen() != 0 {
		t.Fatalf("viewer ring not reset: %d samples", acc.SampleLen())
	}

	// a second change keeps pointing at the original root
	res2, err := tr.Observe(ctx, Observation{
		SessionID:           res.SessionID,
		RootSessionID:       res.RootSessionID,
		BroadcasterPersonID: 7,
		CategoryID:          res.CategoryID,
		Listing:             listing("ch", "b1", "game-c", 90),
		Acc:                 acc,
	})
	if err != nil {
		t.Fatalf("second observe: %v", err)
	}
	if res2.RootSessionID != id {
		t.Fatalf("lineage root drifted: got %d, want %d", res2.RootSessionID, id)
	}
	if seg2, _ := mem.Session(res2.SessionID); seg2.BroadcasterPersonID != 7 {
		t.Fatalf("third segment lost broadcaster: got person %d, want 7", seg2.BroadcasterPersonID)
	}
	if len(mem.SessionsByID) != 3 {
		t.Fatalf("expected three segment rows, got %d", len(mem.SessionsByID))
	}
}

func TestEndAbsentBroadcasts(t *testing.T) {
	mem := store.NewMemory()
	tr := NewTracker(mem)
	ctx := context.Background()

	personID, err := mem.UpsertPerson(ctx, core.Person{Platform: core.PlatformChzzk, UserID: "streamer"})
	if err != nil {
		t.Fatalf("seed person: %v", err)
	}

	started := time.Now().UTC().Add(-90 * time.Minute)
	aliveID, err := mem.UpsertBroadcastSession(ctx, core.BroadcastSession{
		Platform: core.PlatformChzzk, ChannelID: "alive", BroadcastID: "b-alive",
		CategoryID: "game", BroadcasterPersonID: personID, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("seed alive: %v", err)
	}
	goneID, err := mem.UpsertBroadcastSession(ctx, core.BroadcastSession{
		Platform: core.PlatformChzzk, ChannelID: "gone", BroadcastID: "b-gone",
		CategoryID: "game", BroadcasterPersonID: personID, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("seed gone: %v", err)
	}

	ended, err := tr.EndAbsentBroadcasts(ctx, core.PlatformChzzk, map[string]struct{}{"b-alive": {}})
	if err != nil {
		t.Fatalf("end sweep: %v", err)
	}
	if ended != 1 {
		t.Fatalf("expected one ended session, got %d", ended)
	}

	alive, _ := mem.Session(aliveID)
	if !alive.IsLive {
		t.Fatalf("present broadcast must stay live")
	}
	gone, _ := mem.Session(goneID)
	if gone.IsLive {
		t.Fatalf("absent broadcast must be ended")
	}
	if gone.DurationMinutes < 89 || gone.DurationMinutes > 91 {
		t.Fatalf("unexpected duration: %d minutes", gone.DurationMinutes)
	}
	if gone.EndedAt.IsZero() {
		t.Fatalf("ended_at not recorded")
	}

	// broadcaster accumulated air minutes
	for _, p := range mem.PersonsByKey {
		if p.ID == personID && (p.TotalAirMinutes < 89 || p.TotalAirMinutes > 91) {
			t.Fatalf("unexpected air minutes: %d", p.TotalAirMinutes)
		}
	}

	// the sweep is idempotent
	ended, err = tr.EndAbsentBroadcasts(ctx, core.PlatformChzzk, map[string]struct{}{"b-alive": {}})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if ended != 0 {
		t.Fatalf("expected nothing left to end, got %d", ended)
	}
}
