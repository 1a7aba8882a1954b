package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/you/streamscout/internal/core"
)

type fakeLister struct {
	pages     [][]core.BroadcastListing
	failPages map[int]bool
	calls     int
}

func (f *fakeLister) ListLive(_ context.Context, page, _ int) ([]core.BroadcastListing, error) {
	f.calls++
	if f.failPages[page] {
		return nil, fmt.Errorf("listing page %d: connection refused", page)
	}
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

func l(channel, broadcast string, viewers int) core.BroadcastListing {
	return core.BroadcastListing{ChannelID: channel, BroadcastID: broadcast, ViewerCount: viewers}
}

func TestDiscoverRanksAndTruncates(t *testing.T) {
	lister := &fakeLister{pages: [][]core.BroadcastListing{
		{l("a", "ba", 50), l("b", "bb", 500), l("c", "bc", 120)},
		{l("d", "bd", 10), l("e", "be", 300)},
	}}
	d := New(core.PlatformChzzk, lister, Options{MaxResults: 100, PageSize: 3})

	top, liveIDs, err := d.Discover(context.Background(), 3)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected truncation to 3, got %d", len(top))
	}
	want := []string{"b", "e", "c"}
	for i, channel := range want {
		if top[i].ChannelID != channel {
			t.Fatalf("rank %d: got %q, want %q", i, top[i].ChannelID, channel)
		}
		if top[i].Platform != core.PlatformChzzk {
			t.Fatalf("rank %d: platform not stamped", i)
		}
	}
	// every broadcast id is reported, truncated ones included
	if len(liveIDs) != 5 {
		t.Fatalf("expected 5 live broadcast ids, got %d", len(liveIDs))
	}
	if _, ok := liveIDs["bd"]; !ok {
		t.Fatalf("truncated broadcast missing from live set")
	}
}

func TestDiscoverDedupesByChannelFirstWins(t *testing.T) {
	lister := &fakeLister{pages: [][]core.BroadcastListing{
		{l("a", "b1", 100), l("a", "b2", 999), l("b", "b3", 10)},
	}}
	d := New(core.PlatformSoop, lister, Options{MaxResults: 100, PageSize: 10})

	top, _, err := d.Discover(context.Background(), 0)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected dedupe to 2 channels, got %d", len(top))
	}
	if top[0].ChannelID != "a" || top[0].BroadcastID != "b1" {
		t.Fatalf("expected first occurrence of channel a to win, got %+v", top[0])
	}
}

func TestDiscoverFirstPageFailureIsFatal(t *testing.T) {
	lister := &fakeLister{failPages: map[int]bool{0: true}}
	d := New(core.PlatformChzzk, lister, Options{})

	if _, _, err := d.Discover(context.Background(), 10); err == nil {
		t.Fatalf("expected error when the first page fails")
	}
}

func TestDiscoverLaterPageFailureReturnsPartialResults(t *testing.T) {
	lister := &fakeLister{
		pages:     [][]core.BroadcastListing{{l("a", "ba", 10), l("b", "bb", 20)}},
		failPages: map[int]bool{1: true},
	}
	d := New(core.PlatformChzzk, lister, Options{MaxResults: 100, PageSize: 2})

	top, liveIDs, err := d.Discover(context.Background(), 10)
	if err != nil {
		t.Fatalf("expected partial results, got error: %v", err)
	}
	if len(top) != 2 || len(liveIDs) != 2 {
		t.Fatalf("unexpected partial results: %d listings, %d live ids", len(top), len(liveIDs))
	}
}

func TestDiscoverStopsAtMaxResults(t *testing.T) {
	lister := &fakeLister{pages: [][]core.BroadcastListing{
		{l("a", "ba", 1), l("b", "bb", 2)},
		{l("c", "bc", 3), l("d", "bd", 4)},
		{l("e", "be", 5), l("f", "bf", 6)},
	}}
	d := New(core.PlatformChzzk, lister, Options{MaxResults: 4, PageSize: 2})

	top, _, err := d.Discover(context.Background(), 0)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(top) != 4 {
		t.Fatalf("expected pagination to stop at 4 results, got %d", len(top))
	}
	if lister.calls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", lister.calls)
	}
}

func TestDiscoverSkipsEmptyChannelIDs(t *testing.T) {
	lister := &fakeLister{pages: [][]core.BroadcastListing{
		{l("", "bx", 999), l("a", "ba", 10)},
	}}
	d := New(core.PlatformChzzk, lister, Options{})

	top, _, err := d.Discover(context.Background(), 0)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(top) != 1 || top[0].ChannelID != "a" {
		t.Fatalf("expected listing without channel id to be skipped, got %+v", top)
	}
}
