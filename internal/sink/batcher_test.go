package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/you/streamscout/internal/core"
)

type recordingWriter struct {
	mu      sync.Mutex
	events  []core.Event
	batches int
	fail    bool
}

func (r *recordingWriter) BatchInsertEvents(_ context.Context, events []core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("boom")
	}
	r.batches++
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingWriter) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

func (r *recordingWriter) SetFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func TestBatcherSizeThreshold(t *testing.T) {
	base := &recordingWriter{}
	b := NewBatcher(base, BatcherOptions{BatchSize: 100, FlushInterval: time.Hour})
	defer b.Close()

	for i := 0; i < 250; i++ {
		b.Add(core.Event{ID: strconv.Itoa(i), Platform: core.PlatformChzzk})
	}

	waitFor(t, func() bool { return base.Count() == 200 })
	if base.Batches() != 2 {
		t.Fatalf("expected two full batches, got %d", base.Batches())
	}
	if b.Pending() != 50 {
		t.Fatalf("expected 50 events still buffered, got %d", b.Pending())
	}
}

func TestBatcherTimerFlush(t *testing.T) {
	base := &recordingWriter{}
	b := NewBatcher(base, BatcherOptions{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer b.Close()

	b.Add(core.Event{ID: "only", Platform: core.PlatformSoop})
	waitFor(t, func() bool { return base.Count() == 1 })
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	base := &recordingWriter{}
	b := NewBatcher(base, BatcherOptions{BatchSize: 100, FlushInterval: time.Hour})

	for i := 0; i < 7; i++ {
		b.Add(core.Event{ID: strconv.Itoa(i)})
	}
	b.Close()
	if base.Count() != 7 {
		t.Fatalf("expected close to flush 7 events, got %d", base.Count())
	}

	// adds after close are rejected
	b.Add(core.Event{ID: "late"})
	if b.Pending() != 0 {
		t.Fatalf("expected no buffering after close")
	}
}

func TestBatcherDropsFailedBatchWithoutDeadLetter(t *testing.T) {
	base := &recordingWriter{fail: true}
	b := NewBatcher(base, BatcherOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer b.Close()

	b.Add(core.Event{ID: "1"})
	b.Add(core.Event{ID: "2"})
	waitFor(t, func() bool {
		_, _, _, dropped := b.Stats()
		return dropped == 2
	})

	// a failed batch does not poison later ones
	base.SetFail(false)
	b.Add(core.Event{ID: "3"})
	b.Add(core.Event{ID: "4"})
	waitFor(t, func() bool { return base.Count() == 2 })
}

func TestBatcherRoutesFailedBatchToDeadLetter(t *testing.T) {
	var (
		mu     sync.Mutex
		letter []core.Event
	)
	base := &recordingWriter{fail: true}
	b := NewBatcher(base, BatcherOptions{
		BatchSize:     2,
		FlushInterval: time.Hour,
		DeadLetter: func(batch []core.Event, _ error) {
			mu.Lock()
			letter = append(letter, batch...)
			mu.Unlock()
		},
	})
	defer b.Close()

	b.Add(core.Event{ID: "1"})
	b.Add(core.Event{ID: "2"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(letter) == 2
	})
	_, _, deadLettered, dropped := b.Stats()
	if deadLettered != 2 || dropped != 0 {
		t.Fatalf("unexpected stats: deadLettered=%d dropped=%d", deadLettered, dropped)
	}
}

func TestBatcherRuntimeBatchSize(t *testing.T) {
	base := &recordingWriter{}
	b := NewBatcher(base, BatcherOptions{BatchSize: 100, FlushInterval: time.Hour})
	defer b.Close()

	b.SetBatchSize(2)
	b.Add(core.Event{ID: "1"})
	b.Add(core.Event{ID: "2"})
	waitFor(t, func() bool { return base.Count() == 2 })
}
