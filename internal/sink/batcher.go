package sink

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/you/streamscout/internal/core"
)

// EventWriter is the slice of the store the batcher needs.
type EventWriter interface {
	BatchInsertEvents(ctx context.Context, events []core.Event) error
}

// DeadLetterFunc receives a whole batch that permanently failed to persist.
type DeadLetterFunc func(batch []core.Event, cause error)

type BatcherOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	DeadLetter    DeadLetterFunc
}

// Batcher buffers normalized events and flushes them by size or time
// threshold. A flush swaps the buffer out under the lock, so events added
// mid-flush land in the next batch rather than being lost. Flush is
// all-or-nothing: a failed batch write routes the entire batch to the
// dead-letter sink (or drops it with a warning when none is configured);
// there is no per-event retry split.
type Batcher struct {
	writer     EventWriter
	deadLetter DeadLetterFunc

	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	buffer        []core.Event
	timer         *time.Timer
	closed        bool

	added        int64
	flushed      int64
	deadLettered int64
	dropped      int64
}

func NewBatcher(writer EventWriter, opts BatcherOptions) *Batcher {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 100
	}
	interval := opts.FlushInterval
	if interval < 0 {
		interval = 0
	}
	return &Batcher{
		writer:        writer,
		deadLetter:    opts.DeadLetter,
		batchSize:     batch,
		flushInterval: interval,
	}
}

// Add appends one event. Reaching the batch size triggers an immediate
// asynchronous flush of the swapped-out batch.
func (b *Batcher) Add(ev core.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.added++
	b.buffer = append(b.buffer, ev)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}
	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return
	}

	batch := b.buffer
	b.buffer = nil
	b.stopTimerLocked()
	b.mu.Unlock()

	go b.writeBatch(batch)
}

// Flush synchronously writes whatever is buffered. Used at shutdown and by
// the status surface.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.stopTimerLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.writeBatch(batch)
	}
}

// Close flushes remaining events and rejects further adds.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	batch := b.buffer
	b.buffer = nil
	b.stopTimerLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.writeBatch(batch)
	}
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	if b.closed || len(b.buffer) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.timer = nil
	b.mu.Unlock()

	b.writeBatch(batch)
}

func (b *Batcher) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) writeBatch(batch []core.Event) {
	err := b.writer.BatchInsertEvents(context.Background(), batch)
	if err == nil {
		b.mu.Lock()
		b.flushed += int64(len(batch))
		b.mu.Unlock()
		return
	}

	if b.deadLetter != nil {
		log.Printf("sink: batch of %d failed, routing to dead letter: %v", len(batch), err)
		b.deadLetter(batch, err)
		b.mu.Lock()
		b.deadLettered += int64(len(batch))
		b.mu.Unlock()
		return
	}

	log.Printf("sink: WARNING: dropping batch of %d events, no dead-letter sink configured: %v", len(batch), err)
	b.mu.Lock()
	b.dropped += int64(len(batch))
	b.mu.Unlock()
}

// SetBatchSize applies a runtime override.
func (b *Batcher) SetBatchSize(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.batchSize = n
	b.mu.Unlock()
}

// SetFlushInterval applies a runtime override; it takes effect from the next
// buffered event.
func (b *Batcher) SetFlushInterval(d time.Duration) {
	if d < 0 {
		return
	}
	b.mu.Lock()
	b.flushInterval = d
	b.mu.Unlock()
}

// Pending reports how many events are currently buffered.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stats reports cumulative counters: added, flushed, dead-lettered, dropped.
func (b *Batcher) Stats() (added, flushed, deadLettered, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.added, b.flushed, b.deadLettered, b.dropped
}
