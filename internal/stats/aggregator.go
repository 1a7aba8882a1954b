package stats

import (
	"context"
	"sync"

	"github.com/you/streamscout/internal/store"
)

// sampleCap bounds the viewer-sample ring buffer per connection.
const sampleCap = 100

// Accumulator collects one connection's activity between stats flushes:
// chat count, donation amount, and a capped ring of discovery-observed
// viewer counts.
type Accumulator struct {
	mu             sync.Mutex
	chatCount      int64
	donationAmount int64
	samples        [sampleCap]int
	sampleHead     int
	sampleLen      int
}

func NewAccumulator() *Accumulator { return &Accumulator{} }

func (a *Accumulator) AddChat() {
	a.mu.Lock()
	a.chatCount++
	a.mu.Unlock()
}

func (a *Accumulator) AddDonation(amount int64) {
	a.mu.Lock()
	a.donationAmount += amount
	a.mu.Unlock()
}

// ObserveViewers appends one discovery-observed viewer count, overwriting
// the oldest sample once the ring is full.
func (a *Accumulator) ObserveViewers(n int) {
	a.mu.Lock()
	a.samples[a.sampleHead] = n
	a.sampleHead = (a.sampleHead + 1) % sampleCap
	if a.sampleLen < sampleCap {
		a.sampleLen++
	}
	a.mu.Unlock()
}

// TakeCounters returns the accumulated counters and zeroes them. The caller
// flushes them as additive deltas and restores on failure.
func (a *Accumulator) TakeCounters() (chat, donation int64) {
	a.mu.Lock()
	chat, donation = a.chatCount, a.donationAmount
	a.chatCount, a.donationAmount = 0, 0
	a.mu.Unlock()
	return chat, donation
}

// RestoreCounters adds counters back after a failed flush so no counted
// activity is silently lost.
func (a *Accumulator) RestoreCounters(chat, donation int64) {
	a.mu.Lock()
	a.chatCount += chat
	a.donationAmount += donation
	a.mu.Unlock()
}

// Counters peeks at the current values without resetting.
func (a *Accumulator) Counters() (chat, donation int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatCount, a.donationAmount
}

// AverageViewers recomputes the mean of the current ring contents. ok is
// false when no samples have been observed yet.
func (a *Accumulator) AverageViewers() (avg float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sampleLen == 0 {
		return 0, false
	}
	sum := 0
	for i := 0; i < a.sampleLen; i++ {
		sum += a.samples[i]
	}
	return float64(sum) / float64(a.sampleLen), true
}

// SampleLen reports how many viewer samples the ring currently holds.
func (a *Accumulator) SampleLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleLen
}

// Reset clears counters and the viewer ring. Used when a category change
// starts a fresh session segment.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.chatCount, a.donationAmount = 0, 0
	a.sampleHead, a.sampleLen = 0, 0
	a.mu.Unlock()
}

// FlushOptions controls what one stats flush writes besides counter deltas.
type FlushOptions struct {
	WithAverage bool
	Viewers     int
	SetViewers  bool
}

// Flusher pushes accumulator deltas into persisted session rows.
type Flusher struct {
	st store.Store
}

func NewFlusher(st store.Store) *Flusher { return &Flusher{st: st} }

// Flush writes the accumulator's counters as additive deltas to the session
// row. Counters are zeroed optimistically before the write and restored when
// it fails. The viewer average, when requested, is recomputed from the ring
// and written as an absolute value.
func (f *Flusher) Flush(ctx context.Context, sessionID int64, acc *Accumulator, opts FlushOptions) error {
	chat, donation := acc.TakeCounters()

	delta := store.StatsDelta{
		ChatCount:      chat,
		DonationAmount: donation,
		CurrentViewers: opts.Viewers,
		SetViewers:     opts.SetViewers,
	}
	if opts.WithAverage {
		if avg, ok := acc.AverageViewers(); ok {
			delta.AvgViewers = avg
			delta.SetAvg = true
		}
	}

	if err := f.st.ApplySessionStatsDelta(ctx, sessionID, delta); err != nil {
		acc.RestoreCounters(chat, donation)
		return err
	}
	return nil
}
