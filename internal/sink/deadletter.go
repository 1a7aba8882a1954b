package sink

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/you/streamscout/internal/core"
)

// FileDeadLetter appends failed batches to an NDJSON file so they can be
// replayed later. Writes are serialized; a dead-letter write that itself
// fails is logged and the batch is lost, the same explicit trade-off as
// running without a sink.
type FileDeadLetter struct {
	mu   sync.Mutex
	path string
}

func NewFileDeadLetter(path string) *FileDeadLetter {
	return &FileDeadLetter{path: path}
}

type deadLetterRecord struct {
	FailedAt time.Time  `json:"failed_at"`
	Cause    string     `json:"cause"`
	Event    core.Event `json:"event"`
}

// Sink is the DeadLetterFunc to hand to the batcher.
func (f *FileDeadLetter) Sink(batch []core.Event, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("deadletter: open %s: %v (%d events lost)", f.path, err, len(batch))
		return
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	now := time.Now().UTC()
	for _, ev := range batch {
		if err := enc.Encode(deadLetterRecord{FailedAt: now, Cause: cause.Error(), Event: ev}); err != nil {
			log.Printf("deadletter: append: %v", err)
			return
		}
	}
	log.Printf("deadletter: recorded %d events to %s", len(batch), f.path)
}
