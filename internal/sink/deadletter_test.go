package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/streamscout/internal/core"
)

func TestFileDeadLetterAppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.ndjson")
	dl := NewFileDeadLetter(path)

	cause := fmt.Errorf("database is locked")
	dl.Sink([]core.Event{
		{ID: "e1", Platform: core.PlatformChzzk, Type: core.EventChat, Ts: time.Now().UTC()},
		{ID: "e2", Platform: core.PlatformChzzk, Type: core.EventDonation, Amount: 500},
	}, cause)
	dl.Sink([]core.Event{{ID: "e3", Platform: core.PlatformSoop}}, cause)

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open dead letter: %v", err)
	}
	defer file.Close()

	var records []deadLetterRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec deadLetterRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Event.ID != "e1" || records[0].Cause != "database is locked" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[0].FailedAt.IsZero() {
		t.Fatalf("failed_at not recorded")
	}
	if records[2].Event.ID != "e3" {
		t.Fatalf("append across calls broken: %+v", records[2])
	}
}
