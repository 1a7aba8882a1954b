package identity

import (
	"context"
	"testing"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/store"
)

type countingStore struct {
	*store.Memory
	upserts int
}

func (c *countingStore) UpsertPerson(ctx context.Context, p core.Person) (int64, error) {
	c.upserts++
	return c.Memory.UpsertPerson(ctx, p)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"user123", "user123"},
		{"user123 (2)", "user123"},
		{"user123 (14)", "user123"},
		{"  user123 (2) ", "user123"},
		{"user (2) name", "user (2) name"},
		{"(2)", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUpsertPersonDeviceSuffixConverges(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	r := NewResolver(st, 10)
	ctx := context.Background()

	id1, err := r.UpsertPerson(ctx, core.PlatformChzzk, "user123", core.Person{Nickname: "u"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id2, err := r.UpsertPerson(ctx, core.PlatformChzzk, "user123 (2)", core.Person{})
	if err != nil {
		t.Fatalf("upsert suffixed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same person id for device-suffixed id, got %d and %d", id1, id2)
	}
	if st.upserts != 1 {
		t.Fatalf("expected one store upsert, got %d", st.upserts)
	}
	if len(st.PersonsByKey) != 1 {
		t.Fatalf("expected one person row, got %d", len(st.PersonsByKey))
	}
}

func TestUpsertPersonCacheHit(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	r := NewResolver(st, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.UpsertPerson(ctx, core.PlatformSoop, "viewer", core.Person{}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if st.upserts != 1 {
		t.Fatalf("expected one store upsert behind the cache, got %d", st.upserts)
	}
	size, hits, misses := r.CacheStats()
	if size != 1 || hits != 2 || misses != 1 {
		t.Fatalf("unexpected cache stats: size=%d hits=%d misses=%d", size, hits, misses)
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	r := NewResolver(st, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.UpsertPerson(ctx, core.PlatformChzzk, id, core.Person{}); err != nil {
			t.Fatalf("upsert %q: %v", id, err)
		}
	}
	// "a" was evicted; resolving it again must hit the store
	before := st.upserts
	if _, err := r.UpsertPerson(ctx, core.PlatformChzzk, "a", core.Person{}); err != nil {
		t.Fatalf("re-upsert a: %v", err)
	}
	if st.upserts != before+1 {
		t.Fatalf("expected store upsert after eviction, calls went %d -> %d", before, st.upserts)
	}
	// "c" is still cached
	before = st.upserts
	if _, err := r.UpsertPerson(ctx, core.PlatformChzzk, "c", core.Person{}); err != nil {
		t.Fatalf("re-upsert c: %v", err)
	}
	if st.upserts != before {
		t.Fatalf("expected cache hit for c, store calls went %d -> %d", before, st.upserts)
	}
}

func TestResizeShrinksCache(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	r := NewResolver(st, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := r.UpsertPerson(ctx, core.PlatformSoop, id, core.Person{}); err != nil {
			t.Fatalf("upsert %q: %v", id, err)
		}
	}
	r.Resize(2)
	size, _, _ := r.CacheStats()
	if size != 2 {
		t.Fatalf("expected cache size 2 after resize, got %d", size)
	}
}

func TestUpsertPersonEmptyID(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	r := NewResolver(st, 10)

	id, err := r.UpsertPerson(context.Background(), core.PlatformChzzk, "   ", core.Person{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected zero id for empty raw id, got %d", id)
	}
	if st.upserts != 0 {
		t.Fatalf("expected no store call for empty raw id")
	}
}
