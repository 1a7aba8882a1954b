package store

import (
	"context"
	"sync"
	"time"

	"github.com/you/streamscout/internal/core"
)

// Memory is an in-process Store used by tests and by the dry-run mode of the
// scout binary. It mirrors the SQLite upsert semantics, natural keys
// included.
type Memory struct {
	mu sync.Mutex

	nextPersonID  int64
	nextSessionID int64

	PersonsByKey  map[string]*core.Person            // platform|userID
	SessionsByKey map[string]*core.BroadcastSession  // platform|channel|broadcast|category
	SessionsByID  map[int64]*core.BroadcastSession
	EventsByKey   map[string]core.Event // platform|eventID
	Categories    map[string]core.Category

	// FailWrites makes every mutating call return FailErr while set.
	FailWrites bool
	FailErr    error
}

func NewMemory() *Memory {
	return &Memory{
		PersonsByKey:  make(map[string]*core.Person),
		SessionsByKey: make(map[string]*core.BroadcastSession),
		SessionsByID:  make(map[int64]*core.BroadcastSession),
		EventsByKey:   make(map[string]core.Event),
		Categories:    make(map[string]core.Category),
	}
}

func (m *Memory) failErr() error {
	if m.FailErr != nil {
		return m.FailErr
	}
	return context.DeadlineExceeded
}

func (m *Memory) UpsertPerson(_ context.Context, p core.Person) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return 0, m.failErr()
	}
	key := string(p.Platform) + "|" + p.UserID
	existing, ok := m.PersonsByKey[key]
	if !ok {
		m.nextPersonID++
		p.ID = m.nextPersonID
		p.FirstSeen = time.Now().UTC()
		p.LastSeen = p.FirstSeen
		m.PersonsByKey[key] = &p
		return p.ID, nil
	}
	if p.Nickname != "" {
		existing.Nickname = p.Nickname
	}
	if p.ProfileImage != "" {
		existing.ProfileImage = p.ProfileImage
	}
	if p.ChannelID != "" {
		existing.ChannelID = p.ChannelID
	}
	if p.FollowerCount > 0 {
		existing.FollowerCount = p.FollowerCount
	}
	if p.SubscriberCount > 0 {
		existing.SubscriberCount = p.SubscriberCount
	}
	existing.LastSeen = time.Now().UTC()
	return existing.ID, nil
}

func sessionKey(s core.BroadcastSession) string {
	return string(s.Platform) + "|" + s.ChannelID + "|" + s.BroadcastID + "|" + s.CategoryID
}

func (m *Memory) UpsertBroadcastSession(_ context.Context, s core.BroadcastSession) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return 0, m.failErr()
	}
	key := sessionKey(s)
	existing, ok := m.SessionsByKey[key]
	if !ok {
		m.nextSessionID++
		s.ID = m.nextSessionID
		s.IsLive = true
		if s.StartedAt.IsZero() {
			s.StartedAt = time.Now().UTC()
		}
		s.PeakViewers = s.CurrentViewers
		m.SessionsByKey[key] = &s
		m.SessionsByID[s.ID] = &s
		return s.ID, nil
	}
	if s.Title != "" {
		existing.Title = s.Title
	}
	if s.CategoryName != "" {
		existing.CategoryName = s.CategoryName
	}
	if s.BroadcasterPersonID > 0 {
		existing.BroadcasterPersonID = s.BroadcasterPersonID
	}
	existing.CurrentViewers = s.CurrentViewers
	if s.CurrentViewers > existing.PeakViewers {
		existing.PeakViewers = s.CurrentViewers
	}
	existing.IsLive = true
	return existing.ID, nil
}

func (m *Memory) ApplySessionStatsDelta(_ context.Context, sessionID int64, delta StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	s, ok := m.SessionsByID[sessionID]
	if !ok {
		return nil
	}
	s.ChatCount += delta.ChatCount
	s.DonationAmount += delta.DonationAmount
	if delta.SetViewers {
		s.CurrentViewers = delta.CurrentViewers
		if delta.CurrentViewers > s.PeakViewers {
			s.PeakViewers = delta.CurrentViewers
		}
	}
	if delta.SetAvg {
		s.AvgViewers = delta.AvgViewers
	}
	return nil
}

func (m *Memory) BatchInsertEvents(_ context.Context, events []core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	for _, ev := range events {
		key := string(ev.Platform) + "|" + ev.ID
		if _, ok := m.EventsByKey[key]; ok {
			continue
		}
		m.EventsByKey[key] = ev
	}
	return nil
}

func (m *Memory) ListLiveSessions(_ context.Context, platform core.Platform) ([]LiveSessionRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LiveSessionRef
	for _, s := range m.SessionsByID {
		if s.Platform != platform || !s.IsLive {
			continue
		}
		out = append(out, LiveSessionRef{
			SessionID:           s.ID,
			BroadcastID:         s.BroadcastID,
			BroadcasterPersonID: s.BroadcasterPersonID,
			StartedAt:           s.StartedAt,
		})
	}
	return out, nil
}

func (m *Memory) MarkSessionEnded(_ context.Context, sessionID int64, endedAt time.Time, durationMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	s, ok := m.SessionsByID[sessionID]
	if !ok || !s.IsLive {
		return nil
	}
	s.IsLive = false
	s.EndedAt = endedAt
	s.DurationMinutes = durationMinutes
	return nil
}

func (m *Memory) AddPersonAirMinutes(_ context.Context, personID int64, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	for _, p := range m.PersonsByKey {
		if p.ID == personID {
			p.TotalAirMinutes += minutes
			return nil
		}
	}
	return nil
}

func (m *Memory) UpsertCategory(_ context.Context, c core.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return m.failErr()
	}
	m.Categories[string(c.Platform)+"|"+c.CategoryID] = c
	return nil
}

func (m *Memory) Ping() error { return nil }

func (m *Memory) Reconnect(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// SetFail toggles write failures; handy mid-test.
func (m *Memory) SetFail(fail bool) {
	m.mu.Lock()
	m.FailWrites = fail
	m.mu.Unlock()
}

// EventCount returns the number of stored events.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.EventsByKey)
}

// Session returns a copy of the session row by id.
func (m *Memory) Session(id int64) (core.BroadcastSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.SessionsByID[id]
	if !ok {
		return core.BroadcastSession{}, false
	}
	return *s, true
}
