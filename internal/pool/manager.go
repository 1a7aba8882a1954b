package pool

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/you/streamscout/internal/adapter"
	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/identity"
	"github.com/you/streamscout/internal/session"
	"github.com/you/streamscout/internal/sink"
	"github.com/you/streamscout/internal/stats"
)

// State is a connection's lifecycle phase.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one admitted channel subscription. Owned exclusively by the
// manager; destroyed on eviction after a final stats flush.
type Connection struct {
	Platform            core.Platform
	ChannelID           string
	BroadcastID         string
	CategoryID          string
	SessionID           int64
	RootSessionID       int64
	BroadcasterPersonID int64
	Viewers             int
	ConnectedAt         time.Time

	state   State
	adapter adapter.LiveAdapter
	acc     *stats.Accumulator
	drained chan struct{}
}

type connKey struct {
	platform core.Platform
	channel  string
}

// AdapterFactory builds the platform adapter for one channel. Swappable in
// tests.
type AdapterFactory func(platform core.Platform, opts adapter.Options) (adapter.LiveAdapter, error)

type Options struct {
	BatchSize  int           // channels connected per burst
	BatchDelay time.Duration // pause between bursts
	BaseURLs   map[core.Platform]string
	Factory    AdapterFactory
}

// Manager admits and evicts per-channel live subscriptions so each platform
// stays within its cap. Reconcile is driven by discovery ticks; ticks are
// not serialized, so admission is guarded by map membership plus a
// pending-set and eviction is idempotent.
type Manager struct {
	resolver *identity.Resolver
	tracker  *session.Tracker
	batcher  *sink.Batcher
	factory  AdapterFactory
	baseURLs map[core.Platform]string

	mu         sync.Mutex
	batchSize  int
	batchDelay time.Duration
	conns      map[connKey]*Connection
	pending    map[connKey]struct{}
}

func NewManager(resolver *identity.Resolver, tracker *session.Tracker, batcher *sink.Batcher, opts Options) *Manager {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	factory := opts.Factory
	if factory == nil {
		factory = adapter.New
	}
	return &Manager{
		resolver:   resolver,
		tracker:    tracker,
		batcher:    batcher,
		factory:    factory,
		baseURLs:   opts.BaseURLs,
		batchSize:  batch,
		batchDelay: opts.BatchDelay,
		conns:      make(map[connKey]*Connection),
		pending:    make(map[connKey]struct{}),
	}
}

// Reconcile applies one tick's ranked top-N listing for a platform: evicts
// active connections that fell out of the set, observes the ones that stayed
// (category change handling included), and connects the newcomers in bounded
// bursts.
func (m *Manager) Reconcile(ctx context.Context, platform core.Platform, topN []core.BroadcastListing) {
	wanted := make(map[connKey]core.BroadcastListing, len(topN))
	for _, l := range topN {
		wanted[connKey{platform: platform, channel: l.ChannelID}] = l
	}

	// eviction: rank only, no hysteresis
	m.mu.Lock()
	var evict []*Connection
	for key, conn := range m.conns {
		if key.platform != platform {
			continue
		}
		if _, ok := wanted[key]; !ok {
			evict = append(evict, conn)
			delete(m.conns, key)
		}
	}
	m.mu.Unlock()

	for _, conn := range evict {
		m.closeConnection(ctx, conn, "evicted")
	}

	// observe survivors, collect newcomers
	var missing []core.BroadcastListing
	for key, listing := range wanted {
		m.mu.Lock()
		conn, active := m.conns[key]
		_, isPending := m.pending[key]
		var st State
		if active {
			st = conn.state
		}
		m.mu.Unlock()

		if active && st == StateActive {
			m.observe(ctx, conn, listing)
			continue
		}
		if active || isPending {
			continue
		}
		missing = append(missing, listing)
	}

	m.connectBatches(ctx, missing)
}

// observe runs the session tracker for one surviving connection.
func (m *Manager) observe(ctx context.Context, conn *Connection, listing core.BroadcastListing) {
	m.mu.Lock()
	conn.Viewers = listing.ViewerCount
	conn.BroadcastID = listing.BroadcastID
	sessionID := conn.SessionID
	rootID := conn.RootSessionID
	categoryID := conn.CategoryID
	broadcasterID := conn.BroadcasterPersonID
	m.mu.Unlock()

	if sessionID == 0 {
		// session upsert failed at connect time; retry now
		id, err := m.tracker.StartSession(ctx, listing, broadcasterID)
		if err != nil {
			log.Printf("pool: %s/%s: session upsert: %v", conn.Platform, conn.ChannelID, err)
			return
		}
		sessionID = id
	}

	res, err := m.tracker.Observe(ctx, session.Observation{
		SessionID:           sessionID,
		RootSessionID:       rootID,
		BroadcasterPersonID: broadcasterID,
		CategoryID:          categoryID,
		Listing:             listing,
		Acc:                 conn.acc,
	})
	if err != nil {
		log.Printf("pool: %s/%s: observe: %v", conn.Platform, conn.ChannelID, err)
		return
	}

	m.mu.Lock()
	conn.SessionID = res.SessionID
	conn.RootSessionID = res.RootSessionID
	conn.CategoryID = res.CategoryID
	m.mu.Unlock()
}

// connectBatches opens new connections in fixed-size bursts separated by a
// delay, to cap the socket-open rate. Within a burst attempts run
// concurrently and the burst is awaited before the next one starts.
func (m *Manager) connectBatches(ctx context.Context, listings []core.BroadcastListing) {
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].ViewerCount > listings[j].ViewerCount
	})

	size, delay := m.burstSettings()
	for start := 0; start < len(listings); start += size {
		if ctx.Err() != nil {
			return
		}
		end := start + size
		if end > len(listings) {
			end = len(listings)
		}

		var wg sync.WaitGroup
		for _, listing := range listings[start:end] {
			key := connKey{platform: listing.Platform, channel: listing.ChannelID}

			m.mu.Lock()
			_, exists := m.conns[key]
			_, inFlight := m.pending[key]
			if exists || inFlight {
				m.mu.Unlock()
				continue
			}
			m.pending[key] = struct{}{}
			m.mu.Unlock()

			wg.Add(1)
			go func(l core.BroadcastListing) {
				defer wg.Done()
				m.connect(ctx, l)
			}(listing)
		}
		wg.Wait()

		if end < len(listings) && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (m *Manager) connect(ctx context.Context, listing core.BroadcastListing) {
	key := connKey{platform: listing.Platform, channel: listing.ChannelID}
	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	ad, err := m.factory(listing.Platform, adapter.Options{
		ChannelID:   listing.ChannelID,
		BroadcastID: listing.BroadcastID,
		BaseURL:     m.baseURLs[listing.Platform],
	})
	if err != nil {
		log.Printf("pool: %s/%s: adapter: %v", listing.Platform, listing.ChannelID, err)
		return
	}

	if err := ad.Connect(ctx); err != nil {
		if errors.Is(err, adapter.ErrNotLive) {
			log.Printf("pool: %s/%s: not live, skipping", listing.Platform, listing.ChannelID)
		} else {
			log.Printf("pool: %s/%s: connect: %v", listing.Platform, listing.ChannelID, err)
		}
		return
	}

	// upsert failures on this path are logged and swallowed: the pipeline
	// keeps ingesting with a zero person/session reference
	broadcasterID, err := m.resolver.UpsertPerson(ctx, listing.Platform, listing.StreamerID, core.Person{
		Nickname:     listing.Nickname,
		ProfileImage: listing.ThumbnailURL,
		ChannelID:    listing.ChannelID,
	})
	if err != nil {
		log.Printf("pool: %s/%s: broadcaster upsert: %v", listing.Platform, listing.ChannelID, err)
	}

	sessionID, err := m.tracker.StartSession(ctx, listing, broadcasterID)
	if err != nil {
		log.Printf("pool: %s/%s: session upsert: %v", listing.Platform, listing.ChannelID, err)
	}

	conn := &Connection{
		Platform:            listing.Platform,
		ChannelID:           listing.ChannelID,
		BroadcastID:         listing.BroadcastID,
		CategoryID:          listing.CategoryID,
		SessionID:           sessionID,
		BroadcasterPersonID: broadcasterID,
		Viewers:             listing.ViewerCount,
		ConnectedAt:         time.Now().UTC(),
		state:               StateActive,
		adapter:             ad,
		acc:                 stats.NewAccumulator(),
		drained:             make(chan struct{}),
	}
	conn.acc.ObserveViewers(listing.ViewerCount)

	m.mu.Lock()
	if _, exists := m.conns[key]; exists {
		// a concurrent tick won the race; drop ours
		m.mu.Unlock()
		_ = ad.Disconnect()
		return
	}
	m.conns[key] = conn
	m.mu.Unlock()

	go m.drain(conn)
	log.Printf("pool: %s/%s: connected (viewers=%d, session=%d)", listing.Platform, listing.ChannelID, listing.ViewerCount, sessionID)
}

// drain consumes one connection's event stream until the adapter closes it.
func (m *Manager) drain(conn *Connection) {
	defer close(conn.drained)
	for ev := range conn.adapter.Events() {
		m.ingest(conn, ev)
	}
	// stream ended on its own; normal eviction will reap the entry
}

func (m *Manager) ingest(conn *Connection, ev adapter.LiveEvent) {
	ctx := context.Background()

	actorID, err := m.resolver.UpsertPerson(ctx, ev.Platform, ev.Sender.ID, core.Person{
		Nickname:     ev.Sender.Nickname,
		ProfileImage: ev.Sender.ProfileImage,
	})
	if err != nil {
		log.Printf("pool: %s/%s: actor upsert: %v", ev.Platform, conn.ChannelID, err)
	}

	switch ev.Type {
	case core.EventChat:
		conn.acc.AddChat()
	case core.EventDonation:
		conn.acc.AddDonation(ev.Amount)
	}

	m.batcher.Add(core.Event{
		ID:              ev.EventID,
		Type:            ev.Type,
		Platform:        ev.Platform,
		ActorPersonID:   actorID,
		TargetChannelID: conn.ChannelID,
		TargetPersonID:  conn.BroadcasterPersonID,
		Amount:          ev.Amount,
		Currency:        ev.Currency,
		DonationType:    ev.DonationType,
		Message:         ev.Message,
		Ts:              ev.Ts,
	})
}

func (m *Manager) closeConnection(ctx context.Context, conn *Connection, reason string) {
	// overlapping ticks may observe and evict the same connection; the
	// mutable fields are only touched under m.mu
	m.mu.Lock()
	if conn.state == StateClosed {
		m.mu.Unlock()
		return
	}
	conn.state = StateClosed
	sessionID := conn.SessionID
	m.mu.Unlock()

	if sessionID != 0 {
		if err := m.tracker.FlushFinal(ctx, sessionID, conn.acc); err != nil {
			log.Printf("pool: %s/%s: final stats flush: %v", conn.Platform, conn.ChannelID, err)
		}
	}
	if err := conn.adapter.Disconnect(); err != nil {
		log.Printf("pool: %s/%s: disconnect: %v", conn.Platform, conn.ChannelID, err)
	}
	select {
	case <-conn.drained:
	case <-ctx.Done():
	}
	log.Printf("pool: %s/%s: %s", conn.Platform, conn.ChannelID, reason)
}

// Shutdown disconnects every connection with a final stats flush.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for key, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.closeConnection(ctx, conn, "shutdown")
	}
}

// ActiveCount reports active connections for one platform.
func (m *Manager) ActiveCount(platform core.Platform) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, conn := range m.conns {
		if key.platform == platform && conn.state == StateActive {
			n++
		}
	}
	return n
}

// ConnSnapshot is one connection's status view.
type ConnSnapshot struct {
	Platform    core.Platform `json:"platform"`
	ChannelID   string        `json:"channel_id"`
	BroadcastID string        `json:"broadcast_id"`
	CategoryID  string        `json:"category_id"`
	SessionID   int64         `json:"session_id"`
	Viewers     int           `json:"viewers"`
	ChatCount   int64         `json:"chat_count"`
	Donations   int64         `json:"donation_amount"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// TopConnections returns the k most-watched connections across platforms.
func (m *Manager) TopConnections(k int) []ConnSnapshot {
	m.mu.Lock()
	out := make([]ConnSnapshot, 0, len(m.conns))
	for _, conn := range m.conns {
		chat, donations := conn.acc.Counters()
		out = append(out, ConnSnapshot{
			Platform:    conn.Platform,
			ChannelID:   conn.ChannelID,
			BroadcastID: conn.BroadcastID,
			CategoryID:  conn.CategoryID,
			SessionID:   conn.SessionID,
			Viewers:     conn.Viewers,
			ChatCount:   chat,
			Donations:   donations,
			ConnectedAt: conn.ConnectedAt,
		})
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Viewers > out[j].Viewers })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// SetBatchSize applies a runtime override for the connect burst size.
func (m *Manager) SetBatchSize(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.batchSize = n
	m.mu.Unlock()
}

// SetBatchDelay applies a runtime override for the inter-burst delay.
func (m *Manager) SetBatchDelay(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	m.batchDelay = d
	m.mu.Unlock()
}

func (m *Manager) burstSettings() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize, m.batchDelay
}
