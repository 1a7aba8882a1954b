package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/streamscout/internal/core"
)

// soopAdapter polls one soop channel's chat bridge. The platform has no
// public streaming socket for third parties, so this follows the browser
// client: bootstrap for a chat token, then long-poll with a continuation
// cursor and the server-suggested interval.
type soopAdapter struct {
	opts   Options
	http   *http.Client
	events chan LiveEvent

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newSoopAdapter(opts Options) *soopAdapter {
	return &soopAdapter{
		opts:   opts,
		http:   &http.Client{Timeout: 15 * time.Second},
		events: make(chan LiveEvent, eventBuffer),
	}
}

func (a *soopAdapter) Events() <-chan LiveEvent { return a.events }

func (a *soopAdapter) Connect(ctx context.Context) error {
	token, cursor, err := a.bootstrap(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.pollLoop(runCtx, token, cursor)
	return nil
}

func (a *soopAdapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

type soopBootstrapResponse struct {
	Result    int    `json:"result"`
	ChatToken string `json:"chat_token"`
	Cursor    string `json:"cursor"`
}

func (a *soopAdapter) bootstrap(ctx context.Context) (token, cursor string, err error) {
	endpoint := fmt.Sprintf("%s/api/chat/session?bj_id=%s&broad_no=%s",
		a.opts.BaseURL, url.QueryEscape(a.opts.ChannelID), url.QueryEscape(a.opts.BroadcastID))

	body, status, err := a.get(ctx, endpoint)
	if err != nil {
		return "", "", err
	}
	if status == http.StatusNotFound {
		return "", "", ErrNotLive
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("soop: bootstrap status %d", status)
	}

	var resp soopBootstrapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("soop: decode bootstrap: %w", err)
	}
	if resp.Result != 1 || resp.ChatToken == "" {
		return "", "", ErrNotLive
	}
	return resp.ChatToken, resp.Cursor, nil
}

type soopPollResponse struct {
	Result     int    `json:"result"`
	Cursor     string `json:"cursor"`
	IntervalMS int    `json:"interval_ms"`
	Messages   []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		UserID   string `json:"user_id"`
		UserNick string `json:"user_nick"`
		Profile  string `json:"profile_image"`
		Message  string `json:"message"`
		Amount   int64  `json:"amount"`
		ItemType string `json:"item_type"`
		SentAt   int64  `json:"sent_at"`
	} `json:"messages"`
}

func (a *soopAdapter) pollLoop(ctx context.Context, token, cursor string) {
	defer close(a.events)

	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := a.poll(ctx, token, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("soop: %s: poll error: %v", a.opts.ChannelID, err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if resp.Result != 1 {
			// broadcast ended; let the pool evict us on the next tick
			return
		}

		for _, ev := range soopEvents(resp, a.opts.ChannelID) {
			select {
			case a.events <- ev:
			case <-ctx.Done():
				return
			}
		}

		cursor = resp.Cursor
		interval := resp.IntervalMS
		if interval <= 0 {
			interval = 1500
		}
		if !sleepCtx(ctx, time.Duration(interval)*time.Millisecond) {
			return
		}
	}
}

func (a *soopAdapter) poll(ctx context.Context, token, cursor string) (*soopPollResponse, error) {
	endpoint := fmt.Sprintf("%s/api/chat/poll?token=%s&cursor=%s",
		a.opts.BaseURL, url.QueryEscape(token), url.QueryEscape(cursor))
	body, status, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("soop: poll status %d", status)
	}
	var resp soopPollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("soop: decode poll: %w", err)
	}
	return &resp, nil
}

func (a *soopAdapter) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; streamscout/1.0)")
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// soopEvents maps one poll response to normalized live events.
func soopEvents(resp *soopPollResponse, channelID string) []LiveEvent {
	out := make([]LiveEvent, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ev := LiveEvent{
			EventID:   m.ID,
			Platform:  core.PlatformSoop,
			ChannelID: channelID,
			Message:   m.Message,
			Ts:        time.UnixMilli(m.SentAt).UTC(),
			Sender: Sender{
				ID:           m.UserID,
				Nickname:     m.UserNick,
				ProfileImage: m.Profile,
			},
		}
		if m.SentAt == 0 {
			ev.Ts = time.Now().UTC()
		}
		switch strings.ToLower(m.Type) {
		case "chat", "":
			ev.Type = core.EventChat
		case "balloon", "sticker", "adballoon":
			ev.Type = core.EventDonation
			ev.Amount = m.Amount
			ev.Currency = "KRW"
			ev.DonationType = strings.ToLower(m.Type)
		case "subscribe":
			ev.Type = core.EventSubscribe
		case "follow", "favorite":
			ev.Type = core.EventFollow
		default:
			continue
		}
		if ev.EventID == "" {
			ev.EventID = fmt.Sprintf("%s-%s-%d", channelID, m.UserID, ev.Ts.UnixNano())
		}
		out = append(out, ev)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
