package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/streamscout/internal/core"
)

// chzzkAdapter subscribes to one chzzk channel's chat over websocket. The
// chat endpoint requires a per-broadcast chat channel id and access token
// resolved from the live-detail API before dialing.
type chzzkAdapter struct {
	opts   Options
	http   *http.Client
	events chan LiveEvent

	mu     sync.Mutex
	cancel context.CancelFunc
}

const chzzkChatEndpoint = "wss://kr-ss1.chat.naver.com/chat"

func newChzzkAdapter(opts Options) *chzzkAdapter {
	return &chzzkAdapter{
		opts:   opts,
		http:   &http.Client{Timeout: 10 * time.Second},
		events: make(chan LiveEvent, eventBuffer),
	}
}

func (a *chzzkAdapter) Events() <-chan LiveEvent { return a.events }

func (a *chzzkAdapter) Connect(ctx context.Context) error {
	chatID, token, err := a.resolveChat(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, chzzkChatEndpoint, &websocket.DialOptions{
		HTTPClient: a.http,
	})
	if err != nil {
		return fmt.Errorf("chzzk: dial chat: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	hello := map[string]any{
		"ver":   "2",
		"cmd":   chzzkCmdConnect,
		"svcid": "game",
		"cid":   chatID,
		"bdy": map[string]any{
			"accTkn":  token,
			"auth":    "READ",
			"devType": 2001,
		},
	}
	payload, _ := json.Marshal(hello)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "connect frame failed")
		return fmt.Errorf("chzzk: send connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop(runCtx, conn)
	go a.pingLoop(runCtx, conn)
	return nil
}

func (a *chzzkAdapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

type chzzkLiveDetail struct {
	Code    int `json:"code"`
	Content struct {
		Status        string `json:"status"`
		ChatChannelID string `json:"chatChannelId"`
	} `json:"content"`
}

type chzzkAccessToken struct {
	Code    int `json:"code"`
	Content struct {
		AccessToken string `json:"accessToken"`
	} `json:"content"`
}

func (a *chzzkAdapter) resolveChat(ctx context.Context) (chatID, token string, err error) {
	detailURL := fmt.Sprintf("%s/service/v2/channels/%s/live-detail", a.opts.BaseURL, a.opts.ChannelID)
	var detail chzzkLiveDetail
	if err := a.getJSON(ctx, detailURL, &detail); err != nil {
		return "", "", err
	}
	if detail.Code == 404 || detail.Content.ChatChannelID == "" || !strings.EqualFold(detail.Content.Status, "OPEN") {
		return "", "", ErrNotLive
	}

	tokenURL := fmt.Sprintf("%s/game/v1/chats/access-token?channelId=%s&chatType=STREAMING", a.opts.BaseURL, detail.Content.ChatChannelID)
	var access chzzkAccessToken
	if err := a.getJSON(ctx, tokenURL, &access); err != nil {
		return "", "", err
	}
	if access.Content.AccessToken == "" {
		return "", "", fmt.Errorf("chzzk: empty chat access token")
	}
	return detail.Content.ChatChannelID, access.Content.AccessToken, nil
}

func (a *chzzkAdapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; streamscout/1.0)")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotLive
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chzzk: status %s for %s", resp.Status, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (a *chzzkAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(a.events)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("chzzk: %s: read: %v", a.opts.ChannelID, err)
			}
			return
		}

		frame, events := parseChzzkFrame(data, a.opts.ChannelID)
		if frame == chzzkCmdPing {
			pong, _ := json.Marshal(map[string]any{"ver": "2", "cmd": chzzkCmdPong})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				return
			}
			continue
		}
		for _, ev := range events {
			select {
			case a.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *chzzkAdapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, _ := json.Marshal(map[string]any{"ver": "2", "cmd": chzzkCmdPing})
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				return
			}
		}
	}
}

const (
	chzzkCmdPing     = 0
	chzzkCmdPong     = 10000
	chzzkCmdConnect  = 100
	chzzkCmdChat     = 93101
	chzzkCmdDonation = 93102
)

type chzzkFrame struct {
	Cmd int             `json:"cmd"`
	Bdy json.RawMessage `json:"bdy"`
}

type chzzkChatBody struct {
	MsgID     string          `json:"msgId"`
	UID       json.RawMessage `json:"uid"`
	Msg       string          `json:"msg"`
	MsgTime   int64           `json:"msgTime"`
	Profile   string          `json:"profile"`
	ExtraJSON json.RawMessage `json:"extras"`
}

type chzzkProfile struct {
	Nickname     string `json:"nickname"`
	ProfileImage string `json:"profileImageUrl"`
}

type chzzkExtras struct {
	PayAmount    int64  `json:"payAmount"`
	DonationType string `json:"donationType"`
}

// parseChzzkFrame decodes one websocket frame into zero or more live events.
// It returns the frame command so the caller can answer pings.
func parseChzzkFrame(data []byte, channelID string) (cmd int, events []LiveEvent) {
	var frame chzzkFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return -1, nil
	}
	if frame.Cmd != chzzkCmdChat && frame.Cmd != chzzkCmdDonation {
		return frame.Cmd, nil
	}

	// bdy arrives either as a single object or an array of them
	var bodies []chzzkChatBody
	if err := json.Unmarshal(frame.Bdy, &bodies); err != nil {
		var single chzzkChatBody
		if err := json.Unmarshal(frame.Bdy, &single); err != nil {
			return frame.Cmd, nil
		}
		bodies = []chzzkChatBody{single}
	}

	for _, body := range bodies {
		uid := chzzkUID(body.UID)
		ev := LiveEvent{
			EventID:   body.MsgID,
			Type:      core.EventChat,
			Platform:  core.PlatformChzzk,
			Message:   body.Msg,
			ChannelID: channelID,
			Ts:        time.UnixMilli(body.MsgTime).UTC(),
		}
		if body.MsgTime == 0 {
			ev.Ts = time.Now().UTC()
		}
		if ev.EventID == "" {
			ev.EventID = fmt.Sprintf("%s-%s-%d", channelID, uid, ev.Ts.UnixNano())
		}

		ev.Sender.ID = uid
		var profile chzzkProfile
		if len(body.Profile) > 0 && json.Unmarshal([]byte(body.Profile), &profile) == nil {
			ev.Sender.Nickname = profile.Nickname
			ev.Sender.ProfileImage = profile.ProfileImage
		}

		if frame.Cmd == chzzkCmdDonation {
			ev.Type = core.EventDonation
			ev.Currency = "KRW"
			var extras chzzkExtras
			if len(body.ExtraJSON) > 0 && json.Unmarshal(body.ExtraJSON, &extras) == nil {
				ev.Amount = extras.PayAmount
				ev.DonationType = extras.DonationType
			}
		}

		events = append(events, ev)
	}
	return frame.Cmd, events
}

// chzzk uids usually arrive as strings, but some legacy frames still carry
// numbers.
func chzzkUID(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n int64
	if json.Unmarshal(raw, &n) == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
