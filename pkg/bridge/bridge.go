// -- pkg/bridge/bridge.go --

// Package bridge forwards session events to an external UI over a
// websocket. Delivery is strictly best effort: a slow, absent, or broken
// bridge never affects the audit itself. Failed sends are dropped and
// logged at debug.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message type vocabulary understood by the UI.
const (
	MsgConnection     = "CONNECTION"
	MsgInitialData    = "INITIAL_DATA"
	MsgLog            = "LOG"
	MsgIssue          = "ISSUE"
	MsgStopWarning    = "STOP_WARNING"
	MsgCrawlMapUpdate = "CRAWL_MAP_UPDATE"
	MsgDone           = "DONE"
)

// Message is the wire envelope. Payload shape depends on Type.
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Bridge is one outbound websocket connection scoped to a session. A nil
// Bridge is valid and silently drops everything, so callers never need to
// branch on whether a UI is attached.
type Bridge struct {
	logger    *zap.Logger
	sessionID string
	crawl     *memory.CrawlMap

	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to the UI endpoint and announces the session. An empty URL
// yields a nil bridge, which is fully functional as a no-op.
func Dial(ctx context.Context, url, sessionID string, dialTimeout time.Duration, logger *zap.Logger) (*Bridge, error) {
	if url == "" {
		return nil, nil
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing bridge %s: %w", url, err)
	}

	b := &Bridge{
		logger:    logger.Named("bridge"),
		sessionID: sessionID,
		conn:      conn,
	}
	b.send(Message{Type: MsgConnection, SessionID: sessionID, TS: time.Now().UTC()})
	return b, nil
}

// Attach subscribes the bridge to the session bus. The crawl map is
// snapshotted on navigation events so the UI can render the site graph as
// it grows.
func (b *Bridge) Attach(bus *events.Bus, crawl *memory.CrawlMap) {
	if b == nil {
		return
	}
	b.crawl = crawl
	bus.OnAny(b.onEvent)
}

// SendInitialData pushes the session bootstrap payload (goal, base URL,
// roster) to the UI.
func (b *Bridge) SendInitialData(payload any) {
	if b == nil {
		return
	}
	b.send(Message{Type: MsgInitialData, SessionID: b.sessionID, TS: time.Now().UTC(), Payload: payload})
}

func (b *Bridge) onEvent(ev events.Event) {
	msg := Message{SessionID: b.sessionID, TS: ev.Timestamp(), Payload: ev}

	switch ev.EventType() {
	case events.TypeError:
		msg.Type = MsgIssue
	case events.TypeStop, events.TypeValidatorWarning:
		msg.Type = MsgStopWarning
	case events.TypeDone:
		msg.Type = MsgDone
	case events.TypeNewPageVisited:
		msg.Type = MsgCrawlMapUpdate
		if b.crawl != nil {
			msg.Payload = map[string]any{
				"event": ev,
				"crawl": b.crawl.Snapshot(),
			}
		}
	default:
		// action_started, action_finished, llm_call, screenshot_taken
		msg.Type = MsgLog
	}
	b.send(msg)
}

// send writes one message, dropping it on any failure.
func (b *Bridge) send(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Debug("Bridge message marshal failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		b.logger.Debug("Bridge send failed, dropping message",
			zap.String("type", msg.Type), zap.Error(err))
	}
}

// Close shuts the connection down. Safe on a nil bridge and safe to call
// twice.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close(websocket.StatusNormalClosure, "session ended")
	b.conn = nil
	return err
}
