package proxyd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"stakeproxy/core/events"
	"stakeproxy/core/types"
	"stakeproxy/observability"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

type subscriber struct {
	account string
	ch      chan *types.Event
}

// Hub fans engine events out to websocket subscribers. A subscriber sees the
// events of its own account plus contract-wide events. Slow subscribers drop
// events rather than stall the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	flat := events.Flatten(evt)
	if flat == nil {
		return
	}
	observability.Events().RecordEvent(flat.Type)
	account := flat.Attribute("account")

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if account != "" && account != sub.account {
			continue
		}
		select {
		case sub.ch <- flat:
		default:
			h.logger.Warn("event dropped for slow subscriber", slog.String("account", sub.account), slog.String("type", flat.Type))
		}
	}
}

// Subscribe registers a subscriber for account. The returned cancel func
// must be called to release it.
func (h *Hub) Subscribe(account string) (<-chan *types.Event, func()) {
	sub := &subscriber{account: account, ch: make(chan *types.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe(caller)
	defer cancel()
	// Reads are discarded; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
