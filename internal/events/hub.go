package events

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

type subscriber struct {
	send    chan Message
	dropped atomic.Uint64
}

// Hub fans messages out to websocket subscribers of a session. A subscriber
// that falls behind loses messages instead of stalling the emitter.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

func (h *Hub) Emit(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[msg.SessionID] {
		select {
		case sub.send <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) subscribe(sessionID string) *subscriber {
	sub := &subscriber{send: make(chan Message, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sessionID], sub)
	if len(h.subs[sessionID]) == 0 {
		delete(h.subs, sessionID)
	}
}

// Serve upgrades the request and streams the messages of one session to it,
// starting with initial. It returns when the client goes away or done is
// closed, in which case the socket is closed normally.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, initial Message, done <-chan struct{}) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", "session_id", sessionID, "err", err)
		return
	}

	sub := h.subscribe(sessionID)
	gone := make(chan struct{})
	defer func() {
		h.unsubscribe(sessionID, sub)
		conn.Close()
		<-gone
		if n := sub.dropped.Load(); n > 0 {
			h.logger.Debug("websocket subscriber fell behind", "session_id", sessionID, "dropped", n)
		}
	}()

	// Reads only detect the peer closing; clients have nothing to say.
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg Message) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg) == nil
	}

	if !write(initial) {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-sub.send:
			if !write(msg) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			for len(sub.send) > 0 {
				if !write(<-sub.send) {
					return
				}
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		}
	}
}
