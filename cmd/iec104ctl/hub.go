package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/arloliu/go-iec104/logger"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

const hubWriteTimeout = 5 * time.Second

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// telegramHub streams telegrams to websocket subscribers.
type telegramHub struct {
	subs     *xsync.MapOf[*websocket.Conn, *subscriber]
	upgrader websocket.Upgrader
	log      logger.Logger
}

func newTelegramHub(l logger.Logger) *telegramHub {
	return &telegramHub{
		subs: xsync.NewMapOf[*websocket.Conn, *subscriber](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: l,
	}
}

// ServeHTTP upgrades the request and keeps the subscriber until the peer goes away.
func (h *telegramHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	h.subs.Store(conn, &subscriber{conn: conn})
	h.log.Debug("telegram subscriber added", "remote", r.RemoteAddr)

	// incoming messages are discarded, reading only detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.drop(conn)
}

func (h *telegramHub) drop(conn *websocket.Conn) {
	if _, ok := h.subs.LoadAndDelete(conn); ok {
		_ = conn.Close()
	}
}

// broadcast sends v as one JSON text message to every subscriber. Subscribers failing the
// write are dropped.
func (h *telegramHub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal telegram", "error", err)
		return
	}

	h.subs.Range(func(conn *websocket.Conn, sub *subscriber) bool {
		sub.mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		sub.mu.Unlock()

		if err != nil {
			h.drop(conn)
		}

		return true
	})
}

func (h *telegramHub) size() int {
	return h.subs.Size()
}

// close drops every subscriber.
func (h *telegramHub) close() {
	h.subs.Range(func(conn *websocket.Conn, _ *subscriber) bool {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		h.drop(conn)

		return true
	})
}
