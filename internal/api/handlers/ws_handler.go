package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/curaline/telecare/internal/notify"
)

// WSHandler streams incoming-session notifications to a connected user: it
// is the transport the external presence layer uses to alert a counterpart
// of a pending consultation and hand them the shared credential.
type WSHandler struct {
	notifier notify.Notifier
	redis    *redis.Client
	upgrader websocket.Upgrader
}

func NewWSHandler(notifier notify.Notifier, rdb *redis.Client) *WSHandler {
	return &WSHandler{
		notifier: notifier,
		redis:    rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (h *WSHandler) Incoming(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// replay the cached pending session so late subscribers do not miss it
	if inc, hit, err := h.notifier.PendingFor(ctx, userID); err == nil && hit {
		if payload, merr := json.Marshal(map[string]any{"type": "incoming_session", "session": inc}); merr == nil {
			_ = wc.writeText(payload)
		}
	}

	pubsub := h.redis.Subscribe(ctx, notify.IncomingChannel(userID))
	defer pubsub.Close()

	// reader: only keepalive traffic is expected from the client
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}()

	// writer: Redis Pub/Sub -> WS
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		default:
			m, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			if werr := wc.writeText([]byte(m.Payload)); werr != nil {
				return
			}
		}
	}
}
