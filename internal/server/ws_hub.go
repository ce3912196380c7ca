package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"CreditLedger/internal/observability"
	"CreditLedger/internal/projection"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// WSMessage is a JSON message sent to websocket clients.
type WSMessage struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
	Data     any    `json:"data"`
}

type wsClient struct {
	conn    *websocket.Conn
	account string // empty: markets only
	send    chan []byte
}

// WSHub pushes projection updates to websocket clients. Every client gets
// market updates; a client that connected with ?account=<id> also gets that
// account's updates.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewWSHub(metrics *observability.Metrics, log zerolog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		metrics: metrics,
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// Apply broadcasts an update. Slow clients miss messages instead of
// stalling the projection worker.
func (h *WSHub) Apply(_ context.Context, u projection.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	for _, m := range u.Markets {
		msg, err := json.Marshal(WSMessage{Type: "market", Sequence: u.Sequence, Data: m})
		if err != nil {
			continue
		}
		for c := range h.clients {
			h.deliver(c, msg)
		}
	}
	for _, a := range u.Accounts {
		msg, err := json.Marshal(WSMessage{Type: "account", Sequence: u.Sequence, Data: a})
		if err != nil {
			continue
		}
		for c := range h.clients {
			if c.account == a.Account {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *WSHub) deliver(c *wsClient, msg []byte) {
	select {
	case c.send <- msg:
	default:
		if h.metrics != nil {
			h.metrics.ProjectionDrops.WithLabelValues("ws").Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(n))
	}
	h.log.Debug().Str("account", c.account).Int("total", n).Msg("ws client connected")
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(n))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &wsClient{
		conn:    conn,
		account: r.URL.Query().Get("account"),
		send:    make(chan []byte, wsSendBuffer),
	}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump only detects disconnects; clients send nothing.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
