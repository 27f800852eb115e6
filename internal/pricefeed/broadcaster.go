package pricefeed

import (
	"net/http"
	"sync"

	"shieldlend/pkg/logger"

	"github.com/gorilla/websocket"
)

// Broadcaster streams price and emergency events to websocket monitors.
// Monitors use the stream to decide when to fan out per-user emergency
// triggers; delivery here is best-effort, slow clients are dropped.
type Broadcaster struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	logger   logger.Logger
}

func NewBroadcaster(log logger.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// ServeWS upgrades the connection and registers the client.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	// Reader loop only to detect close.
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends event as JSON to all connected monitors.
func (b *Broadcaster) Broadcast(event interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		if err := conn.WriteJSON(event); err != nil {
			delete(b.clients, conn)
			_ = conn.Close()
		}
	}
}

// ClientCount returns the number of connected monitors.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[conn]; ok {
		delete(b.clients, conn)
		_ = conn.Close()
	}
}
