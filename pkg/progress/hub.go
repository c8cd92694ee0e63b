package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/sampler"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Message is what subscribers receive: a window event or a run summary
type Message struct {
	Type   string          `json:"type"`
	Event  *sampler.Event  `json:"event,omitempty"`
	Report *sampler.Report `json:"report,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Message types
const (
	TypeWindow = "window"
	TypeDone   = "done"
)

// Hub fans pull progress out to websocket subscribers. Slow subscribers
// lose messages rather than stall a pull.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	// closed when Run returns
	done     chan struct{}
	doneOnce sync.Once

	logger *zap.SugaredLogger
	mu     sync.RWMutex
}

// NewHub creates a progress hub; call Run to start delivering
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run delivers messages until ctx is done, then closes every subscriber
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.doneOnce.Do(func() { close(h.done) })
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("Progress subscriber connected", zap.Int("subscribers", count))
		case conn := <-h.unregister:
			h.drop(conn)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warnw("Progress write failed", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("Progress subscriber disconnected", zap.Int("subscribers", count))
}

// Observe publishes a window event. It matches sampler.Config.Observer.
func (h *Hub) Observe(ev sampler.Event) {
	h.publish(Message{Type: TypeWindow, Event: &ev})
}

// Finished publishes the outcome of a pull
func (h *Hub) Finished(report *sampler.Report, err error) {
	msg := Message{Type: TypeDone, Report: report}
	if err != nil {
		msg.Error = err.Error()
	}
	h.publish(msg)
}

func (h *Hub) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to encode progress message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warnw("Progress channel full, dropping message", zap.String("type", msg.Type))
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the subscriber alive until it
// disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", zap.Error(err))
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		case <-h.done:
			conn.Close()
		}
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				// Run may have exited before taking this connection
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Subscribers never send data; reading surfaces control frames and close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warnw("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}
