package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"knx-gateway/internal/gateway"
)

// WSHub fans gateway events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan gateway.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter wsFilter
}

// wsFilter selects events for one client. Empty fields match everything.
type wsFilter struct {
	types       []string
	destination string
}

func parseWSFilter(r *http.Request) wsFilter {
	var f wsFilter
	if t := r.URL.Query().Get("types"); t != "" {
		for _, typ := range strings.Split(t, ",") {
			if typ = strings.TrimSpace(typ); typ != "" {
				f.types = append(f.types, typ)
			}
		}
	}
	f.destination = r.URL.Query().Get("destination")
	return f
}

func (f wsFilter) match(event gateway.Event) bool {
	if len(f.types) > 0 && !slices.Contains(f.types, event.Type) {
		return false
	}
	if f.destination == "" {
		return true
	}
	te, ok := event.Data.(gateway.TelegramEvent)
	return ok && te.Destination == f.destination
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan gateway.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop; it returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *WSHub) deliver(event gateway.Event) {
	var data []byte
	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*wsClient
	for client := range h.clients {
		if !client.filter.match(event) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(event); err != nil {
				h.logger.Error("ws marshal", "type", event.Type, "err", err)
				return
			}
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted (too slow)")
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for all matching clients.
func (h *WSHub) Broadcast(event gateway.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", event.Type)
	}
}

// handleWS streams events as JSON text messages. Query parameters types
// (comma separated) and destination narrow the stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		filter: parseWSFilter(r),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards client messages and unregisters on disconnect.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
