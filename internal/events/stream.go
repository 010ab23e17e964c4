// Package events streams tool call lifecycle notifications to websocket
// clients such as the approval UI.
//
// A Stream is fed by Publish, which has the shape of a toolexec observer,
// so an executor is attached with exec.Subscribe(stream.Publish). Each
// client gets its own bounded buffer; a client that falls behind loses
// events instead of stalling the publisher.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/pkg/models"
)

const (
	clientBuffer   = 64
	maxClientFrame = 4 << 10
	pingInterval   = 15 * time.Second
	pongWait       = 45 * time.Second
	writeWait      = 10 * time.Second
)

// Options configures a Stream.
type Options struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Stream fans events out to connected clients.
type Stream struct {
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewStream creates an empty stream.
func NewStream(opts Options) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "events")
	}
	return &Stream{
		metrics: opts.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish delivers event to every client whose filter matches. It never
// blocks.
func (s *Stream) Publish(event *models.RuntimeEvent) {
	if event == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("event encode failed", "type", event.Type, "error", err)
		return
	}
	for c := range s.clients {
		if !c.filter.match(event) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			s.metrics.RecordError("events", "client_lagging")
			s.logger.Debug("event dropped for slow client", "type", event.Type, "tool_call_id", event.ToolCallID)
		}
	}
}

// Clients reports how many clients are connected.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and streams matching events until the
// client goes away. The chat_id and type query parameters narrow the stream;
// type takes a comma separated list.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{conn: conn, send: make(chan []byte, clientBuffer), filter: f}
	s.add(c)
	s.logger.Debug("event client connected", "remote", r.RemoteAddr, "chat_id", f.chatID)

	go func() {
		defer cancel()
		c.readLoop()
	}()
	c.writeLoop(ctx)

	s.remove(c)
	_ = conn.Close()
	s.logger.Debug("event client disconnected", "remote", r.RemoteAddr)
}

// Close disconnects every client. Hijacked connections outlive
// http.Server.Shutdown, so register it with RegisterOnShutdown.
func (s *Stream) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
}

func (s *Stream) add(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Stream) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter filter
}

// readLoop consumes control frames so pongs extend the deadline. Clients
// have nothing to say; data frames are discarded.
func (c *client) readLoop() {
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

type filter struct {
	chatID string
	types  map[models.RuntimeEventType]bool
}

func filterFromQuery(r *http.Request) filter {
	q := r.URL.Query()
	f := filter{chatID: q.Get("chat_id")}
	for _, part := range strings.Split(q.Get("type"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			if f.types == nil {
				f.types = make(map[models.RuntimeEventType]bool)
			}
			f.types[models.RuntimeEventType(part)] = true
		}
	}
	return f
}

func (f filter) match(event *models.RuntimeEvent) bool {
	if f.chatID != "" && event.ChatID != f.chatID {
		return false
	}
	return f.types == nil || f.types[event.Type]
}
