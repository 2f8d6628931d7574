package overlay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/pkg/audio"
)

const (
	// clientBuffer is the per-client backlog before messages are dropped.
	clientBuffer = 32

	writeTimeout = 2 * time.Second
)

// HubOption is a functional option for [NewHub].
type HubOption func(*Hub)

// WithHubMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns sets the host patterns allowed to connect from a
// browser, see [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

type client struct {
	send chan Message
}

// Hub broadcasts events to websocket subscribers. It implements both
// [analysis.Sink] and [http.Handler]; mount it at /overlay.
//
// A newly connected client first receives the most recent event so that it
// starts in the current state. Slow clients lose messages rather than
// delaying the analysis worker.
type Hub struct {
	metrics *observe.Metrics
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *Message
	closed  bool
	done    chan struct{}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Post implements [analysis.Sink].
func (h *Hub) Post(ev audio.Event) {
	msg := NewMessage(ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Debug("overlay client backlog full, message dropped")
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Warn("overlay: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan Message, clientBuffer)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer closes.
	ctx := conn.CloseRead(r.Context())
	slog.Info("overlay client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			slog.Info("overlay client disconnected", "remote", r.RemoteAddr)
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case msg := <-c.send:
			if err := h.write(ctx, conn, msg); err != nil {
				slog.Debug("overlay: write failed", "err", err, "remote", r.RemoteAddr)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- *h.last
	}
	h.metrics.OverlayClients.Add(context.Background(), 1)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.OverlayClients.Add(context.Background(), -1)
}

// Close disconnects every client and rejects new ones. It is safe to call
// more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	return nil
}
