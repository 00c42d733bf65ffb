package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rocket-collections/internal/auth"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Authorizer decides which change events a session may receive.
type Authorizer interface {
	VisibleEvent(ctx context.Context, session *metadata.Session, event engine.ChangeEvent) (engine.ChangeEvent, bool)
}

type Options struct {
	// JWTSecret verifies bearer tokens sent in the Authorization header or
	// the token query parameter.
	JWTSecret   string
	RequireAuth bool
	// AllowedOrigins lists browser origins that may connect. Empty allows
	// same-origin requests only.
	AllowedOrigins []string
}

// Hub streams committed change events to websocket subscribers. Each
// subscriber receives only the events its session may read.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	opts     Options

	mu         sync.RWMutex
	clients    map[*client]struct{}
	authorizer Authorizer
}

// subscription is a client message changing its collection filter. An
// empty list subscribes to everything.
type subscription struct {
	Action      string   `json:"action"`
	Collections []string `json:"collections"`
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *metadata.Session
	send    chan []byte
	once    sync.Once

	mu          sync.RWMutex
	collections []string
}

func NewHub(logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		opts:    opts,
		clients: map[*client]struct{}{},
	}
	if len(opts.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	return h
}

// SetAuthorizer installs the read check applied to every delivery. Without
// one, events go to every subscriber of the collection.
func (h *Hub) SetAuthorizer(a Authorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorizer = a
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

// session resolves the caller from a bearer token. A missing token yields a
// nil session unless auth is required.
func (h *Hub) session(r *http.Request) (*metadata.Session, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, rest, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return nil, errors.New("invalid auth header format")
		}
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		if h.opts.RequireAuth {
			return nil, errors.New("missing auth token")
		}
		return nil, nil
	}
	return auth.ParseToken(token, h.opts.JWTSecret)
}

// ServeHTTP authenticates the request, upgrades it and registers a
// subscriber. The optional query parameter collections=a,b sets the initial
// filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		h.logger.Debug("realtime auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{hub: h, conn: conn, session: session, send: make(chan []byte, sendBuffer)}
	if raw := r.URL.Query().Get("collections"); raw != "" {
		c.collections = splitList(raw)
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("realtime client connected", zap.String("remote", r.RemoteAddr), zap.Strings("collections", c.collections))

	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues the event for every subscriber whose filter matches and
// whose session may read it. A subscriber whose buffer is full is
// disconnected.
func (h *Hub) Notify(ctx context.Context, event engine.ChangeEvent) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.RLock()
	authorizer := h.authorizer
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(event.Collection) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var slow []*client
	for _, c := range targets {
		out := msg
		if authorizer != nil {
			visible, ok := authorizer.VisibleEvent(ctx, c.session, event)
			if !ok {
				continue
			}
			if out, err = json.Marshal(visible); err != nil {
				return err
			}
		}
		if !h.deliver(c, out) {
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		h.logger.Warn("dropping slow realtime client", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

// deliver queues msg for c if it is still registered. It reports false
// when the client's buffer is full.
func (h *Hub) deliver(c *client, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

func (c *client) wants(collection string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.collections) == 0 || slices.Contains(c.collections, collection)
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var sub subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		if sub.Action != "subscribe" {
			continue
		}
		c.mu.Lock()
		c.collections = sub.Collections
		c.mu.Unlock()
		ack, _ := json.Marshal(subscription{Action: "subscribed", Collections: sub.Collections})
		c.hub.deliver(c, ack)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
