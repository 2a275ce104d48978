package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

var ErrRegistryClosed = errors.New("dispatch: registry closed")

// Channel is one live client socket. WriteMessage is only ever called from the
// connection's writer goroutine; Close may be called from anywhere.
type Channel interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Connection is one registered socket of a user.
type Connection struct {
	ID          string
	UserID      string
	Kind        models.UserKind
	ConnectedAt time.Time

	ch   Channel
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Connection) enqueue(data []byte) (ok, full bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}
	select {
	case c.send <- data:
		return true, false
	default:
		return false, true
	}
}

func (c *Connection) stop() bool {
	stopped := false
	c.once.Do(func() {
		close(c.done)
		stopped = true
	})
	return stopped
}

type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Customers   int `json:"customers"`
	Providers   int `json:"providers"`
}

// Registry maps users to their live connections. Every connection has a
// bounded queue drained by its own writer, so a slow socket never blocks
// a sender; it is dropped instead.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	byUser  map[string]map[string]*Connection
	closed  bool
	bufSize int
	gone    []func(userID string)
	log     *slog.Logger
}

func NewRegistry(bufSize int, logger *slog.Logger) *Registry {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		byUser:  make(map[string]map[string]*Connection),
		bufSize: bufSize,
		log:     logger.With("component", "registry"),
	}
}

// OnUserGone registers fn to run after a user's last connection is removed.
// Register listeners before serving traffic.
func (r *Registry) OnUserGone(fn func(userID string)) {
	r.mu.Lock()
	r.gone = append(r.gone, fn)
	r.mu.Unlock()
}

func (r *Registry) Register(userID string, kind models.UserKind, ch Channel) (*Connection, error) {
	c := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		ConnectedAt: time.Now().UTC(),
		ch:          ch,
		send:        make(chan []byte, r.bufSize),
		done:        make(chan struct{}),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close(websocket.CloseGoingAway, "server shutting down")
		return nil, ErrRegistryClosed
	}
	r.conns[c.ID] = c
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		r.byUser[userID] = set
	}
	set[c.ID] = c
	r.mu.Unlock()

	observability.WSConnections.Inc()
	go r.writeLoop(c)
	r.log.Debug("connection registered", "conn_id", c.ID, "user_id", userID, "user_type", kind)
	return c, nil
}

// Unregister removes the connection and closes its socket. Safe to call
// more than once.
func (r *Registry) Unregister(connID string) {
	r.remove(connID, websocket.CloseNormalClosure, "")
}

func (r *Registry) remove(connID string, code int, reason string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	lastForUser := false
	if set := r.byUser[c.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
			lastForUser = true
		}
	}
	listeners := r.gone
	r.mu.Unlock()

	if c.stop() {
		observability.WSConnections.Dec()
		_ = c.ch.Close(code, reason)
	}
	if lastForUser {
		for _, fn := range listeners {
			fn(c.UserID)
		}
	}
}

// SendToUser enqueues data on every connection of the user. It reports
// whether at least one connection accepted it.
func (r *Registry) SendToUser(userID string, data []byte) bool {
	r.mu.RLock()
	set := r.byUser[userID]
	targets := make([]*Connection, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if r.deliver(c, data) {
			delivered = true
		}
	}
	return delivered
}

// Send enqueues data on a single connection.
func (r *Registry) Send(connID string, data []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver(c, data)
}

func (r *Registry) deliver(c *Connection, data []byte) bool {
	ok, full := c.enqueue(data)
	if full {
		observability.WSMessagesDropped.WithLabelValues("backpressure").Inc()
		r.log.Warn("send buffer full, dropping connection", "conn_id", c.ID, "user_id", c.UserID)
		r.remove(c.ID, websocket.CloseTryAgainLater, "send buffer full")
	}
	return ok
}

func (r *Registry) writeLoop(c *Connection) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ch.WriteMessage(data); err != nil {
				observability.WSMessagesDropped.WithLabelValues("write_error").Inc()
				r.log.Warn("socket write failed", "conn_id", c.ID, "user_id", c.UserID, "err", err)
				r.remove(c.ID, websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Connections: len(r.conns), Users: len(r.byUser)}
	for _, set := range r.byUser {
		for _, c := range set {
			if c.Kind == models.KindProvider {
				s.Providers++
			} else {
				s.Customers++
			}
			break
		}
	}
	return s
}

// Close drops every connection with a going-away frame and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.remove(id, websocket.CloseGoingAway, "server shutting down")
	}
}
