// Package websocket provides page-scoped realtime fan-out to dashboard clients
// Following Clean Architecture: This is an Adapter layer component
package websocket

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// Ensure Registry implements Broadcaster
var _ ports.Broadcaster = (*Registry)(nil)

// ErrUnknownConnection is returned for operations on an unregistered id
var ErrUnknownConnection = errors.New("unknown connection")

const defaultClientBufferSize = 64

// Removal reasons reported to the OnRemove hook
const (
	ReasonDisconnect   = "disconnect"
	ReasonSlowConsumer = "outbox_full"
	ReasonWriteFailed  = "write_failed"
	ReasonReplaced     = "replaced"
	ReasonShutdown     = "shutdown"
)

// Connection is one live client as seen by the registry.
// Its outbox is closed when the connection is removed.
type Connection struct {
	id          string
	send        chan []byte
	pages       map[string]struct{}
	connectedAt time.Time
}

// ID returns the opaque connection id
func (c *Connection) ID() string { return c.id }

// Outbox yields frames queued for this connection
func (c *Connection) Outbox() <-chan []byte { return c.send }

// Registry tracks live connections and their page subscriptions.
// Every operation is atomic with respect to the others.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	bufferSize int
	removed    atomic.Int64

	// OnRemove observes every removal, including implicit disconnects
	OnRemove func(id, reason string)
}

// NewRegistry creates an empty registry; bufferSize bounds each outbox
func NewRegistry(bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = defaultClientBufferSize
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		bufferSize: bufferSize,
	}
}

// OnConnect registers a connection with an empty subscription set
func (r *Registry) OnConnect(id string) *Connection {
	conn := &Connection{
		id:          id,
		send:        make(chan []byte, r.bufferSize),
		pages:       make(map[string]struct{}),
		connectedAt: time.Now(),
	}

	r.mu.Lock()
	old, exists := r.conns[id]
	if exists {
		close(old.send)
	}
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if exists {
		r.notifyRemoved(id, ReasonReplaced)
	}
	slog.Info("Realtime client connected", "connection_id", id, "total", total)
	return conn
}

// OnSubscribe replaces the connection's page set with the normalized pageIDs
// (trimmed, blanks dropped, deduplicated) and returns the stored set.
func (r *Registry) OnSubscribe(id string, pageIDs []string) ([]string, error) {
	pages := NormalizePageIDs(pageIDs)

	set := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		set[p] = struct{}{}
	}

	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		conn.pages = set
	}
	r.mu.Unlock()

	if !ok {
		return nil, ErrUnknownConnection
	}

	slog.Info("Realtime client subscribed", "connection_id", id, "page_ids", pages)
	return pages, nil
}

// OnDisconnect removes the connection and its subscriptions
func (r *Registry) OnDisconnect(id string) {
	r.remove(id, nil, ReasonDisconnect)
}

// BroadcastToPage queues payload under the event name of kind for every
// connection subscribed to pageID and returns how many were reached.
// Sends never block: a connection whose outbox is full is dropped.
func (r *Registry) BroadcastToPage(pageID string, kind domain.BroadcastKind, payload any) int {
	frame, err := dto.NewFrame(string(kind), payload)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "error", err, "page_id", pageID, "event", kind)
		return 0
	}

	reached := 0
	var stale []*Connection

	r.mu.RLock()
	for _, conn := range r.conns {
		if _, ok := conn.pages[pageID]; !ok {
			continue
		}
		select {
		case conn.send <- frame:
			reached++
		default:
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.remove(conn.id, conn, ReasonSlowConsumer)
	}
	return reached
}

// Send queues a frame for one connection without blocking
func (r *Registry) Send(id string, frame []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	var sent bool
	select {
	case conn.send <- frame:
		sent = true
	default:
	}
	r.mu.RUnlock()

	if !sent {
		r.remove(id, conn, ReasonSlowConsumer)
	}
	return sent
}

// Drop removes a connection after a transport failure
func (r *Registry) Drop(id string, reason string) {
	r.remove(id, nil, reason)
}

// Subscriptions returns the connection's current page set
func (r *Registry) Subscriptions(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	pages := make([]string, 0, len(conn.pages))
	for p := range conn.pages {
		pages = append(pages, p)
	}
	sort.Strings(pages)
	return pages, true
}

// Subscribers counts connections subscribed to pageID
func (r *Registry) Subscribers(pageID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conn := range r.conns {
		if _, ok := conn.pages[pageID]; ok {
			n++
		}
	}
	return n
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Removed returns how many connections have been removed so far
func (r *Registry) Removed() int64 {
	return r.removed.Load()
}

// CloseAll removes every connection, closing their outboxes
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id, conn := range r.conns {
		close(conn.send)
		delete(r.conns, id)
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.notifyRemoved(id, ReasonShutdown)
	}
}

// remove deletes id; when expected is set, only if it is still that connection
func (r *Registry) remove(id string, expected *Connection, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || (expected != nil && conn != expected) {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	close(conn.send)
	total := len(r.conns)
	r.mu.Unlock()

	r.notifyRemoved(id, reason)
	slog.Info("Realtime client removed", "connection_id", id, "reason", reason, "total", total)
}

func (r *Registry) notifyRemoved(id, reason string) {
	r.removed.Add(1)
	if r.OnRemove != nil {
		r.OnRemove(id, reason)
	}
}

// NormalizePageIDs trims ids, drops blanks and duplicates, and sorts the result
func NormalizePageIDs(pageIDs []string) []string {
	seen := make(map[string]struct{}, len(pageIDs))
	out := make([]string, 0, len(pageIDs))
	for _, p := range pageIDs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
