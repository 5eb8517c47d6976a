// Package presence tracks which identities hold a live signaling connection
// and whether they have declared themselves available for calls.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("user not connected")
	ErrBackpressure     = errors.New("outbound queue full")
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is the outbound half of one live signaling channel. TrySend
// must never block; it returns ErrBackpressure when the bounded queue is
// full and ErrConnectionClosed after Close.
type Connection interface {
	ID() string
	Identity() models.Identity
	TrySend(data []byte) error
	Close()
}

// Entry is a read-only view of one presence record.
type Entry struct {
	Identity  models.Identity
	ConnID    string
	Available bool
	LastSeen  time.Time
}

// Change is emitted whenever an identity's reachable+available status flips
// or its declared availability is toggled.
type Change struct {
	Identity models.Identity
	Online   bool
}

type entry struct {
	conn      Connection
	available bool
	lastSeen  time.Time
}

// Registry maps user ids to their current connection. Last register wins.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	listenersMu sync.RWMutex
	listeners   []func(Change)

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// OnChange registers a listener. Listeners run synchronously outside the
// registry lock and must not block.
func (r *Registry) OnChange(fn func(Change)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Register binds conn to its identity, marking the user available. The
// connection it replaced, if any, is returned so the caller can close it.
func (r *Registry) Register(conn Connection) Connection {
	id := conn.Identity()

	r.mu.Lock()
	prev, existed := r.entries[id.UserID]
	r.entries[id.UserID] = &entry{
		conn:      conn,
		available: true,
		lastSeen:  r.now(),
	}
	r.mu.Unlock()

	log.Info().
		Str("module", "presence").
		Str("user_id", id.UserID).
		Str("role", string(id.Role)).
		Str("conn_id", conn.ID()).
		Bool("superseded", existed).
		Msg("registered")

	if !existed || !prev.available {
		r.emit(Change{Identity: id, Online: true})
	}
	if existed {
		return prev.conn
	}
	return nil
}

// Unregister removes the user's entry only while connID is still the bound
// connection, so a superseded connection closing late cannot evict its
// replacement.
func (r *Registry) Unregister(userID, connID string) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || e.conn.ID() != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	log.Info().Str("module", "presence").Str("user_id", userID).Str("conn_id", connID).Msg("unregistered")

	if e.available {
		r.emit(Change{Identity: e.conn.Identity(), Online: false})
	}
	return true
}

// Resolve returns the user's current connection.
func (r *Registry) Resolve(userID string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, ErrNotConnected
	}
	return e.conn, nil
}

// Lookup returns a snapshot of the user's presence entry.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return e.view(), true
}

// SetAvailability records the user's declared availability.
func (r *Registry) SetAvailability(userID string, online bool) error {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		return ErrNotConnected
	}
	changed := e.available != online
	e.available = online
	e.lastSeen = r.now()
	id := e.conn.Identity()
	r.mu.Unlock()

	if changed {
		log.Info().Str("module", "presence").Str("user_id", userID).Bool("online", online).Msg("availability changed")
		r.emit(Change{Identity: id, Online: online})
	}
	return nil
}

// Touch refreshes the user's last-seen timestamp.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	if e, ok := r.entries[userID]; ok {
		e.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// ListOnline returns connected, available identities ordered by user id.
// An empty role matches every role.
func (r *Registry) ListOnline(role models.Role) []models.Identity {
	r.mu.RLock()
	out := make([]models.Identity, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.available {
			continue
		}
		id := e.conn.Identity()
		if role != "" && id.Role != role {
			continue
		}
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of connected identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Deliver marshals env and queues it on the user's current connection,
// regardless of declared availability.
func (r *Registry) Deliver(userID string, env models.Envelope) error {
	conn, err := r.Resolve(userID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	if err := conn.TrySend(data); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", env.Type, userID, err)
	}
	return nil
}

// Notify delivers a control event the client cannot afford to miss. If the
// user's queue is full the connection is closed, so the client reconnects
// and resyncs instead of waiting on a lost state change.
func (r *Registry) Notify(userID string, env models.Envelope) error {
	conn, err := r.Resolve(userID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	if err := conn.TrySend(data); err != nil {
		if errors.Is(err, ErrBackpressure) {
			log.Warn().
				Str("module", "presence").
				Str("user_id", userID).
				Str("conn_id", conn.ID()).
				Str("type", string(env.Type)).
				Msg("closing backpressured connection")
			conn.Close()
		}
		return fmt.Errorf("notify %s of %s: %w", userID, env.Type, err)
	}
	return nil
}

// Broadcast queues env on every connection except the one owned by
// excludeUserID. Full queues are skipped.
func (r *Registry) Broadcast(env models.Envelope, excludeUserID string) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("failed to marshal broadcast")
		return
	}

	r.mu.RLock()
	conns := make([]Connection, 0, len(r.entries))
	for userID, e := range r.entries {
		if userID == excludeUserID {
			continue
		}
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.TrySend(data); err != nil {
			log.Debug().Err(err).Str("module", "presence").Str("conn_id", c.ID()).Str("type", string(env.Type)).Msg("dropping broadcast")
		}
	}
}

// CloseAll closes every bound connection. Entries are removed as each
// connection's owner unregisters it.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (r *Registry) emit(ch Change) {
	r.listenersMu.RLock()
	listeners := make([]func(Change), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ch)
	}
}

func (e *entry) view() Entry {
	return Entry{
		Identity:  e.conn.Identity(),
		ConnID:    e.conn.ID(),
		Available: e.available,
		LastSeen:  e.lastSeen,
	}
}
