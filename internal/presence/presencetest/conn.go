// Package presencetest provides an in-memory presence.Connection for tests.
package presencetest

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
)

// Conn records every envelope queued on it. Capacity bounds the queue the
// same way a websocket client's Send channel does; zero means unbounded.
type Conn struct {
	id       string
	identity models.Identity
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func NewConn(identity models.Identity) *Conn {
	return &Conn{id: uuid.NewString(), identity: identity}
}

// NewBoundedConn returns a Conn that rejects sends once capacity frames are
// pending.
func NewBoundedConn(identity models.Identity, capacity int) *Conn {
	c := NewConn(identity)
	c.capacity = capacity
	return c
}

func (c *Conn) ID() string                { return c.id }
func (c *Conn) Identity() models.Identity { return c.identity }

func (c *Conn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return presence.ErrConnectionClosed
	}
	if c.capacity > 0 && len(c.frames) >= c.capacity {
		return presence.ErrBackpressure
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Envelopes decodes everything received so far.
func (c *Conn) Envelopes() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env models.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// OfType returns the received envelopes with the given type.
func (c *Conn) OfType(t models.EventType) []models.Envelope {
	var out []models.Envelope
	for _, env := range c.Envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Drain discards everything received so far.
func (c *Conn) Drain() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
