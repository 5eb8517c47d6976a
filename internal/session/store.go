package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

type pairKey struct{ lo, hi string }

func pairOf(a, b string) pairKey {
	if a < b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

// RoomID derives the room id for the n-th session between two users. The
// id is the same whichever side calls.
func RoomID(a, b string, n uint64) string {
	p := pairOf(a, b)
	return fmt.Sprintf("%s~%s~%d", p.lo, p.hi, n)
}

// Store is the authoritative table of sessions. A pair of users has at
// most one live (non-terminal) session at a time; terminal sessions stay
// readable for the eviction grace period.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	live     map[pairKey]*Session
	byUser   map[string]map[string]*Session
	seq      map[pairKey]uint64
	evictors map[string]*time.Timer

	grace time.Duration
	now   func() time.Time
}

func NewStore(grace time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		live:     make(map[pairKey]*Session),
		byUser:   make(map[string]map[string]*Session),
		seq:      make(map[pairKey]uint64),
		evictors: make(map[string]*time.Timer),
		grace:    grace,
		now:      time.Now,
	}
}

// Open returns the live session for the caller/callee pair, or creates one
// in StateRequested. A created session is returned already locked so no
// other operation can observe it before its creator has moved it on.
func (st *Store) Open(callerID, calleeID string, kind models.CallKind) (*Session, bool) {
	key := pairOf(callerID, calleeID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.live[key]; ok {
		return existing, false
	}

	st.seq[key]++
	sess := newSession(RoomID(callerID, calleeID, st.seq[key]), callerID, calleeID, kind, st.now())
	sess.Lock()

	st.sessions[sess.ID] = sess
	st.live[key] = sess
	st.index(callerID, sess)
	st.index(calleeID, sess)

	log.Debug().Str("module", "session.store").Str("room_id", sess.ID).Msg("session opened")
	return sess, true
}

func (st *Store) Get(roomID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[roomID]
	return sess, ok
}

// Live returns the live session between two users, if any.
func (st *Store) Live(a, b string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.live[pairOf(a, b)]
	return sess, ok
}

// LiveFor returns the sessions a user participates in that have not been
// retired yet.
func (st *Store) LiveFor(userID string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.byUser[userID]))
	for _, sess := range st.byUser[userID] {
		out = append(out, sess)
	}
	return out
}

// Retire drops a terminal session from the live indexes and schedules its
// eviction after the grace period. Retiring twice is a no-op.
func (st *Store) Retire(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, scheduled := st.evictors[sess.ID]; scheduled {
		return
	}
	if _, ok := st.sessions[sess.ID]; !ok {
		return
	}

	key := pairOf(sess.CallerID, sess.CalleeID)
	if st.live[key] == sess {
		delete(st.live, key)
	}
	st.unindex(sess.CallerID, sess.ID)
	st.unindex(sess.CalleeID, sess.ID)

	id := sess.ID
	st.evictors[id] = time.AfterFunc(st.grace, func() { st.evict(id) })
}

func (st *Store) evict(roomID string) {
	st.mu.Lock()
	delete(st.sessions, roomID)
	delete(st.evictors, roomID)
	st.mu.Unlock()
	log.Debug().Str("module", "session.store").Str("room_id", roomID).Msg("session evicted")
}

// Len returns the number of stored sessions, live or awaiting eviction.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close stops pending eviction timers.
func (st *Store) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, t := range st.evictors {
		t.Stop()
		delete(st.evictors, id)
	}
}

func (st *Store) index(userID string, sess *Session) {
	m, ok := st.byUser[userID]
	if !ok {
		m = make(map[string]*Session)
		st.byUser[userID] = m
	}
	m[sess.ID] = sess
}

func (st *Store) unindex(userID, roomID string) {
	if m, ok := st.byUser[userID]; ok {
		delete(m, roomID)
		if len(m) == 0 {
			delete(st.byUser, userID)
		}
	}
}
