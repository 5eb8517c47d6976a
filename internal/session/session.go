// Package session holds the in-flight call sessions (rooms) and the table of
// legal state transitions between them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
)

type State string

const (
	StateIdle        State = "idle"
	StateRequested   State = "requested"
	StateRinging     State = "ringing"
	StateAccepted    State = "accepted"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnded       State = "ended"
	StateRejected    State = "rejected"
	StateTimedOut    State = "timed-out"
	StateFailed      State = "failed"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateTimedOut, StateFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:        {StateRequested},
	StateRequested:   {StateRinging, StateFailed, StateEnded},
	StateRinging:     {StateAccepted, StateRejected, StateTimedOut, StateEnded, StateFailed},
	StateAccepted:    {StateNegotiating, StateEnded},
	StateNegotiating: {StateActive, StateEnded},
	StateActive:      {StateEnded},
}

// CanTransition reports whether from -> to is an edge of the call state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrTerminal          = errors.New("session is terminal")
	ErrIllegalTransition = errors.New("illegal state transition")
)

const maxMessageLog = 512

// Transition is one applied edge of a session's state history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session is one call between exactly two distinct participants.
//
// Mutating methods and the *Locked accessors require the caller to hold the
// session lock; Snapshot takes it itself. Identifiers and CreatedAt never change.
type Session struct {
	ID        string
	CallerID  string
	CalleeID  string
	Kind      models.CallKind
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	updatedAt time.Time
	reason    string
	history   []Transition
	messages  []models.SignalKind
	overflow  int
	offered   bool
	answered  bool
}

func newSession(id, callerID, calleeID string, kind models.CallKind, now time.Time) *Session {
	return &Session{
		ID:        id,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		CreatedAt: now,
		state:     StateRequested,
		updatedAt: now,
		history:   []Transition{{From: StateIdle, To: StateRequested, At: now}},
	}
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// StateLocked returns the current state. The caller must hold the lock.
func (s *Session) StateLocked() State { return s.state }

// ReasonLocked is the reason recorded with the last transition. The caller
// must hold the lock.
func (s *Session) ReasonLocked() string { return s.reason }

// Transition moves the session to the given state if the edge is legal.
func (s *Session) Transition(to State, reason string, at time.Time) error {
	from := s.state
	if from.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, s.ID, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.state = to
	s.updatedAt = at
	s.reason = reason
	s.history = append(s.history, Transition{From: from, To: to, At: at, Reason: reason})
	return nil
}

// RecordSignal appends a relayed message kind to the diagnostic log. It
// reports whether both an offer and an answer have now been seen.
func (s *Session) RecordSignal(kind models.SignalKind, at time.Time) bool {
	if len(s.messages) < maxMessageLog {
		s.messages = append(s.messages, kind)
	} else {
		s.overflow++
	}
	switch kind {
	case models.SignalOffer:
		s.offered = true
	case models.SignalAnswer:
		s.answered = true
	}
	s.updatedAt = at
	return s.offered && s.answered
}

func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.CalleeID)
}

// Peer returns the other participant of the session.
func (s *Session) Peer(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	}
	return "", false
}

// Snapshot is a copy of a session safe to hand out.
type Snapshot struct {
	RoomID          string              `json:"roomId"`
	CallerID        string              `json:"callerId"`
	CalleeID        string              `json:"calleeId"`
	Kind            models.CallKind     `json:"callType"`
	State           State               `json:"state"`
	Reason          string              `json:"reason,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	History         []Transition        `json:"history"`
	Messages        []models.SignalKind `json:"messages"`
	MessageOverflow int                 `json:"messageOverflow,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SnapshotLocked()
}

// SnapshotLocked is Snapshot for callers already holding the lock.
func (s *Session) SnapshotLocked() Snapshot {
	return Snapshot{
		RoomID:          s.ID,
		CallerID:        s.CallerID,
		CalleeID:        s.CalleeID,
		Kind:            s.Kind,
		State:           s.state,
		Reason:          s.reason,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.updatedAt,
		History:         append([]Transition(nil), s.history...),
		Messages:        append([]models.SignalKind(nil), s.messages...),
		MessageOverflow: s.overflow,
	}
}
