// Package call owns every state transition of a call session: placing,
// accepting, rejecting, ending, ring timeouts and disconnect cleanup.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingCallee   = errors.New("calleeId is required")
	ErrMissingRoom     = errors.New("roomId is required")
	ErrSelfCall        = errors.New("cannot call yourself")
	ErrInvalidCallKind = errors.New("callType must be audio or video")
	ErrCallerBusy      = errors.New("already in another call")
	ErrUnknownRoom     = errors.New("unknown room")
	ErrNotParticipant  = errors.New("not a participant of this room")
	ErrNotCallee       = errors.New("only the callee may answer")
	ErrInvalidState    = errors.New("action not allowed in current state")
	ErrDeliveryFailed  = errors.New("delivery failed")
)

// Reasons carried on terminal transitions and their outbound events.
const (
	ReasonCalleeOffline     = "callee offline"
	ReasonCalleeUnavailable = "callee unavailable"
	ReasonCalleeBusy        = "callee busy"
	ReasonCalleeUnreachable = "callee unreachable"
	ReasonDeclined          = "declined"
	ReasonNoAnswer          = "no answer"
	ReasonHangup            = "hangup"
	ReasonCancelled         = "cancelled"
	ReasonPeerDisconnected  = "peer disconnected"
)

const recordTimeout = 3 * time.Second

// Presence is the part of the presence registry the call service needs.
type Presence interface {
	Lookup(userID string) (presence.Entry, bool)
	Deliver(userID string, env models.Envelope) error
	Notify(userID string, env models.Envelope) error
}

// Recorder persists terminal calls. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordCall(ctx context.Context, snap session.Snapshot) error
}

type Options struct {
	RingTimeout time.Duration
	Recorder    Recorder
}

// Service is the call state machine. All mutations of one session happen
// while holding that session's lock, so operations on a room are totally
// ordered while unrelated rooms proceed in parallel.
type Service struct {
	store       *session.Store
	presence    Presence
	supervisor  *Supervisor
	recorder    Recorder
	ringTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	recordMu sync.Mutex
	closing  bool
	records  sync.WaitGroup
}

func NewService(store *session.Store, p Presence, opts Options) *Service {
	s := &Service{
		store:       store,
		presence:    p,
		recorder:    opts.Recorder,
		ringTimeout: opts.RingTimeout,
		now:         time.Now,
		logger:      log.With().Str("module", "call").Logger(),
	}
	if s.ringTimeout <= 0 {
		s.ringTimeout = 30 * time.Second
	}
	s.supervisor = NewSupervisor(s.Timeout)
	return s
}

// Supervisor exposes the ring-timeout supervisor.
func (s *Service) Supervisor() *Supervisor { return s.supervisor }

// Close stops ring timers and pending evictions, then waits for in-flight
// recordings. Calls finished after Close are not recorded.
func (s *Service) Close() {
	s.supervisor.Stop()
	s.store.Close()

	s.recordMu.Lock()
	s.closing = true
	s.recordMu.Unlock()
	s.records.Wait()
}

// PlaceCall starts a call from caller to calleeID and returns the room id.
// Resolution failures are not errors: the session goes to Failed and the
// caller gets call-failed. A request for a pair that already has a live
// session joins it instead of opening a second room.
func (s *Service) PlaceCall(caller models.Identity, calleeID string, kind models.CallKind) (string, error) {
	if calleeID == "" {
		return "", ErrMissingCallee
	}
	if calleeID == caller.UserID {
		return "", ErrSelfCall
	}
	if kind == "" {
		kind = models.CallVideo
	}
	if !kind.Valid() {
		return "", ErrInvalidCallKind
	}
	if s.busyElsewhere(caller.UserID, calleeID) {
		return "", ErrCallerBusy
	}

	for {
		sess, created := s.store.Open(caller.UserID, calleeID, kind)
		if created {
			return s.ring(sess, caller)
		}

		sess.Lock()
		if sess.StateLocked().Terminal() {
			// retired between Open and Lock; the pair is free again
			sess.Unlock()
			continue
		}
		s.rejoin(sess, caller.UserID)
		sess.Unlock()
		return sess.ID, nil
	}
}

// ring moves a freshly opened, locked session to Ringing or Failed.
func (s *Service) ring(sess *session.Session, caller models.Identity) (string, error) {
	defer sess.Unlock()

	entry, online := s.presence.Lookup(sess.CalleeID)
	switch {
	case !online:
		s.fail(sess, ReasonCalleeOffline)
		return sess.ID, nil
	case !entry.Available:
		s.fail(sess, ReasonCalleeUnavailable)
		return sess.ID, nil
	case s.busyElsewhere(sess.CalleeID, sess.CallerID):
		s.fail(sess, ReasonCalleeBusy)
		return sess.ID, nil
	}

	if err := s.transition(sess, session.StateRinging, ""); err != nil {
		return "", err
	}

	err := s.presence.Deliver(sess.CalleeID, models.Envelope{
		Type:     models.EventCallRequest,
		RoomID:   sess.ID,
		CallerID: sess.CallerID,
		CalleeID: sess.CalleeID,
		CallType: sess.Kind,
		Caller:   &caller,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", sess.ID).Msg("call-request not delivered")
		s.fail(sess, ReasonCalleeUnreachable)
		return sess.ID, nil
	}

	s.supervisor.Arm(sess.ID, s.ringTimeout)
	s.notify(sess.CallerID, models.Envelope{
		Type:     models.EventCallRinging,
		RoomID:   sess.ID,
		CalleeID: sess.CalleeID,
		CallType: sess.Kind,
	})
	return sess.ID, nil
}

// rejoin handles a call-request for a pair whose live session already
// exists. The existing session always wins.
func (s *Service) rejoin(sess *session.Session, requesterID string) {
	state := sess.StateLocked()
	switch {
	case state == session.StateRinging && requesterID == sess.CallerID:
		s.notify(requesterID, models.Envelope{
			Type:     models.EventCallRinging,
			RoomID:   sess.ID,
			CalleeID: sess.CalleeID,
			CallType: sess.Kind,
		})
	case state == session.StateRinging && requesterID == sess.CalleeID:
		s.logger.Info().Str("room_id", sess.ID).Msg("glare resolved as accept")
		s.supervisor.Disarm(sess.ID)
		s.accept(sess, true)
	default:
		s.notify(requesterID, models.Envelope{
			Type:   models.EventCallExists,
			RoomID: sess.ID,
			State:  string(state),
		})
	}
}

// Accept answers a ringing call. Only the callee may accept.
func (s *Service) Accept(responderID, roomID string) error {
	sess, err := s.lookup(roomID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := s.checkCallee(sess, responderID); err != nil {
		return err
	}
	if st := sess.StateLocked(); st != session.StateRinging {
		return fmt.Errorf("%w: accept while %s", ErrInvalidState, st)
	}

	s.supervisor.Disarm(sess.ID)
	return s.accept(sess, false)
}

func (s *Service) accept(sess *session.Session, glare bool) error {
	if err := s.transition(sess, session.StateAccepted, ""); err != nil {
		return err
	}
	if err := s.transition(sess, session.StateNegotiating, ""); err != nil {
		return err
	}

	env := models.Envelope{
		Type:     models.EventCallAccepted,
		RoomID:   sess.ID,
		CallerID: sess.CallerID,
		CalleeID: sess.CalleeID,
		CallType: sess.Kind,
		State:    string(session.StateNegotiating),
		Glare:    glare,
	}
	s.notify(sess.CallerID, env)
	s.notify(sess.CalleeID, env)
	return nil
}

// Reject declines a ringing call. Only the callee may reject.
func (s *Service) Reject(responderID, roomID, reason string) error {
	sess, err := s.lookup(roomID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := s.checkCallee(sess, responderID); err != nil {
		return err
	}
	if st := sess.StateLocked(); st != session.StateRinging {
		return fmt.Errorf("%w: reject while %s", ErrInvalidState, st)
	}
	if reason == "" {
		reason = ReasonDeclined
	}

	s.supervisor.Disarm(sess.ID)
	if err := s.terminate(sess, session.StateRejected, reason); err != nil {
		return err
	}
	s.notify(sess.CallerID, models.Envelope{
		Type:   models.EventCallRejected,
		RoomID: sess.ID,
		From:   responderID,
		Reason: reason,
	})
	return nil
}

// End hangs up (or cancels) a call. Ending an already terminal session is
// a no-op.
func (s *Service) End(requesterID, roomID string) error {
	sess, err := s.lookup(roomID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	peerID, ok := sess.Peer(requesterID)
	if !ok {
		return ErrNotParticipant
	}
	st := sess.StateLocked()
	if st.Terminal() {
		return nil
	}

	reason := ReasonHangup
	if st == session.StateRinging && requesterID == sess.CallerID {
		reason = ReasonCancelled
	}

	s.supervisor.Disarm(sess.ID)
	if err := s.terminate(sess, session.StateEnded, reason); err != nil {
		return err
	}
	env := models.Envelope{
		Type:   models.EventCallEnded,
		RoomID: sess.ID,
		From:   requesterID,
		Reason: reason,
	}
	s.notify(peerID, env)
	s.notify(requesterID, env)
	return nil
}

// Timeout is the ring timer's expiry action. It only acts on a session
// that is still ringing.
func (s *Service) Timeout(roomID string) {
	sess, ok := s.store.Get(roomID)
	if !ok {
		return
	}
	sess.Lock()
	defer sess.Unlock()

	if sess.StateLocked() != session.StateRinging {
		return
	}
	if err := s.terminate(sess, session.StateTimedOut, ReasonNoAnswer); err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("timeout transition failed")
		return
	}
	s.notify(sess.CallerID, models.Envelope{
		Type:     models.EventCallTimeout,
		RoomID:   sess.ID,
		CalleeID: sess.CalleeID,
		Reason:   ReasonNoAnswer,
	})
	s.notify(sess.CalleeID, models.Envelope{
		Type:     models.EventCallMissed,
		RoomID:   sess.ID,
		CallerID: sess.CallerID,
		CallType: sess.Kind,
	})
}

// Disconnect ends every live session userID participates in and tells the
// remaining participant.
func (s *Service) Disconnect(userID string) {
	for _, sess := range s.store.LiveFor(userID) {
		s.disconnectOne(sess, userID)
	}
}

func (s *Service) disconnectOne(sess *session.Session, userID string) {
	sess.Lock()
	defer sess.Unlock()

	if sess.StateLocked().Terminal() {
		return
	}
	peerID, _ := sess.Peer(userID)
	s.supervisor.Disarm(sess.ID)
	if err := s.terminate(sess, session.StateEnded, ReasonPeerDisconnected); err != nil {
		s.logger.Error().Err(err).Str("room_id", sess.ID).Msg("disconnect transition failed")
		return
	}
	s.notify(peerID, models.Envelope{
		Type:   models.EventCallEnded,
		RoomID: sess.ID,
		From:   userID,
		Reason: ReasonPeerDisconnected,
	})
}

// Forward runs deliver for a negotiation message from senderID while the
// room is locked, so relayed messages keep the order they arrived in. The
// session moves to Active once an offer and an answer have both been
// delivered. A deliver error is returned wrapped in ErrDeliveryFailed and
// leaves the session untouched.
func (s *Service) Forward(roomID, senderID string, kind models.SignalKind, deliver func(peerID string) error) error {
	sess, err := s.lookup(roomID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	peerID, ok := sess.Peer(senderID)
	if !ok {
		return ErrNotParticipant
	}
	st := sess.StateLocked()
	if st != session.StateNegotiating && st != session.StateActive {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, kind, st)
	}

	if err := deliver(peerID); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	negotiated := sess.RecordSignal(kind, s.now())
	if negotiated && st == session.StateNegotiating {
		if err := s.transition(sess, session.StateActive, ""); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of a stored session to one of its participants.
func (s *Service) Snapshot(roomID, userID string) (session.Snapshot, error) {
	sess, err := s.lookup(roomID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if !sess.IsParticipant(userID) {
		return session.Snapshot{}, ErrNotParticipant
	}
	return sess.Snapshot(), nil
}

func (s *Service) lookup(roomID string) (*session.Session, error) {
	if roomID == "" {
		return nil, ErrMissingRoom
	}
	sess, ok := s.store.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	return sess, nil
}

func (s *Service) checkCallee(sess *session.Session, userID string) error {
	if userID == sess.CalleeID {
		return nil
	}
	if sess.IsParticipant(userID) {
		return ErrNotCallee
	}
	return ErrNotParticipant
}

// busyElsewhere reports whether userID has a live session with anyone
// other than otherID.
func (s *Service) busyElsewhere(userID, otherID string) bool {
	for _, sess := range s.store.LiveFor(userID) {
		if !sess.IsParticipant(otherID) {
			return true
		}
	}
	return false
}

func (s *Service) fail(sess *session.Session, reason string) {
	if err := s.terminate(sess, session.StateFailed, reason); err != nil {
		s.logger.Error().Err(err).Str("room_id", sess.ID).Msg("fail transition failed")
		return
	}
	s.notify(sess.CallerID, models.Envelope{
		Type:     models.EventCallFailed,
		RoomID:   sess.ID,
		CalleeID: sess.CalleeID,
		Reason:   reason,
	})
}

func (s *Service) transition(sess *session.Session, to session.State, reason string) error {
	from := sess.StateLocked()
	if err := sess.Transition(to, reason, s.now()); err != nil {
		return err
	}
	s.logger.Debug().
		Str("room_id", sess.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("transition")
	return nil
}

// terminate applies a terminal transition, frees the pair and hands the
// final snapshot to the recorder.
func (s *Service) terminate(sess *session.Session, to session.State, reason string) error {
	if err := s.transition(sess, to, reason); err != nil {
		return err
	}
	s.store.Retire(sess)
	s.logger.Info().
		Str("room_id", sess.ID).
		Str("state", string(to)).
		Str("reason", reason).
		Msg("call finished")
	s.record(sess.SnapshotLocked())
	return nil
}

func (s *Service) record(snap session.Snapshot) {
	if s.recorder == nil {
		return
	}
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if s.closing {
		s.logger.Warn().Str("room_id", snap.RoomID).Msg("service closed, call not recorded")
		return
	}
	s.records.Add(1)
	go func() {
		defer s.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.recorder.RecordCall(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Str("room_id", snap.RoomID).Msg("failed to record call")
		}
	}()
}

// notify sends a state change. A backpressured recipient is disconnected by
// the registry and its calls are ended through the normal disconnect path.
func (s *Service) notify(userID string, env models.Envelope) {
	if err := s.presence.Notify(userID, env); err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Str("type", string(env.Type)).Msg("notification dropped")
	}
}
