// Package relay forwards negotiation payloads between the two participants
// of a room without looking inside them.
package relay

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxChatLength bounds in-call chat text, in characters.
const MaxChatLength = 4000

var (
	ErrNotRelayable = errors.New("event is not relayable")
	ErrEmptyChat    = errors.New("chat text is empty")
	ErrChatTooLong  = errors.New("chat text too long")
)

// Forwarder runs a delivery under the room's serialization and guards.
type Forwarder interface {
	Forward(roomID, senderID string, kind models.SignalKind, deliver func(peerID string) error) error
}

type Deliverer interface {
	Deliver(userID string, env models.Envelope) error
}

type Relay struct {
	calls  Forwarder
	out    Deliverer
	logger zerolog.Logger
}

func New(calls Forwarder, out Deliverer) *Relay {
	return &Relay{
		calls:  calls,
		out:    out,
		logger: log.With().Str("module", "relay").Logger(),
	}
}

// Relay forwards msg from senderID to the other participant of msg.RoomID.
// When the peer cannot take the message the sender gets delivery-failed
// and Relay returns nil; guard violations are returned as errors.
func (r *Relay) Relay(senderID string, msg models.Inbound) error {
	kind, ok := models.SignalKindOf(msg.Type)
	if !ok {
		return ErrNotRelayable
	}
	if msg.RoomID == "" {
		return call.ErrMissingRoom
	}
	if kind == models.SignalChat {
		if strings.TrimSpace(msg.Text) == "" {
			return ErrEmptyChat
		}
		if utf8.RuneCountInString(msg.Text) > MaxChatLength {
			return ErrChatTooLong
		}
	}

	env := models.Envelope{
		Type:      msg.Type,
		RoomID:    msg.RoomID,
		From:      senderID,
		Text:      msg.Text,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
		Payload:   msg.Payload,
	}

	err := r.calls.Forward(msg.RoomID, senderID, kind, func(peerID string) error {
		return r.out.Deliver(peerID, env)
	})
	if err == nil || !errors.Is(err, call.ErrDeliveryFailed) {
		return err
	}

	reason := failureReason(err)
	r.logger.Warn().
		Err(err).
		Str("room_id", msg.RoomID).
		Str("sender_id", senderID).
		Str("kind", string(kind)).
		Msg("relay target unavailable")

	if nerr := r.out.Deliver(senderID, models.Envelope{
		Type:   models.EventDeliveryFailed,
		RoomID: msg.RoomID,
		Kind:   kind,
		Reason: reason,
	}); nerr != nil {
		r.logger.Debug().Err(nerr).Str("sender_id", senderID).Msg("delivery-failed not delivered")
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, presence.ErrNotConnected):
		return "peer offline"
	case errors.Is(err, presence.ErrBackpressure):
		return "peer backpressured"
	default:
		return "peer unreachable"
	}
}
