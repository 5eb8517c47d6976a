package models

import "encoding/json"

// EventType names every message that crosses the signaling websocket.
type EventType string

// Inbound events (client -> gateway).
const (
	EventCallRequest    EventType = "call-request"
	EventCallAccept     EventType = "call-accept"
	EventCallReject     EventType = "call-reject"
	EventCallEnd        EventType = "call-end"
	EventOffer          EventType = "offer"
	EventAnswer         EventType = "answer"
	EventICECandidate   EventType = "ice-candidate"
	EventChat           EventType = "chat"
	EventControl        EventType = "control"
	EventPresenceUpdate EventType = "presence-update"
	EventPing           EventType = "ping"
)

// Outbound events (gateway -> client). Relayed offer/answer/ice-candidate/chat
// reuse the inbound names; call-request is pushed to the callee unchanged.
const (
	EventConnected       EventType = "connected"
	EventCallRinging     EventType = "call-ringing"
	EventCallAccepted    EventType = "call-accepted"
	EventCallRejected    EventType = "call-rejected"
	EventCallEnded       EventType = "call-ended"
	EventCallTimeout     EventType = "call-timeout"
	EventCallMissed      EventType = "call-missed"
	EventCallFailed      EventType = "call-failed"
	EventCallExists      EventType = "call-exists"
	EventDeliveryFailed  EventType = "delivery-failed"
	EventPresenceChanged EventType = "presence-changed"
	EventPong            EventType = "pong"
	EventError           EventType = "error"
)

// SignalKind classifies relayed payloads. The relay never looks inside them.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalChat         SignalKind = "chat"
	SignalControl      SignalKind = "control"
)

// SignalKindOf maps a relayable event to its signal kind.
func SignalKindOf(t EventType) (SignalKind, bool) {
	switch t {
	case EventOffer:
		return SignalOffer, true
	case EventAnswer:
		return SignalAnswer, true
	case EventICECandidate:
		return SignalICECandidate, true
	case EventChat:
		return SignalChat, true
	case EventControl:
		return SignalControl, true
	}
	return "", false
}

// CallKind is the media kind the caller asked for.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// Inbound is the envelope every client message is decoded into. Only the
// fields relevant to Type are populated; Payload carries opaque negotiation
// data (SDP, ICE candidate, control blob) verbatim.
type Inbound struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	CalleeID  string          `json:"calleeId,omitempty"`
	CallType  CallKind        `json:"callType,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Online    *bool           `json:"online,omitempty"`
	Text      string          `json:"text,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the outbound message shape.
type Envelope struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	From      string          `json:"from,omitempty"`
	CallerID  string          `json:"callerId,omitempty"`
	CalleeID  string          `json:"calleeId,omitempty"`
	CallType  CallKind        `json:"callType,omitempty"`
	Caller    *Identity       `json:"caller,omitempty"`
	User      *Identity       `json:"user,omitempty"`
	State     string          `json:"state,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Glare     bool            `json:"glare,omitempty"`
	Online    *bool           `json:"online,omitempty"`
	Action    EventType       `json:"action,omitempty"`
	Kind      SignalKind      `json:"kind,omitempty"`
	Text      string          `json:"text,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}
