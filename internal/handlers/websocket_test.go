package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_RejectsHandshakeWithoutIdentity(t *testing.T) {
	h := newHarness(t, nil)

	for name, query := range map[string]string{
		"missing": "",
		"garbage": "?token=not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(query), nil)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, _, err = conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	assert.Equal(t, 0, h.registry.Count())
}

func TestGateway_ConnectRegistersPresence(t *testing.T) {
	h := newHarness(t, nil)
	h.dial(t, doctor)

	entry, ok := h.registry.Lookup(doctor.UserID)
	require.True(t, ok)
	assert.True(t, entry.Available)
	assert.Equal(t, models.RoleDoctor, entry.Identity.Role)
}

func TestGateway_PingPong(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, doctor)

	send(t, conn, models.Inbound{Type: models.EventPing})
	readUntil(t, conn, models.EventPong)
}

func TestGateway_MalformedMessageIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, doctor)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, conn, models.Inbound{Type: models.EventPing})
	readUntil(t, conn, models.EventPong)
}

func TestGateway_RejectedActionsAreReported(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, doctor)

	send(t, conn, models.Inbound{Type: models.EventCallAccept, RoomID: "doc-1~pat-1~7"})
	env := readUntil(t, conn, models.EventError)
	assert.Equal(t, models.EventCallAccept, env.Action)
	assert.Equal(t, "doc-1~pat-1~7", env.RoomID)
	assert.Contains(t, env.Error, call.ErrUnknownRoom.Error())

	send(t, conn, models.Inbound{Type: "teleport"})
	env = readUntil(t, conn, models.EventError)
	assert.Equal(t, models.EventType("teleport"), env.Action)

	send(t, conn, models.Inbound{Type: models.EventPresenceUpdate})
	env = readUntil(t, conn, models.EventError)
	assert.Equal(t, models.EventPresenceUpdate, env.Action)

	send(t, conn, models.Inbound{Type: models.EventCallRequest, CalleeID: doctor.UserID})
	env = readUntil(t, conn, models.EventError)
	assert.Equal(t, call.ErrSelfCall.Error(), env.Error)
}

func TestGateway_CallToOfflineUser(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, doctor)

	send(t, conn, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID, CallType: models.CallAudio})
	env := readUntil(t, conn, models.EventCallFailed)
	assert.Equal(t, call.ReasonCalleeOffline, env.Reason)

	snap, err := h.calls.Snapshot(env.RoomID, doctor.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, snap.State)
}

func TestGateway_FullCall(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID, CallType: models.CallVideo})
	req := readUntil(t, pat, models.EventCallRequest)
	require.NotNil(t, req.Caller)
	assert.Equal(t, doctor.DisplayName, req.Caller.DisplayName)
	roomID := req.RoomID
	assert.Equal(t, roomID, readUntil(t, doc, models.EventCallRinging).RoomID)

	send(t, pat, models.Inbound{Type: models.EventCallAccept, RoomID: roomID})
	readUntil(t, doc, models.EventCallAccepted)
	readUntil(t, pat, models.EventCallAccepted)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\ns=consult\r\n"}`)
	send(t, doc, models.Inbound{Type: models.EventOffer, RoomID: roomID, SDP: offer})
	got := readUntil(t, pat, models.EventOffer)
	assert.JSONEq(t, string(offer), string(got.SDP))
	assert.Equal(t, doctor.UserID, got.From)

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`)
	send(t, pat, models.Inbound{Type: models.EventAnswer, RoomID: roomID, SDP: answer})
	assert.JSONEq(t, string(answer), string(readUntil(t, doc, models.EventAnswer).SDP))

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host","sdpMid":"0"}`)
	send(t, pat, models.Inbound{Type: models.EventICECandidate, RoomID: roomID, Candidate: cand})
	assert.JSONEq(t, string(cand), string(readUntil(t, doc, models.EventICECandidate).Candidate))

	send(t, doc, models.Inbound{Type: models.EventChat, RoomID: roomID, Text: "hello"})
	assert.Equal(t, "hello", readUntil(t, pat, models.EventChat).Text)

	snap, err := h.calls.Snapshot(roomID, doctor.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, snap.State)

	send(t, pat, models.Inbound{Type: models.EventCallEnd, RoomID: roomID})
	assert.Equal(t, call.ReasonHangup, readUntil(t, doc, models.EventCallEnded).Reason)
	readUntil(t, pat, models.EventCallEnded)

	snap, err = h.calls.Snapshot(roomID, patient.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, snap.State)

	// Late duplicates are matched to the ended room, not reported as unknown.
	send(t, doc, models.Inbound{Type: models.EventCallEnd, RoomID: roomID})
	send(t, doc, models.Inbound{Type: models.EventOffer, RoomID: roomID, SDP: offer})
	env := readUntil(t, doc, models.EventError)
	assert.Equal(t, models.EventOffer, env.Action)
	assert.Contains(t, env.Error, call.ErrInvalidState.Error())
}

func TestGateway_RejectCall(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	roomID := readUntil(t, pat, models.EventCallRequest).RoomID

	send(t, pat, models.Inbound{Type: models.EventCallReject, RoomID: roomID, Reason: "busy with a patient"})
	env := readUntil(t, doc, models.EventCallRejected)
	assert.Equal(t, "busy with a patient", env.Reason)
}

func TestGateway_RingTimeout(t *testing.T) {
	h := newHarness(t, nil, withRingTimeout(50*time.Millisecond))
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	roomID := readUntil(t, pat, models.EventCallRequest).RoomID

	assert.Equal(t, roomID, readUntil(t, pat, models.EventCallMissed).RoomID)
	envs := collect(t, doc, 300*time.Millisecond)
	assert.Len(t, ofType(envs, models.EventCallTimeout), 1)
}

func TestGateway_DisconnectEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	roomID := readUntil(t, pat, models.EventCallRequest).RoomID
	send(t, pat, models.Inbound{Type: models.EventCallAccept, RoomID: roomID})
	readUntil(t, doc, models.EventCallAccepted)

	require.NoError(t, pat.Close())

	env := readUntil(t, doc, models.EventCallEnded)
	assert.Equal(t, call.ReasonPeerDisconnected, env.Reason)
	assert.Equal(t, roomID, env.RoomID)

	envs := collect(t, doc, 200*time.Millisecond)
	assert.Empty(t, ofType(envs, models.EventCallEnded), "exactly one call-ended")

	require.Eventually(t, func() bool {
		_, ok := h.registry.Lookup(patient.UserID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_SecondHandshakeSupersedes(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	first := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	roomID := readUntil(t, first, models.EventCallRequest).RoomID

	second := h.dial(t, patient)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}

	// The stale connection going away neither unbinds the user nor ends the call.
	time.Sleep(50 * time.Millisecond)
	entry, ok := h.registry.Lookup(patient.UserID)
	require.True(t, ok)
	assert.True(t, entry.Available)
	snap, err := h.calls.Snapshot(roomID, patient.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRinging, snap.State)

	send(t, second, models.Inbound{Type: models.EventCallAccept, RoomID: roomID})
	readUntil(t, doc, models.EventCallAccepted)
	readUntil(t, second, models.EventCallAccepted)
}

func TestGateway_SupersededConnectionCannotAct(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	roomID := readUntil(t, pat, models.EventCallRequest).RoomID

	// A frame still buffered on a replaced connection.
	stale := &Client{id: uuid.NewString(), identity: patient, send: make(chan []byte, 4)}
	h.gw.dispatch(stale, models.Inbound{Type: models.EventCallEnd, RoomID: roomID})
	assert.Len(t, stale.send, 0)

	snap, err := h.calls.Snapshot(roomID, patient.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRinging, snap.State)
}

func TestGateway_WaitDrainsConnections(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	roomID := readUntil(t, pat, models.EventCallRequest).RoomID
	send(t, pat, models.Inbound{Type: models.EventCallAccept, RoomID: roomID})
	readUntil(t, doc, models.EventCallAccepted)

	h.registry.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Wait(ctx))

	assert.Equal(t, 0, h.registry.Count())
	snap, err := h.calls.Snapshot(roomID, doctor.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, snap.State)
	assert.Equal(t, call.ReasonPeerDisconnected, snap.Reason)
}

func TestGateway_PresenceBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	doc := h.dial(t, doctor)
	pat := h.dial(t, patient)

	env := readUntil(t, doc, models.EventPresenceChanged)
	require.NotNil(t, env.User)
	require.NotNil(t, env.Online)
	assert.Equal(t, patient.UserID, env.User.UserID)
	assert.True(t, *env.Online)

	offline := false
	send(t, pat, models.Inbound{Type: models.EventPresenceUpdate, Online: &offline})
	env = readUntil(t, doc, models.EventPresenceChanged)
	assert.False(t, *env.Online)

	// Unavailable callees are not rung.
	send(t, doc, models.Inbound{Type: models.EventCallRequest, CalleeID: patient.UserID})
	assert.Equal(t, call.ReasonCalleeUnavailable, readUntil(t, doc, models.EventCallFailed).Reason)
}
