package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/relay"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "handlers-test-secret"

var (
	doctor   = models.Identity{UserID: "doc-1", Role: models.RoleDoctor, DisplayName: "Dr. Quinn"}
	patient  = models.Identity{UserID: "pat-1", Role: models.RolePatient, DisplayName: "Sully"}
	stranger = models.Identity{UserID: "pat-2", Role: models.RolePatient, DisplayName: "Colleen"}
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHistory struct {
	mu      sync.Mutex
	calls   map[string]session.Snapshot
	pingErr error
}

func newFakeHistory(snaps ...session.Snapshot) *fakeHistory {
	h := &fakeHistory{calls: make(map[string]session.Snapshot)}
	for _, s := range snaps {
		h.calls[s.RoomID] = s
	}
	return h
}

func (h *fakeHistory) GetCall(_ context.Context, roomID string) (session.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.calls[roomID]
	if !ok {
		return session.Snapshot{}, redis.ErrCallNotFound
	}
	return snap, nil
}

func (h *fakeHistory) RecentCalls(_ context.Context, userID string, limit int64) ([]session.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []session.Snapshot{}
	for _, s := range h.calls {
		if int64(len(out)) == limit {
			break
		}
		if s.CallerID == userID || s.CalleeID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (h *fakeHistory) Ping(context.Context) error { return h.pingErr }

type harness struct {
	cfg      *config.Config
	registry *presence.Registry
	calls    *call.Service
	gw       *Gateway
	srv      *httptest.Server
}

type harnessOption func(*config.Config)

func withEnvironment(env string) harnessOption {
	return func(c *config.Config) { c.Environment = env }
}

func withRingTimeout(d time.Duration) harnessOption {
	return func(c *config.Config) { c.Signaling.RingTimeout = d }
}

func newHarness(t *testing.T, history CallHistory, opts ...harnessOption) *harness {
	t.Helper()
	cfg := &config.Config{
		Port:           "0",
		Environment:    "development",
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:3000"},
		Signaling: config.SignalingConfig{
			RingTimeout:     time.Minute,
			OutboundQueue:   64,
			EvictionGrace:   time.Minute,
			MaxMessageBytes: 64 * 1024,
			PingPeriod:      54 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
	for _, o := range opts {
		o(cfg)
	}

	registry := presence.NewRegistry()
	calls := call.NewService(session.NewStore(cfg.Signaling.EvictionGrace), registry, call.Options{RingTimeout: cfg.Signaling.RingTimeout})
	gw := NewGateway(GatewayConfig{
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		OutboundQueue:   cfg.Signaling.OutboundQueue,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
		PingPeriod:      cfg.Signaling.PingPeriod,
		PongWait:        cfg.Signaling.PongWait,
	}, registry, calls, relay.New(calls, registry))
	api := NewAPI(calls, registry, history)

	h := &harness{
		cfg:      cfg,
		registry: registry,
		calls:    calls,
		gw:       gw,
		srv:      httptest.NewServer(NewRouter(cfg, gw, api, zerolog.Nop())),
	}
	t.Cleanup(func() {
		registry.CloseAll()
		h.srv.Close()
		calls.Close()
	})
	return h
}

func (h *harness) token(t *testing.T, id models.Identity) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, id, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/signal" + query
}

// dial connects as id and consumes the connected greeting.
func (h *harness) dial(t *testing.T, id models.Identity) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("?token="+h.token(t, id)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readUntil(t, conn, models.EventConnected)
	require.NotNil(t, env.User)
	require.Equal(t, id.UserID, env.User.UserID)
	return conn
}

func (h *harness) get(t *testing.T, path string, id *models.Identity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(t, *id))
	}
	rec := httptest.NewRecorder()
	h.srv.Config.Handler.ServeHTTP(rec, req)
	return rec
}

func send(t *testing.T, conn *websocket.Conn, msg models.Inbound) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads envelopes until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ models.EventType) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var env models.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			return env
		}
	}
}

// collect reads everything that arrives within d.
func collect(t *testing.T, conn *websocket.Conn, d time.Duration) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out
		}
		var env models.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, env)
	}
}

func ofType(envs []models.Envelope, typ models.EventType) []models.Envelope {
	var out []models.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
