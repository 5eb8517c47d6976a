package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var (
	errUnknownEvent  = errors.New("unknown event type")
	errMissingOnline = errors.New("online is required")
)

// GatewayConfig bounds each signaling connection.
type GatewayConfig struct {
	JWTSecret       string
	AllowedOrigins  []string
	OutboundQueue   int
	MaxMessageBytes int64
	PingPeriod      time.Duration
	PongWait        time.Duration
}

// Gateway terminates signaling websockets: it authenticates the handshake,
// binds the connection in the presence registry and dispatches inbound
// events to the call service and the relay.
type Gateway struct {
	cfg      GatewayConfig
	registry *presence.Registry
	calls    *call.Service
	relay    *relay.Relay
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// conns tracks read pumps until their disconnect cleanup has run.
	conns sync.WaitGroup
}

func NewGateway(cfg GatewayConfig, registry *presence.Registry, calls *call.Service, r *relay.Relay) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		calls:    calls,
		relay:    r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginChecker(cfg.AllowedOrigins),
		},
		logger: log.With().Str("module", "gateway").Logger(),
	}
	registry.OnChange(g.broadcastPresence)
	return g
}

// Client is one authenticated signaling websocket.
type Client struct {
	id       string
	identity models.Identity
	conn     *websocket.Conn
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *Client) ID() string                { return c.id }
func (c *Client) Identity() models.Identity { return c.identity }

// TrySend queues data without blocking.
func (c *Client) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return presence.ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return presence.ErrBackpressure
	}
}

// Close stops the write pump, which closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleSignaling upgrades GET /ws/signal. The identity comes from a JWT in
// the Authorization header or the token query parameter.
func (g *Gateway) HandleSignaling(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	identity, err := g.authenticate(c.Request)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote_ip", c.ClientIP()).Msg("handshake rejected")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized: "+err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Client{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, g.cfg.OutboundQueue),
	}

	if prev := g.registry.Register(client); prev != nil {
		g.logger.Info().Str("user_id", identity.UserID).Str("conn_id", prev.ID()).Msg("closing superseded connection")
		prev.Close()
	}

	g.reply(client, models.Envelope{Type: models.EventConnected, User: &identity})

	// Start goroutines for reading and writing
	g.conns.Add(1)
	go g.writePump(client)
	go g.readPump(client)
}

// Wait blocks until every connection's disconnect cleanup has finished or
// ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) authenticate(r *http.Request) (models.Identity, error) {
	token, err := middleware.TokenFromRequest(r)
	if err != nil {
		return models.Identity{}, err
	}
	return middleware.ParseToken(token, g.cfg.JWTSecret)
}

func (g *Gateway) readPump(c *Client) {
	defer g.conns.Done()
	defer g.disconnect(c)

	c.conn.SetReadLimit(g.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		g.registry.Touch(c.identity.UserID)
		return c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn().Err(err).Str("conn_id", c.id).Msg("websocket error")
			}
			return
		}

		var msg models.Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			g.logger.Warn().Err(err).Str("user_id", c.identity.UserID).Msg("dropping malformed message")
			continue
		}
		g.dispatch(c, msg)
	}
}

func (g *Gateway) writePump(c *Client) {
	ticker := time.NewTicker(g.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				g.logger.Warn().Err(err).Str("conn_id", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect releases the presence binding and ends the user's calls, but
// only if this connection was still the user's current one.
func (g *Gateway) disconnect(c *Client) {
	c.Close()
	c.conn.Close()

	userID := c.identity.UserID
	if g.registry.Unregister(userID, c.id) {
		g.calls.Disconnect(userID)
	}
	g.logger.Info().Str("user_id", userID).Str("conn_id", c.id).Msg("disconnected")
}

func (g *Gateway) dispatch(c *Client, msg models.Inbound) {
	userID := c.identity.UserID

	// A superseded connection may still hold buffered frames; it no longer
	// speaks for the user.
	if entry, ok := g.registry.Lookup(userID); !ok || entry.ConnID != c.id {
		g.logger.Debug().
			Str("user_id", userID).
			Str("conn_id", c.id).
			Str("type", string(msg.Type)).
			Msg("dropping message from superseded connection")
		return
	}

	var err error
	switch msg.Type {
	case models.EventCallRequest:
		_, err = g.calls.PlaceCall(c.identity, msg.CalleeID, msg.CallType)
	case models.EventCallAccept:
		err = g.calls.Accept(userID, msg.RoomID)
	case models.EventCallReject:
		err = g.calls.Reject(userID, msg.RoomID, msg.Reason)
	case models.EventCallEnd:
		err = g.calls.End(userID, msg.RoomID)
	case models.EventOffer, models.EventAnswer, models.EventICECandidate, models.EventChat, models.EventControl:
		err = g.relay.Relay(userID, msg)
	case models.EventPresenceUpdate:
		if msg.Online == nil {
			err = errMissingOnline
			break
		}
		err = g.registry.SetAvailability(userID, *msg.Online)
	case models.EventPing:
		g.registry.Touch(userID)
		g.reply(c, models.Envelope{Type: models.EventPong})
	default:
		err = errUnknownEvent
	}

	if err != nil {
		g.logger.Debug().
			Err(err).
			Str("user_id", userID).
			Str("type", string(msg.Type)).
			Str("room_id", msg.RoomID).
			Msg("action rejected")
		g.reply(c, models.Envelope{
			Type:   models.EventError,
			Action: msg.Type,
			RoomID: msg.RoomID,
			Error:  err.Error(),
		})
	}
}

func (g *Gateway) reply(c *Client, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}
	if err := c.TrySend(data); err != nil {
		g.logger.Warn().Err(err).Str("conn_id", c.id).Str("type", string(env.Type)).Msg("failed to send message")
	}
}

func (g *Gateway) broadcastPresence(ch presence.Change) {
	identity := ch.Identity
	online := ch.Online
	g.registry.Broadcast(models.Envelope{
		Type:   models.EventPresenceChanged,
		User:   &identity,
		Online: &online,
	}, identity.UserID)
}
