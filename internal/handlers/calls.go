package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/rs/zerolog/log"
)

const historyTimeout = 3 * time.Second

// CallHistory is the persisted record of finished calls.
type CallHistory interface {
	GetCall(ctx context.Context, roomID string) (session.Snapshot, error)
	RecentCalls(ctx context.Context, userID string, limit int64) ([]session.Snapshot, error)
	Ping(ctx context.Context) error
}

// API serves the read-only REST surface next to the websocket gateway.
type API struct {
	calls    *call.Service
	registry *presence.Registry
	history  CallHistory
}

// NewAPI wires the REST handlers. history may be nil when Redis is off.
func NewAPI(calls *call.Service, registry *presence.Registry, history CallHistory) *API {
	return &API{calls: calls, registry: registry, history: history}
}

// Health reports liveness, the number of connected users and Redis state.
func (a *API) Health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"connections": a.registry.Count(),
		"redis":       "disabled",
	}
	if a.history != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
		defer cancel()
		if err := a.history.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["redis"] = "unreachable"
		} else {
			body["redis"] = "ok"
		}
	}
	c.JSON(http.StatusOK, body)
}

// ListPresence lists connected, available users, optionally by role.
func (a *API) ListPresence(c *gin.Context) {
	role := models.Role(c.Query("role"))
	if role != "" && !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrRoleInvalid.Error()})
		return
	}

	users := a.registry.ListOnline(role)
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// GetCall returns a live or recently ended call to one of its participants,
// falling back to the call history once the session has been evicted.
func (a *API) GetCall(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	roomID := c.Param("roomId")

	snap, err := a.calls.Snapshot(roomID, identity.UserID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, snap)
		return
	case errors.Is(err, call.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case !errors.Is(err, call.ErrUnknownRoom) || a.history == nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	snap, err = a.history.GetCall(ctx, roomID)
	if errors.Is(err, redis.ErrCallNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "api").Str("room_id", roomID).Msg("failed to load call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
		return
	}
	if snap.CallerID != identity.UserID && snap.CalleeID != identity.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": call.ErrNotParticipant.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListCalls returns the caller's most recent recorded calls.
func (a *API) ListCalls(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if a.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Call history is disabled"})
		return
	}

	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	calls, err := a.history.RecentCalls(ctx, identity.UserID, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "api").Str("user_id", identity.UserID).Msg("failed to list calls")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list calls"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}
