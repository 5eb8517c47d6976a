package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrCallNotFound = errors.New("call not found")

const presenceWriteTimeout = 2 * time.Second

// RecordCall stores the final snapshot of a call under call:<roomId> and
// prepends the room id to both participants' recent-call lists.
func (c *Client) RecordCall(ctx context.Context, snap session.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(snap.RoomID), data, c.callTTL)
		for _, userID := range []string{snap.CallerID, snap.CalleeID} {
			key := userCallsKey(userID)
			pipe.LPush(ctx, key, snap.RoomID)
			pipe.LTrim(ctx, key, 0, recentCallsLimit-1)
			pipe.Expire(ctx, key, c.callTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record call %s: %w", snap.RoomID, err)
	}
	return nil
}

// GetCall loads a recorded call.
func (c *Client) GetCall(ctx context.Context, roomID string) (session.Snapshot, error) {
	data, err := c.rdb.Get(ctx, callKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, ErrCallNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("get call %s: %w", roomID, err)
	}
	return decodeSnapshot(data)
}

// RecentCalls returns up to limit recorded calls for userID, newest first.
// Entries whose record already expired are skipped.
func (c *Client) RecentCalls(ctx context.Context, userID string, limit int64) ([]session.Snapshot, error) {
	if limit <= 0 || limit > recentCallsLimit {
		limit = recentCallsLimit
	}
	ids, err := c.rdb.LRange(ctx, userCallsKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return []session.Snapshot{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load calls for %s: %w", userID, err)
	}
	return decodeAll(vals), nil
}

// PublishPresence mirrors a presence change: presence:<id> holds the
// identity of an online user and presence:online the set of online ids.
func (c *Client) PublishPresence(ctx context.Context, ch presence.Change) error {
	id := ch.Identity
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ch.Online {
			pipe.HSet(ctx, presenceKey(id.UserID),
				"role", string(id.Role),
				"name", id.DisplayName,
				"avatar", id.AvatarURL,
				"since", time.Now().UTC().Format(time.RFC3339),
			)
			pipe.SAdd(ctx, onlineSetKey, id.UserID)
			return nil
		}
		pipe.Del(ctx, presenceKey(id.UserID))
		pipe.SRem(ctx, onlineSetKey, id.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish presence for %s: %w", id.UserID, err)
	}
	return nil
}

// PresenceListener returns a presence.Registry listener that mirrors
// changes in the background.
func (c *Client) PresenceListener() func(presence.Change) {
	return func(ch presence.Change) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
			defer cancel()
			if err := c.PublishPresence(ctx, ch); err != nil {
				log.Warn().Err(err).Str("module", "redis").Str("user_id", ch.Identity.UserID).Msg("presence mirror failed")
			}
		}()
	}
}

// ResetPresence clears the online set left behind by a previous process.
func (c *Client) ResetPresence(ctx context.Context) error {
	ids, err := c.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, presenceKey(id))
	}
	keys = append(keys, onlineSetKey)
	return c.rdb.Del(ctx, keys...).Err()
}

func encodeSnapshot(snap session.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode call %s: %w", snap.RoomID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode call: %w", err)
	}
	return snap, nil
}

// decodeAll decodes MGET results, skipping nil (expired) and corrupt values.
func decodeAll(vals []interface{}) []session.Snapshot {
	out := make([]session.Snapshot, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		snap, err := decodeSnapshot([]byte(s))
		if err != nil {
			log.Warn().Err(err).Str("module", "redis").Msg("skipping corrupt call record")
			continue
		}
		out = append(out, snap)
	}
	return out
}
