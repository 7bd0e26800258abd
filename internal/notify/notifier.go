// Package notify is the touchpoint with the external notification/presence
// layer: it publishes the incoming-session read model on a per-user Redis
// channel and keeps the latest pending handoff cached so a counterpart who
// connects late can still pick it up.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/curaline/telecare/internal/cache"
	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/rtctoken"
)

// IncomingSession is everything the counterpart needs for its own join:
// the channel name and the shared wildcard credential.
type IncomingSession struct {
	SessionID   string          `json:"session_id"`
	InitiatorID string          `json:"initiator_id"`
	CallKind    models.CallKind `json:"call_kind"`
	ChannelName string          `json:"channel_name"`
	Credential  string          `json:"credential"`
}

type Notifier interface {
	IncomingSession(ctx context.Context, counterpartID string, inc IncomingSession) error
	SessionClosed(ctx context.Context, counterpartID, sessionID string) error
	// PendingFor returns the cached incoming session for a user, if any.
	PendingFor(ctx context.Context, userID string) (*IncomingSession, bool, error)
}

func IncomingChannel(userID string) string { return "consult:incoming:" + userID }

func pendingKey(userID string) string { return "consult:pending:" + userID }

type redisNotifier struct {
	rdb   *redis.Client
	cache cache.Cache
}

func NewRedisNotifier(rdb *redis.Client, c cache.Cache) Notifier {
	return &redisNotifier{rdb: rdb, cache: c}
}

func (n *redisNotifier) IncomingSession(ctx context.Context, counterpartID string, inc IncomingSession) error {
	payload, err := json.Marshal(map[string]any{
		"type":    "incoming_session",
		"session": inc,
	})
	if err != nil {
		return err
	}
	// cache first so a subscriber racing the publish still finds it
	if err := n.cache.SetJSON(ctx, pendingKey(counterpartID), inc, rtctoken.TokenTTL); err != nil {
		return err
	}
	return n.rdb.Publish(ctx, IncomingChannel(counterpartID), payload).Err()
}

func (n *redisNotifier) SessionClosed(ctx context.Context, counterpartID, sessionID string) error {
	payload, err := json.Marshal(map[string]any{
		"type":       "session_closed",
		"session_id": sessionID,
		"ts":         time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	if err := n.cache.Del(ctx, pendingKey(counterpartID)); err != nil {
		return err
	}
	return n.rdb.Publish(ctx, IncomingChannel(counterpartID), payload).Err()
}

func (n *redisNotifier) PendingFor(ctx context.Context, userID string) (*IncomingSession, bool, error) {
	var inc IncomingSession
	hit, err := n.cache.GetJSON(ctx, pendingKey(userID), &inc)
	if err != nil || !hit {
		return nil, false, err
	}
	return &inc, true, nil
}
