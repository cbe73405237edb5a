// Package ban provides time-bounded bans at three scopes: global, channel
// and room. Each ban is a single Redis key holding its expiry as an epoch
// seconds string:
//
//	Key:   ban:global:<user_id>
//	       ban:channel:<channel_id>:<user_id>
//	       ban:room:<room_id>:<user_id>
//	Value: <expiry epoch seconds>
//
// Keys carry no TTL. Expiry is compared at read time and an expired value is
// treated exactly like an absent one.
package ban

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for ban records.
const BanPrefix = "ban:"

// Type is the scope of a ban.
type Type string

const (
	Global  Type = "global"
	Channel Type = "channel"
	Room    Type = "room"
)

// Scopes holds the raw expiry values of the three scopes for one user.
// An empty string means no ban is recorded at that scope.
type Scopes struct {
	Global  string
	Channel string
	Room    string
}

// Store is the persistence contract of the ban manager.
type Store interface {
	// Scopes reads all three scopes in one snapshot. An empty channelID or
	// roomID skips that scope.
	Scopes(ctx context.Context, userID, channelID, roomID string) (Scopes, error)
	Set(ctx context.Context, userID string, banType Type, targetID, expiry string) error
	Delete(ctx context.Context, userID string, banType Type, targetID string) error
}

// RedisStore manages ban records in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a ban store using the provided Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func banKey(userID string, banType Type, targetID string) string {
	if banType == Global {
		return BanPrefix + string(Global) + ":" + userID
	}
	return BanPrefix + string(banType) + ":" + targetID + ":" + userID
}

// Scopes issues a single MGET so the three values come from one snapshot.
func (s *RedisStore) Scopes(ctx context.Context, userID, channelID, roomID string) (Scopes, error) {
	keys := []string{banKey(userID, Global, "")}
	if channelID != "" {
		keys = append(keys, banKey(userID, Channel, channelID))
	}
	if roomID != "" {
		keys = append(keys, banKey(userID, Room, roomID))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Scopes{}, fmt.Errorf("ban: mget: %w", err)
	}

	str := func(i int) string {
		if i >= len(vals) || vals[i] == nil {
			return ""
		}
		v, _ := vals[i].(string)
		return v
	}

	var out Scopes
	out.Global = str(0)
	i := 1
	if channelID != "" {
		out.Channel = str(i)
		i++
	}
	if roomID != "" {
		out.Room = str(i)
	}
	return out, nil
}

// Set records a ban. The latest write for a (user, scope, target) wins.
func (s *RedisStore) Set(ctx context.Context, userID string, banType Type, targetID, expiry string) error {
	if err := s.client.Set(ctx, banKey(userID, banType, targetID), expiry, 0).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Delete removes a ban immediately.
func (s *RedisStore) Delete(ctx context.Context, userID string, banType Type, targetID string) error {
	if err := s.client.Del(ctx, banKey(userID, banType, targetID)).Err(); err != nil {
		return fmt.Errorf("ban: delete: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
