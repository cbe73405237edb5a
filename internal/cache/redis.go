package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes.
const (
	keyUserName      = "user:name:"      // + user_id -> name
	keyUserStatus    = "user:status:"    // + user_id -> status
	keyRoomForName   = "room:for_name:"  // + channel_id:room_name -> room_id
	keyRoomExists    = "room:exists:"    // + channel_id:room_id -> room_name
	keyRoomName      = "room:name:"      // + room_id -> room_name
	keyChannelExists = "channel:exists:" // + channel_id -> "1"
	keyChannelOfRoom = "room:channel:"   // + room_id -> channel_id
	keyRoomMembers   = "room:members:"   // + room_id -> hash user_id -> name
	keyMembersVer    = "room:members_v:" // + room_id -> membership version

	// EntryTTL bounds how long a fast-path copy may outlive its source.
	EntryTTL = 24 * time.Hour

	// versionTTL outlives any membership entry the version guards.
	versionTTL = 2 * EntryTTL
)

// Redis is a Cache backed by a go-redis client.
type Redis struct {
	client    *redis.Client
	addMember *redis.Script
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:    client,
		addMember: redis.NewScript(addMemberLua),
	}
}

func (r *Redis) get(ctx context.Context, key string) string {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ""
	}
	if err != nil {
		log.Printf("[cache] redis GET key=%s: %v (treating as miss)", key, err)
		return ""
	}
	return val
}

func (r *Redis) set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, EntryTTL).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) GetUserName(ctx context.Context, userID string) string {
	return r.get(ctx, keyUserName+userID)
}

func (r *Redis) SetUserName(ctx context.Context, userID, userName string) error {
	return r.set(ctx, keyUserName+userID, userName)
}

func (r *Redis) GetRoomIDForName(ctx context.Context, channelID, roomName string) string {
	return r.get(ctx, keyRoomForName+channelID+":"+roomName)
}

func (r *Redis) SetRoomIDForName(ctx context.Context, channelID, roomName, roomID string) error {
	return r.set(ctx, keyRoomForName+channelID+":"+roomName, roomID)
}

func (r *Redis) GetRoomExists(ctx context.Context, channelID, roomID string) bool {
	return r.get(ctx, keyRoomExists+channelID+":"+roomID) != ""
}

// SetRoomExists also records the room name and its channel.
func (r *Redis) SetRoomExists(ctx context.Context, channelID, roomID, roomName string) error {
	if roomName == "" {
		roomName = roomID
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, keyRoomExists+channelID+":"+roomID, roomName, EntryTTL)
	pipe.Set(ctx, keyRoomName+roomID, roomName, EntryTTL)
	pipe.Set(ctx, keyChannelOfRoom+roomID, channelID, EntryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set room exists %s: %w", roomID, err)
	}
	return nil
}

func (r *Redis) GetRoomName(ctx context.Context, roomID string) string {
	return r.get(ctx, keyRoomName+roomID)
}

func (r *Redis) GetChannelExists(ctx context.Context, channelID string) bool {
	return r.get(ctx, keyChannelExists+channelID) != ""
}

func (r *Redis) SetChannelExists(ctx context.Context, channelID string) error {
	return r.set(ctx, keyChannelExists+channelID, "1")
}

func (r *Redis) GetChannelForRoom(ctx context.Context, roomID string) string {
	return r.get(ctx, keyChannelOfRoom+roomID)
}

func (r *Redis) SetChannelForRoom(ctx context.Context, channelID, roomID string) error {
	return r.set(ctx, keyChannelOfRoom+roomID, channelID)
}

func (r *Redis) GetUserStatus(ctx context.Context, userID string) string {
	return r.get(ctx, keyUserStatus+userID)
}

// Status keys carry no TTL: staleness is detected outside the core.
func (r *Redis) setStatus(ctx context.Context, userID, status string) error {
	if err := r.client.Set(ctx, keyUserStatus+userID, status, 0).Err(); err != nil {
		return fmt.Errorf("cache: set status %s=%s: %w", userID, status, err)
	}
	return nil
}

func (r *Redis) SetUserOnline(ctx context.Context, userID string) error {
	return r.setStatus(ctx, userID, StatusOnline)
}

func (r *Redis) SetUserOffline(ctx context.Context, userID string) error {
	return r.setStatus(ctx, userID, StatusOffline)
}

func (r *Redis) SetUserInvisible(ctx context.Context, userID string) error {
	return r.setStatus(ctx, userID, StatusInvisible)
}

func (r *Redis) GetRoomMembers(ctx context.Context, roomID string) (map[string]string, bool) {
	members, err := r.client.HGetAll(ctx, keyRoomMembers+roomID).Result()
	if err != nil {
		log.Printf("[cache] redis HGETALL room=%s: %v (treating as miss)", roomID, err)
		return nil, false
	}
	if len(members) == 0 {
		return nil, false
	}
	return members, true
}

// RoomMembersVersion returns -1 when the version cannot be read, which no
// fill can match.
func (r *Redis) RoomMembersVersion(ctx context.Context, roomID string) int64 {
	v, err := r.client.Get(ctx, keyMembersVer+roomID).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("[cache] redis GET members version room=%s: %v", roomID, err)
		return -1
	}
	return v
}

// SetRoomMembers replaces the cached membership under WATCH on the version
// key. A version bumped before EXEC aborts the fill.
func (r *Redis) SetRoomMembers(ctx context.Context, roomID string, members map[string]string, version int64) (bool, error) {
	key, verKey := keyRoomMembers+roomID, keyMembersVer+roomID
	written := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, verKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(members) > 0 {
				values := make(map[string]interface{}, len(members))
				for id, name := range members {
					values[id] = name
				}
				pipe.HSet(ctx, key, values)
				pipe.Expire(ctx, key, EntryTTL)
			}
			return nil
		})
		written = err == nil
		return err
	}, verKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: set members room=%s: %w", roomID, err)
	}
	return written, nil
}

func (r *Redis) AddRoomMember(ctx context.Context, roomID, userID, userName string) error {
	keys := []string{keyRoomMembers + roomID, keyMembersVer + roomID}
	err := r.addMember.Run(ctx, r.client, keys, userID, userName, int(versionTTL.Seconds())).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: add member room=%s user=%s: %w", roomID, userID, err)
	}
	return nil
}

func (r *Redis) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, keyRoomMembers+roomID, userID)
		r.bump(ctx, pipe, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: remove member room=%s user=%s: %w", roomID, userID, err)
	}
	return nil
}

func (r *Redis) InvalidateRoomMembers(ctx context.Context, roomID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyRoomMembers+roomID)
		r.bump(ctx, pipe, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: invalidate members room=%s: %w", roomID, err)
	}
	return nil
}

func (r *Redis) bump(ctx context.Context, pipe redis.Pipeliner, roomID string) {
	pipe.Incr(ctx, keyMembersVer+roomID)
	pipe.Expire(ctx, keyMembersVer+roomID, versionTTL)
}

// addMemberLua bumps the membership version and adds the member only when
// the room's membership is cached.
const addMemberLua = `
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
    return 1
end
return 0
`

var _ Cache = (*Redis)(nil)
