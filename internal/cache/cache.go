// Package cache is the write-through fast path for identity, presence and
// room/channel existence lookups. Reads never fail: a miss or a backend
// error yields the zero value, and the authoritative store stays the source
// of truth. Writes return errors so callers can detect divergence.
package cache

import "context"

// User status values as stored in the cache.
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusInvisible   = "invisible"
	StatusUnknown     = "unknown"
	StatusUnavailable = "unavailable"
)

// Cache is the contract the chat core consumes.
type Cache interface {
	GetUserName(ctx context.Context, userID string) string
	SetUserName(ctx context.Context, userID, userName string) error

	GetRoomIDForName(ctx context.Context, channelID, roomName string) string
	SetRoomIDForName(ctx context.Context, channelID, roomName, roomID string) error

	GetRoomExists(ctx context.Context, channelID, roomID string) bool
	SetRoomExists(ctx context.Context, channelID, roomID, roomName string) error
	GetRoomName(ctx context.Context, roomID string) string

	GetChannelExists(ctx context.Context, channelID string) bool
	SetChannelExists(ctx context.Context, channelID string) error

	GetChannelForRoom(ctx context.Context, roomID string) string
	SetChannelForRoom(ctx context.Context, channelID, roomID string) error

	// GetUserStatus returns "" on a miss.
	GetUserStatus(ctx context.Context, userID string) string
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
	SetUserInvisible(ctx context.Context, userID string) error

	// Room membership mirror. GetRoomMembers reports ok=false when the
	// membership of the room is not cached. Add, Remove and Invalidate each
	// bump a per-room version; SetRoomMembers writes only while the version
	// still equals the one read before the authoritative read, and reports
	// whether it wrote. AddRoomMember only touches a room that is already
	// cached so a partial set never looks complete.
	GetRoomMembers(ctx context.Context, roomID string) (members map[string]string, ok bool)
	RoomMembersVersion(ctx context.Context, roomID string) int64
	SetRoomMembers(ctx context.Context, roomID string, members map[string]string, version int64) (bool, error)
	AddRoomMember(ctx context.Context, roomID, userID, userName string) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) error
	InvalidateRoomMembers(ctx context.Context, roomID string) error
}
