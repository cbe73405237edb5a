package directory

import (
	"context"
	"time"

	"github.com/gridchat/chat-server/internal/acl"
)

// Room is the authoritative description of a room.
type Room struct {
	ID        string
	Name      string
	ChannelID string
	Private   bool
	Owners    []string
}

// Store is the authoritative room, channel and user store. Lookups of
// unknown rooms or channels return an error wrapping chaterr.ErrNotFound.
type Store interface {
	acl.RuleSource

	SaveUser(ctx context.Context, userID, name string) error
	UserExists(ctx context.Context, userID string) (bool, error)
	UserName(ctx context.Context, userID string) (string, error)

	ChannelExists(ctx context.Context, channelID string) (bool, error)
	CreateChannel(ctx context.Context, channelID, name, ownerID string) error
	RoomExists(ctx context.Context, roomID string) (bool, error)
	RoomName(ctx context.Context, roomID string) (string, error)
	RoomIDForName(ctx context.Context, channelID, roomName string) (string, error)
	ChannelForRoom(ctx context.Context, roomID string) (string, error)
	RoomsForChannel(ctx context.Context, channelID string) (map[string]string, error)
	IsRoomPrivate(ctx context.Context, roomID string) (bool, error)
	CreateRoom(ctx context.Context, room Room) error

	UsersInRoom(ctx context.Context, roomID string) (map[string]string, error)
	// AddMember reports whether the user was not a member before;
	// RemoveMember whether they were.
	AddMember(ctx context.Context, roomID, userID, userName string) (bool, error)
	RemoveMember(ctx context.Context, roomID, userID string) (bool, error)

	RoomOwners(ctx context.Context, roomID string) (map[string]string, error)
	AdminsInRoom(ctx context.Context, roomID string) (map[string]string, error)
	IsOwner(ctx context.Context, roomID, userID string) (bool, error)
	IsOwnerChannel(ctx context.Context, channelID, userID string) (bool, error)
	IsModerator(ctx context.Context, roomID, userID string) (bool, error)
	IsAdmin(ctx context.Context, channelID, userID string) (bool, error)
	IsSuperUser(ctx context.Context, userID string) (bool, error)

	AllRoomACLs(ctx context.Context, roomID string) (map[acl.Action]acl.RuleSet, error)
	AllChannelACLs(ctx context.Context, channelID string) (map[acl.Action]acl.RuleSet, error)
	SetRoomACL(ctx context.Context, roomID string, action acl.Action, rules acl.RuleSet) error
	SetChannelACL(ctx context.Context, channelID string, action acl.Action, rules acl.RuleSet) error

	UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error
	LastRead(ctx context.Context, roomID, userID string) (time.Time, error)
}

// Subscriber manages transport-level room subscriptions.
type Subscriber interface {
	JoinRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
}
