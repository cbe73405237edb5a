// Package directory owns rooms, channels, membership and roles. Reads go to
// the cache first and fall back to the authoritative store, refreshing the
// cache on the way out. Writes go to the store first and then to the cache.
//
// Join and Leave run store, cache and transport subscription in that order
// under a per-(room, user) lock. A subscription failure undoes the store and
// cache change, if there was one. A failed cache write is healed by
// Reconcile. Membership fills are versioned by the cache, so a fill that read
// the store before a concurrent join or leave is dropped.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/cache"
	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/presence"
)

// Directory answers room, channel and membership questions.
type Directory struct {
	store    Store
	cache    cache.Cache
	subs     Subscriber
	acl      *acl.Engine
	presence *presence.Tracker
	locks    stripedLock
	now      func() time.Time
}

// New creates a Directory.
func New(store Store, c cache.Cache, subs Subscriber, engine *acl.Engine, tracker *presence.Tracker) *Directory {
	return &Directory{
		store:    store,
		cache:    c,
		subs:     subs,
		acl:      engine,
		presence: tracker,
		now:      time.Now,
	}
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// Login records a connecting user's display name in the store and cache.
func (d *Directory) Login(ctx context.Context, userID, userName string) error {
	if userName == "" {
		return chaterr.Validationf("user name must not be empty")
	}
	if err := d.store.SaveUser(ctx, userID, userName); err != nil {
		return fmt.Errorf("directory: login: %w", err)
	}
	d.refresh("user name", d.cache.SetUserName(ctx, userID, userName))
	return nil
}

// UserExists reports whether the user is known to the store.
func (d *Directory) UserExists(ctx context.Context, userID string) (bool, error) {
	if d.cache.GetUserName(ctx, userID) != "" {
		return true, nil
	}
	return d.store.UserExists(ctx, userID)
}

// UserName returns the display name of a user, or "" if unknown.
func (d *Directory) UserName(ctx context.Context, userID string) string {
	if name := d.cache.GetUserName(ctx, userID); name != "" {
		return name
	}
	name, err := d.store.UserName(ctx, userID)
	if err != nil {
		if !errors.Is(err, chaterr.ErrNotFound) {
			log.Printf("[directory] user name user=%s: %v", userID, err)
		}
		return ""
	}
	d.refresh("user name", d.cache.SetUserName(ctx, userID, name))
	return name
}

// ChannelForRoom returns the channel a room belongs to.
func (d *Directory) ChannelForRoom(ctx context.Context, roomID string) (string, error) {
	if ch := d.cache.GetChannelForRoom(ctx, roomID); ch != "" {
		return ch, nil
	}
	ch, err := d.store.ChannelForRoom(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("directory: channel for room %s: %w", roomID, err)
	}
	d.refresh("channel for room", d.cache.SetChannelForRoom(ctx, ch, roomID))
	return ch, nil
}

// RoomExists reports whether the room exists.
func (d *Directory) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if ch := d.cache.GetChannelForRoom(ctx, roomID); ch != "" && d.cache.GetRoomExists(ctx, ch, roomID) {
		return true, nil
	}
	ok, err := d.store.RoomExists(ctx, roomID)
	if err != nil || !ok {
		return false, err
	}
	ch, err := d.store.ChannelForRoom(ctx, roomID)
	if err != nil {
		return true, nil
	}
	name, _ := d.store.RoomName(ctx, roomID)
	d.refresh("room exists", d.cache.SetRoomExists(ctx, ch, roomID, name))
	return true, nil
}

// ChannelExists reports whether the channel exists.
func (d *Directory) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	if d.cache.GetChannelExists(ctx, channelID) {
		return true, nil
	}
	ok, err := d.store.ChannelExists(ctx, channelID)
	if err != nil || !ok {
		return false, err
	}
	d.refresh("channel exists", d.cache.SetChannelExists(ctx, channelID))
	return true, nil
}

// RoomName returns the name of a room.
func (d *Directory) RoomName(ctx context.Context, roomID string) (string, error) {
	if name := d.cache.GetRoomName(ctx, roomID); name != "" {
		return name, nil
	}
	return d.store.RoomName(ctx, roomID)
}

// RoomIDForName resolves a room name within a channel.
func (d *Directory) RoomIDForName(ctx context.Context, channelID, roomName string) (string, error) {
	if id := d.cache.GetRoomIDForName(ctx, channelID, roomName); id != "" {
		return id, nil
	}
	id, err := d.store.RoomIDForName(ctx, channelID, roomName)
	if err != nil {
		return "", err
	}
	d.refresh("room id for name", d.cache.SetRoomIDForName(ctx, channelID, roomName, id))
	return id, nil
}

// RoomsForChannel lists room id to name for a channel.
func (d *Directory) RoomsForChannel(ctx context.Context, channelID string) (map[string]string, error) {
	return d.store.RoomsForChannel(ctx, channelID)
}

// IsPrivate reports whether a room is a private conversation.
func (d *Directory) IsPrivate(ctx context.Context, roomID string) (bool, error) {
	return d.store.IsRoomPrivate(ctx, roomID)
}

// Owners returns the owner user ids and names of a room.
func (d *Directory) Owners(ctx context.Context, roomID string) (map[string]string, error) {
	return d.store.RoomOwners(ctx, roomID)
}

// Admins returns the admins responsible for a room.
func (d *Directory) Admins(ctx context.Context, roomID string) (map[string]string, error) {
	return d.store.AdminsInRoom(ctx, roomID)
}

// Members returns the live membership of a room.
func (d *Directory) Members(ctx context.Context, roomID string) (map[string]string, error) {
	if members, ok := d.cache.GetRoomMembers(ctx, roomID); ok {
		return members, nil
	}
	return d.fillMembers(ctx, roomID)
}

// fillMembers reads the membership from the store and caches it unless a
// membership write landed in between.
func (d *Directory) fillMembers(ctx context.Context, roomID string) (map[string]string, error) {
	version := d.cache.RoomMembersVersion(ctx, roomID)
	members, err := d.store.UsersInRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("directory: users in room %s: %w", roomID, err)
	}
	if _, err := d.cache.SetRoomMembers(ctx, roomID, members, version); err != nil {
		d.refresh("room members", err)
	}
	return members, nil
}

// Recipients returns the transport rooms a message into roomID must be
// emitted to: the owners' personal rooms for a private room, or the room
// itself. A private room without owners falls back to the room.
func (d *Directory) Recipients(ctx context.Context, roomID string) ([]string, error) {
	private, err := d.IsPrivate(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("directory: recipients: %w", err)
	}
	if !private {
		return []string{roomID}, nil
	}
	owners, err := d.Owners(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("directory: recipients: %w", err)
	}
	if len(owners) == 0 {
		return []string{roomID}, nil
	}
	targets := make([]string, 0, len(owners))
	for id := range owners {
		targets = append(targets, id)
	}
	return targets, nil
}

// ChannelACLs and RoomACLs expose the stored rules to the acl engine.
func (d *Directory) ChannelACLs(ctx context.Context, channelID string, action acl.Action) (acl.RuleSet, error) {
	return d.store.ChannelACLs(ctx, channelID, action)
}

func (d *Directory) RoomACLs(ctx context.Context, roomID string, action acl.Action) (acl.RuleSet, error) {
	return d.store.RoomACLs(ctx, roomID, action)
}

// ACLs returns every rule set of a room or channel keyed by action.
func (d *Directory) ACLs(ctx context.Context, target acl.Target, id string) (map[acl.Action]acl.RuleSet, error) {
	switch target {
	case acl.TargetRoom:
		return d.store.AllRoomACLs(ctx, id)
	case acl.TargetChannel:
		return d.store.AllChannelACLs(ctx, id)
	}
	return nil, chaterr.Validationf("unknown acl target [%s]", target)
}

// refresh logs a failed cache write. The store stays authoritative.
func (d *Directory) refresh(what string, err error) {
	if err != nil {
		log.Printf("[directory] cache refresh %s: %v", what, err)
	}
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// Join adds a user to a room. Re-joining is allowed; a failed subscription
// then leaves the existing membership in place.
func (d *Directory) Join(ctx context.Context, roomID, userID, userName string) error {
	unlock := d.locks.lock(roomID, userID)
	defer unlock()

	added, err := d.store.AddMember(ctx, roomID, userID, userName)
	if err != nil {
		return fmt.Errorf("directory: join: %w", err)
	}
	if err := d.cache.AddRoomMember(ctx, roomID, userID, userName); err != nil {
		log.Printf("[directory] join cache room=%s user=%s: %v", roomID, userID, err)
		d.heal(ctx, roomID)
	}

	if err := d.subs.JoinRoom(ctx, userID, roomID); err != nil {
		if added {
			log.Printf("[directory] join subscribe room=%s user=%s: %v, rolling back", roomID, userID, err)
			if _, rbErr := d.store.RemoveMember(ctx, roomID, userID); rbErr != nil {
				log.Printf("[directory] join rollback room=%s user=%s: %v", roomID, userID, rbErr)
			}
			if cErr := d.cache.RemoveRoomMember(ctx, roomID, userID); cErr != nil {
				d.heal(ctx, roomID)
			}
		}
		return fmt.Errorf("directory: join subscribe: %w", err)
	}
	return nil
}

// Leave removes a user from a room.
func (d *Directory) Leave(ctx context.Context, roomID, userID string) error {
	unlock := d.locks.lock(roomID, userID)
	defer unlock()
	return d.leaveLocked(ctx, roomID, userID)
}

func (d *Directory) leaveLocked(ctx context.Context, roomID, userID string) error {
	userName := d.UserName(ctx, userID)

	removed, err := d.store.RemoveMember(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("directory: leave: %w", err)
	}
	if err := d.cache.RemoveRoomMember(ctx, roomID, userID); err != nil {
		log.Printf("[directory] leave cache room=%s user=%s: %v", roomID, userID, err)
		d.heal(ctx, roomID)
	}

	if err := d.subs.LeaveRoom(ctx, userID, roomID); err != nil {
		if removed {
			log.Printf("[directory] leave unsubscribe room=%s user=%s: %v, rolling back", roomID, userID, err)
			if _, rbErr := d.store.AddMember(ctx, roomID, userID, userName); rbErr != nil {
				log.Printf("[directory] leave rollback room=%s user=%s: %v", roomID, userID, rbErr)
			}
			if cErr := d.cache.AddRoomMember(ctx, roomID, userID, userName); cErr != nil {
				d.heal(ctx, roomID)
			}
		}
		return fmt.Errorf("directory: leave unsubscribe: %w", err)
	}
	return nil
}

// heal rebuilds a room's cached membership after a failed cache write.
func (d *Directory) heal(ctx context.Context, roomID string) {
	if err := d.Reconcile(ctx, roomID); err != nil {
		log.Printf("[directory] heal members room=%s: %v", roomID, err)
	}
}

// Reconcile drops the cached membership of a room, which also aborts any
// fill in flight, and rebuilds it from the store.
func (d *Directory) Reconcile(ctx context.Context, roomID string) error {
	if err := d.cache.InvalidateRoomMembers(ctx, roomID); err != nil {
		return fmt.Errorf("directory: reconcile %s: %w", roomID, err)
	}
	if _, err := d.fillMembers(ctx, roomID); err != nil {
		return fmt.Errorf("directory: reconcile: %w", err)
	}
	return nil
}
