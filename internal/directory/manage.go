package directory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
)

func denied(reason string) acl.Result {
	return acl.Result{Allowed: false, Reason: reason}
}

// Authorize evaluates the channel rules and then the room rules for action.
func (d *Directory) Authorize(ctx context.Context, act activity.Activity, roomID string, action acl.Action) (acl.Result, error) {
	channelID, err := d.ChannelForRoom(ctx, roomID)
	if err != nil {
		return acl.Result{}, err
	}
	channelRules, err := d.store.ChannelACLs(ctx, channelID, action)
	if err != nil {
		return acl.Result{}, fmt.Errorf("directory: channel acls: %w", err)
	}
	if res := d.acl.Validate(act, acl.TargetChannel, action, channelRules); !res.Allowed {
		return res, nil
	}
	roomRules, err := d.store.RoomACLs(ctx, roomID, action)
	if err != nil {
		return acl.Result{}, fmt.Errorf("directory: room acls: %w", err)
	}
	return d.acl.Validate(act, acl.TargetRoom, action, roomRules), nil
}

// CreateChannel registers a new channel owned by ownerID.
func (d *Directory) CreateChannel(ctx context.Context, channelID, name, ownerID string) error {
	if strings.TrimSpace(name) == "" {
		return chaterr.Validationf("channel name must not be empty")
	}
	exists, err := d.ChannelExists(ctx, channelID)
	if err != nil {
		return err
	}
	if exists {
		return chaterr.Validationf("channel [%s] already exists", channelID)
	}
	if err := d.store.CreateChannel(ctx, channelID, name, ownerID); err != nil {
		return fmt.Errorf("directory: create channel: %w", err)
	}
	d.refresh("channel exists", d.cache.SetChannelExists(ctx, channelID))
	return nil
}

// CreateRoom validates a create request against the channel's create rules
// and stores the room. The actor becomes an owner unless owners are given.
func (d *Directory) CreateRoom(ctx context.Context, act activity.Activity, channelID, roomName string, private bool, owners []string) (Room, acl.Result, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return Room{}, acl.Result{}, chaterr.Validationf("room name must not be empty")
	}
	exists, err := d.ChannelExists(ctx, channelID)
	if err != nil {
		return Room{}, acl.Result{}, err
	}
	if !exists {
		return Room{}, acl.Result{}, chaterr.NotFoundf("no such channel [%s]", channelID)
	}

	rules, err := d.store.ChannelACLs(ctx, channelID, acl.ActionCreate)
	if err != nil {
		return Room{}, acl.Result{}, fmt.Errorf("directory: channel acls: %w", err)
	}
	if res := d.acl.Validate(act, acl.TargetChannel, acl.ActionCreate, rules); !res.Allowed {
		return Room{}, res, nil
	}

	if id, err := d.RoomIDForName(ctx, channelID, roomName); err == nil && id != "" {
		return Room{}, denied(fmt.Sprintf("a room with name [%s] already exists", roomName)), nil
	}

	if len(owners) == 0 {
		owners = []string{act.Actor.ID}
	}
	room := Room{
		ID:        uuid.New().String(),
		Name:      roomName,
		ChannelID: channelID,
		Private:   private,
		Owners:    owners,
	}
	if err := d.store.CreateRoom(ctx, room); err != nil {
		return Room{}, acl.Result{}, fmt.Errorf("directory: create room: %w", err)
	}
	d.refresh("room exists", d.cache.SetRoomExists(ctx, channelID, room.ID, room.Name))
	d.refresh("room id for name", d.cache.SetRoomIDForName(ctx, channelID, room.Name, room.ID))
	log.Printf("[directory] created room=%s name=%q channel=%s private=%v", room.ID, room.Name, channelID, private)
	return room, acl.Result{Allowed: true}, nil
}

// CanDeleteMessage reports whether userID may delete messages in a room:
// room owners, moderators, channel owners, channel admins and super users.
func (d *Directory) CanDeleteMessage(ctx context.Context, roomID, userID string) (bool, error) {
	return d.canModerate(ctx, roomID, userID, true)
}

func (d *Directory) canModerate(ctx context.Context, roomID, userID string, includeModerators bool) (bool, error) {
	channelID, err := d.ChannelForRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	checks := []func() (bool, error){
		func() (bool, error) { return d.store.IsOwner(ctx, roomID, userID) },
	}
	if includeModerators {
		checks = append(checks, func() (bool, error) { return d.store.IsModerator(ctx, roomID, userID) })
	}
	checks = append(checks,
		func() (bool, error) { return d.store.IsOwnerChannel(ctx, channelID, userID) },
		func() (bool, error) { return d.store.IsAdmin(ctx, channelID, userID) },
		func() (bool, error) { return d.store.IsSuperUser(ctx, userID) },
	)
	for _, check := range checks {
		ok, err := check()
		if err != nil {
			return false, fmt.Errorf("directory: role check: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Kick removes kickedID from a room on behalf of the actor of act. The
// actor must hold a moderating role and pass the room's kick rules.
func (d *Directory) Kick(ctx context.Context, act activity.Activity, roomID, kickedID string) (acl.Result, error) {
	ok, err := d.CanDeleteMessage(ctx, roomID, act.Actor.ID)
	if err != nil {
		return acl.Result{}, err
	}
	if !ok {
		return denied("only owners, moderators and admins can kick"), nil
	}
	res, err := d.Authorize(ctx, act, roomID, acl.ActionKick)
	if err != nil || !res.Allowed {
		return res, err
	}

	unlock := d.locks.lock(roomID, kickedID)
	defer unlock()
	if err := d.leaveLocked(ctx, roomID, kickedID); err != nil {
		return acl.Result{}, err
	}
	log.Printf("[directory] user=%s kicked user=%s from room=%s", act.Actor.ID, kickedID, roomID)
	return res, nil
}

// SetACL replaces the rules of one action on a room or channel.
func (d *Directory) SetACL(ctx context.Context, act activity.Activity, target acl.Target, id string, action acl.Action, raw map[string]string) (acl.Result, error) {
	rules, err := d.acl.ParseRuleSet(raw)
	if err != nil {
		return acl.Result{}, err
	}

	switch target {
	case acl.TargetRoom:
		ok, err := d.canModerate(ctx, id, act.Actor.ID, false)
		if err != nil {
			return acl.Result{}, err
		}
		if !ok {
			return denied("only owners and admins can change room rules"), nil
		}
		res, err := d.Authorize(ctx, act, id, acl.ActionSetACL)
		if err != nil || !res.Allowed {
			return res, err
		}
		if err := d.store.SetRoomACL(ctx, id, action, rules); err != nil {
			return acl.Result{}, fmt.Errorf("directory: set room acl: %w", err)
		}

	case acl.TargetChannel:
		ok, err := d.channelAdmin(ctx, id, act.Actor.ID)
		if err != nil {
			return acl.Result{}, err
		}
		if !ok {
			return denied("only channel owners and admins can change channel rules"), nil
		}
		current, err := d.store.ChannelACLs(ctx, id, acl.ActionSetACL)
		if err != nil {
			return acl.Result{}, fmt.Errorf("directory: channel acls: %w", err)
		}
		if res := d.acl.Validate(act, acl.TargetChannel, acl.ActionSetACL, current); !res.Allowed {
			return res, nil
		}
		if err := d.store.SetChannelACL(ctx, id, action, rules); err != nil {
			return acl.Result{}, fmt.Errorf("directory: set channel acl: %w", err)
		}

	default:
		return acl.Result{}, chaterr.Validationf("unknown acl target [%s]", target)
	}
	return acl.Result{Allowed: true}, nil
}

func (d *Directory) channelAdmin(ctx context.Context, channelID, userID string) (bool, error) {
	for _, check := range []func() (bool, error){
		func() (bool, error) { return d.store.IsOwnerChannel(ctx, channelID, userID) },
		func() (bool, error) { return d.store.IsAdmin(ctx, channelID, userID) },
		func() (bool, error) { return d.store.IsSuperUser(ctx, userID) },
	} {
		ok, err := check()
		if err != nil {
			return false, fmt.Errorf("directory: role check: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// UpdateLastReads stamps the last-read time of every member currently
// reachable. Offline, unknown and unavailable members keep their mark.
func (d *Directory) UpdateLastReads(ctx context.Context, roomID string) error {
	members, err := d.Members(ctx, roomID)
	if err != nil {
		return err
	}
	at := d.now().UTC()
	for userID := range members {
		if !d.presence.Status(ctx, userID).IsReachable() {
			continue
		}
		if err := d.store.UpdateLastRead(ctx, roomID, userID, at); err != nil {
			log.Printf("[directory] update last read room=%s user=%s: %v", roomID, userID, err)
		}
	}
	return nil
}

// LastRead returns when userID last read roomID.
func (d *Directory) LastRead(ctx context.Context, roomID, userID string) (time.Time, error) {
	return d.store.LastRead(ctx, roomID, userID)
}
