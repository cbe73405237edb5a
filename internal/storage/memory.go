package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/delivery"
	"github.com/gridchat/chat-server/internal/directory"
)

type memRoom struct {
	directory.Room
	members    map[string]string
	moderators map[string]bool
}

type memChannel struct {
	name   string
	owners map[string]bool
	admins map[string]bool
}

type aclKey struct {
	target acl.Target
	id     string
	action acl.Action
}

type deliveryKey struct {
	messageID string
	userID    string
}

type memMessage struct {
	act     activity.Activity
	sentAt  time.Time
	deleted bool
}

// Memory is an in-process store with the same semantics as Postgres.
type Memory struct {
	mu         sync.RWMutex
	users      map[string]string
	superUsers map[string]bool
	channels   map[string]*memChannel
	rooms      map[string]*memRoom
	acls       map[aclKey]acl.RuleSet
	messages   map[string][]*memMessage // room_id -> messages in arrival order
	messageIDs map[string]bool
	deliveries map[deliveryKey]*delivery.Record
	lastReads  map[string]time.Time // room_id + "/" + user_id
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]string),
		superUsers: make(map[string]bool),
		channels:   make(map[string]*memChannel),
		rooms:      make(map[string]*memRoom),
		acls:       make(map[aclKey]acl.RuleSet),
		messages:   make(map[string][]*memMessage),
		messageIDs: make(map[string]bool),
		deliveries: make(map[deliveryKey]*delivery.Record),
		lastReads:  make(map[string]time.Time),
	}
}

func noRoom(roomID string) error { return chaterr.NotFoundf("storage: no such room %s", roomID) }

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (m *Memory) SaveUser(_ context.Context, userID, name string) error {
	m.mu.Lock()
	m.users[userID] = name
	m.mu.Unlock()
	return nil
}

func (m *Memory) UserExists(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok, nil
}

func (m *Memory) UserName(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.users[userID]
	if !ok {
		return "", chaterr.NotFoundf("storage: no such user %s", userID)
	}
	return name, nil
}

func (m *Memory) IsSuperUser(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.superUsers[userID], nil
}

func (m *Memory) SetSuperUser(_ context.Context, userID string, super bool) error {
	m.mu.Lock()
	m.superUsers[userID] = super
	m.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Channels and rooms
// ---------------------------------------------------------------------------

func (m *Memory) ChannelExists(_ context.Context, channelID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID]
	return ok, nil
}

func (m *Memory) CreateChannel(_ context.Context, channelID, name, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; ok {
		return fail("create channel", chaterr.Validationf("channel %s exists", channelID))
	}
	ch := &memChannel{name: name, owners: make(map[string]bool), admins: make(map[string]bool)}
	if ownerID != "" {
		ch.owners[ownerID] = true
	}
	m.channels[channelID] = ch
	return nil
}

func (m *Memory) GrantChannelRole(_ context.Context, channelID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return chaterr.NotFoundf("storage: no such channel %s", channelID)
	}
	switch role {
	case "owner":
		ch.owners[userID] = true
	case "admin":
		ch.admins[userID] = true
	default:
		return chaterr.Validationf("unknown channel role %q", role)
	}
	return nil
}

func (m *Memory) GrantRoomRole(_ context.Context, roomID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return noRoom(roomID)
	}
	switch role {
	case "owner":
		r.Owners = append(r.Owners, userID)
	case "moderator":
		r.moderators[userID] = true
	default:
		return chaterr.Validationf("unknown room role %q", role)
	}
	return nil
}

func (m *Memory) room(roomID string) (*memRoom, error) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, noRoom(roomID)
	}
	return r, nil
}

func (m *Memory) RoomExists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok, nil
}

func (m *Memory) RoomName(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.room(roomID)
	if err != nil {
		return "", err
	}
	return r.Name, nil
}

func (m *Memory) RoomIDForName(_ context.Context, channelID, roomName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, r := range m.rooms {
		if r.ChannelID == channelID && r.Name == roomName {
			return id, nil
		}
	}
	return "", chaterr.NotFoundf("storage: no room named %s", roomName)
}

func (m *Memory) ChannelForRoom(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.room(roomID)
	if err != nil {
		return "", err
	}
	return r.ChannelID, nil
}

func (m *Memory) RoomsForChannel(_ context.Context, channelID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for id, r := range m.rooms {
		if r.ChannelID == channelID {
			out[id] = r.Name
		}
	}
	return out, nil
}

func (m *Memory) IsRoomPrivate(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.room(roomID)
	if err != nil {
		return false, err
	}
	return r.Private, nil
}

func (m *Memory) CreateRoom(_ context.Context, room directory.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[room.ChannelID]; !ok {
		return fail("create room", chaterr.NotFoundf("no such channel %s", room.ChannelID))
	}
	if _, ok := m.rooms[room.ID]; ok {
		return fail("create room", chaterr.Validationf("room %s exists", room.ID))
	}
	room.Owners = append([]string(nil), room.Owners...)
	m.rooms[room.ID] = &memRoom{Room: room, members: make(map[string]string), moderators: make(map[string]bool)}
	return nil
}

// ---------------------------------------------------------------------------
// Membership and roles
// ---------------------------------------------------------------------------

func (m *Memory) UsersInRoom(_ context.Context, roomID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(r.members))
	for id, name := range r.members {
		out[id] = name
	}
	return out, nil
}

func (m *Memory) AddMember(_ context.Context, roomID, userID, userName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.room(roomID)
	if err != nil {
		return false, err
	}
	_, existed := r.members[userID]
	r.members[userID] = userName
	return !existed, nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.room(roomID)
	if err != nil {
		return false, err
	}
	_, existed := r.members[userID]
	delete(r.members, userID)
	return existed, nil
}

func (m *Memory) named(ids map[string]bool) map[string]string {
	out := make(map[string]string, len(ids))
	for id := range ids {
		name, ok := m.users[id]
		if !ok {
			name = id
		}
		out[id] = name
	}
	return out
}

func (m *Memory) RoomOwners(_ context.Context, roomID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(r.Owners))
	for _, id := range r.Owners {
		ids[id] = true
	}
	return m.named(ids), nil
}

func (m *Memory) AdminsInRoom(_ context.Context, roomID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}
	ch, ok := m.channels[r.ChannelID]
	if !ok {
		return map[string]string{}, nil
	}
	return m.named(ch.admins), nil
}

func (m *Memory) IsOwner(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	for _, id := range r.Owners {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) IsModerator(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return ok && r.moderators[userID], nil
}

func (m *Memory) IsOwnerChannel(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	return ok && ch.owners[userID], nil
}

func (m *Memory) IsAdmin(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	return ok && ch.admins[userID], nil
}

// ---------------------------------------------------------------------------
// ACL rules
// ---------------------------------------------------------------------------

func (m *Memory) getACL(target acl.Target, id string, action acl.Action) acl.RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acls[aclKey{target, id, action}].Clone()
}

func (m *Memory) allACLs(target acl.Target, id string) map[acl.Action]acl.RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[acl.Action]acl.RuleSet)
	for k, rules := range m.acls {
		if k.target == target && k.id == id && len(rules) > 0 {
			out[k.action] = rules.Clone()
		}
	}
	return out
}

func (m *Memory) setACL(target acl.Target, id string, action acl.Action, rules acl.RuleSet) error {
	m.mu.Lock()
	m.acls[aclKey{target, id, action}] = rules.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) RoomACLs(_ context.Context, roomID string, action acl.Action) (acl.RuleSet, error) {
	return m.getACL(acl.TargetRoom, roomID, action), nil
}

func (m *Memory) ChannelACLs(_ context.Context, channelID string, action acl.Action) (acl.RuleSet, error) {
	return m.getACL(acl.TargetChannel, channelID, action), nil
}

func (m *Memory) AllRoomACLs(_ context.Context, roomID string) (map[acl.Action]acl.RuleSet, error) {
	return m.allACLs(acl.TargetRoom, roomID), nil
}

func (m *Memory) AllChannelACLs(_ context.Context, channelID string) (map[acl.Action]acl.RuleSet, error) {
	return m.allACLs(acl.TargetChannel, channelID), nil
}

func (m *Memory) SetRoomACL(_ context.Context, roomID string, action acl.Action, rules acl.RuleSet) error {
	return m.setACL(acl.TargetRoom, roomID, action, rules)
}

func (m *Memory) SetChannelACL(_ context.Context, channelID string, action acl.Action, rules acl.RuleSet) error {
	return m.setACL(acl.TargetChannel, channelID, action, rules)
}

// ---------------------------------------------------------------------------
// Last reads
// ---------------------------------------------------------------------------

func (m *Memory) UpdateLastRead(_ context.Context, roomID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomID + "/" + userID
	if at.After(m.lastReads[key]) {
		m.lastReads[key] = at.UTC()
	}
	return nil
}

func (m *Memory) LastRead(_ context.Context, roomID, userID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReads[roomID+"/"+userID], nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (m *Memory) StoreMessage(_ context.Context, act activity.Activity) error {
	sentAt, err := time.Parse(time.RFC3339, act.Published)
	if err != nil {
		sentAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messageIDs[act.ID] {
		return nil
	}
	m.messageIDs[act.ID] = true
	m.messages[act.Target.ID] = append(m.messages[act.Target.ID], &memMessage{act: act.Clone(), sentAt: sentAt})
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, roomID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[roomID] {
		if msg.act.ID == messageID {
			msg.deleted = true
			return nil
		}
	}
	return chaterr.NotFoundf("storage: no message %s in room %s", messageID, roomID)
}

func (m *Memory) visible(roomID string, keep func(*memMessage) bool) []*memMessage {
	var out []*memMessage
	for _, msg := range m.messages[roomID] {
		if !msg.deleted && keep(msg) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].sentAt.Before(out[j].sentAt) })
	return out
}

func activities(msgs []*memMessage) []activity.Activity {
	out := make([]activity.Activity, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.act.Clone())
	}
	return out
}

func (m *Memory) History(_ context.Context, roomID string, limit int) ([]activity.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.visible(roomID, func(*memMessage) bool { return true })
	if limit >= 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return activities(msgs), nil
}

func (m *Memory) UnreadHistory(_ context.Context, roomID string, since time.Time, limit int) ([]activity.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.visible(roomID, func(msg *memMessage) bool { return msg.sentAt.After(since) })
	if limit >= 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return activities(msgs), nil
}

// ---------------------------------------------------------------------------
// Delivery records
// ---------------------------------------------------------------------------

func (m *Memory) MarkAsUnacked(_ context.Context, messageIDs []string, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range messageIDs {
		key := deliveryKey{id, userID}
		if _, ok := m.deliveries[key]; ok {
			continue
		}
		m.deliveries[key] = &delivery.Record{MessageID: id, UserID: userID, RoomID: roomID, State: delivery.Unacked}
	}
	return nil
}

func (m *Memory) MarkAsRead(_ context.Context, messageIDs []string, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range messageIDs {
		if r, ok := m.deliveries[deliveryKey{id, userID}]; ok && r.RoomID == roomID {
			r.State = delivery.Read
		}
	}
	return nil
}

func (m *Memory) Unacked(_ context.Context, userID string) ([]delivery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []delivery.Record
	for _, r := range m.deliveries {
		if r.UserID == userID && r.State == delivery.Unacked {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (m *Memory) DeliveryState(_ context.Context, messageID, userID string) (delivery.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.deliveries[deliveryKey{messageID, userID}]
	if !ok {
		return "", chaterr.NotFoundf("storage: no delivery of %s to %s", messageID, userID)
	}
	return r.State, nil
}

var (
	_ directory.Store = (*Memory)(nil)
	_ delivery.Store  = (*Memory)(nil)
)
