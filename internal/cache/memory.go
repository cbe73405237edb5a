package cache

import (
	"context"
	"sync"
)

// Memory is an in-process Cache. It is goroutine-safe and is used in tests
// and single-node deployments without Redis.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]string
	statuses map[string]string
	members  map[string]map[string]string // room_id -> user_id -> name
	versions map[string]int64             // room_id -> membership version
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]string),
		statuses: make(map[string]string),
		members:  make(map[string]map[string]string),
		versions: make(map[string]int64),
	}
}

func (m *Memory) get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key]
}

func (m *Memory) set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetUserName(_ context.Context, userID string) string {
	return m.get(keyUserName + userID)
}

func (m *Memory) SetUserName(_ context.Context, userID, userName string) error {
	return m.set(keyUserName+userID, userName)
}

func (m *Memory) GetRoomIDForName(_ context.Context, channelID, roomName string) string {
	return m.get(keyRoomForName + channelID + ":" + roomName)
}

func (m *Memory) SetRoomIDForName(_ context.Context, channelID, roomName, roomID string) error {
	return m.set(keyRoomForName+channelID+":"+roomName, roomID)
}

func (m *Memory) GetRoomExists(_ context.Context, channelID, roomID string) bool {
	return m.get(keyRoomExists+channelID+":"+roomID) != ""
}

func (m *Memory) SetRoomExists(_ context.Context, channelID, roomID, roomName string) error {
	if roomName == "" {
		roomName = roomID
	}
	m.mu.Lock()
	m.values[keyRoomExists+channelID+":"+roomID] = roomName
	m.values[keyRoomName+roomID] = roomName
	m.values[keyChannelOfRoom+roomID] = channelID
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetRoomName(_ context.Context, roomID string) string {
	return m.get(keyRoomName + roomID)
}

func (m *Memory) GetChannelExists(_ context.Context, channelID string) bool {
	return m.get(keyChannelExists+channelID) != ""
}

func (m *Memory) SetChannelExists(_ context.Context, channelID string) error {
	return m.set(keyChannelExists+channelID, "1")
}

func (m *Memory) GetChannelForRoom(_ context.Context, roomID string) string {
	return m.get(keyChannelOfRoom + roomID)
}

func (m *Memory) SetChannelForRoom(_ context.Context, channelID, roomID string) error {
	return m.set(keyChannelOfRoom+roomID, channelID)
}

func (m *Memory) GetUserStatus(_ context.Context, userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[userID]
}

func (m *Memory) setStatus(userID, status string) error {
	m.mu.Lock()
	m.statuses[userID] = status
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetUserOnline(_ context.Context, userID string) error {
	return m.setStatus(userID, StatusOnline)
}

func (m *Memory) SetUserOffline(_ context.Context, userID string) error {
	return m.setStatus(userID, StatusOffline)
}

func (m *Memory) SetUserInvisible(_ context.Context, userID string) error {
	return m.setStatus(userID, StatusInvisible)
}

func (m *Memory) GetRoomMembers(_ context.Context, roomID string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.members[roomID]
	if !ok || len(set) == 0 {
		return nil, false
	}
	out := make(map[string]string, len(set))
	for id, name := range set {
		out[id] = name
	}
	return out, true
}

func (m *Memory) RoomMembersVersion(_ context.Context, roomID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[roomID]
}

func (m *Memory) SetRoomMembers(_ context.Context, roomID string, members map[string]string, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[roomID] != version {
		return false, nil
	}
	if len(members) == 0 {
		delete(m.members, roomID)
		return true, nil
	}
	set := make(map[string]string, len(members))
	for id, name := range members {
		set[id] = name
	}
	m.members[roomID] = set
	return true, nil
}

func (m *Memory) AddRoomMember(_ context.Context, roomID, userID, userName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[roomID]++
	if set, ok := m.members[roomID]; ok {
		set[userID] = userName
	}
	return nil
}

func (m *Memory) RemoveRoomMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[roomID]++
	if set, ok := m.members[roomID]; ok {
		delete(set, userID)
	}
	return nil
}

func (m *Memory) InvalidateRoomMembers(_ context.Context, roomID string) error {
	m.mu.Lock()
	m.versions[roomID]++
	delete(m.members, roomID)
	m.mu.Unlock()
	return nil
}

var _ Cache = (*Memory)(nil)
