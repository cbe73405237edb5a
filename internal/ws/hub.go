package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/messaging"
	"github.com/gridchat/chat-server/internal/metrics"
	"github.com/gridchat/chat-server/internal/protocol"
)

// Bus carries emits between server nodes and internal activities to other
// services. messaging.NATSClient implements it.
type Bus interface {
	PublishEmit(env messaging.Envelope) error
	SubscribeEmits(handler func(env messaging.Envelope)) error
	PublishActivity(external bool, data []byte) error
}

// ExternalSink receives the external activity stream.
// messaging.KafkaPublisher implements it.
type ExternalSink interface {
	Publish(key string, data []byte) error
}

// Hub tracks which local users are subscribed to which rooms and delivers
// emits to their connections. Every user is implicitly subscribed to the
// room named by their user ID. With a Bus, emits go through the bus so that
// every node (this one included) delivers to its own connections.
type Hub struct {
	node  string
	conns *ConnectionManager
	bus   Bus
	sink  ExternalSink

	mu        sync.RWMutex
	rooms     map[string]map[string]struct{} // room_id -> user_ids
	userRooms map[string]map[string]struct{} // user_id -> room_ids
}

// NewHub creates a Hub delivering to conns. bus and sink may be nil.
func NewHub(node string, conns *ConnectionManager, bus Bus, sink ExternalSink) *Hub {
	return &Hub{
		node:      node,
		conns:     conns,
		bus:       bus,
		sink:      sink,
		rooms:     make(map[string]map[string]struct{}),
		userRooms: make(map[string]map[string]struct{}),
	}
}

// Start subscribes to emits from other nodes.
func (h *Hub) Start() error {
	if h.bus == nil {
		return nil
	}
	if err := h.bus.SubscribeEmits(h.deliver); err != nil {
		return fmt.Errorf("ws: hub subscribe: %w", err)
	}
	log.Printf("[hub] node=%s subscribed to %s", h.node, messaging.SubjectEmit)
	return nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// JoinRoom subscribes userID to roomID on this node.
func (h *Hub) JoinRoom(_ context.Context, userID, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	if _, ok := h.rooms[roomID][userID]; ok {
		return nil
	}
	h.rooms[roomID][userID] = struct{}{}
	if h.userRooms[userID] == nil {
		h.userRooms[userID] = make(map[string]struct{})
	}
	h.userRooms[userID][roomID] = struct{}{}
	metrics.RoomSubscriptions.Inc()
	return nil
}

// LeaveRoom removes userID's subscription to roomID.
func (h *Hub) LeaveRoom(_ context.Context, userID, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(userID, roomID)
	return nil
}

func (h *Hub) leaveLocked(userID, roomID string) {
	users, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := users[userID]; !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(h.rooms, roomID)
	}
	delete(h.userRooms[userID], roomID)
	if len(h.userRooms[userID]) == 0 {
		delete(h.userRooms, userID)
	}
	metrics.RoomSubscriptions.Dec()
}

// RoomsOf returns the rooms userID is subscribed to on this node, sorted.
func (h *Hub) RoomsOf(userID string) []string {
	h.mu.RLock()
	rooms := make([]string, 0, len(h.userRooms[userID]))
	for roomID := range h.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	h.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Forget drops every subscription of userID.
func (h *Hub) Forget(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.userRooms[userID] {
		h.leaveLocked(userID, roomID)
	}
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// Emit sends act as event to every connection subscribed to room. room may
// be a user ID for personal delivery.
func (h *Hub) Emit(ctx context.Context, event string, act activity.Activity, room string, broadcast bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := act.Marshal()
	if err != nil {
		return err
	}
	env := messaging.Envelope{
		Event:     event,
		Room:      room,
		Broadcast: broadcast,
		Origin:    h.node,
		Payload:   payload,
	}
	if h.bus == nil {
		h.deliver(env)
		return nil
	}
	if err := h.bus.PublishEmit(env); err != nil {
		metrics.PublishFailures.WithLabelValues("nats").Inc()
		return fmt.Errorf("ws: emit to %s: %w", room, err)
	}
	return nil
}

// Publish sends act to the external stream (Kafka when configured, else the
// bus) or, when external is false, to the internal bus.
func (h *Hub) Publish(ctx context.Context, act activity.Activity, external bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := act.Marshal()
	if err != nil {
		return err
	}
	if external && h.sink != nil {
		if err := h.sink.Publish(act.Target.ID, data); err != nil {
			metrics.PublishFailures.WithLabelValues("kafka").Inc()
			return fmt.Errorf("ws: publish %s: %w", act.Verb, err)
		}
		return nil
	}
	if h.bus == nil {
		log.Printf("[hub] no bus, dropping %s activity id=%s", act.Verb, act.ID)
		return nil
	}
	if err := h.bus.PublishActivity(external, data); err != nil {
		metrics.PublishFailures.WithLabelValues("nats").Inc()
		return fmt.Errorf("ws: publish %s: %w", act.Verb, err)
	}
	return nil
}

// deliver writes env to the local connections subscribed to env.Room.
func (h *Hub) deliver(env messaging.Envelope) {
	frame, err := protocol.NewServerMessage(env.Event, json.RawMessage(env.Payload))
	if err != nil {
		log.Printf("[hub] build frame event=%s room=%s: %v", env.Event, env.Room, err)
		return
	}

	for _, c := range h.targets(env.Room) {
		if err := c.WriteMessage(frame); err != nil {
			log.Printf("[hub] write event=%s conn=%s user=%s: %v", env.Event, c.ID, c.UserID, err)
		}
	}
}

// targets resolves a room to local connections: the members' connections
// plus, when room is a user ID, that user's connections.
func (h *Hub) targets(room string) []*Connection {
	seen := make(map[string]bool)
	var out []*Connection
	add := func(conns []*Connection) {
		for _, c := range conns {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}

	add(h.conns.ForUser(room))

	h.mu.RLock()
	users := make([]string, 0, len(h.rooms[room]))
	for userID := range h.rooms[room] {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	for _, userID := range users {
		add(h.conns.ForUser(userID))
	}
	return out
}
