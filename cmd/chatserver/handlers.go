package main

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/ban"
	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/delivery"
	"github.com/gridchat/chat-server/internal/directory"
	"github.com/gridchat/chat-server/internal/presence"
	"github.com/gridchat/chat-server/internal/protocol"
	"github.com/gridchat/chat-server/internal/router"
	"github.com/gridchat/chat-server/internal/ws"
)

// requestTimeout bounds the work done for one client frame.
const requestTimeout = 5 * time.Second

// app holds the components the WebSocket handlers drive.
type app struct {
	dir        *directory.Directory
	router     *router.Router
	hub        *ws.Hub
	conns      *ws.ConnectionManager
	bans       *ban.Manager
	presence   *presence.Tracker
	deliveries *delivery.Tracker
	engine     *acl.Engine
}

// reply is the gn_<type> answer to one request.
type reply struct {
	code int
	data interface{}
	err  string
}

func ok(data interface{}) reply {
	return reply{code: protocol.StatusOK, data: data}
}

func deny(reason string) reply {
	return reply{code: protocol.StatusForbidden, err: reason}
}

// fail maps an error onto a status code. Internal errors are not shown to
// the client.
func fail(err error) reply {
	switch {
	case errors.Is(err, chaterr.ErrValidation):
		return reply{code: protocol.StatusBadRequest, err: err.Error()}
	case errors.Is(err, chaterr.ErrNotFound):
		return reply{code: protocol.StatusNotFound, err: err.Error()}
	default:
		return reply{code: protocol.StatusServerError, err: "internal server error"}
	}
}

// register wires every request type into the dispatcher.
func (a *app) register(d *ws.MessageDispatcher) {
	handle := func(msgType string, fn func(ctx context.Context, conn *ws.Connection, msg interface{}) reply) {
		d.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			r := fn(ctx, conn, msg)
			if r.code >= protocol.StatusServerError {
				log.Printf("[%s] user=%s conn=%s failed", msgType, conn.UserID, conn.ID)
			}
			ws.Respond(conn, msgType, r.code, r.data, r.err)
		})
	}

	handle(protocol.TypeMessage, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.message(ctx, c, m.(*protocol.ChatMsg))
	})
	handle(protocol.TypeJoin, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.join(ctx, c, m.(*protocol.JoinMsg))
	})
	handle(protocol.TypeLeave, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.leave(ctx, c, m.(*protocol.LeaveMsg))
	})
	handle(protocol.TypeCreate, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.create(ctx, c, m.(*protocol.CreateMsg))
	})
	handle(protocol.TypeKick, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.kick(ctx, c, m.(*protocol.KickMsg))
	})
	handle(protocol.TypeReceived, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.received(ctx, c, m.(*protocol.ReceivedMsg))
	})
	handle(protocol.TypeDelete, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.delete(ctx, c, m.(*protocol.DeleteMsg))
	})
	handle(protocol.TypeHistory, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.history(ctx, c, m.(*protocol.HistoryMsg))
	})
	handle(protocol.TypeSetACL, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.setACL(ctx, c, m.(*protocol.SetACLMsg))
	})
	handle(protocol.TypeGetACL, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.getACL(ctx, c, m.(*protocol.GetACLMsg))
	})
	handle(protocol.TypeListRooms, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.listRooms(ctx, c, m.(*protocol.ListRoomsMsg))
	})
	handle(protocol.TypeUsersInRoom, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.usersInRoom(ctx, c, m.(*protocol.UsersInRoomMsg))
	})
	handle(protocol.TypeStatus, func(ctx context.Context, c *ws.Connection, m interface{}) reply {
		return a.status(ctx, c, m.(*protocol.StatusMsg))
	})
}

// actor is the sender of every activity built for conn.
func actor(conn *ws.Connection) activity.Actor {
	return activity.Actor{ID: conn.UserID, DisplayName: conn.UserName, Attributes: conn.Attributes}
}

func request(conn *ws.Connection, verb, roomID string) activity.Activity {
	return activity.New(verb, actor(conn), activity.Target{ID: roomID}, activity.Object{})
}

// announce emits act to a room and publishes it. Both are best effort.
func (a *app) announce(ctx context.Context, act activity.Activity, roomID string) {
	if err := a.hub.Emit(ctx, act.Verb, act, roomID, true); err != nil {
		log.Printf("[%s] emit room=%s: %v", act.Verb, roomID, err)
	}
	if err := a.hub.Publish(ctx, act, true); err != nil {
		log.Printf("[%s] publish room=%s: %v", act.Verb, roomID, err)
	}
}

// visibleMembers returns the members of a room hiding invisible users other
// than the asker.
func (a *app) visibleMembers(ctx context.Context, roomID, askerID string) (map[string]string, error) {
	members, err := a.dir.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(members))
	for userID, name := range members {
		if userID != askerID && a.presence.IsInvisible(ctx, userID) {
			continue
		}
		out[userID] = name
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (a *app) message(ctx context.Context, conn *ws.Connection, m *protocol.ChatMsg) reply {
	act := request(conn, activity.VerbSend, m.RoomID)
	act.Actor.URL = m.FromRoom
	act.Object.Content = m.Text

	out, err := a.router.Send(ctx, act)
	if err != nil {
		return fail(err)
	}
	if !out.Allowed {
		return deny(out.Reason)
	}
	if err := out.Err(); err != nil {
		log.Printf("[message] user=%s room=%s: %v", conn.UserID, m.RoomID, err)
	}
	switch {
	case out.Blacklisted:
		return ok(map[string]interface{}{"id": act.ID, "blacklisted": out.Word})
	case out.Spam && !out.Stored:
		return ok(map[string]interface{}{"id": act.ID, "spam": true})
	case !out.Stored:
		return reply{code: protocol.StatusServerError, err: "message could not be stored"}
	}
	return ok(map[string]interface{}{"id": act.ID, "room_id": m.RoomID})
}

func (a *app) received(ctx context.Context, conn *ws.Connection, m *protocol.ReceivedMsg) reply {
	act := request(conn, activity.VerbReceived, m.RoomID)
	for _, id := range m.MessageIDs {
		act.Object.Attachments = append(act.Object.Attachments, activity.Attachment{ObjectType: "message_id", Content: id})
	}
	if err := a.router.Ack(ctx, act); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (a *app) delete(ctx context.Context, conn *ws.Connection, m *protocol.DeleteMsg) reply {
	res, err := a.router.Delete(ctx, request(conn, activity.VerbDelete, m.RoomID), m.MessageID)
	if err != nil {
		return fail(err)
	}
	if !res.Allowed {
		return deny(res.Reason)
	}
	return ok(map[string]string{"message_id": m.MessageID})
}

func (a *app) history(ctx context.Context, conn *ws.Connection, m *protocol.HistoryMsg) reply {
	res, err := a.dir.Authorize(ctx, request(conn, activity.VerbJoin, m.RoomID), m.RoomID, acl.ActionHistory)
	if err != nil {
		return fail(err)
	}
	if !res.Allowed {
		return deny(res.Reason)
	}
	msgs, err := a.router.History(ctx, m.RoomID, conn.UserID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"room_id": m.RoomID, "messages": msgs})
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (a *app) join(ctx context.Context, conn *ws.Connection, m *protocol.JoinMsg) reply {
	if m.RoomID == "" {
		return fail(acl.ErrNoTargetRoom)
	}
	exists, err := a.dir.RoomExists(ctx, m.RoomID)
	if err != nil {
		return fail(err)
	}
	if !exists {
		return fail(chaterr.NotFoundf("no room found for uuid %s", m.RoomID))
	}

	banned, reason, err := a.bans.IsBanned(ctx, conn.UserID, m.RoomID)
	if err != nil {
		return fail(err)
	}
	if banned {
		return deny(reason)
	}
	res, err := a.dir.Authorize(ctx, request(conn, activity.VerbJoin, m.RoomID), m.RoomID, acl.ActionJoin)
	if err != nil {
		return fail(err)
	}
	if !res.Allowed {
		return deny(res.Reason)
	}

	if err := a.dir.Join(ctx, m.RoomID, conn.UserID, conn.UserName); err != nil {
		return fail(err)
	}
	name, _ := a.dir.RoomName(ctx, m.RoomID)
	if !a.presence.IsInvisible(ctx, conn.UserID) {
		a.announce(ctx, activity.ForJoin(conn.UserID, conn.UserName, m.RoomID, name), m.RoomID)
	}

	members, err := a.visibleMembers(ctx, m.RoomID, conn.UserID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"room_id": m.RoomID, "room_name": name, "users": members})
}

func (a *app) leave(ctx context.Context, conn *ws.Connection, m *protocol.LeaveMsg) reply {
	if m.RoomID == "" {
		return fail(acl.ErrNoTargetRoom)
	}
	name, _ := a.dir.RoomName(ctx, m.RoomID)
	if err := a.dir.Leave(ctx, m.RoomID, conn.UserID); err != nil {
		return fail(err)
	}
	if !a.presence.IsInvisible(ctx, conn.UserID) {
		a.announce(ctx, activity.ForLeave(conn.UserID, conn.UserName, m.RoomID, name), m.RoomID)
	}
	return ok(map[string]string{"room_id": m.RoomID})
}

func (a *app) create(ctx context.Context, conn *ws.Connection, m *protocol.CreateMsg) reply {
	act := activity.New(activity.VerbCreate, actor(conn),
		activity.Target{ID: m.ChannelID, ObjectType: activity.TypeChannel},
		activity.Object{Content: m.RoomName})
	room, res, err := a.dir.CreateRoom(ctx, act, m.ChannelID, m.RoomName, m.Private, m.Owners)
	if err != nil {
		return fail(err)
	}
	if !res.Allowed {
		return deny(res.Reason)
	}

	created := act.WithTarget(activity.Target{ID: room.ID, DisplayName: room.Name, ObjectType: activity.TypeRoom})
	if err := a.hub.Publish(ctx, created, true); err != nil {
		log.Printf("[create] publish room=%s: %v", room.ID, err)
	}
	return ok(map[string]interface{}{
		"room_id":    room.ID,
		"room_name":  room.Name,
		"channel_id": room.ChannelID,
		"private":    room.Private,
	})
}

func (a *app) kick(ctx context.Context, conn *ws.Connection, m *protocol.KickMsg) reply {
	if m.UserID == "" {
		return fail(chaterr.Validationf("no user to kick"))
	}
	res, err := a.dir.Kick(ctx, request(conn, activity.VerbKick, m.RoomID), m.RoomID, m.UserID)
	if err != nil {
		return fail(err)
	}
	if !res.Allowed {
		return deny(res.Reason)
	}

	roomName, _ := a.dir.RoomName(ctx, m.RoomID)
	act := activity.ForKick(conn.UserID, conn.UserName, m.UserID, a.dir.UserName(ctx, m.UserID), m.RoomID, roomName)
	a.announce(ctx, act, m.RoomID)
	// The kicked user is no longer subscribed to the room.
	if err := a.hub.Emit(ctx, act.Verb, act, m.UserID, false); err != nil {
		log.Printf("[kick] notify user=%s: %v", m.UserID, err)
	}
	return ok(map[string]string{"room_id": m.RoomID, "user_id": m.UserID})
}

func (a *app) listRooms(ctx context.Context, conn *ws.Connection, m *protocol.ListRoomsMsg) reply {
	if m.ChannelID == "" {
		return fail(acl.ErrNoTargetChannel)
	}
	rules, err := a.dir.ChannelACLs(ctx, m.ChannelID, acl.ActionList)
	if err != nil {
		return fail(err)
	}
	act := activity.New(activity.VerbJoin, actor(conn),
		activity.Target{ID: m.ChannelID, ObjectType: activity.TypeChannel}, activity.Object{})
	if res := a.engine.Validate(act, acl.TargetChannel, acl.ActionList, rules); !res.Allowed {
		return deny(res.Reason)
	}

	rooms, err := a.dir.RoomsForChannel(ctx, m.ChannelID)
	if err != nil {
		return fail(err)
	}
	type entry struct {
		ID   string `json:"room_id"`
		Name string `json:"room_name"`
	}
	out := make([]entry, 0, len(rooms))
	for id, name := range rooms {
		out = append(out, entry{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return ok(map[string]interface{}{"channel_id": m.ChannelID, "rooms": out})
}

func (a *app) usersInRoom(ctx context.Context, conn *ws.Connection, m *protocol.UsersInRoomMsg) reply {
	if m.RoomID == "" {
		return fail(acl.ErrNoTargetRoom)
	}
	members, err := a.visibleMembers(ctx, m.RoomID, conn.UserID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"room_id": m.RoomID, "users": members})
}

// ---------------------------------------------------------------------------
// ACLs
// ---------------------------------------------------------------------------

func (a *app) setACL(ctx context.Context, conn *ws.Connection, m *protocol.SetACLMsg) reply {
	act := request(conn, activity.VerbJoin, m.ID)
	res, err := a.dir.SetACL(ctx, act, acl.Target(m.Target), m.ID, acl.Action(m.Action), m.Rules)
	if err != nil {
		return fail(err)
	}
	if !res.Allowed {
		return deny(res.Reason)
	}
	return ok(nil)
}

func (a *app) getACL(ctx context.Context, _ *ws.Connection, m *protocol.GetACLMsg) reply {
	acls, err := a.dir.ACLs(ctx, acl.Target(m.Target), m.ID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"target": m.Target, "id": m.ID, "acl": acls})
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func (a *app) status(ctx context.Context, conn *ws.Connection, m *protocol.StatusMsg) reply {
	st := presence.ParseStatus(m.Status)
	switch st {
	case presence.Online, presence.Offline, presence.Invisible:
	default:
		return fail(chaterr.Validationf("unknown status [%s]", m.Status))
	}
	if err := a.presence.Set(ctx, conn.UserID, st); err != nil {
		return fail(err)
	}

	act := activity.ForConnect(conn.UserID, conn.UserName)
	if st != presence.Online {
		act = activity.ForDisconnect(conn.UserID, conn.UserName)
	}
	if err := a.hub.Publish(ctx, act, true); err != nil {
		log.Printf("[status] publish user=%s: %v", conn.UserID, err)
	}
	return ok(map[string]string{"status": string(st)})
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// connect registers the user and marks them online. An invisible user
// stays invisible across reconnects.
func (a *app) connect(conn *ws.Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := a.dir.Login(ctx, conn.UserID, conn.UserName); err != nil {
		return err
	}
	if !a.presence.IsInvisible(ctx, conn.UserID) {
		if err := a.presence.SetOnline(ctx, conn.UserID); err != nil {
			log.Printf("[connect] presence user=%s: %v", conn.UserID, err)
		}
		if err := a.hub.Publish(ctx, activity.ForConnect(conn.UserID, conn.UserName), true); err != nil {
			log.Printf("[connect] publish user=%s: %v", conn.UserID, err)
		}
	}

	return nil
}

// ready tells a freshly connected client about unacknowledged private
// messages.
func (a *app) ready(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	records, err := a.deliveries.Unacked(ctx, conn.UserID)
	if err != nil {
		log.Printf("[connect] unacked user=%s: %v", conn.UserID, err)
		return
	}
	if len(records) == 0 {
		return
	}
	rooms := make(map[string][]string)
	for _, rec := range records {
		rooms[rec.RoomID] = append(rooms[rec.RoomID], rec.MessageID)
	}
	frame, err := protocol.NewServerMessage(protocol.TypeUnacked, protocol.UnackedMsg{Rooms: rooms})
	if err != nil {
		log.Printf("[connect] build unacked frame: %v", err)
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("[connect] unacked user=%s conn=%s: %v", conn.UserID, conn.ID, err)
	}
}

// disconnect releases the rooms of a user whose last connection closed.
func (a *app) disconnect(conn *ws.Connection) {
	if len(a.conns.ForUser(conn.UserID)) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	invisible := a.presence.IsInvisible(ctx, conn.UserID)
	for _, roomID := range a.hub.RoomsOf(conn.UserID) {
		name, _ := a.dir.RoomName(ctx, roomID)
		if err := a.dir.Leave(ctx, roomID, conn.UserID); err != nil {
			log.Printf("[disconnect] leave room=%s user=%s: %v", roomID, conn.UserID, err)
			continue
		}
		if !invisible {
			a.announce(ctx, activity.ForLeave(conn.UserID, conn.UserName, roomID, name), roomID)
		}
	}
	a.hub.Forget(conn.UserID)

	if invisible {
		return
	}
	if err := a.presence.SetOffline(ctx, conn.UserID); err != nil {
		log.Printf("[disconnect] presence user=%s: %v", conn.UserID, err)
	}
	if err := a.hub.Publish(ctx, activity.ForDisconnect(conn.UserID, conn.UserName), true); err != nil {
		log.Printf("[disconnect] publish user=%s: %v", conn.UserID, err)
	}
}
