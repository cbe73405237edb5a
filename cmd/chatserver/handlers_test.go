package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/ban"
	"github.com/gridchat/chat-server/internal/cache"
	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/delivery"
	"github.com/gridchat/chat-server/internal/directory"
	"github.com/gridchat/chat-server/internal/moderation"
	"github.com/gridchat/chat-server/internal/presence"
	"github.com/gridchat/chat-server/internal/protocol"
	"github.com/gridchat/chat-server/internal/router"
	"github.com/gridchat/chat-server/internal/storage"
	"github.com/gridchat/chat-server/internal/ws"
)

type banStore struct {
	mu   sync.Mutex
	bans map[string]string
}

func (s *banStore) key(userID string, t ban.Type, targetID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, t, targetID)
}

func (s *banStore) Scopes(_ context.Context, userID, channelID, roomID string) (ban.Scopes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ban.Scopes{
		Global:  s.bans[s.key(userID, ban.Global, "")],
		Channel: s.bans[s.key(userID, ban.Channel, channelID)],
		Room:    s.bans[s.key(userID, ban.Room, roomID)],
	}, nil
}

func (s *banStore) Set(_ context.Context, userID string, t ban.Type, targetID, expiry string) error {
	s.mu.Lock()
	s.bans[s.key(userID, t, targetID)] = expiry
	s.mu.Unlock()
	return nil
}

func (s *banStore) Delete(_ context.Context, userID string, t ban.Type, targetID string) error {
	s.mu.Lock()
	delete(s.bans, s.key(userID, t, targetID))
	s.mu.Unlock()
	return nil
}

// fixture is a single-node server without sockets: channel c1 owned by
// "owner" with public room "lobby".
type fixture struct {
	app   *app
	store *storage.Memory
	lobby string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	c := cache.NewMemory()
	conns := ws.NewConnectionManager()
	hub := ws.NewHub("test", conns, nil, nil)
	tracker := presence.NewTracker(c)
	engine := acl.NewEngine(store)
	dir := directory.New(store, c, hub, engine, tracker)
	bans := ban.NewManager(&banStore{bans: make(map[string]string)}, dir)
	deliveries := delivery.NewTracker(store, dir, true)

	a := &app{
		dir:        dir,
		hub:        hub,
		conns:      conns,
		bans:       bans,
		presence:   tracker,
		deliveries: deliveries,
		engine:     engine,
		router: router.New(router.Deps{
			Store:      store,
			Transport:  hub,
			Rooms:      dir,
			Bans:       bans,
			CrossRoom:  engine,
			Presence:   tracker,
			Deliveries: deliveries,
			Blacklist:  moderation.NewFilter([]string{"badword"}),
		}, router.DefaultConfig()),
	}

	for _, u := range []string{"owner", "alice", "bob"} {
		if err := a.connect(conn(u)); err != nil {
			t.Fatalf("connect %s: %v", u, err)
		}
	}
	if err := dir.CreateChannel(ctx, "c1", "main", "owner"); err != nil {
		t.Fatal(err)
	}
	create := a.create(ctx, conn("owner"), &protocol.CreateMsg{ChannelID: "c1", RoomName: "lobby"})
	if create.code != protocol.StatusOK {
		t.Fatalf("create lobby: %+v", create)
	}
	lobby := create.data.(map[string]interface{})["room_id"].(string)
	return &fixture{app: a, store: store, lobby: lobby}
}

func conn(userID string) *ws.Connection {
	return &ws.Connection{ID: "conn-" + userID, UserID: userID, UserName: userID, Attributes: map[string]string{}}
}

func TestFailStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", chaterr.Validationf("bad"), protocol.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("op: %w", acl.ErrNoTargetRoom), protocol.StatusBadRequest},
		{"not found", chaterr.NotFoundf("no room"), protocol.StatusNotFound},
		{"internal", errors.New("connection reset"), protocol.StatusServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := fail(tt.err)
			if r.code != tt.want {
				t.Errorf("code = %d, want %d", r.code, tt.want)
			}
			if tt.want == protocol.StatusServerError && r.err == tt.err.Error() {
				t.Error("internal error text leaked to the client")
			}
		})
	}
}

func TestJoinMessageHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.app.join(ctx, conn("alice"), &protocol.JoinMsg{RoomID: f.lobby})
	if r.code != protocol.StatusOK {
		t.Fatalf("join: %+v", r)
	}
	users := r.data.(map[string]interface{})["users"].(map[string]string)
	if _, ok := users["alice"]; !ok {
		t.Errorf("join users = %v, want alice listed", users)
	}
	if rooms := f.app.hub.RoomsOf("alice"); len(rooms) != 1 || rooms[0] != f.lobby {
		t.Errorf("hub rooms = %v", rooms)
	}

	r = f.app.message(ctx, conn("alice"), &protocol.ChatMsg{RoomID: f.lobby, Text: "hello"})
	if r.code != protocol.StatusOK {
		t.Fatalf("message: %+v", r)
	}

	r = f.app.message(ctx, conn("alice"), &protocol.ChatMsg{RoomID: f.lobby, Text: "such a badword"})
	if r.code != protocol.StatusOK || r.data.(map[string]interface{})["blacklisted"] != "badword" {
		t.Fatalf("blacklisted message: %+v", r)
	}

	r = f.app.history(ctx, conn("alice"), &protocol.HistoryMsg{RoomID: f.lobby})
	if r.code != protocol.StatusOK {
		t.Fatalf("history: %+v", r)
	}
	msgs := r.data.(map[string]interface{})["messages"].([]activity.Activity)
	if len(msgs) != 1 || msgs[0].Object.Content != "hello" {
		t.Errorf("history = %+v, want only the stored message", msgs)
	}
}

func TestJoinErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if r := f.app.join(ctx, conn("alice"), &protocol.JoinMsg{}); r.code != protocol.StatusBadRequest {
		t.Errorf("empty room: code = %d, want 400", r.code)
	}
	if r := f.app.join(ctx, conn("alice"), &protocol.JoinMsg{RoomID: "nope"}); r.code != protocol.StatusNotFound {
		t.Errorf("unknown room: code = %d, want 404", r.code)
	}

	if _, err := f.app.bans.Ban(ctx, "bob", f.lobby, "room", "1h"); err != nil {
		t.Fatal(err)
	}
	r := f.app.join(ctx, conn("bob"), &protocol.JoinMsg{RoomID: f.lobby})
	if r.code != protocol.StatusForbidden {
		t.Errorf("banned: code = %d, want 403", r.code)
	}

	if err := f.store.SetRoomACL(ctx, f.lobby, acl.ActionJoin, acl.RuleSet{acl.Gender: "f"}); err != nil {
		t.Fatal(err)
	}
	r = f.app.join(ctx, conn("alice"), &protocol.JoinMsg{RoomID: f.lobby})
	if r.code != protocol.StatusForbidden || r.err == "" {
		t.Errorf("acl: %+v, want 403 with a reason", r)
	}
}

func TestKickRequiresModerator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.app.join(ctx, conn("alice"), &protocol.JoinMsg{RoomID: f.lobby})
	f.app.join(ctx, conn("bob"), &protocol.JoinMsg{RoomID: f.lobby})

	if r := f.app.kick(ctx, conn("bob"), &protocol.KickMsg{RoomID: f.lobby, UserID: "alice"}); r.code != protocol.StatusForbidden {
		t.Errorf("kick by member: code = %d, want 403", r.code)
	}
	if r := f.app.kick(ctx, conn("owner"), &protocol.KickMsg{RoomID: f.lobby, UserID: "alice"}); r.code != protocol.StatusOK {
		t.Fatalf("kick by owner: %+v", r)
	}

	r := f.app.usersInRoom(ctx, conn("owner"), &protocol.UsersInRoomMsg{RoomID: f.lobby})
	users := r.data.(map[string]interface{})["users"].(map[string]string)
	if _, ok := users["alice"]; ok {
		t.Errorf("alice still listed after kick: %v", users)
	}
}

func TestInvisibleUsersHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.app.join(ctx, conn("alice"), &protocol.JoinMsg{RoomID: f.lobby})
	f.app.join(ctx, conn("bob"), &protocol.JoinMsg{RoomID: f.lobby})

	if r := f.app.status(ctx, conn("bob"), &protocol.StatusMsg{Status: "invisible"}); r.code != protocol.StatusOK {
		t.Fatalf("status: %+v", r)
	}
	if r := f.app.status(ctx, conn("bob"), &protocol.StatusMsg{Status: "away"}); r.code != protocol.StatusBadRequest {
		t.Errorf("unknown status: code = %d, want 400", r.code)
	}

	users := f.app.usersInRoom(ctx, conn("alice"), &protocol.UsersInRoomMsg{RoomID: f.lobby}).data.(map[string]interface{})["users"].(map[string]string)
	if _, ok := users["bob"]; ok {
		t.Error("invisible bob listed to alice")
	}
	users = f.app.usersInRoom(ctx, conn("bob"), &protocol.UsersInRoomMsg{RoomID: f.lobby}).data.(map[string]interface{})["users"].(map[string]string)
	if _, ok := users["bob"]; !ok {
		t.Error("bob cannot see himself")
	}
}

func TestDisconnectLeavesRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.app.join(ctx, conn("alice"), &protocol.JoinMsg{RoomID: f.lobby})

	f.app.disconnect(conn("alice"))

	members, err := f.app.dir.Members(ctx, f.lobby)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := members["alice"]; ok {
		t.Error("alice still a member after disconnect")
	}
	if len(f.app.hub.RoomsOf("alice")) != 0 {
		t.Error("hub still tracks alice")
	}
	if !f.app.presence.IsOffline(ctx, "alice") {
		t.Error("alice not offline after disconnect")
	}
}

func TestListRoomsAndACL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.app.listRooms(ctx, conn("alice"), &protocol.ListRoomsMsg{ChannelID: "c1"})
	if r.code != protocol.StatusOK {
		t.Fatalf("list rooms: %+v", r)
	}

	set := &protocol.SetACLMsg{Target: "channel", ID: "c1", Action: "list", Rules: map[string]string{"gender": "f"}}
	if r := f.app.setACL(ctx, conn("alice"), set); r.code != protocol.StatusForbidden {
		t.Errorf("set acl by member: code = %d, want 403", r.code)
	}
	if r := f.app.setACL(ctx, conn("owner"), set); r.code != protocol.StatusOK {
		t.Fatalf("set acl by owner: %+v", r)
	}
	if r := f.app.listRooms(ctx, conn("alice"), &protocol.ListRoomsMsg{ChannelID: "c1"}); r.code != protocol.StatusForbidden {
		t.Errorf("list rooms after acl: code = %d, want 403", r.code)
	}

	r = f.app.getACL(ctx, conn("alice"), &protocol.GetACLMsg{Target: "channel", ID: "c1"})
	if r.code != protocol.StatusOK {
		t.Fatalf("get acl: %+v", r)
	}
	acls := r.data.(map[string]interface{})["acl"].(map[acl.Action]acl.RuleSet)
	if acls[acl.ActionList][acl.Gender] != "f" {
		t.Errorf("acl = %v", acls)
	}
}
