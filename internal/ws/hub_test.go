package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/messaging"
)

// client is the far end of a piped connection collecting server frames.
type client struct {
	frames chan map[string]interface{}
}

var fdSeq struct {
	sync.Mutex
	n int
}

func nextFd() int {
	fdSeq.Lock()
	defer fdSeq.Unlock()
	fdSeq.n++
	return 100000 + fdSeq.n
}

// pipeConn registers a connection for userID whose frames arrive on the
// returned client.
func pipeConn(t *testing.T, cm *ConnectionManager, connID, userID string) (*Connection, *client) {
	t.Helper()
	server, remote := net.Pipe()
	c := &Connection{ID: connID, UserID: userID, UserName: userID, Conn: server, Fd: nextFd()}
	c.Touch()
	cm.Add(c)

	cl := &client{frames: make(chan map[string]interface{}, 16)}
	go func() {
		for {
			data, err := wsutil.ReadServerText(remote)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				cl.frames <- m
			}
		}
	}()
	t.Cleanup(func() {
		server.Close()
		remote.Close()
	})
	return c, cl
}

func (cl *client) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case m := <-cl.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (cl *client) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-cl.frames:
		t.Fatalf("unexpected frame %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

// loopBus is an in-process Bus delivering emits synchronously.
type loopBus struct {
	mu         sync.Mutex
	handlers   []func(messaging.Envelope)
	activities map[bool][][]byte
	fail       error
}

func newLoopBus() *loopBus { return &loopBus{activities: make(map[bool][][]byte)} }

func (b *loopBus) PublishEmit(env messaging.Envelope) error {
	if b.fail != nil {
		return b.fail
	}
	b.mu.Lock()
	handlers := append([]func(messaging.Envelope){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *loopBus) SubscribeEmits(handler func(messaging.Envelope)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return nil
}

func (b *loopBus) PublishActivity(external bool, data []byte) error {
	b.mu.Lock()
	b.activities[external] = append(b.activities[external], data)
	b.mu.Unlock()
	return nil
}

type fakeSink struct {
	keys []string
}

func (s *fakeSink) Publish(key string, _ []byte) error {
	s.keys = append(s.keys, key)
	return nil
}

func TestHubEmitToRoomMembers(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub("node-1", cm, nil, nil)
	ctx := context.Background()

	_, alice := pipeConn(t, cm, "c1", "alice")
	_, bob := pipeConn(t, cm, "c2", "bob")
	_, carol := pipeConn(t, cm, "c3", "carol")

	if err := hub.JoinRoom(ctx, "alice", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := hub.JoinRoom(ctx, "bob", "r1"); err != nil {
		t.Fatal(err)
	}

	act := activity.ForMessage("alice", "alice")
	act.Object.Content = "hi"
	if err := hub.Emit(ctx, "message", act, "r1", true); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	for _, cl := range []*client{alice, bob} {
		m := cl.next(t)
		if m["type"] != "message" {
			t.Errorf("frame type = %v, want message", m["type"])
		}
		if m["id"] != act.ID {
			t.Errorf("frame id = %v, want %s", m["id"], act.ID)
		}
	}
	carol.none(t)
}

func TestHubEmitToUserRoom(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub("node-1", cm, nil, nil)

	_, phone := pipeConn(t, cm, "c1", "alice")
	_, laptop := pipeConn(t, cm, "c2", "alice")
	_, bob := pipeConn(t, cm, "c3", "bob")

	if err := hub.Emit(context.Background(), "message", activity.ForMessage("bob", "bob"), "alice", false); err != nil {
		t.Fatal(err)
	}
	phone.next(t)
	laptop.next(t)
	bob.none(t)
}

func TestHubLeaveAndForget(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub("node-1", cm, nil, nil)
	ctx := context.Background()

	_, alice := pipeConn(t, cm, "c1", "alice")
	_ = hub.JoinRoom(ctx, "alice", "r1")
	_ = hub.JoinRoom(ctx, "alice", "r2")

	if got := hub.RoomsOf("alice"); len(got) != 2 || got[0] != "r1" || got[1] != "r2" {
		t.Fatalf("RoomsOf = %v, want [r1 r2]", got)
	}

	_ = hub.LeaveRoom(ctx, "alice", "r1")
	_ = hub.Emit(ctx, "message", activity.ForMessage("x", "x"), "r1", true)
	alice.none(t)

	hub.Forget("alice")
	if got := hub.RoomsOf("alice"); len(got) != 0 {
		t.Errorf("RoomsOf after Forget = %v", got)
	}
}

func TestHubBusFanOut(t *testing.T) {
	bus := newLoopBus()
	ctx := context.Background()

	// Two nodes sharing one bus, each with its own connections.
	cm1, cm2 := NewConnectionManager(), NewConnectionManager()
	hub1 := NewHub("node-1", cm1, bus, nil)
	hub2 := NewHub("node-2", cm2, bus, nil)
	if err := hub1.Start(); err != nil {
		t.Fatal(err)
	}
	if err := hub2.Start(); err != nil {
		t.Fatal(err)
	}

	_, alice := pipeConn(t, cm1, "c1", "alice")
	_, bob := pipeConn(t, cm2, "c2", "bob")
	_ = hub1.JoinRoom(ctx, "alice", "r1")
	_ = hub2.JoinRoom(ctx, "bob", "r1")

	if err := hub1.Emit(ctx, "message", activity.ForMessage("alice", "alice"), "r1", true); err != nil {
		t.Fatal(err)
	}
	alice.next(t)
	bob.next(t)

	bus.fail = errors.New("nats down")
	if err := hub1.Emit(ctx, "message", activity.ForMessage("alice", "alice"), "r1", true); err == nil {
		t.Error("expected emit error when the bus fails")
	}
}

func TestHubPublish(t *testing.T) {
	ctx := context.Background()
	act := activity.ForMessage("alice", "alice").WithTarget(activity.Target{ID: "r1"})

	t.Run("external goes to sink", func(t *testing.T) {
		bus, sink := newLoopBus(), &fakeSink{}
		hub := NewHub("n", NewConnectionManager(), bus, sink)
		if err := hub.Publish(ctx, act, true); err != nil {
			t.Fatal(err)
		}
		if len(sink.keys) != 1 || sink.keys[0] != "r1" {
			t.Errorf("sink keys = %v, want [r1]", sink.keys)
		}
		if len(bus.activities[true]) != 0 {
			t.Error("external activity also sent to the bus")
		}
	})

	t.Run("external falls back to bus", func(t *testing.T) {
		bus := newLoopBus()
		hub := NewHub("n", NewConnectionManager(), bus, nil)
		if err := hub.Publish(ctx, act, true); err != nil {
			t.Fatal(err)
		}
		if len(bus.activities[true]) != 1 {
			t.Errorf("bus external = %d, want 1", len(bus.activities[true]))
		}
	})

	t.Run("internal", func(t *testing.T) {
		bus, sink := newLoopBus(), &fakeSink{}
		hub := NewHub("n", NewConnectionManager(), bus, sink)
		if err := hub.Publish(ctx, act, false); err != nil {
			t.Fatal(err)
		}
		if len(bus.activities[false]) != 1 || len(sink.keys) != 0 {
			t.Errorf("internal publish went to the wrong place")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		hub := NewHub("n", NewConnectionManager(), newLoopBus(), nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := hub.Publish(cctx, act, true); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestIdentityFromRequest(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantErr  bool
		wantName string
		wantAttr map[string]string
	}{
		{"full", "/ws?user_id=u1&user_name=Alice&age=30&gender=f&unknown=x", false, "Alice", map[string]string{"age": "30", "gender": "f"}},
		{"name defaults to id", "/ws?user_id=u2", false, "u2", map[string]string{}},
		{"missing id", "/ws?user_name=Bob", true, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := IdentityFromRequest(httptest.NewRequest("GET", tt.url, nil))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if id.UserName != tt.wantName {
				t.Errorf("name = %q, want %q", id.UserName, tt.wantName)
			}
			if len(id.Attributes) != len(tt.wantAttr) {
				t.Fatalf("attributes = %v, want %v", id.Attributes, tt.wantAttr)
			}
			for k, v := range tt.wantAttr {
				if id.Attributes[k] != v {
					t.Errorf("attribute %s = %q, want %q", k, id.Attributes[k], v)
				}
			}
		})
	}
}
