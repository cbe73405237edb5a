package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/gridchat/chat-server/internal/protocol"
	"github.com/gridchat/chat-server/internal/ratelimit"
)

type stubLimiter struct {
	allow bool
	err   error
	rules []string
}

func (l *stubLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	l.rules = append(l.rules, rule.Key)
	return l.allow, l.err
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		limiter  *stubLimiter
		wantType string
		wantCode string
		handled  bool
	}{
		{"ping answered internally", `{"type":"ping"}`, nil, protocol.TypePong, "", false},
		{"malformed json", `{"type":`, nil, protocol.TypeError, "parse_error", false},
		{"unknown type", `{"type":"teleport"}`, nil, protocol.TypeError, "parse_error", false},
		{"known but unregistered", `{"type":"kick","room_id":"r1","user_id":"u2"}`, nil, protocol.TypeError, "unsupported_type", false},
		{"registered handler", `{"type":"message","room_id":"r1","text":"hi"}`, &stubLimiter{allow: true}, "", "", true},
		{"rate limited", `{"type":"message","room_id":"r1","text":"hi"}`, &stubLimiter{allow: false}, protocol.TypeRateLimited, "", false},
		{"limiter errors are ignored", `{"type":"message","room_id":"r1","text":"hi"}`, &stubLimiter{allow: true, err: errors.New("redis down")}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := NewConnectionManager()
			conn, cl := pipeConn(t, cm, "c1", "alice")

			var d *MessageDispatcher
			if tt.limiter != nil {
				d = NewMessageDispatcher(tt.limiter)
			} else {
				d = NewMessageDispatcher(nil)
			}
			var got interface{}
			d.Register(protocol.TypeMessage, func(_ *Connection, msg interface{}) { got = msg })

			d.Dispatch(conn, []byte(tt.frame))

			if tt.limiter != nil && (len(tt.limiter.rules) != 1 || tt.limiter.rules[0] != ratelimit.RuleMessage.Key) {
				t.Errorf("limiter consulted with %v, want [%s]", tt.limiter.rules, ratelimit.RuleMessage.Key)
			}

			if tt.handled {
				chat, ok := got.(*protocol.ChatMsg)
				if !ok || chat.RoomID != "r1" || chat.Text != "hi" {
					t.Fatalf("handler got %#v", got)
				}
				cl.none(t)
				return
			}
			if got != nil {
				t.Fatalf("handler should not run, got %#v", got)
			}
			m := cl.next(t)
			if m["type"] != tt.wantType {
				t.Fatalf("frame type = %v, want %s", m["type"], tt.wantType)
			}
			if tt.wantCode != "" && m["code"] != tt.wantCode {
				t.Errorf("error code = %v, want %s", m["code"], tt.wantCode)
			}
			if tt.wantType == protocol.TypeRateLimited && m["retry_after"] != float64(10) {
				t.Errorf("retry_after = %v, want 10", m["retry_after"])
			}
		})
	}
}

func TestConnectionManagerTracksUsers(t *testing.T) {
	cm := NewConnectionManager()
	pipeConn(t, cm, "c1", "alice")
	pipeConn(t, cm, "c2", "alice")
	pipeConn(t, cm, "c3", "bob")

	if cm.Count() != 3 || cm.UserCount() != 2 {
		t.Fatalf("count = %d users = %d, want 3 and 2", cm.Count(), cm.UserCount())
	}
	if got := len(cm.ForUser("alice")); got != 2 {
		t.Errorf("ForUser(alice) = %d connections, want 2", got)
	}

	if !cm.Remove("c1") {
		t.Fatal("Remove(c1) = false")
	}
	if cm.Remove("c1") {
		t.Error("second Remove(c1) should report false")
	}
	if got := len(cm.ForUser("alice")); got != 1 {
		t.Errorf("ForUser(alice) after remove = %d, want 1", got)
	}
	cm.Remove("c3")
	if cm.UserCount() != 1 {
		t.Errorf("UserCount = %d, want 1", cm.UserCount())
	}
}
