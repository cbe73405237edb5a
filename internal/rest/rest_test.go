package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gridchat/chat-server/internal/ban"
	"github.com/gridchat/chat-server/internal/ratelimit"
	"github.com/gridchat/chat-server/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// banStore keeps bans in memory.
type banStore struct {
	mu   sync.Mutex
	bans map[string]string
}

func (s *banStore) key(userID string, t ban.Type, targetID string) string {
	return userID + "|" + string(t) + "|" + targetID
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

func newTestRouter(t *testing.T, limiter Limiter) *gin.Engine {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	for _, u := range []string{"u1", "u2"} {
		if err := store.SaveUser(ctx, u, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateChannel(ctx, "c1", "main", "u2"); err != nil {
		t.Fatal(err)
	}
	m := ban.NewManager(&banStore{bans: make(map[string]string)}, store)
	return NewHandler(m, limiter).Router()
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ban", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBulkBanReport(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name string
		body string
		want map[string]ban.Result
	}{
		{
			name: "invalid duration",
			body: `{"u1":{"target":"r1","type":"room","duration":"5x"}}`,
			want: map[string]ban.Result{
				"u1": {Status: ban.StatusFail, Message: "invalid ban duration [5x]"},
			},
		},
		{
			name: "partial failure",
			body: `{"u1":{"type":"global","duration":"10m"},"ghost":{"type":"global","duration":"10m"},"u2":{"target":"c1","type":"channel","duration":"1h"}}`,
			want: map[string]ban.Result{
				"u1":    {Status: ban.StatusOK},
				"ghost": {Status: ban.StatusFail, Message: "no such user"},
				"u2":    {Status: ban.StatusOK},
			},
		},
		{
			name: "unknown type",
			body: `{"u1":{"target":"x","type":"planet","duration":"1d"}}`,
			want: map[string]ban.Result{
				"u1": {Status: ban.StatusFail, Message: "unknown ban type [planet]"},
			},
		},
		{
			name: "malformed entry",
			body: `{"u1":"forever","u2":{"type":"global","duration":"1s"}}`,
			want: map[string]ban.Result{
				"u1": {Status: ban.StatusFail, Message: "invalid ban request"},
				"u2": {Status: ban.StatusOK},
			},
		},
		{
			name: "empty mapping",
			body: `{}`,
			want: map[string]ban.Result{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(r, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
			}
			var got map[string]ban.Result
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("report = %v, want %v", got, tt.want)
			}
			for userID, want := range tt.want {
				if got[userID] != want {
					t.Errorf("%s = %+v, want %+v", userID, got[userID], want)
				}
			}
		})
	}
}

func TestBulkBanRejectsMalformedBody(t *testing.T) {
	r := newTestRouter(t, nil)
	for _, body := range []string{"", "null", `["u1"]`, `"u1"`, `{bad json`} {
		t.Run(body, func(t *testing.T) {
			if w := post(r, body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestBulkBanWireFormat(t *testing.T) {
	r := newTestRouter(t, nil)
	w := post(r, `{"u1":{"target":"r1","type":"room","duration":"5x"}}`)
	want := `{"u1":{"status":"FAIL","message":"invalid ban duration [5x]"}}`
	if strings.TrimSpace(w.Body.String()) != want {
		t.Errorf("body = %s, want %s", w.Body.String(), want)
	}
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func TestBulkBanRateLimited(t *testing.T) {
	r := newTestRouter(t, denyAll{})
	if w := post(r, `{}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
