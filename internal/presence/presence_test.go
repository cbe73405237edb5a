package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/gridchat/chat-server/internal/cache"
)

// failingCache rejects every status write.
type failingCache struct {
	*cache.Memory
}

var errDown = errors.New("cache down")

func (failingCache) SetUserOnline(context.Context, string) error { return errDown }

func TestLastWriteWins(t *testing.T) {
	tr := NewTracker(cache.NewMemory())
	ctx := context.Background()

	steps := []struct {
		name string
		set  func(context.Context, string) error
		want Status
	}{
		{"online", tr.SetOnline, Online},
		{"invisible", tr.SetInvisible, Invisible},
		{"offline", tr.SetOffline, Offline},
		{"online again", tr.SetOnline, Online},
	}
	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			if err := s.set(ctx, "u1"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if got := tr.Status(ctx, "u1"); got != s.want {
				t.Errorf("Status = %q, want %q", got, s.want)
			}
			if !tr.CheckStatus(ctx, "u1", s.want) {
				t.Errorf("CheckStatus(%q) = false", s.want)
			}
		})
	}
}

func TestUnknownOnMiss(t *testing.T) {
	tr := NewTracker(cache.NewMemory())
	ctx := context.Background()

	if got := tr.Status(ctx, "ghost"); got != Unknown {
		t.Fatalf("Status = %q, want unknown", got)
	}
	if tr.IsOnline(ctx, "ghost") || tr.IsOffline(ctx, "ghost") || tr.IsInvisible(ctx, "ghost") {
		t.Error("no predicate should hold for an unknown user")
	}
}

func TestPredicates(t *testing.T) {
	tr := NewTracker(cache.NewMemory())
	ctx := context.Background()

	if err := tr.SetInvisible(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if !tr.IsInvisible(ctx, "u2") {
		t.Error("IsInvisible = false")
	}
	if tr.IsOnline(ctx, "u2") {
		t.Error("invisible user reported online")
	}
}

func TestSetPropagatesCacheError(t *testing.T) {
	tr := NewTracker(failingCache{cache.NewMemory()})
	err := tr.SetOnline(context.Background(), "u1")
	if !errors.Is(err, errDown) {
		t.Fatalf("SetOnline error = %v, want wrapped cache error", err)
	}
}

func TestSet(t *testing.T) {
	tr := NewTracker(cache.NewMemory())
	ctx := context.Background()

	if err := tr.Set(ctx, "u1", Invisible); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !tr.IsInvisible(ctx, "u1") {
		t.Error("expected invisible")
	}
	if err := tr.Set(ctx, "u1", Unavailable); err == nil {
		t.Error("Set(unavailable) should be rejected")
	}
}

func TestParseStatusAndReachable(t *testing.T) {
	tests := []struct {
		in        string
		want      Status
		reachable bool
	}{
		{"online", Online, true},
		{"invisible", Invisible, true},
		{"offline", Offline, false},
		{"unavailable", Unavailable, false},
		{"", Unknown, false},
		{"away", Unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseStatus(tt.in)
			if got != tt.want {
				t.Fatalf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if got.IsReachable() != tt.reachable {
				t.Errorf("IsReachable = %v, want %v", got.IsReachable(), tt.reachable)
			}
		})
	}
}
