// Package presence tracks user online status. The status lives in the
// cache only; there are no timers and no heartbeats at this layer.
package presence

import (
	"context"
	"fmt"
	"log"

	"github.com/gridchat/chat-server/internal/cache"
)

// Status is a user's presence state.
type Status string

const (
	Online      Status = cache.StatusOnline
	Offline     Status = cache.StatusOffline
	Invisible   Status = cache.StatusInvisible
	Unknown     Status = cache.StatusUnknown
	Unavailable Status = cache.StatusUnavailable
)

// ParseStatus maps a stored value to a Status. Unrecognised or empty
// values yield Unknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case Online, Offline, Invisible, Unavailable:
		return Status(s)
	default:
		return Unknown
	}
}

// IsReachable reports whether a user in this state should be treated as
// present for read bookkeeping.
func (s Status) IsReachable() bool {
	return s == Online || s == Invisible
}

// Tracker reads and writes user presence through the cache.
type Tracker struct {
	cache cache.Cache
}

// NewTracker creates a Tracker.
func NewTracker(c cache.Cache) *Tracker {
	return &Tracker{cache: c}
}

func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	if err := t.cache.SetUserOnline(ctx, userID); err != nil {
		return fmt.Errorf("presence: set online: %w", err)
	}
	return nil
}

func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	if err := t.cache.SetUserOffline(ctx, userID); err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}

func (t *Tracker) SetInvisible(ctx context.Context, userID string) error {
	if err := t.cache.SetUserInvisible(ctx, userID); err != nil {
		return fmt.Errorf("presence: set invisible: %w", err)
	}
	return nil
}

// Set applies an explicit status change requested by a client.
func (t *Tracker) Set(ctx context.Context, userID string, status Status) error {
	switch status {
	case Online:
		return t.SetOnline(ctx, userID)
	case Offline:
		return t.SetOffline(ctx, userID)
	case Invisible:
		return t.SetInvisible(ctx, userID)
	default:
		return fmt.Errorf("presence: cannot set status %q", status)
	}
}

// Status returns the current status; a cache miss yields Unknown.
func (t *Tracker) Status(ctx context.Context, userID string) Status {
	s := ParseStatus(t.cache.GetUserStatus(ctx, userID))
	if s == Unknown {
		log.Printf("[presence] no status for user=%s", userID)
	}
	return s
}

// CheckStatus reports whether the user's current status equals want.
func (t *Tracker) CheckStatus(ctx context.Context, userID string, want Status) bool {
	return t.Status(ctx, userID) == want
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	return t.CheckStatus(ctx, userID, Online)
}

func (t *Tracker) IsOffline(ctx context.Context, userID string) bool {
	return t.CheckStatus(ctx, userID, Offline)
}

func (t *Tracker) IsInvisible(ctx context.Context, userID string) bool {
	return t.CheckStatus(ctx, userID, Invisible)
}
