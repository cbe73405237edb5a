package ban

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
)

var (
	// ErrNoSuchUser is returned when banning a user that does not exist.
	ErrNoSuchUser = fmt.Errorf("no such user: %w", chaterr.ErrNotFound)

	// ErrUnknownBanType is returned (wrapped with the offending type) for a
	// scope other than global, channel or room.
	ErrUnknownBanType = &chaterr.ValidationError{Msg: "unknown ban type"}
)

// ParseType validates a ban scope name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Global, Channel, Room:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w [%s]", ErrUnknownBanType, s)
}

// Directory answers the existence questions the manager needs.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	RoomExists(ctx context.Context, roomID string) (bool, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	// ChannelForRoom returns an error wrapping chaterr.ErrNotFound for an
	// unknown room.
	ChannelForRoom(ctx context.Context, roomID string) (string, error)
}

// Publisher receives the ban activity once a ban is stored.
type Publisher interface {
	Publish(ctx context.Context, act activity.Activity, external bool) error
}

// Manager computes and checks bans.
type Manager struct {
	store Store
	dir   Directory
	pub   Publisher
	now   func() time.Time
}

// NewManager creates a ban manager.
func NewManager(store Store, dir Directory) *Manager {
	return &Manager{store: store, dir: dir, now: time.Now}
}

// SetPublisher announces stored bans on the external bus. Publish failures
// are logged and never fail the ban.
func (m *Manager) SetPublisher(p Publisher) {
	m.pub = p
}

// ComputeExpiry returns now (UTC) plus the parsed duration as an epoch
// seconds string.
func (m *Manager) ComputeExpiry(duration string) (string, error) {
	d, err := ParseDuration(duration)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(m.now().UTC().Add(d).Unix(), 10), nil
}

// remaining returns the seconds left on a stored expiry, or 0 when the
// value is empty, malformed or in the past.
func (m *Manager) remaining(expiry string) int64 {
	if expiry == "" {
		return 0
	}
	end, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		log.Printf("[ban] ignoring malformed expiry %q", expiry)
		return 0
	}
	left := end - m.now().UTC().Unix()
	if left < 0 {
		return 0
	}
	return left
}

// IsBanned checks the global, channel and room scopes in that order and
// reports the first active ban. The reason names the scope and the
// remaining seconds.
func (m *Manager) IsBanned(ctx context.Context, userID, roomID string) (bool, string, error) {
	channelID := ""
	if roomID != "" {
		ch, err := m.dir.ChannelForRoom(ctx, roomID)
		switch {
		case err == nil:
			channelID = ch
		case errors.Is(err, chaterr.ErrNotFound):
			log.Printf("[ban] no channel for room=%s, skipping channel scope", roomID)
		default:
			return false, "", fmt.Errorf("ban: channel for room: %w", err)
		}
	}

	scopes, err := m.store.Scopes(ctx, userID, channelID, roomID)
	if err != nil {
		return false, "", err
	}

	if left := m.remaining(scopes.Global); left > 0 {
		return true, fmt.Sprintf("banned globally for another %d seconds", left), nil
	}
	if left := m.remaining(scopes.Channel); left > 0 {
		return true, fmt.Sprintf("banned from channel for another %d seconds", left), nil
	}
	if left := m.remaining(scopes.Room); left > 0 {
		return true, fmt.Sprintf("banned from room for another %d seconds", left), nil
	}
	return false, "", nil
}

// Ban records a ban of userID at the given scope and returns the expiry.
// targetID is ignored for global bans.
func (m *Manager) Ban(ctx context.Context, userID, targetID, banType, duration string) (string, error) {
	t, err := ParseType(banType)
	if err != nil {
		return "", err
	}
	expiry, err := m.ComputeExpiry(duration)
	if err != nil {
		return "", err
	}

	exists, err := m.dir.UserExists(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("ban: user exists: %w", err)
	}
	if !exists {
		return "", ErrNoSuchUser
	}

	switch t {
	case Global:
		targetID = ""
	case Channel:
		ok, err := m.dir.ChannelExists(ctx, targetID)
		if err != nil {
			return "", fmt.Errorf("ban: channel exists: %w", err)
		}
		if !ok {
			return "", chaterr.NotFoundf("no such channel [%s]", targetID)
		}
	case Room:
		ok, err := m.dir.RoomExists(ctx, targetID)
		if err != nil {
			return "", fmt.Errorf("ban: room exists: %w", err)
		}
		if !ok {
			return "", chaterr.NotFoundf("no such room [%s]", targetID)
		}
	}

	if err := m.store.Set(ctx, userID, t, targetID, expiry); err != nil {
		return "", err
	}
	log.Printf("[ban] banned user=%s scope=%s target=%s until=%s", userID, t, targetID, expiry)

	if m.pub != nil {
		act := activity.ForBan(userID, targetID, string(t), duration, expiry)
		if err := m.pub.Publish(ctx, act, true); err != nil {
			log.Printf("[ban] publish ban user=%s: %v", userID, err)
		}
	}
	return expiry, nil
}

// Unban removes a ban at the given scope.
func (m *Manager) Unban(ctx context.Context, userID, targetID, banType string) error {
	t, err := ParseType(banType)
	if err != nil {
		return err
	}
	if t == Global {
		targetID = ""
	}
	return m.store.Delete(ctx, userID, t, targetID)
}

// ---------------------------------------------------------------------------
// Bulk ingestion
// ---------------------------------------------------------------------------

// Request is one entry of a bulk ban.
type Request struct {
	Target   string `json:"target"`
	Type     string `json:"type"`
	Duration string `json:"duration"`
}

// Status values of a bulk ban entry.
const (
	StatusOK   = "OK"
	StatusFail = "FAIL"
)

// Result is the per-user outcome of a bulk ban.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// BulkBan applies every entry independently; one failure never stops the
// others.
func (m *Manager) BulkBan(ctx context.Context, requests map[string]Request) map[string]Result {
	out := make(map[string]Result, len(requests))
	for userID, req := range requests {
		if _, err := m.Ban(ctx, userID, req.Target, req.Type, req.Duration); err != nil {
			log.Printf("[ban] bulk ban user=%s target=%s type=%s duration=%s: %v",
				userID, req.Target, req.Type, req.Duration, err)
			out[userID] = Result{Status: StatusFail, Message: failureMessage(err, req)}
			continue
		}
		out[userID] = Result{Status: StatusOK}
	}
	return out
}

func failureMessage(err error, req Request) string {
	var de *DurationError
	switch {
	case errors.As(err, &de):
		return fmt.Sprintf("invalid ban duration [%s]", req.Duration)
	case errors.Is(err, ErrNoSuchUser):
		return "no such user"
	case errors.Is(err, ErrUnknownBanType):
		return fmt.Sprintf("unknown ban type [%s]", req.Type)
	default:
		return err.Error()
	}
}
