// Package router orchestrates an inbound message activity through the chat
// core: room and ban checks, ACLs, the blacklist and spam gates, storage,
// delivery tracking, fan-out and the external event stream.
//
// Denials are reported in an Outcome, not as errors. Once a message is
// stored, broadcast and publish are attempted independently and their
// failures are collected per step.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/metrics"
	"github.com/gridchat/chat-server/internal/moderation"
)

// Events emitted to clients.
const (
	EventMessage = "message"
	EventDelete  = activity.VerbDelete
)

// History strategies.
const (
	HistoryTop    = "top"
	HistoryUnread = "unread"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// MessageStore persists messages.
type MessageStore interface {
	StoreMessage(ctx context.Context, act activity.Activity) error
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	History(ctx context.Context, roomID string, limit int) ([]activity.Activity, error)
	UnreadHistory(ctx context.Context, roomID string, since time.Time, limit int) ([]activity.Activity, error)
}

// Transport fans activities out to connected clients and publishes them on
// the event buses. room is a room id or, for personal delivery, a user id.
type Transport interface {
	Emit(ctx context.Context, event string, act activity.Activity, room string, broadcast bool) error
	Publish(ctx context.Context, act activity.Activity, external bool) error
}

// Rooms is the subset of the directory the router consults.
type Rooms interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	RoomName(ctx context.Context, roomID string) (string, error)
	ChannelForRoom(ctx context.Context, roomID string) (string, error)
	IsPrivate(ctx context.Context, roomID string) (bool, error)
	Admins(ctx context.Context, roomID string) (map[string]string, error)
	Recipients(ctx context.Context, roomID string) ([]string, error)
	Authorize(ctx context.Context, act activity.Activity, roomID string, action acl.Action) (acl.Result, error)
	CanDeleteMessage(ctx context.Context, roomID, userID string) (bool, error)
	UpdateLastReads(ctx context.Context, roomID string) error
	LastRead(ctx context.Context, roomID, userID string) (time.Time, error)
}

// Bans reports active bans.
type Bans interface {
	IsBanned(ctx context.Context, userID, roomID string) (bool, string, error)
}

// CrossRoom decides whether a message may be sent from one room into another.
type CrossRoom interface {
	CanSendCrossRoom(ctx context.Context, act activity.Activity, fromRoom, toRoom string) (bool, error)
}

// Presence answers whether a sender is invisible.
type Presence interface {
	IsInvisible(ctx context.Context, userID string) bool
}

// Deliveries tracks acknowledgements for private rooms.
type Deliveries interface {
	Applies(private bool) bool
	RecordUnacked(ctx context.Context, messageIDs []string, senderID, roomID string) error
	MarkAsRead(ctx context.Context, messageIDs []string, ackerID, roomID string) error
}

// Blacklist finds forbidden words in a message.
type Blacklist interface {
	UsedBlacklistedWord(act activity.Activity) (string, bool)
}

// SpamClassifier scores message text.
type SpamClassifier interface {
	IsSpam(text string) (bool, moderation.Scores)
}

// ErrorReporter receives failures that must not reach the transport.
type ErrorReporter interface {
	Capture(err error, fields map[string]string)
}

// LogReporter is the default ErrorReporter.
type LogReporter struct{}

func (LogReporter) Capture(err error, fields map[string]string) {
	log.Printf("[router] captured error: %v fields=%v", err, fields)
}

// Deps bundles the collaborators of a Router. Spam and Reporter may be nil.
type Deps struct {
	Store      MessageStore
	Transport  Transport
	Rooms      Rooms
	Bans       Bans
	CrossRoom  CrossRoom
	Presence   Presence
	Deliveries Deliveries
	Blacklist  Blacklist
	Spam       SpamClassifier
	Reporter   ErrorReporter
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config holds the message routing policy.
type Config struct {
	HistoryStrategy string // "top" or "unread"
	HistoryLimit    int
	SpamBlock       bool // treat spam like a blacklist hit
}

// DefaultConfig returns the default routing policy.
func DefaultConfig() Config {
	return Config{
		HistoryStrategy: HistoryTop,
		HistoryLimit:    100,
		SpamBlock:       false,
	}
}

// ---------------------------------------------------------------------------
// Outcome
// ---------------------------------------------------------------------------

// Step is the result of one side effect of processing a message.
type Step struct {
	Name string
	Err  error
}

// Outcome summarises how a message was handled.
type Outcome struct {
	Allowed     bool
	Reason      string
	Blacklisted bool
	Word        string
	Spam        bool
	Stored      bool
	Steps       []Step
}

func (o *Outcome) step(name string, err error) {
	o.Steps = append(o.Steps, Step{Name: name, Err: err})
	if err != nil {
		log.Printf("[router] step %s failed: %v", name, err)
	}
}

// Err joins the errors of every failed step, or returns nil.
func (o Outcome) Err() error {
	var errs []error
	for _, s := range o.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

// Router handles message activities.
type Router struct {
	deps Deps
	cfg  Config
}

// New creates a Router.
func New(deps Deps, cfg Config) *Router {
	if deps.Reporter == nil {
		deps.Reporter = LogReporter{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	return &Router{deps: deps, cfg: cfg}
}

// Send validates a message from its sender and, when allowed, processes it.
// act.Target.ID is the destination room; act.Actor.URL, when set to a
// different room, marks a cross-room send.
func (r *Router) Send(ctx context.Context, act activity.Activity) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	roomID := act.Target.ID
	if roomID == "" {
		return Outcome{}, acl.ErrNoTargetRoom
	}
	if err := ValidateMessage(act.Object.Content); err != nil {
		return Outcome{}, err
	}

	exists, err := r.deps.Rooms.RoomExists(ctx, roomID)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: room exists: %w", err)
	}
	if !exists {
		return Outcome{}, chaterr.NotFoundf("no room found for uuid %s", roomID)
	}

	private, err := r.deps.Rooms.IsPrivate(ctx, roomID)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: is private: %w", err)
	}
	act = act.Clone()
	if private {
		act.Target.ObjectType = activity.TypePrivate
	} else {
		act.Target.ObjectType = activity.TypeRoom
	}
	if act.Target.DisplayName == "" {
		if name, err := r.deps.Rooms.RoomName(ctx, roomID); err == nil {
			act.Target.DisplayName = name
		}
	}

	banned, reason, err := r.deps.Bans.IsBanned(ctx, act.Actor.ID, roomID)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: ban check: %w", err)
	}
	if banned {
		return r.deny(act, reason), nil
	}

	res, err := r.deps.Rooms.Authorize(ctx, act, roomID, acl.ActionMessage)
	if err != nil {
		return Outcome{}, fmt.Errorf("router: authorize: %w", err)
	}
	if !res.Allowed {
		return r.deny(act, res.Reason), nil
	}

	if from := act.Actor.URL; from != "" && from != roomID {
		if err := r.fillChannels(ctx, &act, from, roomID); err != nil {
			return Outcome{}, err
		}
		ok, err := r.deps.CrossRoom.CanSendCrossRoom(ctx, act, from, roomID)
		if err != nil {
			return Outcome{}, fmt.Errorf("router: cross room: %w", err)
		}
		if !ok {
			return r.deny(act, "not allowed to send cross-room messages"), nil
		}
	}

	return r.Process(ctx, act), nil
}

// fillChannels sets the origin and target channel ids a cross-room check
// needs when the client did not supply them.
func (r *Router) fillChannels(ctx context.Context, act *activity.Activity, fromRoom, toRoom string) error {
	if act.Provider.URL == "" {
		ch, err := r.deps.Rooms.ChannelForRoom(ctx, fromRoom)
		if err != nil {
			return fmt.Errorf("router: origin channel: %w", err)
		}
		act.Provider.URL = ch
	}
	if act.Object.URL == "" {
		ch, err := r.deps.Rooms.ChannelForRoom(ctx, toRoom)
		if err != nil {
			return fmt.Errorf("router: target channel: %w", err)
		}
		act.Object.URL = ch
	}
	return nil
}

func (r *Router) deny(act activity.Activity, reason string) Outcome {
	log.Printf("[router] denied user=%s room=%s: %s", act.Actor.ID, act.Target.ID, reason)
	metrics.MessagesTotal.WithLabelValues("denied").Inc()
	return Outcome{Allowed: false, Reason: reason}
}

// Process runs an already authorised message through the blacklist and
// spam gates, stores it, records deliveries and fans it out.
func (r *Router) Process(ctx context.Context, act activity.Activity) Outcome {
	out := Outcome{Allowed: true}
	roomID := act.Target.ID

	if word, hit := r.deps.Blacklist.UsedBlacklistedWord(act); hit {
		out.Blacklisted = true
		out.Word = word
		metrics.MessagesTotal.WithLabelValues("blacklisted").Inc()
		r.intercept(ctx, &out, act, activity.ForBlacklistedWord(act, word))
		return out
	}

	if r.deps.Spam != nil {
		if spam, scores := r.deps.Spam.IsSpam(act.Object.Content); spam {
			out.Spam = true
			metrics.MessagesTotal.WithLabelValues("spam").Inc()
			notice := activity.ForSpam(act, scores)
			if r.cfg.SpamBlock {
				r.intercept(ctx, &out, act, notice)
				return out
			}
			out.step("publish_spam", r.deps.Transport.Publish(ctx, notice, true))
		}
	}

	if err := r.deps.Store.StoreMessage(ctx, act); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("[router] store message id=%s user=%s room=%s failed: %v", act.ID, act.Actor.ID, roomID, err)
		kind := "internal"
		if chaterr.IsStorage(err) {
			kind = "storage"
		}
		r.deps.Reporter.Capture(err, map[string]string{
			"message_id": act.ID,
			"user_id":    act.Actor.ID,
			"room_id":    roomID,
			"kind":       kind,
		})
		out.step("store", err)
		return out
	}
	out.Stored = true

	if r.deps.Deliveries.Applies(act.IsPrivate()) {
		out.step("delivery", r.deps.Deliveries.RecordUnacked(ctx, []string{act.ID}, act.Actor.ID, roomID))
	}

	out.step("broadcast", r.broadcast(ctx, act))
	out.step("last_reads", r.deps.Rooms.UpdateLastReads(ctx, roomID))

	notice := activity.ForMessage(act.Actor.ID, act.Actor.DisplayName).WithTarget(act.Target)
	out.step("publish", r.deps.Transport.Publish(ctx, notice, true))

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return out
}

// intercept handles a message that must not reach the room: the notice is
// published externally, the sender gets an echo and every room admin is
// notified individually, the sender included when they are an admin.
func (r *Router) intercept(ctx context.Context, out *Outcome, act, notice activity.Activity) {
	roomID := act.Target.ID
	out.step("publish_"+notice.Verb, r.deps.Transport.Publish(ctx, notice, true))
	out.step("echo", r.deps.Transport.Emit(ctx, EventMessage, act, act.Actor.ID, false))

	admins, err := r.deps.Rooms.Admins(ctx, roomID)
	if err != nil {
		out.step("admins", err)
		return
	}
	for adminID := range admins {
		out.step("notify_admin", r.deps.Transport.Emit(ctx, EventMessage, notice, adminID, false))
	}
}

// broadcast emits act to every recipient of its room. An invisible sender's
// info travels as actor attachments since recipients cannot look it up.
func (r *Router) broadcast(ctx context.Context, act activity.Activity) error {
	recipients, err := r.deps.Rooms.Recipients(ctx, act.Target.ID)
	if err != nil {
		return err
	}
	if r.deps.Presence.IsInvisible(ctx, act.Actor.ID) {
		act = act.WithActorAttachments(activity.UserInfoAttachments(act.Actor.Attributes))
	}
	var errs []error
	for _, to := range recipients {
		if err := r.deps.Transport.Emit(ctx, EventMessage, act, to, true); err != nil {
			errs = append(errs, fmt.Errorf("emit to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
