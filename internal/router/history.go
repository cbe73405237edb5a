package router

import (
	"context"
	"fmt"
	"log"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
)

// History returns the messages userID should see on entering roomID. With
// the "top" strategy that is the latest messages; with "unread" it is
// everything since the user's last read, or nothing if the user never read
// the room.
func (r *Router) History(ctx context.Context, roomID, userID string) ([]activity.Activity, error) {
	if roomID == "" {
		return nil, acl.ErrNoTargetRoom
	}
	if r.cfg.HistoryStrategy != HistoryUnread {
		msgs, err := r.deps.Store.History(ctx, roomID, r.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("router: history: %w", err)
		}
		return msgs, nil
	}

	since, err := r.deps.Rooms.LastRead(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("router: last read: %w", err)
	}
	if since.IsZero() {
		return []activity.Activity{}, nil
	}
	msgs, err := r.deps.Store.UnreadHistory(ctx, roomID, since, r.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("router: unread history: %w", err)
	}
	return msgs, nil
}

// Ack marks the messages listed in act's attachments as read by the actor.
// Each attachment of object type "message_id" names one message.
func (r *Router) Ack(ctx context.Context, act activity.Activity) error {
	roomID := act.Target.ID
	if roomID == "" {
		return acl.ErrNoTargetRoom
	}
	var ids []string
	for _, att := range act.Object.Attachments {
		if att.ObjectType == "message_id" && att.Content != "" {
			ids = append(ids, att.Content)
		}
	}
	if len(ids) == 0 {
		return chaterr.Validationf("no message ids to acknowledge")
	}
	if err := r.deps.Deliveries.MarkAsRead(ctx, ids, act.Actor.ID, roomID); err != nil {
		return fmt.Errorf("router: ack: %w", err)
	}
	return nil
}

// Delete removes a message from a room's history if userID may moderate the
// room, and tells the room about it.
func (r *Router) Delete(ctx context.Context, act activity.Activity, messageID string) (acl.Result, error) {
	roomID := act.Target.ID
	if roomID == "" {
		return acl.Result{}, acl.ErrNoTargetRoom
	}
	if messageID == "" {
		return acl.Result{}, chaterr.Validationf("no message id")
	}
	ok, err := r.deps.Rooms.CanDeleteMessage(ctx, roomID, act.Actor.ID)
	if err != nil {
		return acl.Result{}, fmt.Errorf("router: can delete: %w", err)
	}
	if !ok {
		return acl.Result{Reason: "not allowed to remove this message"}, nil
	}
	if err := r.deps.Store.DeleteMessage(ctx, roomID, messageID); err != nil {
		return acl.Result{}, fmt.Errorf("router: delete message: %w", err)
	}

	notice := activity.ForDelete(act.Actor.ID, act.Actor.DisplayName, roomID, messageID)
	if err := r.deps.Transport.Emit(ctx, EventDelete, notice, roomID, true); err != nil {
		log.Printf("[router] emit delete room=%s message=%s: %v", roomID, messageID, err)
	}
	return acl.Result{Allowed: true}, nil
}
