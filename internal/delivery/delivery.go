// Package delivery tracks at-least-once acknowledgement of messages sent
// into private rooms. A record is created unacked for every room owner
// except the sender and moves to read when that owner acknowledges it.
// Public rooms never create records.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// State of a delivery record.
type State string

const (
	Unacked State = "unacked"
	Read    State = "read"
)

// Record is one (message, recipient) delivery.
type Record struct {
	MessageID string
	UserID    string
	RoomID    string
	State     State
}

// Store persists delivery records. MarkAsUnacked never downgrades a read
// record and MarkAsRead on a read or missing record is a no-op.
type Store interface {
	MarkAsUnacked(ctx context.Context, messageIDs []string, userID, roomID string) error
	MarkAsRead(ctx context.Context, messageIDs []string, userID, roomID string) error
	Unacked(ctx context.Context, userID string) ([]Record, error)
}

// Owners resolves the owners of a room.
type Owners interface {
	Owners(ctx context.Context, roomID string) (map[string]string, error)
}

// Tracker records and acknowledges deliveries.
type Tracker struct {
	store   Store
	owners  Owners
	enabled bool
}

// NewTracker creates a Tracker. When enabled is false no records are kept.
func NewTracker(store Store, owners Owners, enabled bool) *Tracker {
	return &Tracker{store: store, owners: owners, enabled: enabled}
}

// Applies reports whether messages into a room with the given privacy get
// delivery records.
func (t *Tracker) Applies(private bool) bool {
	return t.enabled && private
}

// RecordUnacked registers unacked records for every owner of the room except
// the sender. A failure for one owner does not stop the others; all failures
// are returned joined.
func (t *Tracker) RecordUnacked(ctx context.Context, messageIDs []string, senderID, roomID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	owners, err := t.owners.Owners(ctx, roomID)
	if err != nil {
		return fmt.Errorf("delivery: owners of %s: %w", roomID, err)
	}

	var errs []error
	for ownerID := range owners {
		if ownerID == senderID {
			continue
		}
		if err := t.store.MarkAsUnacked(ctx, messageIDs, ownerID, roomID); err != nil {
			log.Printf("[delivery] unacked room=%s user=%s: %v", roomID, ownerID, err)
			errs = append(errs, fmt.Errorf("delivery: unacked for %s: %w", ownerID, err))
		}
	}
	return errors.Join(errs...)
}

// MarkAsRead acknowledges messages on behalf of ackerID. Repeating it is a
// no-op.
func (t *Tracker) MarkAsRead(ctx context.Context, messageIDs []string, ackerID, roomID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := t.store.MarkAsRead(ctx, messageIDs, ackerID, roomID); err != nil {
		return fmt.Errorf("delivery: mark as read: %w", err)
	}
	return nil
}

// Unacked lists records still waiting for userID's acknowledgement.
func (t *Tracker) Unacked(ctx context.Context, userID string) ([]Record, error) {
	if !t.enabled {
		return nil, nil
	}
	records, err := t.store.Unacked(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("delivery: unacked for %s: %w", userID, err)
	}
	return records, nil
}
