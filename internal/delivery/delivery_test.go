package delivery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/delivery"
	"github.com/gridchat/chat-server/internal/directory"
	"github.com/gridchat/chat-server/internal/storage"
)

func setup(t *testing.T, enabled bool) (*delivery.Tracker, *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.CreateChannel(ctx, "c1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRoom(ctx, directory.Room{ID: "P456", Name: "dm", ChannelID: "c1", Private: true, Owners: []string{"A", "B"}}); err != nil {
		t.Fatal(err)
	}
	return delivery.NewTracker(store, roomOwners{store}, enabled), store
}

func TestApplies(t *testing.T) {
	tests := []struct {
		enabled bool
		private bool
		want    bool
	}{
		{true, true, true},
		{true, false, false},
		{false, true, false},
		{false, false, false},
	}
	for _, tt := range tests {
		tr := delivery.NewTracker(nil, nil, tt.enabled)
		if got := tr.Applies(tt.private); got != tt.want {
			t.Errorf("Applies(enabled=%v, private=%v) = %v, want %v", tt.enabled, tt.private, got, tt.want)
		}
	}
}

func TestRecordThenAck(t *testing.T) {
	tr, store := setup(t, true)
	ctx := context.Background()

	if err := tr.RecordUnacked(ctx, []string{"m1"}, "A", "P456"); err != nil {
		t.Fatalf("RecordUnacked: %v", err)
	}
	if _, err := store.DeliveryState(ctx, "m1", "A"); !errors.Is(err, chaterr.ErrNotFound) {
		t.Errorf("sender must not get a record, err = %v", err)
	}
	if state, _ := store.DeliveryState(ctx, "m1", "B"); state != delivery.Unacked {
		t.Fatalf("B state = %q, want unacked", state)
	}
	pending, _ := tr.Unacked(ctx, "B")
	if len(pending) != 1 || pending[0].MessageID != "m1" || pending[0].RoomID != "P456" {
		t.Errorf("Unacked(B) = %+v", pending)
	}

	for i := 0; i < 2; i++ {
		if err := tr.MarkAsRead(ctx, []string{"m1"}, "B", "P456"); err != nil {
			t.Fatalf("MarkAsRead #%d: %v", i+1, err)
		}
		if state, _ := store.DeliveryState(ctx, "m1", "B"); state != delivery.Read {
			t.Fatalf("after ack #%d state = %q, want read", i+1, state)
		}
	}
	if pending, _ := tr.Unacked(ctx, "B"); len(pending) != 0 {
		t.Errorf("nothing should be pending, got %+v", pending)
	}
}

func TestRecordDoesNotDowngradeRead(t *testing.T) {
	tr, store := setup(t, true)
	ctx := context.Background()

	tr.RecordUnacked(ctx, []string{"m1"}, "A", "P456")
	tr.MarkAsRead(ctx, []string{"m1"}, "B", "P456")
	tr.RecordUnacked(ctx, []string{"m1"}, "A", "P456")

	if state, _ := store.DeliveryState(ctx, "m1", "B"); state != delivery.Read {
		t.Errorf("state = %q, want read", state)
	}
}

// failingStore fails unacked writes for one user.
type failingStore struct {
	delivery.Store
	failFor string
	wrote   []string
}

func (f *failingStore) MarkAsUnacked(ctx context.Context, ids []string, userID, roomID string) error {
	if userID == f.failFor {
		return errors.New("write failed")
	}
	f.wrote = append(f.wrote, userID)
	return nil
}

type owners map[string]string

// roomOwners adapts storage.Memory to delivery.Owners.
type roomOwners struct{ m *storage.Memory }

func (r roomOwners) Owners(ctx context.Context, roomID string) (map[string]string, error) {
	return r.m.RoomOwners(ctx, roomID)
}

func (o owners) Owners(context.Context, string) (map[string]string, error) { return o, nil }

func TestRecordIsolatesPerOwnerFailures(t *testing.T) {
	fs := &failingStore{failFor: "B"}
	tr := delivery.NewTracker(fs, owners{"A": "a", "B": "b", "C": "c"}, true)

	err := tr.RecordUnacked(context.Background(), []string{"m1"}, "A", "group")
	if err == nil {
		t.Fatal("expected the failure for B to be reported")
	}
	if len(fs.wrote) != 1 || fs.wrote[0] != "C" {
		t.Errorf("wrote = %v, want [C]", fs.wrote)
	}
}

func TestUnackedDisabled(t *testing.T) {
	tr, store := setup(t, false)
	ctx := context.Background()
	store.MarkAsUnacked(ctx, []string{"m1"}, "B", "P456")

	pending, err := tr.Unacked(ctx, "B")
	if err != nil || pending != nil {
		t.Errorf("Unacked with guarantee off = %v, %v", pending, err)
	}
}
