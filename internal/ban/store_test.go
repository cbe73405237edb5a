package ban

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a RedisStore connected to a local Redis instance and
// flushes test ban keys before returning.
func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, BanPrefix+"*test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRedisStore(client)
}

func TestRedisScopes_Empty(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Scopes(context.Background(), "test_nobody", "test_ch", "test_room")
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	if got != (Scopes{}) {
		t.Errorf("expected empty scopes, got %+v", got)
	}
}

func TestRedisSetAndScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "test_u1", Global, "", "100"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "test_u1", Room, "test_room", "300"); err != nil {
		t.Fatal(err)
	}

	got, err := store.Scopes(ctx, "test_u1", "test_ch", "test_room")
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	want := Scopes{Global: "100", Room: "300"}
	if got != want {
		t.Errorf("Scopes = %+v, want %+v", got, want)
	}

	// Skipping the channel scope must not shift the room value.
	got, _ = store.Scopes(ctx, "test_u1", "", "test_room")
	if got != want {
		t.Errorf("Scopes without channel = %+v, want %+v", got, want)
	}
}

func TestRedisDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "test_u2", Channel, "test_ch", "100")
	if err := store.Delete(ctx, "test_u2", Channel, "test_ch"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Scopes(ctx, "test_u2", "test_ch", "")
	if got.Channel != "" {
		t.Errorf("channel ban still present: %q", got.Channel)
	}
}
