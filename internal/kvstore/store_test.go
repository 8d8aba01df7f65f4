package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/maeple/aigateway/internal/kvstore"
)

func newRedisStore(t *testing.T) (*kvstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	return kvstore.NewRedisStoreFromClient(cli), mr
}

func backends(t *testing.T) map[string]kvstore.Store {
	t.Helper()
	rs, _ := newRedisStore(t)
	return map[string]kvstore.Store{
		"memory": kvstore.NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("get missing: ok=%v err=%v", ok, err)
			}

			if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
				t.Fatalf("set: %v", err)
			}

			val, ok, err := store.Get(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if string(val) != "v" {
				t.Errorf("got %q, want %q", val, "v")
			}

			if err := store.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := store.Get(ctx, "k"); ok {
				t.Error("key should be gone after delete")
			}

			// Deleting a missing key is not an error.
			if err := store.Delete(ctx, "k"); err != nil {
				t.Errorf("delete missing: %v", err)
			}
		})
	}
}

func TestStore_KeysPrefix(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"queue:gemini:a", "queue:gemini:b", "queue:openai:c", "cache:x"} {
				if err := store.Set(ctx, k, []byte("1"), 0); err != nil {
					t.Fatalf("set %s: %v", k, err)
				}
			}

			keys, err := store.Keys(ctx, kvstore.KeyQueuePrefix("gemini"))
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("got %d keys, want 2: %v", len(keys), keys)
			}
		})
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	if err := store.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatal("should hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("should miss after expiry")
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("should miss after TTL elapsed")
	}
}

func TestKeyNamespaces(t *testing.T) {
	if got := kvstore.KeyRateLimit("gemini", "minute"); got != "ratelimit:gemini:minute" {
		t.Errorf("KeyRateLimit: %s", got)
	}
	if got := kvstore.KeyCircuit("openai"); got != "circuit:openai" {
		t.Errorf("KeyCircuit: %s", got)
	}
	if got := kvstore.KeyQueue("gemini", "id1"); got != "queue:gemini:id1" {
		t.Errorf("KeyQueue: %s", got)
	}
	if got := kvstore.KeyDeadLetter("gemini", "id1"); got != "deadletter:gemini:id1" {
		t.Errorf("KeyDeadLetter: %s", got)
	}
}

func TestRedisStore_CloseLeavesBorrowedClientOpen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	store := kvstore.NewRedisStoreFromClient(cli)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The caller owns the client, so it must survive the store's Close.
	if err := cli.Ping(ctx).Err(); err != nil {
		t.Errorf("client unusable after store close: %v", err)
	}
}
