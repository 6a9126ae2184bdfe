package rzlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestShardedClient(t *testing.T, n int) (*RedisShardedClient, []*miniredis.Miniredis) {
	t.Helper()
	servers := make([]*miniredis.Miniredis, n)
	clients := make([]*redis.Client, n)
	for i := 0; i < n; i++ {
		mr := miniredis.RunT(t)
		servers[i] = mr
		clients[i] = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	shards, err := NewRedisShardedClientFromClients(clients)
	if err != nil {
		t.Fatalf("NewRedisShardedClientFromClients: %v", err)
	}
	return shards, servers
}

func TestLockManagerListLocks(t *testing.T) {
	shards, _ := newTestShardedClient(t, 2)
	locker := NewLocker(shards, DefaultOptions())
	ctx := context.Background()

	w, err := locker.WriteLock(ctx, "accounts/1", fastOptions())
	if err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	defer w.Release(ctx)

	r, err := locker.ReadLock(ctx, "report/q3", fastOptions())
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	defer r.Release(ctx)

	lm := NewLockManager(shards, DefaultPrefix, &NoOpLogger{}, &NoOpMetrics{})
	locks, err := lm.ListLocks(ctx)
	if err != nil {
		t.Fatalf("ListLocks: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("len(locks) = %d, want 2", len(locks))
	}

	var sawWrite, sawRead bool
	for _, l := range locks {
		switch l.Key {
		case "accounts/1":
			sawWrite = l.Role == RoleWrite
		case "report/q3":
			sawRead = l.Role == RoleRead && len(l.Readers) == 1
		}
	}
	if !sawWrite {
		t.Error("expected to see the write lock on accounts/1")
	}
	if !sawRead {
		t.Error("expected to see the read lock on report/q3 with one reader")
	}
}

func TestLockManagerGetLockInfoNotFound(t *testing.T) {
	shards, _ := newTestShardedClient(t, 1)
	lm := NewLockManager(shards, DefaultPrefix, &NoOpLogger{}, &NoOpMetrics{})

	_, err := lm.GetLockInfo(context.Background(), "missing/key")
	if err == nil {
		t.Fatal("expected an error for a key with no lock")
	}
}

func TestLockManagerForceRelease(t *testing.T) {
	shards, _ := newTestShardedClient(t, 1)
	locker := NewLocker(shards, DefaultOptions())
	ctx := context.Background()

	h, err := locker.WriteLock(ctx, "stuck/key", fastOptions())
	if err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	// Simulate an abandoned process: don't release through the handle.
	_ = h

	lm := NewLockManager(shards, DefaultPrefix, &NoOpLogger{}, &NoOpMetrics{})
	if err := lm.ForceRelease(ctx, "stuck/key"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}

	opts := fastOptions()
	opts.MaxWaitTime = Wait(0)
	fresh, err := locker.WriteLock(ctx, "stuck/key", opts)
	if err != nil {
		t.Fatalf("expected stuck/key to be free after ForceRelease: %v", err)
	}
	fresh.Release(ctx)

	if err := lm.ForceRelease(ctx, "never/existed"); err == nil {
		t.Fatal("expected ForceRelease on a nonexistent key to return an error")
	}
}

func TestLockManagerCleanupOrphanedLocks(t *testing.T) {
	shards, servers := newTestShardedClient(t, 1)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: servers[0].Addr()})
	defer client.Close()

	// A well-formed claim: bounded TTL, must survive cleanup regardless of
	// allowNoExpiry.
	if err := client.Set(ctx, writeSlotKey(DefaultPrefix, "healthy"), "01sometoken00000000000001", time.Minute).Err(); err != nil {
		t.Fatalf("seed healthy key: %v", err)
	}
	// A no-expiry key: could be an orphan, or a legitimate LockTimeout: 0
	// lock. Indistinguishable from the key alone.
	if err := client.Set(ctx, writeSlotKey(DefaultPrefix, "no-expiry"), "01sometoken00000000000002", 0).Err(); err != nil {
		t.Fatalf("seed no-expiry key: %v", err)
	}

	lm := NewLockManager(shards, DefaultPrefix, &NoOpLogger{}, &NoOpMetrics{})

	// allowNoExpiry: true acknowledges this deployment has intentionally
	// permanent locks, so the no-expiry key must be left alone.
	removed, err := lm.CleanupOrphanedLocks(ctx, true)
	if err != nil {
		t.Fatalf("CleanupOrphanedLocks(allowNoExpiry=true): %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 with allowNoExpiry", removed)
	}
	if !servers[0].Exists(writeSlotKey(DefaultPrefix, "no-expiry")) {
		t.Fatal("expected the no-expiry key to survive cleanup when allowNoExpiry is set")
	}

	// allowNoExpiry: false is only correct for deployments that never
	// configure LockTimeout: 0, where a no-expiry key is unambiguously an
	// orphan.
	removed, err = lm.CleanupOrphanedLocks(ctx, false)
	if err != nil {
		t.Fatalf("CleanupOrphanedLocks(allowNoExpiry=false): %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if !servers[0].Exists(writeSlotKey(DefaultPrefix, "healthy")) {
		t.Error("expected the healthy (TTL-bearing) key to survive cleanup")
	}
	if servers[0].Exists(writeSlotKey(DefaultPrefix, "no-expiry")) {
		t.Error("expected the no-expiry key to be removed once allowNoExpiry is false")
	}
}
