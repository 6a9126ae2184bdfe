// Package rzlock provides distributed reader/writer locks over a sharded
// Redis-compatible key-value store, for processes that need mutual
// exclusion (or shared read access) on a named resource without a
// dedicated lock server.
//
// # Overview
//
// rzlock coordinates locks across one or more Redis shards using a small
// set of atomic Lua scripts, giving callers:
//
//   - Read/write locks with reader-writer fairness: many readers or one
//     writer, never both
//   - Priority-ordered conflict resolution: a writer whose token sorts after
//     the current holder's fails fast instead of queuing behind it
//   - Heartbeat-refreshed leases, so a crashed holder's lock expires instead
//     of blocking everyone forever
//   - Read→write upgrades and bulk LockSet operations with reference
//     counting
//   - Distributed (fan-out) write locks that span every shard, for
//     resources a distributed read lock touched
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// Single-shard usage:
//
//	shards, _ := rzlock.NewRedisShardedClient([]string{"localhost:6379"}, &redis.Options{})
//	locker := rzlock.NewLocker(shards, rzlock.DefaultOptions())
//	ctx := context.Background()
//
//	handle, err := locker.WriteLock(ctx, "accounts/123", rzlock.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer handle.Release(ctx)
//
//	// ... mutate accounts/123 ...
//
// Production setup with sharding, logging, and metrics:
//
//	shards, _ := rzlock.NewShardedClientFromEnv() // reads REDIS_SHARD_ADDRS
//	logger, _ := rzlock.NewProductionZapLogger()
//	metrics := rzlock.NewPrometheusMetrics(nil) // nil selects the default registry
//
//	locker := rzlock.NewLocker(shards, rzlock.DefaultOptions()).
//	    WithLogger(logger).
//	    WithMetrics(metrics)
//
// # Core Concepts
//
// Locker: the top-level entry point. Acquires read and write locks, and
// creates LockSets. Safe for concurrent use across goroutines.
//
// LockHandle: an owned lease on a single key. Tracks a reference count, runs
// a background heartbeat to keep the lease alive, and exposes Release,
// ForceRelease, Relock, and Upgrade.
//
// Token: every acquisition attempt carries a token — a priority digit pair
// followed by a per-process base and a monotonic counter. Tokens are
// compared lexicographically to decide conflict-resolution precedence and to
// recognize a handle's own claim in the holder/reader set a script returns.
//
// ShardedClient: the KV transport contract. RedisShardedClient implements it
// over go-redis, with a circuit breaker per shard so a dead node fails fast
// instead of hanging the acquisition retry loop.
//
// LockSet: aggregates handles by key with reference counting, nested
// dependent sets, and bulk release/upgrade with a configurable error policy.
// Re-requesting an already-held key increments its reference count instead
// of acquiring a second lease.
//
// # Acquisition and Conflict Resolution
//
// Acquire a read or write lock directly, or via LockSet for bulk operations:
//
//	readSet, err := locker.ReadLockSet(ctx, []string{"a", "b", "c"}, rzlock.Options{
//	    MaxWaitTime: rzlock.Wait(5 * time.Second),
//	})
//	defer readSet.Release(ctx)
//
// With priority-based conflict resolution, a writer that finds the slot held
// by a token sorting before its own fails at once with ErrResourceLocked; a
// writer whose token sorts first keeps retrying until the holder releases.
// A holder is never pre-empted. A zero ConflictPriority in per-call Options
// inherits the Locker's default, so the lowest number reachable per call is 1:
//
//	handle, err := locker.WriteLock(ctx, "queue/head", rzlock.Options{
//	    ResolveConflicts: true,
//	    ConflictPriority: 1, // sorts before a default-priority (50) holder
//	})
//
// Run a function under a lock and release automatically, even on error:
//
//	total, err := rzlock.WriteLockWrap(ctx, locker, "accounts/123", rzlock.DefaultOptions(),
//	    func(ctx context.Context) (int, error) {
//	        return debitAccount(ctx, "123", 100)
//	    })
//
// # Upgrades and Bulk Operations
//
// Upgrade a held read lock to a write lock in place:
//
//	handle, _ := locker.ReadLock(ctx, "report/q3", rzlock.DefaultOptions())
//	if needsWrite {
//	    if err := handle.Upgrade(ctx, rzlock.DefaultOptions()); err != nil {
//	        return err
//	    }
//	}
//
// Upgrade every lock in a LockSet, with a policy for partial failure:
//
//	failed, err := lockSet.Upgrade(ctx, rzlock.Options{OnError: rzlock.OnErrorIgnore})
//
// # Distributed Locks
//
// A key locked with Distributed: rzlock.DistributedOn fans its write lock
// out across every shard, sharing one token base so conflict resolution
// stays consistent shard to shard. Distributed: rzlock.DistributedAuto
// upgrades from a single-shard write lock to a full fan-out only once a
// distributed read has actually touched the key:
//
//	handle, err := locker.WriteLock(ctx, "global/config", rzlock.Options{
//	    Distributed: rzlock.DistributedAuto,
//	})
//
// # Administrative Operations
//
// LockManager inspects and repairs a deployment's lock keyspace without
// going through the acquisition engine — useful for on-call tooling:
//
//	lm := rzlock.NewLockManager(shards, rzlock.DefaultPrefix, logger, metrics)
//	locks, _ := lm.ListLocks(ctx)
//	removed, _ := lm.CleanupOrphanedLocks(ctx, false)
//	_ = lm.ForceRelease(ctx, "accounts/123")
//
// See cmd/rzlock-admin for a CLI wrapper over LockManager.
//
// # Critical Gotchas
//
// 1. Heartbeat keeps a lease alive, not the process holding it. If a process
// hangs without crashing, its lock survives until the process either
// releases it or stops heartbeating long enough to cross heartbeatTimeout.
//
// 2. A claimed write lock that never finishes draining readers (MaxWaitTime
// exceeded) is cleaned up best-effort on the caller's behalf; a cleanup
// failure (e.g. the shard going down at the wrong moment) can leave a ghost
// claim behind. Such a claim expires with its LockTimeout TTL;
// LockManager.CleanupOrphanedLocks removes only keys without a TTL, so it
// recovers a ghost claim only when LockTimeout was 0 (and allowNoExpiry is
// false).
//
// 3. ResolveConflicts changes who wins a race, not whether one happens:
// set it consistently across every caller of a given key, or priority
// comparisons become meaningless.
//
// 4. LockSet.Release walks handles in reverse acquisition order and is not
// safe to call concurrently with LockSet.ReadLock/WriteLock on the same set.
//
// # Observability
//
// Metrics (Prometheus):
//
//	metrics := rzlock.NewPrometheusMetrics(nil) // nil selects the default registry
//	locker := rzlock.NewLocker(shards, rzlock.DefaultOptions()).WithMetrics(metrics)
//
// Logging (Zap structured logging):
//
//	logger, _ := rzlock.NewProductionZapLogger()
//	locker := rzlock.NewLocker(shards, rzlock.DefaultOptions()).WithLogger(logger)
//
// # When to Use rzlock
//
// Perfect for:
//   - Guarding a hot resource (account, queue head, config) against
//     concurrent writers without a database transaction
//   - Read-mostly resources where many readers should proceed concurrently
//     but a writer needs exclusivity
//   - Coordinating work across multiple processes that all share one Redis
//     deployment (or a sharded one)
//
// Not suitable for:
//   - Cross-resource transactional isolation (use a database transaction)
//   - Sub-millisecond lock acquisition at scale (each acquisition round-trips
//     to Redis)
//   - Locks that must survive a full Redis outage (a lock's state lives
//     entirely in the KV store)
//
// # Repository and License
//
// License: MIT License - See LICENSE file for details
package rzlock
