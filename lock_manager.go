package rzlock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockInfo describes the state of a single write-slot or read-set key
// discovered by LockManager (spec.md §3).
type LockInfo struct {
	Key   string // resource key, with the write:/read: keyspace prefix stripped
	Role  Role
	Shard int
	TTL   time.Duration

	Holder  string   // write role: the token occupying the slot
	Readers []string // read role: tokens in the reader set
}

// LockManager provides administrative introspection and recovery over a
// sharded lock keyspace, independent of any in-process Locker (spec.md §6
// "administrative operations" — listing, orphan cleanup, force release).
// It talks to the underlying go-redis clients directly for SCAN, which the
// ShardedClient engine contract deliberately does not expose.
type LockManager struct {
	shards  *RedisShardedClient
	prefix  string
	logger  Logger
	metrics Metrics
}

// NewLockManager creates a lock manager for administrative operations over
// every shard of shards.
func NewLockManager(shards *RedisShardedClient, prefix string, logger Logger, metrics Metrics) *LockManager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &LockManager{shards: shards, prefix: prefix, logger: logger, metrics: metrics}
}

// ListLocks scans every shard's write-slot and read-set keyspace and
// returns what it finds.
//
//	locks, err := lockManager.ListLocks(ctx)
//	for _, lock := range locks {
//	    fmt.Printf("%s %s shard=%d ttl=%s\n", lock.Role, lock.Key, lock.Shard, lock.TTL)
//	}
func (lm *LockManager) ListLocks(ctx context.Context) ([]LockInfo, error) {
	var locks []LockInfo

	writePattern := lm.prefix + "write:*"
	readPattern := lm.prefix + "read:*"

	for idx := 0; idx < lm.shards.NumShards(); idx++ {
		client, _, err := lm.shards.Shard("", ShardOpts{ShardIndex: idx})
		if err != nil {
			lm.logger.Warn("skipping unavailable shard during list", "shard", idx, "error", err)
			continue
		}

		writeKeys, err := lm.scanPattern(ctx, client, writePattern)
		if err != nil {
			return nil, err
		}
		for _, wk := range writeKeys {
			ttl, err := client.TTL(ctx, wk).Result()
			if err != nil {
				lm.logger.Warn("failed to get TTL for write slot", "key", wk, "error", err)
				continue
			}
			if ttl < -1 {
				continue
			}
			holder, err := client.Get(ctx, wk).Result()
			if err != nil {
				lm.logger.Warn("failed to get write slot value", "key", wk, "error", err)
				continue
			}
			locks = append(locks, LockInfo{
				Key:    strings.TrimPrefix(wk, lm.prefix+"write:"),
				Role:   RoleWrite,
				Shard:  idx,
				TTL:    ttl,
				Holder: holder,
			})
		}

		readKeys, err := lm.scanPattern(ctx, client, readPattern)
		if err != nil {
			return nil, err
		}
		for _, rk := range readKeys {
			ttl, err := client.TTL(ctx, rk).Result()
			if err != nil {
				lm.logger.Warn("failed to get TTL for read set", "key", rk, "error", err)
				continue
			}
			if ttl < -1 {
				continue
			}
			members, err := client.SMembers(ctx, rk).Result()
			if err != nil {
				lm.logger.Warn("failed to get read set members", "key", rk, "error", err)
				continue
			}
			locks = append(locks, LockInfo{
				Key:     strings.TrimPrefix(rk, lm.prefix+"read:"),
				Role:    RoleRead,
				Shard:   idx,
				TTL:     ttl,
				Readers: members,
			})
		}
	}

	lm.metrics.Gauge(MetricLockActive, float64(len(locks)))
	return locks, nil
}

// scanPattern collects every key matching pattern via SCAN, avoiding KEYS'
// O(n) blocking cost on large keyspaces.
func (lm *LockManager) scanPattern(ctx context.Context, client *redis.Client, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// GetLockInfo returns every write-slot or read-set entry found for key
// across all shards (normally one, or NumShards() for a distributed write).
func (lm *LockManager) GetLockInfo(ctx context.Context, key string) ([]LockInfo, error) {
	var found []LockInfo
	writeKey := lm.prefix + "write:" + key
	readKey := lm.prefix + "read:" + key

	for idx := 0; idx < lm.shards.NumShards(); idx++ {
		client, _, err := lm.shards.Shard("", ShardOpts{ShardIndex: idx})
		if err != nil {
			continue
		}

		if ttl, err := client.TTL(ctx, writeKey).Result(); err == nil && ttl >= -1 {
			holder, err := client.Get(ctx, writeKey).Result()
			if err == nil {
				found = append(found, LockInfo{Key: key, Role: RoleWrite, Shard: idx, TTL: ttl, Holder: holder})
			}
		}

		if ttl, err := client.TTL(ctx, readKey).Result(); err == nil && ttl >= -1 {
			members, err := client.SMembers(ctx, readKey).Result()
			if err == nil && len(members) > 0 {
				found = append(found, LockInfo{Key: key, Role: RoleRead, Shard: idx, TTL: ttl, Readers: members})
			}
		}
	}

	if len(found) == 0 {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{"key": key, "reason": "lock not found"})
	}
	return found, nil
}

// ForceRelease deletes the write-slot and read-set keys for key on every
// shard, regardless of token or refCount. Use only when the holder is known
// to be gone; this bypasses every invariant the acquisition engine
// maintains.
//
//	err := lockManager.ForceRelease(ctx, "users/123")
func (lm *LockManager) ForceRelease(ctx context.Context, key string) error {
	writeKey := lm.prefix + "write:" + key
	readKey := lm.prefix + "read:" + key

	var deleted int64
	for idx := 0; idx < lm.shards.NumShards(); idx++ {
		client, _, err := lm.shards.Shard("", ShardOpts{ShardIndex: idx})
		if err != nil {
			lm.logger.Warn("skipping unavailable shard during force release", "shard", idx, "error", err)
			continue
		}
		n, err := client.Del(ctx, writeKey, readKey).Result()
		if err != nil {
			return fmt.Errorf("force release shard %d: %w", idx, err)
		}
		deleted += n
	}

	if deleted == 0 {
		return WithContext(ErrInvalidArgument, map[string]interface{}{"key": key, "reason": "lock not found"})
	}

	lm.logger.Info("force released lock", "key", key, "keysDeleted", deleted)
	lm.metrics.Increment(MetricLockForceReleased, "key", key)
	return nil
}

// CleanupOrphanedLocks removes write-slot and read-set keys with no expiry
// (TTL == -1). Such a key is ordinarily the mark of a script bug or a
// manual SET left behind by a crashed process — but spec.md §8 also
// sanctions LockTimeout: 0 as a legitimate, intentionally-permanent lock,
// which produces the exact same TTL == -1. The two are indistinguishable
// from the key alone, so allowNoExpiry must be true to acknowledge that
// this deployment has locks acquired with LockTimeout: 0 and skip them;
// pass false only for deployments that never configure LockTimeout: 0,
// where every TTL == -1 key is unambiguously an orphan.
func (lm *LockManager) CleanupOrphanedLocks(ctx context.Context, allowNoExpiry bool) (int, error) {
	removed := 0

	for idx := 0; idx < lm.shards.NumShards(); idx++ {
		client, _, err := lm.shards.Shard("", ShardOpts{ShardIndex: idx})
		if err != nil {
			lm.logger.Warn("skipping unavailable shard during orphan cleanup", "shard", idx, "error", err)
			continue
		}

		for _, pattern := range []string{lm.prefix + "write:*", lm.prefix + "read:*"} {
			keys, err := lm.scanPattern(ctx, client, pattern)
			if err != nil {
				return removed, err
			}
			for _, k := range keys {
				ttl, err := client.TTL(ctx, k).Result()
				if err != nil || ttl != -1 {
					continue
				}
				if allowNoExpiry {
					lm.logger.Warn("skipping no-expiry key, allowNoExpiry is set", "key", k, "shard", idx)
					continue
				}
				if _, err := client.Del(ctx, k).Result(); err != nil {
					lm.logger.Warn("failed to delete orphaned key", "key", k, "error", err)
					continue
				}
				removed++
				lm.logger.Info("removed orphaned lock key", "key", k, "shard", idx)
				lm.metrics.Increment(MetricLockOrphaned, "key", k)
			}
		}
	}

	if removed > 0 {
		lm.metrics.Increment(MetricLockCleanup, "removed", fmt.Sprintf("%d", removed))
	}
	return removed, nil
}
