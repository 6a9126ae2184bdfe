package rzlock

import (
	"context"
	"time"
)

// DistributedWriteHandle wraps a vector of per-shard write handles with
// unified release (spec.md §3, §4.5). It satisfies LockHandle so it can
// sit in a LockSet alongside plain Handles.
type DistributedWriteHandle struct {
	key      string
	perShard []*Handle
}

func (d *DistributedWriteHandle) Key() string { return d.key }
func (d *DistributedWriteHandle) Role() Role   { return RoleWrite }

func (d *DistributedWriteHandle) RefCount() int {
	if len(d.perShard) == 0 {
		return 0
	}
	return d.perShard[0].RefCount()
}

func (d *DistributedWriteHandle) IsLocked() bool {
	for _, h := range d.perShard {
		if !h.IsLocked() {
			return false
		}
	}
	return len(d.perShard) > 0
}

func (d *DistributedWriteHandle) Relock() error {
	for _, h := range d.perShard {
		if err := h.Relock(); err != nil {
			return err
		}
	}
	return nil
}

// Release releases every per-shard handle; it is fully released iff all
// per-shard handles are released.
func (d *DistributedWriteHandle) Release(ctx context.Context) error {
	var firstErr error
	for _, h := range d.perShard {
		if err := h.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *DistributedWriteHandle) ForceRelease(ctx context.Context) error {
	var firstErr error
	for _, h := range d.perShard {
		if err := h.ForceRelease(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Upgrade has no meaning on a distributed write handle: it is already a
// writer on every shard.
func (d *DistributedWriteHandle) Upgrade(ctx context.Context, opts Options) error {
	return nil
}

// doDistributedWriteLock acquires the key's write lock on every shard in
// shard order, sharing one token base so conflict resolution is
// consistent across shards. If any per-shard acquisition fails, it
// best-effort force-releases the handles already acquired and propagates
// the error (spec.md §4.5).
func doDistributedWriteLock(ctx context.Context, l *Locker, key string, opts Options) (*DistributedWriteHandle, error) {
	fanOutOpts := opts
	if fanOutOpts.TokenBase == "" {
		fanOutOpts.TokenBase = l.tokens.base
	}

	handles := make([]*Handle, 0, l.shards.NumShards())
	for i := 0; i < l.shards.NumShards(); i++ {
		h, err := doWriteLock(ctx, l, key, fanOutOpts, i)
		if err != nil {
			for _, acquired := range handles {
				_ = acquired.ForceRelease(context.Background())
			}
			return nil, err
		}
		handles = append(handles, h)
	}

	return &DistributedWriteHandle{key: key, perShard: handles}, nil
}

// doAutoWriteLock implements spec.md §4.5's "auto" distributed write
// mode: consult the distributed-flag; acquire a normal single-shard write
// lock if absent, then re-check and upgrade to a full distributed write
// if the flag appeared in the meantime.
func doAutoWriteLock(ctx context.Context, l *Locker, key string, opts Options) (LockHandle, error) {
	flagSet, err := l.distributedFlagSet(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	if flagSet {
		return doDistributedWriteLock(ctx, l, key, opts)
	}

	single, err := doWriteLock(ctx, l, key, opts, -1)
	if err != nil {
		return nil, err
	}

	flagSet, err = l.distributedFlagSet(ctx, key, opts)
	if err != nil || !flagSet {
		return single, nil
	}

	_ = single.ForceRelease(ctx)
	return doDistributedWriteLock(ctx, l, key, opts)
}

// distributedFlagSet reports whether the distributed-flag exists on the
// key's natural shard. Its existence signals a recent distributed read.
func (l *Locker) distributedFlagSet(ctx context.Context, key string, opts Options) (bool, error) {
	shard, _, err := l.shards.Shard(key, ShardOpts{DownNodeExpiry: opts.DownNodeExpiry, ShardIndex: -1})
	if err != nil {
		return false, err
	}
	return l.shards.Exists(ctx, shard, distFlagKey(l.prefix, key))
}

// ensureDistributedFlag implements spec.md §4.3 step 1 / §4.5: on each
// retry-loop iteration of a distributed read, check the distributed-flag's
// remaining TTL and, if missing or expiring within
// minDistributedLockFlagExpireTime, set it to maxDistributedLockFlagExpireTime
// on every shard. The per-call cost is one TTL probe per shard, since the
// common case is "already fresh, nothing to do".
func (l *Locker) ensureDistributedFlag(ctx context.Context, key string) {
	ttl, err := l.minFlagTTL(ctx, key)
	if err != nil || ttl < DefaultMinDistributedLockFlagExpireTime {
		l.setDistributedFlagOnAllShards(ctx, key)
		l.metrics.Increment(MetricDistributedFlagSet, "key", key)
	}
}

func (l *Locker) setDistributedFlagOnAllShards(ctx context.Context, key string) {
	flagKey := distFlagKey(l.prefix, key)
	for i := 0; i < l.shards.NumShards(); i++ {
		shard, _, err := l.shards.Shard(key, ShardOpts{ShardIndex: i})
		if err != nil {
			continue
		}
		_ = l.shards.SetEX(ctx, shard, flagKey, "1", DefaultMaxDistributedLockFlagExpireTime)
	}
}

// minFlagTTL returns the smallest remaining TTL for the distributed-flag
// across all shards (missing ⇒ zero, forcing a refresh).
func (l *Locker) minFlagTTL(ctx context.Context, key string) (time.Duration, error) {
	flagKey := distFlagKey(l.prefix, key)
	min := DefaultMaxDistributedLockFlagExpireTime
	for i := 0; i < l.shards.NumShards(); i++ {
		shard, _, err := l.shards.Shard(key, ShardOpts{ShardIndex: i})
		if err != nil {
			continue
		}
		ttl, err := l.shards.TTL(ctx, shard, flagKey)
		if err != nil {
			return 0, err
		}
		if ttl <= 0 {
			return 0, nil
		}
		if ttl < min {
			min = ttl
		}
	}
	return min, nil
}
