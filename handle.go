package rzlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockHandle is the capability set shared by a plain Handle and a
// DistributedWriteHandle (spec.md §4.4, §4.5). LockSet stores either kind
// uniformly under this interface.
type LockHandle interface {
	Key() string
	Role() Role
	RefCount() int
	IsLocked() bool
	Release(ctx context.Context) error
	ForceRelease(ctx context.Context) error
	Relock() error
	Upgrade(ctx context.Context, opts Options) error
}

// Handle represents an owned read or write lease on a single shard
// (spec.md §3, §4.4). It owns the heartbeat timer that periodically
// refreshes the lease and exposes release, force-release, reference-count
// relock, and read→write upgrade.
type Handle struct {
	mu sync.Mutex

	key    string
	token  string
	role   Role
	prefix string

	shard      *redis.Client
	shardIndex int

	refCount  int
	isLocked  bool
	lost      bool

	acquiredAt time.Time

	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}

	locker *Locker
}

func newHandle(locker *Locker, key, token string, role Role, shard *redis.Client, shardIndex int, opts Options) *Handle {
	h := &Handle{
		key:               key,
		token:             token,
		role:              role,
		prefix:            locker.prefix,
		shard:             shard,
		shardIndex:        shardIndex,
		refCount:          1,
		isLocked:          true,
		acquiredAt:        time.Now(),
		heartbeatInterval: opts.effectiveHeartbeatInterval(),
		heartbeatTTL:      opts.effectiveHeartbeatTimeout(),
		locker:            locker,
	}
	if !opts.HeartbeatDisabled && h.heartbeatInterval > 0 {
		h.startHeartbeat()
	}
	return h
}

func (h *Handle) Key() string  { return h.key }
func (h *Handle) Role() Role   { return h.role }
func (h *Handle) Token() string { return h.token }

func (h *Handle) RefCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refCount
}

func (h *Handle) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isLocked
}

// Relock increments the reference count on a still-locked handle
// (spec.md §4.4). It is an internal-error to relock a released handle.
func (h *Handle) Relock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isLocked {
		return WithContext(ErrInternal, map[string]interface{}{"key": h.key, "reason": "relock after release"})
	}
	h.refCount++
	return nil
}

// Release decrements the reference count, force-releasing once it
// reaches zero. Releasing an already-released handle is a no-op
// (spec.md §3 invariant 2, §4.4).
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return nil
	}
	if h.refCount > 0 {
		h.refCount--
	} else {
		h.locker.logger.Warn("release on zero refCount handle", "key", h.key)
	}
	remaining := h.refCount
	h.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	return h.ForceRelease(ctx)
}

// ForceRelease drops the lock regardless of reference count (spec.md
// §4.4). Transport errors from the release script are swallowed only
// when the shard is known-down or a KV-layer error; other errors
// propagate.
func (h *Handle) ForceRelease(ctx context.Context) error {
	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return nil
	}
	h.isLocked = false
	h.refCount = 0
	acquiredAt := h.acquiredAt
	h.mu.Unlock()

	h.stopHeartbeatTimer()

	var scriptName, key string
	var args []interface{}
	if h.role == RoleWrite {
		scriptName = scriptWriteLockRelease
		key = writeSlotKey(h.prefix, h.key)
		args = []interface{}{h.token}
	} else {
		scriptName = scriptReadLockRelease
		key = readSetKey(h.prefix, h.key)
		args = []interface{}{h.token}
	}

	_, err := h.locker.shards.RunScript(ctx, h.shard, scriptName, []string{key}, args...)
	if err != nil {
		if isSuppressibleReleaseError(err) {
			h.locker.logger.Warn("swallowed release error", "key", h.key, "role", h.role, "error", err)
			h.locker.metrics.Timing(MetricLockDuration, time.Since(acquiredAt), "role", string(h.role), "key", h.key)
			return nil
		}
		return err
	}

	h.locker.metrics.Increment(MetricLockReleased, "role", string(h.role), "key", h.key)
	h.locker.metrics.Timing(MetricLockDuration, time.Since(acquiredAt), "role", string(h.role), "key", h.key)
	return nil
}

// Upgrade promotes a locked read handle to a write handle on the same key
// (spec.md §4.4). It force-releases the read handle, acquires a write
// lock with the supplied options, then transfers the new token/role into
// this handle and restarts its heartbeat, stopping the temporary
// handle's heartbeat to avoid double-heartbeating the same lease. The
// pre-upgrade reference count carries over unchanged: upgrading swaps the
// token and role, not how many releases the handle still owes.
func (h *Handle) Upgrade(ctx context.Context, opts Options) error {
	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return WithContext(ErrInvalidArgument, map[string]interface{}{"key": h.key, "reason": "upgrade on released handle"})
	}
	if h.role == RoleWrite {
		h.mu.Unlock()
		return nil
	}
	key := h.key
	refCount := h.refCount
	h.mu.Unlock()

	if err := h.ForceRelease(ctx); err != nil {
		return err
	}

	newHandle, err := h.locker.WriteLock(ctx, key, opts)
	if err != nil {
		if opts.OnError == OnErrorRelease {
			_ = h.ForceRelease(ctx) // already released; idempotent no-op per policy
		}
		return err
	}

	plain, ok := newHandle.(*Handle)
	if !ok {
		return WithContext(ErrInternal, map[string]interface{}{"key": key, "reason": "upgrade produced non-plain handle"})
	}
	plain.stopHeartbeatTimer()

	h.mu.Lock()
	h.token = plain.token
	h.role = RoleWrite
	h.shard = plain.shard
	h.shardIndex = plain.shardIndex
	h.isLocked = true
	h.refCount = refCount
	h.heartbeatInterval = plain.heartbeatInterval
	h.heartbeatTTL = plain.heartbeatTTL
	h.mu.Unlock()

	if !opts.HeartbeatDisabled && h.heartbeatInterval > 0 {
		h.startHeartbeat()
	}
	h.locker.metrics.Increment(MetricLockUpgraded, "key", key)
	return nil
}

func (h *Handle) startHeartbeat() {
	h.stopHeartbeat = make(chan struct{})
	h.heartbeatDone = make(chan struct{})
	go h.heartbeatLoop(h.stopHeartbeat, h.heartbeatDone)
}

func (h *Handle) stopHeartbeatTimer() {
	h.mu.Lock()
	stop := h.stopHeartbeat
	h.stopHeartbeat = nil
	h.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// heartbeatLoop ticks at heartbeatInterval, refreshing the lease via the
// appropriate heartbeat script. Outcome 1 continues; outcome 0 or 3 stops
// the timer and marks the handle lost (spec.md §4.4).
func (h *Handle) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	h.mu.Lock()
	interval := h.heartbeatInterval
	h.mu.Unlock()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.tickHeartbeat()
		}
	}
}

func (h *Handle) tickHeartbeat() {
	h.mu.Lock()
	if !h.isLocked {
		h.mu.Unlock()
		return
	}
	role, key, token, shard, ttl := h.role, h.key, h.token, h.shard, h.heartbeatTTL
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var scriptName, kvKey string
	if role == RoleWrite {
		scriptName = scriptWriteLockHeartbeat
		kvKey = writeSlotKey(h.prefix, key)
	} else {
		scriptName = scriptReadLockHeartbeat
		kvKey = readSetKey(h.prefix, key)
	}

	cmd, err := h.locker.shards.RunScript(ctx, shard, scriptName, []string{kvKey}, token, int64(ttl.Seconds()))
	if err != nil {
		h.locker.logger.Warn("heartbeat transport error", "key", key, "role", role, "error", err)
		return
	}

	code, _, err := parseOutcome(cmd)
	if err != nil {
		h.locker.logger.Warn("heartbeat reply parse error", "key", key, "error", err)
		return
	}

	if code == 1 {
		return
	}

	h.mu.Lock()
	h.lost = true
	h.mu.Unlock()
	h.locker.logger.Warn("heartbeat lost lease", "key", key, "role", role, "outcome", code)
	h.locker.metrics.Increment(MetricLockHeartbeatLost, "role", string(role), "key", key)
	h.stopHeartbeatTimer()
}

// parseOutcome decodes a script reply of the shape {code, ...rest} into
// its outcome code and any trailing elements.
func parseOutcome(cmd *redis.Cmd) (int64, []interface{}, error) {
	raw, err := cmd.Result()
	if err != nil {
		return 0, nil, err
	}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, nil, WithContext(ErrInternal, map[string]interface{}{"reason": "malformed script reply", "reply": fmt.Sprintf("%v", raw)})
	}
	code, ok := arr[0].(int64)
	if !ok {
		return 0, nil, WithContext(ErrInternal, map[string]interface{}{"reason": "non-integer outcome code"})
	}
	return code, arr[1:], nil
}
