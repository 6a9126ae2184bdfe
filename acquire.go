package rzlock

import (
	"context"
	"math/rand"
	"time"
)

// doReadLock implements spec.md §4.3's read acquisition: shard = the
// key's natural shard unless distributed (then a uniform-random shard),
// looping on readLockAcquire until success or timeout.
func doReadLock(ctx context.Context, l *Locker, key string, opts Options) (*Handle, error) {
	shardIdx := -1
	if opts.Distributed == DistributedOn {
		shardIdx = rand.Intn(l.shards.NumShards())
	}
	shard, idx, err := l.shards.Shard(key, ShardOpts{DownNodeExpiry: opts.DownNodeExpiry, ShardIndex: shardIdx})
	if err != nil && !IsShardUnavailable(err) {
		return nil, err
	}

	token := l.tokens.next(opts.ConflictPriority, opts.TokenBase)
	readKey := readSetKey(l.prefix, key)

	state := newAcquireState(opts, l.metrics, key, "read")
	for {
		if opts.Distributed == DistributedOn && opts.EnableDistributedAuto {
			l.ensureDistributedFlag(ctx, key)
		}
		if shard == nil {
			shard, idx, err = l.shards.Shard(key, ShardOpts{DownNodeExpiry: opts.DownNodeExpiry, ShardIndex: shardIdx})
		}
		if err == nil {
			cmd, runErr := l.shards.RunScript(ctx, shard, scriptReadLockAcquire, []string{writeSlotKey(l.prefix, key), readKey}, token, int64(opts.LockTimeout.Seconds()))
			if runErr == nil {
				code, rest, parseErr := parseOutcome(cmd)
				if parseErr != nil {
					return nil, parseErr
				}
				if code == 1 {
					l.metrics.Increment(MetricLockAcquired, "role", "read", "key", key)
					l.metrics.Timing(MetricLockWaitTime, state.elapsed, "role", "read", "key", key)
					l.metrics.Histogram(MetricLockContention, float64(state.attempts), "role", "read", "key", key)
					return newHandle(l, key, token, RoleRead, shard, idx, opts), nil
				}
				holder := outcomeHolder(rest)
				state.observeHolder(holder)
			} else if !IsShardUnavailable(runErr) {
				return nil, runErr
			}
		} else if !IsShardUnavailable(err) {
			return nil, err
		}

		if stop, stopErr := state.shouldStop(ctx, key, "read"); stop {
			l.metrics.Increment(MetricLockFailed, "role", "read", "key", key)
			return nil, stopErr
		}
		shard = nil
		err = nil
	}
}

// doWriteLock implements spec.md §4.3's write acquisition: two-phase
// claim-then-drain, conflict-resolution short-circuit, and best-effort
// cleanup of a successful claim on timeout. forcedShardIndex selects a
// specific shard (distributed fan-out); pass -1 for the key's natural
// shard.
func doWriteLock(ctx context.Context, l *Locker, key string, opts Options, forcedShardIndex int) (*Handle, error) {
	shard, idx, err := l.shards.Shard(key, ShardOpts{DownNodeExpiry: opts.DownNodeExpiry, ShardIndex: forcedShardIndex})
	if err != nil && !IsShardUnavailable(err) {
		return nil, err
	}

	token := l.tokens.next(opts.ConflictPriority, opts.TokenBase)
	writeKey := writeSlotKey(l.prefix, key)
	readKey := readSetKey(l.prefix, key)

	claimed := false
	state := newAcquireState(opts, l.metrics, key, "write")

	for {
		if shard == nil {
			shard, idx, err = l.shards.Shard(key, ShardOpts{DownNodeExpiry: opts.DownNodeExpiry, ShardIndex: forcedShardIndex})
		}
		if err == nil {
			scriptName := scriptWriteLockAcquire
			if claimed {
				scriptName = scriptWriteLockRetry
			}
			cmd, runErr := l.shards.RunScript(ctx, shard, scriptName, []string{writeKey, readKey}, token, int64(opts.LockTimeout.Seconds()))
			if runErr == nil {
				code, rest, parseErr := parseOutcome(cmd)
				if parseErr != nil {
					return nil, parseErr
				}
				switch code {
				case 1:
					l.metrics.Increment(MetricLockAcquired, "role", "write", "key", key)
					l.metrics.Timing(MetricLockWaitTime, state.elapsed, "role", "write", "key", key)
					l.metrics.Histogram(MetricLockContention, float64(state.attempts), "role", "write", "key", key)
					return newHandle(l, key, token, RoleWrite, shard, idx, opts), nil
				case 2:
					claimed = true
					members := outcomeMembers(rest)
					state.observeReaders(members)
				case 0:
					holder := outcomeHolder(rest)
					if opts.ResolveConflicts && !tokenLess(token, holder) {
						if claimed {
							cleanupClaim(ctx, l, idx, writeKey, token)
						}
						l.metrics.Increment(MetricLockConflictLost, "key", key)
						return nil, WithContext(ErrResourceLocked, map[string]interface{}{
							"key": key, "role": "write", "reason": "conflict resolution", "holder": holder, "token": token,
						})
					}
					claimed = false
					state.observeHolder(holder)
				}
			} else if !IsShardUnavailable(runErr) {
				if claimed {
					cleanupClaim(ctx, l, idx, writeKey, token)
				}
				return nil, runErr
			}
		} else if !IsShardUnavailable(err) {
			if claimed {
				cleanupClaim(ctx, l, idx, writeKey, token)
			}
			return nil, err
		}

		if stop, stopErr := state.shouldStop(ctx, key, "write"); stop {
			if claimed {
				cleanupClaim(ctx, l, idx, writeKey, token)
			}
			l.metrics.Increment(MetricLockFailed, "role", "write", "key", key)
			return nil, stopErr
		}
		shard = nil
		err = nil
	}
}

// cleanupClaim best-effort releases a write claim whose drain never
// completed before the deadline (spec.md §4.3 step 5, §5 Cancellation).
func cleanupClaim(ctx context.Context, l *Locker, shardIndex int, writeKey, token string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shard, _, err := l.shards.Shard(writeKey, ShardOpts{ShardIndex: shardIndex})
	if err != nil {
		return
	}
	_, _ = l.shards.RunScript(cleanupCtx, shard, scriptWriteLockRelease, []string{writeKey}, token)
	_ = ctx
}

func outcomeHolder(rest []interface{}) string {
	if len(rest) == 0 {
		return ""
	}
	if s, ok := rest[0].(string); ok {
		return s
	}
	return ""
}

func outcomeMembers(rest []interface{}) []string {
	if len(rest) == 0 {
		return nil
	}
	arr, ok := rest[0].([]interface{})
	if !ok {
		return nil
	}
	members := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			members = append(members, s)
		}
	}
	return members
}

// acquireState tracks the retry/backoff/timeout bookkeeping shared by
// read and write acquisition (spec.md §4.3 Retry scheduling).
type acquireState struct {
	opts    Options
	metrics Metrics
	key     string
	role    string

	wait              time.Duration
	elapsed           time.Duration
	attempts          int
	observedHolder    string
	observedReaders   []string
	holderChangeCount int
	warned            bool
}

func newAcquireState(opts Options, metrics Metrics, key, role string) *acquireState {
	return &acquireState{opts: opts, metrics: metrics, key: key, role: role, wait: initialBackoff}
}

func (s *acquireState) observeHolder(holder string) {
	if s.observedHolder != "" && holder != s.observedHolder {
		s.resetBackoff()
	}
	s.observedHolder = holder
}

// observeReaders applies semantic, order-insensitive equality over the
// reader-set contents to decide a holder-change during the drain phase
// (spec.md §9 Open Questions).
func (s *acquireState) observeReaders(members []string) {
	if s.observedReaders != nil && !equalStringSets(s.observedReaders, members) {
		s.resetBackoff()
	}
	s.observedReaders = members
}

func (s *acquireState) resetBackoff() {
	s.wait = initialBackoff
	s.holderChangeCount++
	s.metrics.Increment(MetricLockHolderChange, "role", s.role, "key", s.key)
}

// shouldStop returns (true, err) once the acquisition must give up:
// maxWaitTime==0 fails fast after the first miss; otherwise it sleeps for
// the current backoff (honoring ctx cancellation) and reports timeout
// once elapsed crosses maxWaitTime. It also fires the warn callback once.
func (s *acquireState) shouldStop(ctx context.Context, key, role string) (bool, error) {
	s.attempts++
	maxWait := s.opts.maxWaitTime()
	if maxWait == 0 {
		return true, WithContext(ErrResourceLocked, map[string]interface{}{
			"key": key, "role": role, "reason": "maxWaitTime is 0", "holder": s.observedHolder,
		})
	}

	if s.opts.WarnTime > 0 && !s.warned && s.elapsed >= s.opts.WarnTime {
		s.warned = true
		if s.opts.OnWarn != nil {
			s.opts.OnWarn(key, role, s.elapsed)
		}
	}

	if s.elapsed >= maxWait {
		s.metrics.Increment(MetricLockTimeout, "role", role, "key", key)
		return true, WithContext(ErrResourceLocked, map[string]interface{}{
			"key": key, "role": role, "reason": "timeout", "maxWaitTime": maxWait,
			"holder": s.observedHolder, "holderChanges": s.holderChangeCount, "elapsed": s.elapsed,
		})
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-time.After(s.wait):
	}

	s.elapsed += s.wait
	next := 3*s.wait + time.Duration(rand.Intn(3))*time.Millisecond
	if next > maxBackoff {
		next = maxBackoff
	}
	s.wait = next
	return false, nil
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
