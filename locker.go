package rzlock

import "context"

// Locker is the top-level entry point implementing the public API
// surface shared with LockSet (spec.md §6, §9 "duck-typed
// interchangeability of Locker and LockSet"): createLockSet, readLock,
// writeLock, readLockSet, writeLockSet, and the wrap helpers.
type Locker struct {
	shards   ShardedClient
	prefix   string
	defaults Options
	logger   Logger
	metrics  Metrics
	tokens   *tokenGenerator
}

// NewLocker builds a Locker over a sharded KV client, applying defaults
// to every call unless a per-call Options overrides them.
func NewLocker(shards ShardedClient, defaults Options) *Locker {
	return &Locker{
		shards:   shards,
		prefix:   DefaultPrefix,
		defaults: defaults,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		tokens:   newTokenGenerator(defaults.DebugTokens),
	}
}

// WithLogger attaches a logger, returning the Locker for chaining.
func (l *Locker) WithLogger(logger Logger) *Locker {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithMetrics attaches a metrics sink, returning the Locker for chaining.
func (l *Locker) WithMetrics(metrics Metrics) *Locker {
	if metrics != nil {
		l.metrics = metrics
	}
	return l
}

// WithPrefix overrides the default "rzlock:" key prefix.
func (l *Locker) WithPrefix(prefix string) *Locker {
	if prefix != "" {
		l.prefix = prefix
	}
	return l
}

// CreateLockSet creates a new, empty top-level LockSet.
func (l *Locker) CreateLockSet() *LockSet {
	return newLockSet(l, "")
}

// ReadLock acquires a read lease on key (spec.md §4.3).
func (l *Locker) ReadLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	merged := opts.merge(l.defaults)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	h, err := doReadLock(ctx, l, key, merged)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// WriteLock acquires a write lease on key, dispatching to single-shard,
// fan-out, or auto distributed acquisition per opts.Distributed
// (spec.md §4.3, §4.5).
func (l *Locker) WriteLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	merged := opts.merge(l.defaults)
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	switch merged.Distributed {
	case DistributedOn:
		h, err := doDistributedWriteLock(ctx, l, key, merged)
		if err != nil {
			return nil, err
		}
		return h, nil
	case DistributedAuto:
		return doAutoWriteLock(ctx, l, key, merged)
	default:
		h, err := doWriteLock(ctx, l, key, merged, -1)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// ReadLockSet acquires read locks for every key into opts.LockSet if
// supplied, or a fresh top-level LockSet otherwise.
func (l *Locker) ReadLockSet(ctx context.Context, keys []string, opts Options) (*LockSet, error) {
	merged := opts.merge(l.defaults)
	ls := merged.LockSet
	if ls == nil {
		ls = newLockSet(l, merged.TokenBase)
	}
	return ls.ReadLockSet(ctx, keys, merged)
}

// WriteLockSet is ReadLockSet's write-role counterpart.
func (l *Locker) WriteLockSet(ctx context.Context, keys []string, opts Options) (*LockSet, error) {
	merged := opts.merge(l.defaults)
	ls := merged.LockSet
	if ls == nil {
		ls = newLockSet(l, merged.TokenBase)
	}
	return ls.WriteLockSet(ctx, keys, merged)
}

// Locking is the capability set implemented by both Locker and LockSet,
// letting the wrap helpers operate on either (spec.md §9).
type Locking interface {
	ReadLock(ctx context.Context, key string, opts Options) (LockHandle, error)
	WriteLock(ctx context.Context, key string, opts Options) (LockHandle, error)
}

var (
	_ Locking = (*Locker)(nil)
	_ Locking = (*LockSet)(nil)
)

// ReadLockWrap acquires a read lock, runs fn, and releases the lock
// before returning — on success or on fn's error (spec.md §6
// readLockWrap).
func ReadLockWrap[T any](ctx context.Context, l Locking, key string, opts Options, fn func(context.Context) (T, error)) (T, error) {
	return lockWrap(ctx, key, opts, fn, l.ReadLock)
}

// WriteLockWrap is ReadLockWrap's write-role counterpart.
func WriteLockWrap[T any](ctx context.Context, l Locking, key string, opts Options, fn func(context.Context) (T, error)) (T, error) {
	return lockWrap(ctx, key, opts, fn, l.WriteLock)
}

func lockWrap[T any](ctx context.Context, key string, opts Options, fn func(context.Context) (T, error), acquire func(context.Context, string, Options) (LockHandle, error)) (T, error) {
	var zero T
	h, err := acquire(ctx, key, opts)
	if err != nil {
		return zero, err
	}

	result, fnErr := fn(ctx)
	relErr := h.Release(ctx)
	if fnErr != nil {
		return result, fnErr
	}
	if relErr != nil {
		return zero, relErr
	}
	return result, nil
}
