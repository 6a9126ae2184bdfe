package rzlock

import (
	"context"
	"sync"
)

// LockSet aggregates handles by key with reference counting, supports
// dependent (nested) sets, and bulk release / force-release / upgrade
// with a configurable error policy (spec.md §3, §4.6). The same key
// always maps to the same Handle object within a set; re-requesting it
// increments the existing handle's reference count instead of acquiring
// a second lease.
//
// Internal state is guarded by a striped mutex keyed by lock key (to
// serialize concurrent first-acquisition races on the same key) plus a
// coarse mutex over the order slice and dependents slice, since real
// callers do invoke LockSet methods from multiple goroutines even though
// spec.md's cooperative model assumes logical single-threading per set.
type LockSet struct {
	mu         sync.Mutex
	locks      map[string]LockHandle
	order      []string // insertion order, oldest first
	dependents []*LockSet

	tokenBase string
	locker    *Locker
	stripes   *StripedLocks
}

func newLockSet(locker *Locker, tokenBase string) *LockSet {
	if tokenBase == "" {
		tokenBase = locker.tokens.base
	}
	return &LockSet{
		locks:     make(map[string]LockHandle),
		tokenBase: tokenBase,
		locker:    locker,
		stripes:   NewStripedLocks(32),
	}
}

// AddLock inserts an already-acquired handle, failing if the key is
// already present (spec.md §4.6).
func (s *LockSet) AddLock(lock LockHandle) error {
	unlock := s.stripes.Lock(lock.Key())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.locks[lock.Key()]; exists {
		return WithContext(ErrInvalidArgument, map[string]interface{}{"key": lock.Key(), "reason": "addLock duplicate key"})
	}
	s.locks[lock.Key()] = lock
	s.order = append(s.order, lock.Key())
	return nil
}

// GetLock retrieves a held lock for key, if any.
func (s *LockSet) GetLock(key string) (LockHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.locks[key]
	return h, ok
}

// AddDependentLockSet registers child as a dependent, released
// recursively (in reverse order) when this set is released.
func (s *LockSet) AddDependentLockSet(child *LockSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependents = append(s.dependents, child)
}

// CreateLockSet creates a new empty set and registers it as a dependent
// (spec.md §4.6).
func (s *LockSet) CreateLockSet() *LockSet {
	child := newLockSet(s.locker, s.tokenBase)
	s.AddDependentLockSet(child)
	return child
}

func (s *LockSet) withTokenBase(opts Options) Options {
	if opts.TokenBase == "" {
		opts.TokenBase = s.tokenBase
	}
	return opts
}

// ReadLock returns the set's existing handle for key (ref-counted) or
// acquires and inserts a fresh one (spec.md §4.6).
func (s *LockSet) ReadLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	unlock := s.stripes.Lock(key)
	defer unlock()

	if existing, ok := s.GetLock(key); ok {
		if err := existing.Relock(); err != nil {
			return nil, err
		}
		return existing, nil
	}

	h, err := s.locker.ReadLock(ctx, key, s.withTokenBase(opts))
	if err != nil {
		return nil, err
	}
	if err := s.AddLock(h); err != nil {
		_ = h.ForceRelease(ctx)
		return nil, err
	}
	return h, nil
}

// WriteLock returns the set's existing handle for key, upgrading it to
// write (a no-op if already a writer) and incrementing its refCount, or
// acquires and inserts a fresh write lock (spec.md §4.6).
func (s *LockSet) WriteLock(ctx context.Context, key string, opts Options) (LockHandle, error) {
	unlock := s.stripes.Lock(key)
	defer unlock()

	augmented := s.withTokenBase(opts)

	if existing, ok := s.GetLock(key); ok {
		if err := existing.Upgrade(ctx, augmented); err != nil {
			return nil, err
		}
		if err := existing.Relock(); err != nil {
			return nil, err
		}
		return existing, nil
	}

	h, err := s.locker.WriteLock(ctx, key, augmented)
	if err != nil {
		return nil, err
	}
	if err := s.AddLock(h); err != nil {
		_ = h.ForceRelease(ctx)
		return nil, err
	}
	return h, nil
}

// ReadLockSet acquires a read lock for each key not already held in this
// set, augmenting and returning the set. On any failure it releases
// everything acquired in this call (not pre-existing members) and
// rethrows (spec.md §4.6).
func (s *LockSet) ReadLockSet(ctx context.Context, keys []string, opts Options) (*LockSet, error) {
	return s.lockMany(ctx, keys, opts, s.ReadLock)
}

// WriteLockSet is ReadLockSet's write-role counterpart.
func (s *LockSet) WriteLockSet(ctx context.Context, keys []string, opts Options) (*LockSet, error) {
	return s.lockMany(ctx, keys, opts, s.WriteLock)
}

func (s *LockSet) lockMany(ctx context.Context, keys []string, opts Options, acquire func(context.Context, string, Options) (LockHandle, error)) (*LockSet, error) {
	acquiredThisCall := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, already := s.GetLock(key); already {
			continue
		}
		if _, err := acquire(ctx, key, opts); err != nil {
			for i := len(acquiredThisCall) - 1; i >= 0; i-- {
				if h, ok := s.GetLock(acquiredThisCall[i]); ok {
					_ = h.ForceRelease(ctx)
					s.removeLocked(acquiredThisCall[i])
				}
			}
			return nil, err
		}
		acquiredThisCall = append(acquiredThisCall, key)
	}
	return s, nil
}

// Release releases all owned handles in reverse insertion order, then
// all dependent sets in reverse order, clearing both on success (spec.md
// §4.6, §8: reverse-order release is idempotent).
func (s *LockSet) Release(ctx context.Context) error {
	return s.releaseAll(ctx, false)
}

// ForceRelease is Release's force variant, ignoring reference counts.
func (s *LockSet) ForceRelease(ctx context.Context) error {
	return s.releaseAll(ctx, true)
}

func (s *LockSet) releaseAll(ctx context.Context, force bool) error {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	dependents := append([]*LockSet(nil), s.dependents...)
	s.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		h, ok := s.GetLock(order[i])
		if !ok {
			continue
		}
		var err error
		if force {
			err = h.ForceRelease(ctx)
		} else {
			err = h.Release(ctx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(dependents) - 1; i >= 0; i-- {
		var err error
		if force {
			err = dependents[i].ForceRelease(ctx)
		} else {
			err = dependents[i].Release(ctx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		s.mu.Lock()
		s.locks = make(map[string]LockHandle)
		s.order = nil
		s.dependents = nil
		s.mu.Unlock()
	}
	return firstErr
}

// Upgrade iterates handles in reverse insertion order and upgrades each.
// onError stop rethrows at first failure; release rethrows after fully
// releasing the set; ignore collects the failed keys and returns them
// (spec.md §4.6).
func (s *LockSet) Upgrade(ctx context.Context, opts Options) ([]string, error) {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	var failed []string
	for i := len(order) - 1; i >= 0; i-- {
		h, ok := s.GetLock(order[i])
		if !ok {
			continue
		}
		if err := h.Upgrade(ctx, opts); err != nil {
			switch opts.OnError {
			case OnErrorStop:
				return nil, err
			case OnErrorRelease:
				_ = s.Release(ctx)
				return nil, err
			case OnErrorIgnore:
				failed = append(failed, order[i])
			}
		}
	}
	return failed, nil
}

func (s *LockSet) removeLocked(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
