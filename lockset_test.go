package rzlock

import (
	"context"
	"testing"
)

func TestLockSetAddLockRejectsDuplicateKey(t *testing.T) {
	locker, _ := newTestLocker(t, 1, fastOptions())
	ctx := context.Background()
	set := locker.CreateLockSet()

	h, err := locker.WriteLock(ctx, "accounts/1", fastOptions())
	if err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	if err := set.AddLock(h); err != nil {
		t.Fatalf("AddLock: %v", err)
	}

	dup, err := locker.WriteLock(ctx, "accounts/2", fastOptions())
	if err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	defer dup.ForceRelease(ctx)

	if err := set.AddLock(h); err == nil {
		t.Fatal("expected AddLock to reject a duplicate key")
	}

	set.Release(ctx)
}

func TestLockSetReadLockRefCounts(t *testing.T) {
	locker, _ := newTestLocker(t, 1, fastOptions())
	ctx := context.Background()
	set := locker.CreateLockSet()

	h1, err := set.ReadLock(ctx, "report/q3", fastOptions())
	if err != nil {
		t.Fatalf("first ReadLock: %v", err)
	}
	h2, err := set.ReadLock(ctx, "report/q3", fastOptions())
	if err != nil {
		t.Fatalf("second ReadLock: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same handle object to be returned for a repeated key")
	}
	if h1.RefCount() != 2 {
		t.Fatalf("refCount = %d, want 2", h1.RefCount())
	}

	if err := set.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !h1.IsLocked() {
		t.Fatal("first Release should only have decremented refCount to 1, not unlocked yet")
	}
}

func TestLockSetWriteLockSetReleasesReverseOrder(t *testing.T) {
	locker, _ := newTestLocker(t, 1, fastOptions())
	ctx := context.Background()
	set := locker.CreateLockSet()

	keys := []string{"a", "b", "c"}
	if _, err := set.WriteLockSet(ctx, keys, fastOptions()); err != nil {
		t.Fatalf("WriteLockSet: %v", err)
	}

	handles := make(map[string]LockHandle, len(keys))
	for _, k := range keys {
		h, ok := set.GetLock(k)
		if !ok {
			t.Fatalf("missing handle for key %q", k)
		}
		handles[k] = h
	}

	if err := set.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for _, k := range keys {
		if handles[k].IsLocked() {
			t.Errorf("handle for %q should be released", k)
		}
	}

	// Every key should now be independently re-acquirable.
	for _, k := range keys {
		opts := fastOptions()
		opts.MaxWaitTime = Wait(0)
		h, err := locker.WriteLock(ctx, k, opts)
		if err != nil {
			t.Fatalf("re-acquire %q after set release: %v", k, err)
		}
		h.Release(ctx)
	}
}

func TestLockSetWriteLockSetRollsBackOnPartialFailure(t *testing.T) {
	locker, _ := newTestLocker(t, 1, fastOptions())
	ctx := context.Background()

	blockOpts := fastOptions()
	blocker, err := locker.WriteLock(ctx, "b", blockOpts)
	if err != nil {
		t.Fatalf("blocker WriteLock: %v", err)
	}
	defer blocker.ForceRelease(ctx)

	set := locker.CreateLockSet()
	failOpts := fastOptions()
	failOpts.MaxWaitTime = Wait(0)

	_, err = set.WriteLockSet(ctx, []string{"a", "b", "c"}, failOpts)
	if err == nil {
		t.Fatal("expected WriteLockSet to fail because \"b\" is already held elsewhere")
	}

	if _, ok := set.GetLock("a"); ok {
		t.Error("expected \"a\" to be rolled back after \"b\" failed")
	}
	if _, ok := set.GetLock("c"); ok {
		t.Error("\"c\" should never have been attempted after \"b\" failed")
	}

	// "a" must be free again.
	opts := fastOptions()
	opts.MaxWaitTime = Wait(0)
	h, err := locker.WriteLock(ctx, "a", opts)
	if err != nil {
		t.Fatalf("expected \"a\" to be free after rollback: %v", err)
	}
	h.Release(ctx)
}

func TestLockSetDependentSetReleasedWithParent(t *testing.T) {
	locker, _ := newTestLocker(t, 1, fastOptions())
	ctx := context.Background()

	parent := locker.CreateLockSet()
	if _, err := parent.WriteLock(ctx, "parent/1", fastOptions()); err != nil {
		t.Fatalf("parent WriteLock: %v", err)
	}

	child := parent.CreateLockSet()
	childHandle, err := child.WriteLock(ctx, "child/1", fastOptions())
	if err != nil {
		t.Fatalf("child WriteLock: %v", err)
	}

	if err := parent.Release(ctx); err != nil {
		t.Fatalf("parent Release: %v", err)
	}
	if childHandle.IsLocked() {
		t.Fatal("expected dependent set's handle to be released along with its parent")
	}
}

func TestLockSetUpgradeOnErrorIgnoreCollectsFailures(t *testing.T) {
	locker, _ := newTestLocker(t, 1, fastOptions())
	ctx := context.Background()

	set := locker.CreateLockSet()
	if _, err := set.ReadLock(ctx, "free", fastOptions()); err != nil {
		t.Fatalf("ReadLock free: %v", err)
	}
	if _, err := set.ReadLock(ctx, "contested", fastOptions()); err != nil {
		t.Fatalf("ReadLock contested: %v", err)
	}

	// A second, independent reader on "contested" blocks the set's
	// read-to-write upgrade of that key (write needs exclusivity).
	otherReader, err := locker.ReadLock(ctx, "contested", fastOptions())
	if err != nil {
		t.Fatalf("otherReader ReadLock: %v", err)
	}
	defer otherReader.ForceRelease(ctx)

	opts := fastOptions()
	opts.MaxWaitTime = Wait(0)
	opts.OnError = OnErrorIgnore
	failed, err := set.Upgrade(ctx, opts)
	if err != nil {
		t.Fatalf("Upgrade with OnErrorIgnore should not rethrow: %v", err)
	}
	if len(failed) != 1 || failed[0] != "contested" {
		t.Fatalf("expected only \"contested\" to fail, got %v", failed)
	}

	free, ok := set.GetLock("free")
	if !ok || free.Role() != RoleWrite {
		t.Error("expected \"free\" to have upgraded to a write lock")
	}

	set.Release(ctx)
}
