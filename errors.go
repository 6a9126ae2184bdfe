package rzlock

import (
	"errors"
	"fmt"
)

// Sentinel errors for the four error kinds this package surfaces.
var (
	// ErrResourceLocked means acquisition gave up: timeout, zero-wait
	// miss, or a conflict-resolution loss. The acquisition engine wraps
	// it with WithContext carrying key, role, reason and observed holder;
	// a timeout adds maxWaitTime, holder-change count and elapsed time, and
	// a conflict-resolution loss adds the requester's own token. The
	// zero-wait and timeout contexts carry no own token, and none carries
	// the token base.
	ErrResourceLocked = errors.New("a lock cannot be acquired on the resource")

	// ErrInvalidArgument means misuse of the API: a duplicate key passed
	// to LockSet.AddLock, an upgrade attempted on a released handle, an
	// out-of-range ConflictPriority or negative duration in Options, and
	// similar. A bulk operation given an empty key list is not an error.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal means an invariant was violated: a write handle
	// without a token, a relock after release, a script reply shaped
	// unlike its documented contract.
	ErrInternal = errors.New("internal lock invariant violation")

	// ErrShardUnavailable is the transient "shard down" signal. The
	// acquisition engine swallows it and treats it as a retryable miss;
	// it is surfaced to callers only if it persists past the deadline,
	// at which point it is reported as ErrResourceLocked.
	ErrShardUnavailable = errors.New("shard unavailable")

	// ErrInvalidConfig flags an unusable client configuration, such as a
	// sharded client built with no shards. Options.Validate reports
	// ErrInvalidArgument instead.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds diagnostic context to an error for logging.
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext wraps err with diagnostic key/value context. Returns nil if
// err is nil.
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// IsResourceLocked reports whether err is (or wraps) ErrResourceLocked.
func IsResourceLocked(err error) bool {
	return errors.Is(err, ErrResourceLocked)
}

// IsInvalidArgument reports whether err is (or wraps) ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsInternal reports whether err is (or wraps) ErrInternal.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// IsShardUnavailable reports whether err is (or wraps) ErrShardUnavailable.
// Only the acquisition and release paths should ever see this value
// directly; everywhere else it has already been converted to
// ErrResourceLocked or swallowed.
func IsShardUnavailable(err error) bool {
	return errors.Is(err, ErrShardUnavailable)
}

// IsRetryable reports whether a caller driving its own retry loop around
// rzlock (rather than relying on Options.MaxWaitTime) should retry err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResourceLocked) || errors.Is(err, ErrShardUnavailable)
}

// isSuppressibleReleaseError reports whether err is one of the two
// categories spec.md §9 Open Questions designates as benign during
// release: shard-unavailable, or an explicit KV-layer error reported by
// the sharded client. All other release errors must propagate.
func isSuppressibleReleaseError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrShardUnavailable) || isKVLayerError(err)
}
