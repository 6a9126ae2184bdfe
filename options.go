package rzlock

import "time"

// Distributed is a tri-state replacing the dynamic `false`/`true`/"auto"
// option from spec.md §6.
type Distributed int

const (
	DistributedOff Distributed = iota
	DistributedOn
	DistributedAuto
)

// OnErrorPolicy governs how LockSet.Upgrade and Handle.Upgrade react to an
// upgrade failure (spec.md §4.6, §6).
type OnErrorPolicy int

const (
	OnErrorStop OnErrorPolicy = iota
	OnErrorRelease
	OnErrorIgnore
)

// Default timing constants (spec.md §6). lockTimeout follows the spec's
// recommendation of 60s over the 10s variant (see DESIGN.md open-question
// decisions); maxWaitTime follows the 86,400s variant.
const (
	DefaultLockTimeout                      = 60 * time.Second
	DefaultMaxWaitTime                      = 86400 * time.Second
	DefaultMinDistributedLockFlagExpireTime = 5 * time.Second
	DefaultMaxDistributedLockFlagExpireTime = 60 * time.Second
	DefaultDistributedLockFlagTimerWindow   = 15 * time.Second

	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 1000 * time.Millisecond
)

// Options configures a single lock acquisition or a locker's defaults
// (spec.md §6 Recognized Options). A typed struct replaces the source's
// dynamic option bag; DefaultOptions() supplies every default and callers
// override only the fields they care about.
type Options struct {
	LockTimeout time.Duration // TTL applied to KV entries; 0 = no expiry

	// MaxWaitTime is the acquisition ceiling; 0 = fail fast. A pointer
	// because 0 is a meaningful override (fail fast) distinct from "caller
	// left this unset, inherit the locker's default" — the same ambiguity
	// aws-sdk-go's optional scalar fields solve with pointer helpers like
	// aws.Duration(). Use Wait(d) to build one, or nil to inherit.
	MaxWaitTime    *time.Duration
	DownNodeExpiry time.Duration // passed to the sharded client

	HeartbeatInterval time.Duration // 0 means "derive from LockTimeout"
	HeartbeatDisabled bool
	HeartbeatTimeout  time.Duration // TTL written by each heartbeat; 0 means "derive"

	WarnTime time.Duration // elapsed-wait threshold for a single warn callback
	OnWarn   func(key string, role string, elapsed time.Duration)

	ResolveConflicts bool
	ConflictPriority int    // 0-99, lower wins
	TokenBase        string // override the per-process base

	Distributed           Distributed
	EnableDistributedAuto bool

	OnError OnErrorPolicy

	DebugTokens bool

	LockSet *LockSet // destination set for bulk operations
}

// DefaultOptions returns the baseline configuration a Locker applies
// before any caller overrides (spec.md §6).
func DefaultOptions() Options {
	return Options{
		LockTimeout:           DefaultLockTimeout,
		MaxWaitTime:           Wait(DefaultMaxWaitTime),
		DownNodeExpiry:        DefaultLockTimeout,
		ResolveConflicts:      false,
		ConflictPriority:      50,
		Distributed:           DistributedOff,
		EnableDistributedAuto: true,
		OnError:               OnErrorStop,
	}
}

// Wait builds a *time.Duration for Options.MaxWaitTime, including the
// explicit zero ("fail fast") that a bare field assignment cannot
// distinguish from "unset" once the field is a pointer.
func Wait(d time.Duration) *time.Duration {
	return &d
}

// maxWaitTime returns the effective ceiling, treating an unset pointer as
// 0 (fail fast) — the same default the zero value of the old scalar field
// carried.
func (o Options) maxWaitTime() time.Duration {
	if o.MaxWaitTime == nil {
		return 0
	}
	return *o.MaxWaitTime
}

// merge overlays non-zero fields of o onto a copy of base, the same shape
// as the teacher's RetryConfig override pattern.
func (o Options) merge(base Options) Options {
	result := base
	if o.LockTimeout != 0 {
		result.LockTimeout = o.LockTimeout
	}
	if o.MaxWaitTime != nil {
		result.MaxWaitTime = o.MaxWaitTime
	}
	if o.DownNodeExpiry != 0 {
		result.DownNodeExpiry = o.DownNodeExpiry
	}
	if o.HeartbeatInterval != 0 {
		result.HeartbeatInterval = o.HeartbeatInterval
	}
	result.HeartbeatDisabled = result.HeartbeatDisabled || o.HeartbeatDisabled
	if o.HeartbeatTimeout != 0 {
		result.HeartbeatTimeout = o.HeartbeatTimeout
	}
	if o.WarnTime != 0 {
		result.WarnTime = o.WarnTime
	}
	if o.OnWarn != nil {
		result.OnWarn = o.OnWarn
	}
	if o.ResolveConflicts {
		result.ResolveConflicts = true
	}
	if o.ConflictPriority != 0 {
		result.ConflictPriority = o.ConflictPriority
	}
	if o.TokenBase != "" {
		result.TokenBase = o.TokenBase
	}
	if o.Distributed != DistributedOff {
		result.Distributed = o.Distributed
	}
	result.EnableDistributedAuto = o.EnableDistributedAuto || result.EnableDistributedAuto
	if o.OnError != OnErrorStop {
		result.OnError = o.OnError
	}
	result.DebugTokens = result.DebugTokens || o.DebugTokens
	if o.LockSet != nil {
		result.LockSet = o.LockSet
	}
	return result
}

// effectiveHeartbeatInterval applies spec.md §4.4's default derivation:
// interval = floor(lockTimeout*1000/3) ms.
func (o Options) effectiveHeartbeatInterval() time.Duration {
	if o.HeartbeatInterval > 0 {
		return o.HeartbeatInterval
	}
	if o.LockTimeout <= 0 {
		return 0
	}
	return (o.LockTimeout / 3).Truncate(time.Millisecond)
}

// effectiveHeartbeatTimeout applies spec.md §4.4's default: ceil(3*interval/1000) s.
func (o Options) effectiveHeartbeatTimeout() time.Duration {
	if o.HeartbeatTimeout > 0 {
		return o.HeartbeatTimeout
	}
	interval := o.effectiveHeartbeatInterval()
	if interval <= 0 {
		return o.LockTimeout
	}
	timeout := 3 * interval
	if rem := timeout % time.Second; rem != 0 {
		timeout += time.Second - rem
	}
	return timeout
}

// Validate reports invalid combinations (spec.md §7 INVALID_ARGUMENT).
func (o Options) Validate() error {
	if o.ConflictPriority < 0 || o.ConflictPriority > 99 {
		return WithContext(ErrInvalidArgument, map[string]interface{}{
			"field": "ConflictPriority", "value": o.ConflictPriority,
		})
	}
	if o.LockTimeout < 0 || o.maxWaitTime() < 0 || o.DownNodeExpiry < 0 {
		return WithContext(ErrInvalidArgument, map[string]interface{}{"reason": "negative duration option"})
	}
	return nil
}
