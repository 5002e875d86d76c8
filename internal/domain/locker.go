// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired, for example,
// if it's already held by another process. ErrWouldBlock and ErrTimeout both
// wrap it, so callers that only care about contention can check this one.
var ErrLockNotAcquired = errors.New("lock not acquired")

var (
	// ErrWouldBlock is returned by a non-blocking acquire on a held lock.
	ErrWouldBlock = fmt.Errorf("%w: would block", ErrLockNotAcquired)
	// ErrTimeout is returned when a blocking acquire exceeds its timeout.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrLockNotAcquired)

	// ErrUnknownName is returned for names that were never registered.
	ErrUnknownName = errors.New("unknown lock name")
	// ErrDuplicateName is returned when a name is re-registered with a different path.
	ErrDuplicateName = errors.New("lock name already registered with a different path")
	// ErrPathInUse is returned when two different names would share one lock path.
	ErrPathInUse = errors.New("lock path already registered under a different name")
	// ErrInvalidName is returned for empty or malformed lock names and resources.
	ErrInvalidName = errors.New("invalid lock name")
	// ErrInvalidPath is returned for empty or relative lock paths.
	ErrInvalidPath = errors.New("invalid lock path")

	// ErrIO classifies failures to create, open or lock the lock file.
	// The underlying os error is joined to it.
	ErrIO = errors.New("lock file i/o error")
)

// AcquireOptions controls how an acquire waits for a held lock.
type AcquireOptions struct {
	// NonBlocking makes the acquire fail immediately with ErrWouldBlock.
	NonBlocking bool
	// Timeout bounds a blocking acquire. Zero waits until the context ends.
	Timeout time.Duration
}

// AcquireOption mutates AcquireOptions.
type AcquireOption func(*AcquireOptions)

// NonBlocking requests a single immediate attempt.
func NonBlocking() AcquireOption {
	return func(o *AcquireOptions) {
		o.NonBlocking = true
	}
}

// WithTimeout bounds a blocking acquire.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *AcquireOptions) {
		o.Timeout = d
	}
}

// NewAcquireOptions applies opts over the blocking, no-timeout default.
func NewAcquireOptions(opts ...AcquireOption) AcquireOptions {
	var o AcquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Lock represents an acquired exclusive lock.
type Lock interface {
	Name() LockName
	Path() LockPath
	// Token uniquely identifies this acquisition.
	Token() string
	// Release gives the lock up. It is idempotent and never fails; problems
	// while releasing are logged by the implementation.
	Release()
}

// Locker defines the interface for a named exclusive locking mechanism.
type Locker interface {
	// Acquire obtains the lock for name. By default it blocks until the lock
	// is free or ctx ends; see NonBlocking and WithTimeout.
	Acquire(ctx context.Context, name LockName, opts ...AcquireOption) (Lock, error)
}

// LockStatus is a point-in-time view of one registered lock as seen by the
// current process.
type LockStatus struct {
	Name       LockName   `json:"name"`
	Path       LockPath   `json:"path"`
	Held       bool       `json:"held"`
	Token      string     `json:"token,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
}

// LockInspector exposes read-only lock state.
type LockInspector interface {
	Snapshot() []LockStatus
	Status(name LockName) (LockStatus, bool)
}
