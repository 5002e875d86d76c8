package flock

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"exclusive-flock/internal/domain"
)

// Handle is a held lock. It owns the open lock file until Release is called
// or the process exits.
type Handle struct {
	registry   *Registry
	entry      *entry
	file       *os.File
	token      string
	acquiredAt time.Time

	once     sync.Once
	released atomic.Bool
}

var _ domain.Lock = (*Handle)(nil)

// Name returns the lock name.
func (h *Handle) Name() domain.LockName { return h.entry.name }

// Path returns the lock file path.
func (h *Handle) Path() domain.LockPath { return h.entry.path }

// Token uniquely identifies this acquisition.
func (h *Handle) Token() string { return h.token }

// AcquiredAt returns when the lock was obtained.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Release gives up the lock. Calling it more than once, or on a nil handle,
// is a no-op.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.registry.release(h)
		h.released.Store(true)
	})
}

// Released reports whether Release has completed.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	return h.released.Load()
}
