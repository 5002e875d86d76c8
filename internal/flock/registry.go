package flock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNotRegular = errors.New("lock path is not a regular file")

// entry is the per-name state. slot is the in-process layer: a one-element
// semaphore that is full while some goroutine of this process holds or is
// taking the OS lock.
type entry struct {
	name   domain.LockName
	path   domain.LockPath
	slot   chan struct{}
	holder atomic.Pointer[Handle]
}

// Registry maps lock names to lock files and brokers exclusive access to them.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.LockName]*entry
	byPath  map[domain.LockPath]domain.LockName

	lockDir      string
	createDir    bool
	pollInterval time.Duration
	fileMode     os.FileMode

	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.LockInspector = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[domain.LockName]*entry),
		byPath:  make(map[domain.LockPath]domain.LockName),
		logger:  logger.With("component", "flock-registry"),
		tracer:  otel.Tracer("exclusive-flock-registry"),
	}
	defaultOptions(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LockDir returns the directory conventional lock paths are derived in.
func (r *Registry) LockDir() string {
	return r.lockDir
}

// Register binds name to path. Re-registering the same binding is a no-op.
// It returns ErrDuplicateName if name is bound to another path, and
// ErrPathInUse if path is bound to another name.
func (r *Registry) Register(name domain.LockName, path domain.LockPath) error {
	if strings.TrimSpace(string(name)) == "" {
		return fmt.Errorf("%w: name cannot be empty", domain.ErrInvalidName)
	}
	if path == "" || !filepath.IsAbs(string(path)) {
		return fmt.Errorf("%w: %q must be absolute", domain.ErrInvalidPath, path)
	}
	path = domain.LockPath(filepath.Clean(string(path)))

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		if existing.path == path {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %s, not %s", domain.ErrDuplicateName, name, existing.path, path)
	}
	if other, ok := r.byPath[path]; ok {
		return fmt.Errorf("%w: %s is bound to %s", domain.ErrPathInUse, path, other)
	}

	r.entries[name] = &entry{
		name: name,
		path: path,
		slot: make(chan struct{}, 1),
	}
	r.byPath[path] = name
	r.logger.Debug("registered lock", "lock_name", name, "path", path)
	return nil
}

// RegisterResource registers the conventional name and path for resource,
// EXCLUSIVE_FLOCK_<RESOURCE> under the registry's lock directory.
func (r *Registry) RegisterResource(resource string) (domain.LockName, error) {
	res, err := domain.NewResource(r.lockDir, resource)
	if err != nil {
		return "", err
	}
	if err := r.Register(res.Name, res.Path); err != nil {
		return "", err
	}
	return res.Name, nil
}

// RegisterAll registers every catalog entry, stopping at the first failure.
func (r *Registry) RegisterAll(resources []*domain.Resource) error {
	for _, res := range resources {
		if err := r.Register(res.Name, res.Path); err != nil {
			return fmt.Errorf("register %s: %w", res.Name, err)
		}
	}
	return nil
}

// Lookup returns the path bound to name.
func (r *Registry) Lookup(name domain.LockName) (domain.LockPath, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	return e.path, true
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []domain.LockName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]domain.LockName, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Held reports whether this process currently holds the lock for name.
func (r *Registry) Held(name domain.LockName) bool {
	e, ok := r.lookup(name)
	return ok && e.holder.Load() != nil
}

// Status returns the in-process view of one lock.
func (r *Registry) Status(name domain.LockName) (domain.LockStatus, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return domain.LockStatus{}, false
	}
	return e.status(), true
}

// Snapshot returns the in-process view of every lock, sorted by name.
// Locks held by other processes are reported as not held.
func (r *Registry) Snapshot() []domain.LockStatus {
	names := r.Names()
	out := make([]domain.LockStatus, 0, len(names))
	for _, name := range names {
		if st, ok := r.Status(name); ok {
			out = append(out, st)
		}
	}
	return out
}

func (e *entry) status() domain.LockStatus {
	st := domain.LockStatus{Name: e.name, Path: e.path}
	if h := e.holder.Load(); h != nil {
		at := h.acquiredAt
		st.Held = true
		st.Token = h.token
		st.AcquiredAt = &at
	}
	return st
}

func (r *Registry) lookup(name domain.LockName) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Acquire obtains exclusive access to the resource registered as name.
//
// By default it waits until the lock is free or ctx ends. With
// domain.NonBlocking it makes one attempt and fails with ErrWouldBlock; with
// domain.WithTimeout it fails with ErrTimeout once the timeout passes.
// Unknown names fail with ErrUnknownName before any file is touched, and file
// problems fail with ErrIO joined to the os error.
func (r *Registry) Acquire(ctx context.Context, name domain.LockName, opts ...domain.AcquireOption) (h *Handle, err error) {
	o := domain.NewAcquireOptions(opts...)
	ctx, span := r.tracer.Start(ctx, "flock.Acquire", trace.WithAttributes(
		attribute.String("lock.name", string(name)),
		attribute.Bool("lock.non_blocking", o.NonBlocking),
		attribute.String("lock.timeout", o.Timeout.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.LockWaitSeconds.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
		metrics.LockAcquireTotal.WithLabelValues(string(name), acquireResult(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock not acquired")
		}
	}()

	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownName, name)
	}
	span.SetAttributes(attribute.String("lock.path", string(e.path)))

	var deadline <-chan time.Time
	if !o.NonBlocking && o.Timeout > 0 {
		timer := time.NewTimer(o.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if err := r.takeSlot(ctx, e, o, deadline); err != nil {
		return nil, err
	}
	f, err := r.lockFile(ctx, e, o, deadline)
	if err != nil {
		<-e.slot
		return nil, err
	}

	h = &Handle{
		registry:   r,
		entry:      e,
		file:       f,
		token:      uuid.NewString(),
		acquiredAt: time.Now(),
	}
	e.holder.Store(h)
	metrics.LocksHeld.WithLabelValues(string(name)).Set(1)
	span.SetAttributes(attribute.String("lock.token", h.token))
	r.logger.Debug("lock acquired", "lock_name", name, "token", h.token, "waited", h.acquiredAt.Sub(start))
	return h, nil
}

// Release releases h. It is equivalent to h.Release.
func (r *Registry) Release(h *Handle) {
	h.Release()
}

// Do runs fn while holding the lock for name. The lock is released on every
// exit path of fn, including panics.
func (r *Registry) Do(ctx context.Context, name domain.LockName, fn func(ctx context.Context) error, opts ...domain.AcquireOption) error {
	h, err := r.Acquire(ctx, name, opts...)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx)
}

// takeSlot claims the in-process layer for e.
func (r *Registry) takeSlot(ctx context.Context, e *entry, o domain.AcquireOptions, deadline <-chan time.Time) error {
	if o.NonBlocking {
		select {
		case e.slot <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%w: %s is held in this process", domain.ErrWouldBlock, e.name)
		}
	}

	select {
	case e.slot <- struct{}{}:
		return nil
	case <-deadline:
		return fmt.Errorf("%w: %s not acquired within %s", domain.ErrTimeout, e.name, o.Timeout)
	case <-ctx.Done():
		return fmt.Errorf("acquire %s: %w", e.name, ctx.Err())
	}
}

// lockFile opens e's lock file and takes the OS lock, retrying every poll
// interval when blocking.
func (r *Registry) lockFile(ctx context.Context, e *entry, o domain.AcquireOptions, deadline <-chan time.Time) (*os.File, error) {
	if r.createDir {
		if err := os.MkdirAll(filepath.Dir(string(e.path)), 0o755); err != nil {
			return nil, errors.Join(fmt.Errorf("%w: create lock directory for %s", domain.ErrIO, e.name), err)
		}
	}

	f, err := openLockFile(string(e.path), r.fileMode)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: open %s", domain.ErrIO, e.path), err)
	}

	var ticker *time.Ticker
	for {
		locked, err := tryLockFile(f)
		if err != nil {
			r.closeQuietly(f)
			return nil, errors.Join(fmt.Errorf("%w: flock %s", domain.ErrIO, e.path), err)
		}
		if locked {
			return f, nil
		}
		if o.NonBlocking {
			r.closeQuietly(f)
			return nil, fmt.Errorf("%w: %s is held by another process", domain.ErrWouldBlock, e.name)
		}

		if ticker == nil {
			ticker = time.NewTicker(r.pollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ticker.C:
		case <-deadline:
			r.closeQuietly(f)
			return nil, fmt.Errorf("%w: %s not acquired within %s", domain.ErrTimeout, e.name, o.Timeout)
		case <-ctx.Done():
			r.closeQuietly(f)
			return nil, fmt.Errorf("acquire %s: %w", e.name, ctx.Err())
		}
	}
}

// release undoes Acquire for h. Failures are logged, never returned.
func (r *Registry) release(h *Handle) {
	e := h.entry
	if err := unlockFile(h.file); err != nil {
		r.logger.Warn("failed to unlock lock file", "lock_name", e.name, "token", h.token, "error", err)
	}
	if err := h.file.Close(); err != nil {
		r.logger.Warn("failed to close lock file", "lock_name", e.name, "token", h.token, "error", err)
	}
	e.holder.CompareAndSwap(h, nil)
	metrics.LocksHeld.WithLabelValues(string(e.name)).Set(0)
	<-e.slot
	r.logger.Debug("lock released", "lock_name", e.name, "token", h.token, "held_for", time.Since(h.acquiredAt))
}

func (r *Registry) closeQuietly(f *os.File) {
	if err := f.Close(); err != nil {
		r.logger.Warn("failed to close lock file", "path", f.Name(), "error", err)
	}
}

func acquireResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultAcquired
	case errors.Is(err, domain.ErrWouldBlock):
		return metrics.ResultWouldBlock
	case errors.Is(err, domain.ErrTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, domain.ErrUnknownName):
		return metrics.ResultUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCanceled
	default:
		return metrics.ResultIOError
	}
}
