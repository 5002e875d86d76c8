package flock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"exclusive-flock/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLockDir(t.TempDir()), WithPollInterval(time.Millisecond)}, opts...)
	return NewRegistry(discardLogger(), opts...)
}

func mustRegister(t *testing.T, reg *Registry, resource string) domain.LockName {
	t.Helper()
	name, err := reg.RegisterResource(resource)
	if err != nil {
		t.Fatalf("RegisterResource(%q): %v", resource, err)
	}
	return name
}

func TestNewRegistryDefaults(t *testing.T) {
	reg := NewRegistry(discardLogger())

	if reg.LockDir() != domain.DefaultLockDir {
		t.Errorf("LockDir() = %q, want %q", reg.LockDir(), domain.DefaultLockDir)
	}
	if reg.pollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", reg.pollInterval, DefaultPollInterval)
	}
	if reg.fileMode != DefaultFileMode {
		t.Errorf("fileMode = %v, want %v", reg.fileMode, DefaultFileMode)
	}
	if reg.createDir {
		t.Error("createDir should default to false")
	}
	if len(reg.Names()) != 0 {
		t.Errorf("Names() = %v, want empty", reg.Names())
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *Registry)
		lockName domain.LockName
		path     domain.LockPath
		wantErr  error
	}{
		{
			name:     "new binding",
			lockName: "EXCLUSIVE_FLOCK_A",
			path:     "/tmp/locks/EXCLUSIVE_FLOCK_A",
		},
		{
			name: "identical re-registration is idempotent",
			setup: func(r *Registry) {
				r.Register("EXCLUSIVE_FLOCK_A", "/tmp/locks/EXCLUSIVE_FLOCK_A") //nolint:errcheck
			},
			lockName: "EXCLUSIVE_FLOCK_A",
			path:     "/tmp/locks/../locks/EXCLUSIVE_FLOCK_A",
		},
		{
			name: "same name different path",
			setup: func(r *Registry) {
				r.Register("EXCLUSIVE_FLOCK_A", "/tmp/locks/EXCLUSIVE_FLOCK_A") //nolint:errcheck
			},
			lockName: "EXCLUSIVE_FLOCK_A",
			path:     "/tmp/other/EXCLUSIVE_FLOCK_A",
			wantErr:  domain.ErrDuplicateName,
		},
		{
			name: "different name same path",
			setup: func(r *Registry) {
				r.Register("EXCLUSIVE_FLOCK_A", "/tmp/locks/shared") //nolint:errcheck
			},
			lockName: "EXCLUSIVE_FLOCK_B",
			path:     "/tmp/locks/shared",
			wantErr:  domain.ErrPathInUse,
		},
		{
			name:     "empty name",
			lockName: " ",
			path:     "/tmp/locks/x",
			wantErr:  domain.ErrInvalidName,
		},
		{
			name:     "relative path",
			lockName: "EXCLUSIVE_FLOCK_A",
			path:     "locks/EXCLUSIVE_FLOCK_A",
			wantErr:  domain.ErrInvalidPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			if tt.setup != nil {
				tt.setup(reg)
			}

			err := reg.Register(tt.lockName, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Register() unexpected error: %v", err)
			}
			got, ok := reg.Lookup(tt.lockName)
			if !ok {
				t.Fatal("Lookup() returned false after Register")
			}
			if got != domain.LockPath(filepath.Clean(string(tt.path))) {
				t.Errorf("Lookup() = %q, want %q", got, tt.path)
			}
		})
	}
}

func TestRegisterResourceDerivesPath(t *testing.T) {
	reg := newTestRegistry(t)

	name := mustRegister(t, reg, domain.ResourceTest1)
	if name != domain.NameFor(domain.ResourceTest1) {
		t.Errorf("name = %q, want %q", name, domain.NameFor(domain.ResourceTest1))
	}
	path, _ := reg.Lookup(name)
	if want := domain.PathFor(reg.LockDir(), name); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	if _, err := reg.RegisterResource("lower"); !errors.Is(err, domain.ErrInvalidName) {
		t.Errorf("RegisterResource(lower) error = %v, want ErrInvalidName", err)
	}
}

func TestRegisterAll(t *testing.T) {
	reg := newTestRegistry(t)
	a, _ := domain.NewResource(reg.LockDir(), "A")
	b, _ := domain.NewResource(reg.LockDir(), "B")
	clash := &domain.Resource{Name: a.Name, Path: "/elsewhere/EXCLUSIVE_FLOCK_A"}

	if err := reg.RegisterAll([]*domain.Resource{a, b}); err != nil {
		t.Fatalf("RegisterAll() error: %v", err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != a.Name || got[1] != b.Name {
		t.Errorf("Names() = %v, want [%s %s]", got, a.Name, b.Name)
	}
	if err := reg.RegisterAll([]*domain.Resource{clash}); !errors.Is(err, domain.ErrDuplicateName) {
		t.Errorf("RegisterAll(clash) error = %v, want ErrDuplicateName", err)
	}
}

// Scenario: acquire TEST1, a second non-blocking acquire from another
// goroutine fails, and succeeds once the first handle is released.
func TestAcquireReleaseScenario(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, domain.ResourceTest1)
	ctx := context.Background()

	h, err := reg.Acquire(ctx, name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(string(h.Path())); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}
	if !reg.Held(name) {
		t.Error("Held() = false while handle is live")
	}

	errCh := make(chan error, 1)
	go func() {
		h2, err := reg.Acquire(ctx, name, domain.NonBlocking())
		if err == nil {
			h2.Release()
		}
		errCh <- err
	}()
	if err := <-errCh; !errors.Is(err, domain.ErrWouldBlock) {
		t.Fatalf("second non-blocking Acquire error = %v, want ErrWouldBlock", err)
	}

	h.Release()
	if reg.Held(name) {
		t.Error("Held() = true after release")
	}

	h3, err := reg.Acquire(ctx, name, domain.NonBlocking())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	h3.Release()

	// The lock file is never removed.
	if _, err := os.Stat(string(h.Path())); err != nil {
		t.Errorf("lock file should survive release: %v", err)
	}
}

func TestAcquireUnknownNameDoesNotTouchFilesystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	reg := NewRegistry(discardLogger(), WithLockDir(dir), WithCreateDir(true))

	_, err := reg.Acquire(context.Background(), "UNKNOWN")
	if !errors.Is(err, domain.ErrUnknownName) {
		t.Fatalf("Acquire(UNKNOWN) error = %v, want ErrUnknownName", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("lock dir should not have been created, stat error = %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "A")

	h, err := reg.Acquire(context.Background(), name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Released() {
		t.Error("Released() = true before Release")
	}

	h.Release()
	h.Release()
	reg.Release(h)
	if !h.Released() {
		t.Error("Released() = false after Release")
	}

	var nilHandle *Handle
	nilHandle.Release()

	// A later holder must not be affected by stale releases.
	h2, err := reg.Acquire(context.Background(), name, domain.NonBlocking())
	if err != nil {
		t.Fatalf("Acquire after double release: %v", err)
	}
	h.Release()
	if !reg.Held(name) {
		t.Error("stale Release dropped a newer holder")
	}
	if _, err := reg.Acquire(context.Background(), name, domain.NonBlocking()); !errors.Is(err, domain.ErrWouldBlock) {
		t.Errorf("Acquire while h2 held error = %v, want ErrWouldBlock", err)
	}
	h2.Release()
}

func TestAcquireTimeout(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "A")

	h, err := reg.Acquire(context.Background(), name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err = reg.Acquire(context.Background(), name, domain.WithTimeout(timeout))
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Acquire error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, domain.ErrLockNotAcquired) {
		t.Errorf("ErrTimeout should wrap ErrLockNotAcquired")
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("returned after %v, want close to %v", elapsed, timeout)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "A")

	h, err := reg.Acquire(context.Background(), name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *Handle, 1)
	go func() {
		h2, err := reg.Acquire(context.Background(), name, domain.WithTimeout(5*time.Second))
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
		}
		got <- h2
	}()

	select {
	case <-got:
		t.Fatal("blocked Acquire returned while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	h.Release()
	select {
	case h2 := <-got:
		h2.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Acquire did not return after release")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "A")

	h, err := reg.Acquire(context.Background(), name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, name)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire error = %v, want context.DeadlineExceeded", err)
	}
}

// Two registries in one process open separate file descriptions, so the
// second one is stopped by flock itself rather than the in-process slot.
func TestAcquireOSLayerExcludesOtherRegistry(t *testing.T) {
	dir := t.TempDir()
	regA := NewRegistry(discardLogger(), WithLockDir(dir), WithPollInterval(time.Millisecond))
	regB := NewRegistry(discardLogger(), WithLockDir(dir), WithPollInterval(time.Millisecond))
	nameA := mustRegister(t, regA, "SHARED")
	nameB := mustRegister(t, regB, "SHARED")

	h, err := regA.Acquire(context.Background(), nameA)
	if err != nil {
		t.Fatalf("Acquire A: %v", err)
	}

	if _, err := regB.Acquire(context.Background(), nameB, domain.NonBlocking()); !errors.Is(err, domain.ErrWouldBlock) {
		t.Fatalf("Acquire B error = %v, want ErrWouldBlock", err)
	}
	if _, err := regB.Acquire(context.Background(), nameB, domain.WithTimeout(20*time.Millisecond)); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("timed Acquire B error = %v, want ErrTimeout", err)
	}
	// A failed OS-layer attempt must give the in-process slot back.
	if regB.Held(nameB) || len(regB.entries[nameB].slot) != 0 {
		t.Error("in-process slot leaked after OS-layer failure")
	}

	h.Release()
	hb, err := regB.Acquire(context.Background(), nameB, domain.NonBlocking())
	if err != nil {
		t.Fatalf("Acquire B after release: %v", err)
	}
	hb.Release()
}

func TestDistinctNamesDoNotBlockEachOther(t *testing.T) {
	reg := newTestRegistry(t)
	const n = 8

	names := make([]domain.LockName, n)
	for i := range names {
		names[i] = mustRegister(t, reg, fmt.Sprintf("RES%d", i))
	}

	var wg sync.WaitGroup
	handles := make(chan *Handle, n)
	errs := make(chan error, n)
	for _, name := range names {
		wg.Add(1)
		go func(name domain.LockName) {
			defer wg.Done()
			h, err := reg.Acquire(context.Background(), name, domain.NonBlocking())
			if err != nil {
				errs <- err
				return
			}
			handles <- h
		}(name)
	}
	wg.Wait()
	close(errs)
	close(handles)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	count := 0
	for h := range handles {
		count++
		h.Release()
	}
	if count != n {
		t.Errorf("acquired %d locks, want %d", count, n)
	}
}

func TestConcurrentAcquireSameName(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "CONTESTED")
	const goroutines = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := reg.Do(context.Background(), name, func(context.Context) error {
				mu.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			}, domain.WithTimeout(10*time.Second))
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("saw %d simultaneous holders, want 1", maxSeen)
	}
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "A")
	boom := errors.New("boom")

	err := reg.Do(context.Background(), name, func(context.Context) error {
		if !reg.Held(name) {
			t.Error("lock not held inside Do")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want %v", err, boom)
	}
	if reg.Held(name) {
		t.Fatal("lock still held after Do returned an error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = reg.Do(context.Background(), name, func(context.Context) error {
			panic("boom")
		})
	}()
	if reg.Held(name) {
		t.Fatal("lock still held after Do panicked")
	}

	if err := reg.Do(context.Background(), "UNKNOWN", func(context.Context) error { return nil }); !errors.Is(err, domain.ErrUnknownName) {
		t.Errorf("Do(UNKNOWN) error = %v, want ErrUnknownName", err)
	}
}

func TestAcquireIOErrors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		reg := newTestRegistry(t)
		path := domain.LockPath(filepath.Join(t.TempDir(), "missing", "EXCLUSIVE_FLOCK_A"))
		if err := reg.Register("EXCLUSIVE_FLOCK_A", path); err != nil {
			t.Fatal(err)
		}

		_, err := reg.Acquire(context.Background(), "EXCLUSIVE_FLOCK_A", domain.NonBlocking())
		if !errors.Is(err, domain.ErrIO) {
			t.Fatalf("Acquire error = %v, want ErrIO", err)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Acquire error = %v, should carry fs.ErrNotExist", err)
		}
		if reg.Held("EXCLUSIVE_FLOCK_A") {
			t.Error("Held() = true after failed acquire")
		}
	})

	t.Run("missing directory is created on demand", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "locks")
		reg := NewRegistry(discardLogger(), WithLockDir(dir), WithCreateDir(true))
		name := mustRegister(t, reg, "A")

		h, err := reg.Acquire(context.Background(), name, domain.NonBlocking())
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		h.Release()
	})

	t.Run("path is a directory", func(t *testing.T) {
		reg := newTestRegistry(t)
		name := mustRegister(t, reg, "A")
		path, _ := reg.Lookup(name)
		if err := os.Mkdir(string(path), 0o755); err != nil {
			t.Fatal(err)
		}

		if _, err := reg.Acquire(context.Background(), name); !errors.Is(err, domain.ErrIO) {
			t.Fatalf("Acquire error = %v, want ErrIO", err)
		}
	})

	t.Run("path is a symlink", func(t *testing.T) {
		reg := newTestRegistry(t)
		name := mustRegister(t, reg, "A")
		path, _ := reg.Lookup(name)
		target := filepath.Join(t.TempDir(), "target")
		if err := os.WriteFile(target, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(target, string(path)); err != nil {
			t.Fatal(err)
		}

		if _, err := reg.Acquire(context.Background(), name); !errors.Is(err, domain.ErrIO) {
			t.Fatalf("Acquire error = %v, want ErrIO", err)
		}
	})
}

func TestFileModeOption(t *testing.T) {
	reg := newTestRegistry(t, WithFileMode(0o600))
	name := mustRegister(t, reg, "A")

	h, err := reg.Acquire(context.Background(), name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	info, err := os.Stat(string(h.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("lock file mode = %v, want no group/other bits", perm)
	}
}

func TestSnapshotAndStatus(t *testing.T) {
	reg := newTestRegistry(t)
	a := mustRegister(t, reg, "A")
	b := mustRegister(t, reg, "B")

	h, err := reg.Acquire(context.Background(), b)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].Name != a || snap[0].Held {
		t.Errorf("snap[0] = %+v, want %s not held", snap[0], a)
	}
	if snap[1].Name != b || !snap[1].Held || snap[1].Token != h.Token() || snap[1].AcquiredAt == nil {
		t.Errorf("snap[1] = %+v, want %s held by %s", snap[1], b, h.Token())
	}

	h.Release()
	st, ok := reg.Status(b)
	if !ok || st.Held || st.Token != "" {
		t.Errorf("Status(%s) = %+v, %v; want registered and free", b, st, ok)
	}
	if _, ok := reg.Status("UNKNOWN"); ok {
		t.Error("Status(UNKNOWN) returned true")
	}
}

func TestHandleAccessors(t *testing.T) {
	reg := newTestRegistry(t)
	name := mustRegister(t, reg, "A")
	before := time.Now()

	lock, err := NewLocker(reg).Acquire(context.Background(), name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	h, ok := lock.(*Handle)
	if !ok {
		t.Fatalf("lock type = %T, want *Handle", lock)
	}
	if h.Name() != name {
		t.Errorf("Name() = %q, want %q", h.Name(), name)
	}
	if want := domain.PathFor(reg.LockDir(), name); h.Path() != want {
		t.Errorf("Path() = %q, want %q", h.Path(), want)
	}
	if h.Token() == "" {
		t.Error("Token() is empty")
	}
	if h.AcquiredAt().Before(before) {
		t.Errorf("AcquiredAt() = %v, before the call", h.AcquiredAt())
	}
}

func TestLockerReturnsNilInterfaceOnError(t *testing.T) {
	reg := newTestRegistry(t)

	lock, err := NewLocker(reg).Acquire(context.Background(), "UNKNOWN")
	if !errors.Is(err, domain.ErrUnknownName) {
		t.Fatalf("error = %v, want ErrUnknownName", err)
	}
	if lock != nil {
		t.Errorf("lock = %#v, want nil interface", lock)
	}
}
