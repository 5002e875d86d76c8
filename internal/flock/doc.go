// Package flock brokers exclusive, advisory, process-level locks on named
// resources.
//
// A [Registry] maps each [domain.LockName] to a lock file and hands out a
// [Handle] for every successful acquire. Exclusion is enforced in two layers:
//
//   - an in-process slot per name, so goroutines of one process serialize
//     before touching the file and non-blocking attempts fail fast;
//   - flock(2) on the lock file itself, which is what excludes other
//     processes. The kernel drops it when the process exits, however it exits.
//
// Lock files are created on demand and never deleted, since unlinking a path
// another process has open would let two holders lock different inodes.
//
// # Basic Usage
//
//	reg := flock.NewRegistry(logger, flock.WithLockDir("/var/lock"))
//	name, _ := reg.RegisterResource(domain.ResourceTest1)
//
//	err := reg.Do(ctx, name, func(ctx context.Context) error {
//		// exclusive section
//		return nil
//	}, domain.WithTimeout(5*time.Second))
//
// Callers that need the handle directly must release it on every path:
//
//	h, err := reg.Acquire(ctx, name, domain.NonBlocking())
//	if err != nil {
//		return err // errors.Is(err, domain.ErrWouldBlock) when busy
//	}
//	defer h.Release()
//
// # Thread Safety
//
// All [Registry] and [Handle] methods are safe for concurrent use. Waiters are
// not served in FIFO order.
package flock
