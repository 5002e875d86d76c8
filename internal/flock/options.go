package flock

import (
	"os"
	"time"

	"exclusive-flock/internal/domain"
)

const (
	// DefaultPollInterval is how often a blocking acquire retries flock.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultFileMode is used when a lock file has to be created.
	DefaultFileMode os.FileMode = 0o644
)

// Option configures a Registry.
type Option func(*Registry)

// WithLockDir sets the directory RegisterResource derives paths in.
func WithLockDir(dir string) Option {
	return func(r *Registry) {
		r.lockDir = dir
	}
}

// WithCreateDir makes acquire create a missing parent directory of a lock file.
func WithCreateDir(create bool) Option {
	return func(r *Registry) {
		r.createDir = create
	}
}

// WithPollInterval sets the retry period of blocking acquires.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithFileMode sets the permissions of newly created lock files.
func WithFileMode(mode os.FileMode) Option {
	return func(r *Registry) {
		r.fileMode = mode
	}
}

func defaultOptions(r *Registry) {
	r.lockDir = domain.DefaultLockDir
	r.pollInterval = DefaultPollInterval
	r.fileMode = DefaultFileMode
}
