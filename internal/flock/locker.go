package flock

import (
	"context"

	"exclusive-flock/internal/domain"
)

// registryLocker adapts a Registry to domain.Locker.
type registryLocker struct {
	registry *Registry
}

// NewLocker returns reg as a domain.Locker.
func NewLocker(reg *Registry) domain.Locker {
	return &registryLocker{registry: reg}
}

func (l *registryLocker) Acquire(ctx context.Context, name domain.LockName, opts ...domain.AcquireOption) (domain.Lock, error) {
	h, err := l.registry.Acquire(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return h, nil
}
