package domain

import (
	"context"
	"errors"
)

// ErrResourceNotFound is a sentinel error returned when a catalog entry is not found.
var ErrResourceNotFound = errors.New("resource not found")

// CatalogRepository persists the set of known lock resources.
type CatalogRepository interface {
	Save(ctx context.Context, resource *Resource) error
	Delete(ctx context.Context, name LockName) error
	Get(ctx context.Context, name LockName) (*Resource, error)
	List(ctx context.Context) ([]*Resource, error)
}
