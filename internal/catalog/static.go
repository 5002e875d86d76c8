// Package catalog supplies the set of lock resources a registry should know
// about, from configuration or a shared store, and loads it into a registry.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"exclusive-flock/internal/domain"
)

// SourceConfig marks entries that came from the local configuration.
const SourceConfig = "config"

// StaticRepository is an in-memory domain.CatalogRepository.
type StaticRepository struct {
	mu        sync.RWMutex
	resources map[domain.LockName]*domain.Resource
}

// NewStaticRepository returns an empty in-memory catalog.
func NewStaticRepository() *StaticRepository {
	return &StaticRepository{resources: make(map[domain.LockName]*domain.Resource)}
}

// FromResources builds the conventional catalog for resource names under dir.
func FromResources(dir string, resources []string) (*StaticRepository, error) {
	repo := NewStaticRepository()
	for _, name := range resources {
		res, err := domain.NewResource(dir, name)
		if err != nil {
			return nil, err
		}
		res.Source = SourceConfig
		if err := repo.Save(context.Background(), res); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// Save stores a copy of resource after validating it.
func (s *StaticRepository) Save(_ context.Context, resource *domain.Resource) error {
	if err := resource.Validate(); err != nil {
		return fmt.Errorf("invalid resource: %w", err)
	}
	cp := *resource
	s.mu.Lock()
	s.resources[cp.Name] = &cp
	s.mu.Unlock()
	return nil
}

// Delete removes name; deleting an absent entry is not an error.
func (s *StaticRepository) Delete(_ context.Context, name domain.LockName) error {
	s.mu.Lock()
	delete(s.resources, name)
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the entry for name.
func (s *StaticRepository) Get(_ context.Context, name domain.LockName) (*domain.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[name]
	if !ok {
		return nil, domain.ErrResourceNotFound
	}
	cp := *res
	return &cp, nil
}

// List returns copies of all entries sorted by name.
func (s *StaticRepository) List(_ context.Context) ([]*domain.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Resource, 0, len(s.resources))
	for _, res := range s.resources {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
