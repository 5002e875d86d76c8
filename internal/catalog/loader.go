package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"exclusive-flock/internal/domain"
)

// Registrar is the part of the lock registry the loader needs.
type Registrar interface {
	Register(name domain.LockName, path domain.LockPath) error
}

// Merge lists every repository in order and returns the union, sorted by
// name. An entry repeated with the same path is kept once; the same name with
// two different paths is reported as domain.ErrDuplicateName.
func Merge(ctx context.Context, repos ...domain.CatalogRepository) ([]*domain.Resource, error) {
	byName := make(map[domain.LockName]*domain.Resource)
	for _, repo := range repos {
		resources, err := repo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list catalog: %w", err)
		}
		for _, res := range resources {
			if prev, ok := byName[res.Name]; ok {
				if prev.Path != res.Path {
					return nil, fmt.Errorf("%w: %s is %s in %s and %s in %s",
						domain.ErrDuplicateName, res.Name, prev.Path, prev.Source, res.Path, res.Source)
				}
				continue
			}
			byName[res.Name] = res
		}
	}

	out := make([]*domain.Resource, 0, len(byName))
	for _, res := range byName {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Load merges repos and registers the result, so name collisions are caught
// before any lock is taken.
func Load(ctx context.Context, reg Registrar, logger *slog.Logger, repos ...domain.CatalogRepository) ([]*domain.Resource, error) {
	resources, err := Merge(ctx, repos...)
	if err != nil {
		return nil, err
	}
	for _, res := range resources {
		if err := reg.Register(res.Name, res.Path); err != nil {
			return nil, fmt.Errorf("register %s: %w", res.Name, err)
		}
	}
	logger.Info("lock catalog loaded", "resources", len(resources))
	return resources, nil
}
