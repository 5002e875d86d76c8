// internal/infra/etcd/catalog_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"exclusive-flock/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCatalogPrefix is the etcd prefix holding shared resource entries.
	DefaultCatalogPrefix = "/flock/catalog/"
	// SourceEtcd marks resources read back from etcd.
	SourceEtcd = "etcd"
)

type etcdCatalogRepository struct {
	kv     clientv3.KV
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdCatalogRepository creates a lock catalog stored under prefix in etcd.
// A *clientv3.Client satisfies kv.
func NewEtcdCatalogRepository(kv clientv3.KV, prefix string, logger *slog.Logger) domain.CatalogRepository {
	if prefix == "" {
		prefix = DefaultCatalogPrefix
	}
	return &etcdCatalogRepository{
		kv:     kv,
		prefix: prefix,
		logger: logger,
		tracer: otel.Tracer("exclusive-flock-etcd-catalog"),
	}
}

func (r *etcdCatalogRepository) key(name domain.LockName) string {
	return path.Join(r.prefix, string(name))
}

// Save persists a resource under its lock name.
func (r *etcdCatalogRepository) Save(ctx context.Context, res *domain.Resource) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveResource")
	defer span.End()

	if err := res.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid resource")
		return err
	}

	stored := *res
	stored.Source = ""
	resJSON, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s to JSON: %w", res.Name, err)
	}

	key := r.key(res.Name)
	span.SetAttributes(
		attribute.String("lock.name", string(res.Name)),
		attribute.String("etcd.key", key),
	)

	if _, err := r.kv.Put(ctx, key, string(resJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put resource to etcd")
		return fmt.Errorf("failed to save resource %s to etcd: %w", res.Name, err)
	}
	return nil
}

// Delete removes a resource. Deleting a missing resource is not an error.
func (r *etcdCatalogRepository) Delete(ctx context.Context, name domain.LockName) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteResource")
	defer span.End()
	span.SetAttributes(attribute.String("lock.name", string(name)))

	if _, err := r.kv.Delete(ctx, r.key(name)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete resource from etcd")
		return fmt.Errorf("failed to delete resource %s from etcd: %w", name, err)
	}
	return nil
}

// Get retrieves a single resource.
func (r *etcdCatalogRepository) Get(ctx context.Context, name domain.LockName) (*domain.Resource, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetResource")
	defer span.End()
	span.SetAttributes(attribute.String("lock.name", string(name)))

	resp, err := r.kv.Get(ctx, r.key(name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get resource from etcd")
		return nil, fmt.Errorf("failed to get resource %s from etcd: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, name)
	}

	var res domain.Resource
	if err := json.Unmarshal(resp.Kvs[0].Value, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource %s from JSON: %w", name, err)
	}
	res.Source = SourceEtcd
	return &res, nil
}

// List retrieves every resource under the prefix, sorted by name. Entries
// that fail to decode or validate are logged and skipped.
func (r *etcdCatalogRepository) List(ctx context.Context) ([]*domain.Resource, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListResources")
	defer span.End()

	resp, err := r.kv.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list resources from etcd")
		return nil, fmt.Errorf("failed to list resources from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	resources := make([]*domain.Resource, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var res domain.Resource
		if err := json.Unmarshal(kv.Value, &res); err != nil {
			r.logger.Warn("failed to unmarshal resource from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if err := res.Validate(); err != nil {
			r.logger.Warn("ignoring invalid resource in etcd", "key", string(kv.Key), "error", err)
			continue
		}
		res.Source = SourceEtcd
		resources = append(resources, &res)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })
	return resources, nil
}
