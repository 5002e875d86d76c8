// internal/infra/etcd/run_repository.go
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
	DefaultRunHistoryPrefix = "/flock/runs/"
)

type etcdRunRepository struct {
	kv     clientv3.KV
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdRunRepository creates a run history store under prefix in etcd.
func NewEtcdRunRepository(kv clientv3.KV, prefix string, logger *slog.Logger) domain.RunRepository {
	if prefix == "" {
		prefix = DefaultRunHistoryPrefix
	}
	return &etcdRunRepository{
		kv:     kv,
		prefix: prefix,
		logger: logger,
		tracer: otel.Tracer("exclusive-flock-etcd-run-repo"),
	}
}

// Save persists a single run record.
// The key is structured as {prefix}/{taskName}/{runID}.
func (r *etcdRunRepository) Save(ctx context.Context, record *domain.RunRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveRun")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid run record")
		return err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal run record")
		return fmt.Errorf("failed to marshal run record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(r.prefix, record.TaskName, record.ID)
	span.SetAttributes(
		attribute.String("run.id", record.ID),
		attribute.String("task.name", record.TaskName),
		attribute.String("etcd.key", key),
	)

	if _, err := r.kv.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put run record to etcd")
		return fmt.Errorf("failed to save run record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a single run record by task name and run ID.
func (r *etcdRunRepository) Get(ctx context.Context, taskName, id string) (*domain.RunRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", taskName),
		attribute.String("run.id", id),
	)

	resp, err := r.kv.Get(ctx, path.Join(r.prefix, taskName, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get run record from etcd")
		return nil, fmt.Errorf("failed to get run record %s/%s from etcd: %w", taskName, id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrRunNotFound, taskName, id)
	}

	var record domain.RunRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal run record")
		return nil, fmt.Errorf("failed to unmarshal run record %s/%s from JSON: %w", taskName, id, err)
	}
	return &record, nil
}

// ListByTask returns one page of a task's run records, newest first. Pages
// start at 1.
func (r *etcdRunRepository) ListByTask(ctx context.Context, taskName string, page, pageSize int) ([]*domain.RunRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListRuns")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", taskName),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("invalid page %d or page size %d", page, pageSize)
	}

	resp, err := r.kv.Get(ctx, path.Join(r.prefix, taskName)+"/", clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list run records from etcd")
		return nil, fmt.Errorf("failed to list run records for task %s from etcd: %w", taskName, err)
	}

	all := make([]*domain.RunRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record domain.RunRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal run record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		all = append(all, &record)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })

	start := (page - 1) * pageSize
	if start >= len(all) {
		return []*domain.RunRecord{}, nil
	}
	end := min(start+pageSize, len(all))
	records := all[start:end]
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}
