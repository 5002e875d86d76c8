// internal/usecase/lock_service.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrHistoryDisabled is returned by ListHistory when no run repository is configured.
var ErrHistoryDisabled = errors.New("run history is not configured")

// LockService runs tasks while holding their resource lock.
type LockService struct {
	locker    domain.Locker
	executors map[domain.ExecutorType]domain.TaskExecutor
	runs      domain.RunRepository // optional
	logger    *slog.Logger
	tracer    trace.Tracer
}

var _ domain.TaskRunner = (*LockService)(nil)

// NewLockService creates a LockService. runs may be nil to disable history.
func NewLockService(locker domain.Locker, executors map[domain.ExecutorType]domain.TaskExecutor, runs domain.RunRepository, logger *slog.Logger) *LockService {
	return &LockService{
		locker:    locker,
		executors: executors,
		runs:      runs,
		logger:    logger.With("component", "lock-service"),
		tracer:    otel.Tracer("exclusive-flock-usecase"),
	}
}

// Run acquires the task's lock according to its wait policy, executes the
// command and releases the lock. When the lock cannot be obtained the
// record has status skipped and the returned error wraps
// domain.ErrLockNotAcquired. A failing command yields status failed and the
// executor's error.
func (s *LockService) Run(ctx context.Context, task *domain.Task) (record *domain.RunRecord, err error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	executor, ok := s.executors[task.ExecutorType()]
	if !ok {
		return nil, fmt.Errorf("task %s: no executor for type %s", task.Name, task.ExecutorType())
	}

	ctx, span := s.tracer.Start(ctx, "service.Run",
		trace.WithAttributes(
			attribute.String("task.name", task.Name),
			attribute.String("lock.name", string(task.LockName())),
		))
	defer span.End()

	record = &domain.RunRecord{
		ID:        uuid.NewString(),
		TaskName:  task.Name,
		LockName:  task.LockName(),
		StartTime: time.Now(),
		Status:    domain.RunStatusRunning,
	}
	logger := s.logger.With("task_name", task.Name, "lock_name", record.LockName, "run_id", record.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			logger.Error("task execution panicked", "panic", r)
		}

		record.EndTime = time.Now()
		switch {
		case err == nil:
			record.Status = domain.RunStatusSuccess
			span.SetStatus(codes.Ok, "task execution successful")
		case errors.Is(err, domain.ErrLockNotAcquired):
			record.Status = domain.RunStatusSkipped
			record.Error = err.Error()
			span.AddEvent("skipped_execution", trace.WithAttributes(attribute.String("reason", "lock_not_acquired")))
		default:
			record.Status = domain.RunStatusFailed
			record.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, "task execution failed")
		}
		metrics.TaskRunsTotal.WithLabelValues(task.Name, string(record.Status)).Inc()
		s.saveRecord(logger, record)
	}()

	lock, err := s.locker.Acquire(ctx, record.LockName, task.AcquireOptions()...)
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			logger.Info("lock busy, skipping run", "error", err)
		} else {
			logger.Error("failed to acquire lock", "error", err)
		}
		return record, fmt.Errorf("task %s: %w", task.Name, err)
	}
	defer lock.Release()

	record.LockedAt = time.Now()
	record.LockToken = lock.Token()
	span.AddEvent("lock_acquired", trace.WithAttributes(attribute.String("lock.token", record.LockToken)))
	logger.Info("acquired lock for task execution", "wait", record.Wait())

	output, err := executor.Execute(ctx, task)
	record.Output = output
	if err != nil {
		logger.Warn("task execution failed", "error", err)
		return record, err
	}
	logger.Info("task execution finished")
	return record, nil
}

func (s *LockService) saveRecord(logger *slog.Logger, record *domain.RunRecord) {
	if s.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.runs.Save(ctx, record); err != nil {
		logger.Error("failed to save run record", "error", err)
	}
}

// ListHistory lists the run history for a specific task, newest first.
func (s *LockService) ListHistory(ctx context.Context, taskName string, page, pageSize int) ([]*domain.RunRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListHistory")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", taskName),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if s.runs == nil {
		return nil, ErrHistoryDisabled
	}
	records, err := s.runs.ListByTask(ctx, taskName, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task history from repository")
	}
	return records, err
}
