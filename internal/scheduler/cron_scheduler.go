// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"exclusive-flock/internal/config"
	"exclusive-flock/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CronScheduler triggers lock-guarded tasks on their cron schedule.
type CronScheduler struct {
	cron   *cron.Cron
	runner domain.TaskRunner

	mu      sync.Mutex
	tasks   map[string]cron.EntryID
	baseCtx context.Context

	logger *slog.Logger
	tracer trace.Tracer
}

// NewCronScheduler creates a scheduler that hands every due task to runner.
// Schedules use config.CronParser, so a leading seconds field is optional.
func NewCronScheduler(runner domain.TaskRunner, logger *slog.Logger) *CronScheduler {
	logger = logger.With("component", "cron-scheduler")
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.Recover(cronLogger{logger})),
		cron.WithLogger(cronLogger{logger}),
	)
	return &CronScheduler{
		cron:    c,
		runner:  runner,
		tasks:   make(map[string]cron.EntryID),
		baseCtx: context.Background(),
		logger:  logger,
		tracer:  otel.Tracer("exclusive-flock-scheduler"),
	}
}

var _ domain.Schedular = (*CronScheduler)(nil)

// Start runs the scheduler until ctx is done, then waits for running tasks.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	s.Stop()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// Stop stops triggering new runs and waits for running ones.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddTask schedules task, replacing any task of the same name.
func (s *CronScheduler) AddTask(task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[task.Name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, task.Name)
	}

	taskWrapper := &cronTaskWrapper{
		task:      task,
		scheduler: s,
		logger:    s.logger.With("task_name", task.Name),
	}

	entryID, err := s.cron.AddJob(task.CronExpr, taskWrapper)
	if err != nil {
		s.logger.Error("failed to add task to cron", "task_name", task.Name, "error", err)
		return err
	}

	s.tasks[task.Name] = entryID
	s.logger.Info("added task to scheduler", "task_name", task.Name, "schedule", task.CronExpr, "lock_name", task.LockName())
	return nil
}

// RemoveTask removes a task from the scheduler. Unknown names are ignored.
func (s *CronScheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task_name", name)
	}
	return nil
}

// Next reports when the named task is due next.
func (s *CronScheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.Next.IsZero() {
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, true
}

func (s *CronScheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// cronTaskWrapper adapts a task to cron.Job.
type cronTaskWrapper struct {
	task      *domain.Task
	scheduler *CronScheduler
	logger    *slog.Logger
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	// Start a new trace for this background run.
	ctx, span := w.scheduler.tracer.Start(w.scheduler.runContext(), "scheduler.Run",
		trace.WithAttributes(
			attribute.String("task.name", w.task.Name),
			attribute.String("lock.name", string(w.task.LockName())),
		))
	defer span.End()

	w.logger.Debug("running scheduled task")
	record, err := w.scheduler.runner.Run(ctx, w.task)
	if err != nil {
		if record != nil && record.Status == domain.RunStatusSkipped {
			w.logger.Info("scheduled run skipped", "reason", err)
			return
		}
		w.logger.Error("scheduled run failed", "error", err)
		span.RecordError(err)
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
