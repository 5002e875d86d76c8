// internal/domain/run.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run record does not exist.
var ErrRunNotFound = errors.New("run record not found")

// RunStatus defines the outcome of a lock-guarded run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	// RunStatusSkipped means the lock was busy and the command never started.
	RunStatusSkipped RunStatus = "skipped"
)

// RunRecord represents a single lock-guarded execution attempt of a task.
type RunRecord struct {
	ID        string    `json:"id"`        // Unique ID for this attempt
	TaskName  string    `json:"task_name"` // Name of the task being executed
	LockName  LockName  `json:"lock_name"`
	LockToken string    `json:"lock_token,omitempty"` // Token of the handle that guarded the run
	StartTime time.Time `json:"start_time"`
	// LockedAt is when the lock was obtained; zero when it never was.
	LockedAt time.Time `json:"locked_at,omitempty"`
	EndTime  time.Time `json:"end_time"`
	Status   RunStatus `json:"status"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Wait returns how long the run waited for its lock.
func (r *RunRecord) Wait() time.Duration {
	if r.LockedAt.IsZero() {
		return 0
	}
	return r.LockedAt.Sub(r.StartTime)
}

// Validate checks if the run record is valid.
func (r *RunRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run record ID cannot be empty")
	}
	if r.TaskName == "" {
		return fmt.Errorf("run record task name cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("run record start time cannot be zero")
	}
	if r.Status == "" {
		return fmt.Errorf("run record status cannot be empty")
	}
	return nil
}

// TaskRunner runs a task under its resource lock.
type TaskRunner interface {
	Run(ctx context.Context, task *Task) (*RunRecord, error)
}

// RunRepository stores the history of lock-guarded runs.
type RunRepository interface {
	Save(ctx context.Context, record *RunRecord) error
	Get(ctx context.Context, taskName, id string) (*RunRecord, error)
	// ListByTask returns one page of a task's records, newest first.
	ListByTask(ctx context.Context, taskName string, page, pageSize int) ([]*RunRecord, error)
}
