package domain

import "context"

// TaskExecutor defines the interface for executing a task's command.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) (output string, err error)
}
