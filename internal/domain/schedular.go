package domain

import "context"

type Schedular interface {
	Start(ctx context.Context) error
	Stop()

	AddTask(task *Task) error
	RemoveTask(name string) error
}
