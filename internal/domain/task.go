package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExecutorType selects how a task's work is carried out.
type ExecutorType string

const (
	ExecutorTypeShell ExecutorType = "shell"
	ExecutorTypeHTTP  ExecutorType = "http"
)

// Task is a command that must only run while its resource lock is held.
type Task struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	// Command is run through the shell. Args, when set, is executed directly instead.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// URL makes the task an HTTP request instead of a command.
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	// Retries applies to HTTP tasks only: extra attempts after a 5xx reply
	// or a network timeout, RetryBackoff apart.
	Retries      int           `json:"retries,omitempty"`
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`
	// CronExpr is only required for scheduled tasks.
	CronExpr string `json:"cron_expr,omitempty"`
	// NonBlocking skips the run instead of waiting for a busy lock.
	NonBlocking bool `json:"non_blocking,omitempty"`
	// LockTimeout bounds the wait for the lock; zero waits indefinitely.
	LockTimeout time.Duration `json:"lock_timeout,omitempty"`
	// ExecTimeout bounds the command itself; zero means no limit.
	ExecTimeout time.Duration `json:"exec_timeout,omitempty"`
}

// LockName returns the lock guarding the task.
func (t *Task) LockName() LockName {
	return NameFor(t.Resource)
}

// ExecutorType reports which executor runs the task.
func (t *Task) ExecutorType() ExecutorType {
	if t.URL != "" {
		return ExecutorTypeHTTP
	}
	return ExecutorTypeShell
}

// AcquireOptions maps the task's wait policy onto acquire options.
func (t *Task) AcquireOptions() []AcquireOption {
	if t.NonBlocking {
		return []AcquireOption{NonBlocking()}
	}
	if t.LockTimeout > 0 {
		return []AcquireOption{WithTimeout(t.LockTimeout)}
	}
	return nil
}

// Validate checks if the task definition is valid.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if err := ValidateResource(t.Resource); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	hasCommand := strings.TrimSpace(t.Command) != "" || len(t.Args) > 0
	if t.URL != "" && hasCommand {
		return fmt.Errorf("task %s: url and command are mutually exclusive", t.Name)
	}
	if t.URL == "" && !hasCommand {
		return fmt.Errorf("task %s: command cannot be empty", t.Name)
	}
	if t.Retries < 0 || t.RetryBackoff < 0 {
		return fmt.Errorf("task %s: retries cannot be negative", t.Name)
	}
	if t.LockTimeout < 0 || t.ExecTimeout < 0 {
		return fmt.Errorf("task %s: timeouts cannot be negative", t.Name)
	}
	return nil
}
