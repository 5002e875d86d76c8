// internal/infra/shell/shell_task_executor.go
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"exclusive-flock/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Shell runs Task.Command when a task has no Args.
const Shell = "bash"

// Option configures the executor.
type Option func(*shellTaskExecutor)

// WithStdout streams the command's stdout to w while it is also captured.
func WithStdout(w io.Writer) Option {
	return func(e *shellTaskExecutor) { e.stdout = w }
}

// WithStderr streams the command's stderr to w while it is also captured.
func WithStderr(w io.Writer) Option {
	return func(e *shellTaskExecutor) { e.stderr = w }
}

// WithStdin connects r to the command's stdin.
func WithStdin(r io.Reader) Option {
	return func(e *shellTaskExecutor) { e.stdin = r }
}

// shellTaskExecutor implements domain.TaskExecutor for local commands.
type shellTaskExecutor struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	tracer trace.Tracer
}

// NewShellTaskExecutor creates a new shellTaskExecutor instance.
func NewShellTaskExecutor(logger *slog.Logger, opts ...Option) domain.TaskExecutor {
	e := &shellTaskExecutor{
		logger: logger.With("executor_type", "shell"),
		tracer: otel.Tracer("exclusive-flock-shell-executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *shellTaskExecutor) command(ctx context.Context, task *domain.Task) *exec.Cmd {
	if len(task.Args) > 0 {
		return exec.CommandContext(ctx, task.Args[0], task.Args[1:]...)
	}
	return exec.CommandContext(ctx, Shell, "-c", task.Command)
}

// Execute runs the task's command and returns its combined output. A
// non-zero exit is returned as a wrapped *exec.ExitError.
func (e *shellTaskExecutor) Execute(ctx context.Context, task *domain.Task) (string, error) {
	cmdline := task.Command
	if len(task.Args) > 0 {
		cmdline = strings.Join(task.Args, " ")
	}
	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("task.name", task.Name),
			attribute.String("task.command", cmdline),
		))
	defer span.End()

	e.logger.Debug("executing command", "command", cmdline, "task_name", task.Name)

	if task.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.ExecTimeout)
		defer cancel()
	}

	cmd := e.command(ctx, task)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = e.stdin
	cmd.Stdout = teeTo(&stdout, e.stdout)
	cmd.Stderr = teeTo(&stderr, e.stderr)

	err := cmd.Run()
	output := stdout.String()
	errOutput := stderr.String()

	if errOutput != "" {
		// Prepend stderr to the main output for visibility
		if output != "" {
			output = fmt.Sprintf("[STDERR]:\n%s\n[STDOUT]:\n%s", errOutput, output)
		} else {
			output = fmt.Sprintf("[STDERR]:\n%s", errOutput)
		}
	}

	if err != nil {
		span.SetStatus(codes.Error, "command failed")
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}
		return output, fmt.Errorf("command %q failed: %w", cmdline, err)
	}

	span.SetAttributes(attribute.Int("output.bytes", len(output)))
	e.logger.Debug("command executed successfully", "task_name", task.Name)
	return output, nil
}

func teeTo(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// ExitCode extracts the exit status of a failed command, if err carries one.
func ExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
