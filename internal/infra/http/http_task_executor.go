package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"exclusive-flock/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxOutput bounds how much of a response body is kept as run output.
const maxOutput = 1024

// errServer marks a 5xx reply, which is worth retrying.
var errServer = errors.New("http request returned 5xx server error")

type httpTaskExecutor struct {
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHttpTaskExecutor creates an executor that calls Task.URL.
func NewHttpTaskExecutor(logger *slog.Logger) domain.TaskExecutor {
	return &httpTaskExecutor{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With("executor_type", "http"),
		tracer: otel.Tracer("exclusive-flock-http-executor"),
	}
}

// Execute initiates an HTTP request and retries on 5xx replies and timeouts.
func (e *httpTaskExecutor) Execute(ctx context.Context, task *domain.Task) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.http.Execute",
		trace.WithAttributes(
			attribute.String("task.name", task.Name),
			attribute.String("http.url", task.URL),
		))
	defer span.End()

	if task.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.ExecTimeout)
		defer cancel()
	}

	var (
		output string
		err    error
	)
retry:
	for attempt := 0; attempt <= task.Retries; attempt++ {
		output, err = e.doExecute(ctx, task)
		if err == nil {
			return output, nil
		}
		if !retriable(err) || attempt == task.Retries {
			break
		}

		e.logger.Warn("http task attempt failed, retrying", "task_name", task.Name, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(task.RetryBackoff):
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			break retry
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "http request failed")
	if task.Retries > 0 {
		return output, fmt.Errorf("task %s failed after %d retries: %w", task.Name, task.Retries, err)
	}
	return output, err
}

func retriable(err error) bool {
	var netErr net.Error
	return errors.Is(err, errServer) || (errors.As(err, &netErr) && netErr.Timeout())
}

// doExecute performs a single HTTP request execution.
func (e *httpTaskExecutor) doExecute(ctx context.Context, task *domain.Task) (string, error) {
	method := task.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, task.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("X-Flock-Task", task.Name)
	req.Header.Set("X-Flock-Lock", string(task.LockName()))

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutput))

	if resp.StatusCode >= 500 {
		return string(bodyBytes), fmt.Errorf("%w: %s", errServer, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return string(bodyBytes), fmt.Errorf("http request returned 4xx client error: %s", resp.Status)
	}

	return string(bodyBytes), nil
}
