package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/flock"

	"github.com/stretchr/testify/require"
)

// setupTestEnvironment points the configuration at a fresh lock directory
// and a working directory without a config file.
func setupTestEnvironment(t *testing.T) string {
	t.Helper()
	lockDir := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv("FLOCK_LOCK_DIR", lockDir)
	t.Setenv("FLOCK_POLL_INTERVAL", "1ms")
	t.Setenv("FLOCK_LOG_LEVEL", "error")
	return lockDir
}

// executeCommand runs the CLI with args and returns its exit code and output.
func executeCommand(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = execute(args, strings.NewReader(""), &out, &errOut)
	return code, out.String(), errOut.String()
}

func holdLock(t *testing.T, lockDir, resource string) *flock.Handle {
	t.Helper()
	reg := flock.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), flock.WithLockDir(lockDir))
	name, err := reg.RegisterResource(resource)
	require.NoError(t, err)
	h, err := reg.Acquire(context.Background(), name, domain.NonBlocking())
	require.NoError(t, err)
	t.Cleanup(h.Release)
	return h
}

func TestRunCommand(t *testing.T) {
	setupTestEnvironment(t)

	code, stdout, stderr := executeCommand("run", "TEST1", "--", "echo", "hello")
	require.Equal(t, exitOK, code, stderr)
	require.Equal(t, "hello\n", stdout)

	code, stdout, stderr = executeCommand("run", "EXCLUSIVE_FLOCK_TEST2", "-C", "echo via shell")
	require.Equal(t, exitOK, code, stderr)
	require.Equal(t, "via shell\n", stdout)
}

func TestRunCommandStringPosition(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"before name", []string{"run", "-C", "echo before", "TEST1"}, "before\n"},
		{"after name", []string{"run", "TEST1", "-C", "echo after"}, "after\n"},
		{"long form after name", []string{"run", "TEST1", "--command", "echo long"}, "long\n"},
		{"equals form after name", []string{"run", "TEST1", "--command=echo eq"}, "eq\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestEnvironment(t)

			code, stdout, stderr := executeCommand(tt.args...)
			require.Equal(t, exitOK, code, stderr)
			require.Equal(t, tt.want, stdout)
		})
	}
}

func TestRunCommandAfterDashDashKeepsFlags(t *testing.T) {
	setupTestEnvironment(t)

	code, stdout, stderr := executeCommand("run", "TEST1", "--", "echo", "-C")
	require.Equal(t, exitOK, code, stderr)
	require.Equal(t, "-C\n", stdout)
}

func TestRunCommandFlagsBeforeName(t *testing.T) {
	setupTestEnvironment(t)

	code, stdout, stderr := executeCommand("run", "-n", "TEST1", "echo", "-n", "x")
	require.Equal(t, exitOK, code, stderr)
	require.Equal(t, "x", stdout)
}

func TestRunCommandExitStatus(t *testing.T) {
	setupTestEnvironment(t)

	code, _, stderr := executeCommand("run", "TEST1", "--", "sh", "-c", "exit 4")
	require.Equal(t, 4, code)
	require.Empty(t, stderr)
}

func TestRunCommandBusy(t *testing.T) {
	lockDir := setupTestEnvironment(t)
	holdLock(t, lockDir, domain.ResourceTest1)

	code, stdout, stderr := executeCommand("run", "-n", "TEST1", "--", "echo", "ran")
	require.Equal(t, exitBusy, code)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "would block")

	code, _, stderr = executeCommand("run", "-w", "30ms", "TEST1", "--", "echo", "ran")
	require.Equal(t, exitBusy, code)
	require.Contains(t, stderr, "timed out")

	// A different lock is unaffected.
	code, _, _ = executeCommand("run", "-n", "TEST2", "--", "true")
	require.Equal(t, exitOK, code)
}

func TestRunCommandUnknownLock(t *testing.T) {
	setupTestEnvironment(t)

	code, _, stderr := executeCommand("run", "NOT_CONFIGURED", "--", "true")
	require.Equal(t, exitError, code)
	require.Contains(t, stderr, "EXCLUSIVE_FLOCK_NOT_CONFIGURED")
}

func TestUsageErrors(t *testing.T) {
	setupTestEnvironment(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing name", []string{"run"}},
		{"missing command", []string{"run", "TEST1"}},
		{"bad name", []string{"run", "bad-name", "--", "true"}},
		{"nonblock with timeout", []string{"run", "-n", "-w", "1s", "TEST1", "--", "true"}},
		{"command twice", []string{"run", "-C", "true", "TEST1", "--", "true"}},
		{"trailing command with args", []string{"run", "TEST1", "-C", "true", "extra"}},
		{"empty trailing command", []string{"run", "TEST1", "--command="}},
		{"unknown flag", []string{"run", "--bogus", "TEST1"}},
		{"unknown command", []string{"bogus"}},
		{"register without etcd", []string{"register", "BACKUP"}},
		{"schedule without tasks", []string{"schedule"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := executeCommand(tt.args...)
			require.Equal(t, exitUsage, code, stderr)
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	setupTestEnvironment(t)
	t.Setenv("FLOCK_LOCK_DIR", "relative/dir")

	code, _, stderr := executeCommand("list")
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr, "LockDir")
}

func TestListCommand(t *testing.T) {
	lockDir := setupTestEnvironment(t)

	code, stdout, stderr := executeCommand("list")
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, "EXCLUSIVE_FLOCK_TEST1")
	require.Contains(t, stdout, lockDir+"/EXCLUSIVE_FLOCK_TEST2")
	require.Contains(t, stdout, "config")

	holdLock(t, lockDir, domain.ResourceTest2)
	code, stdout, _ = executeCommand("list", "--probe")
	require.Equal(t, exitOK, code)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "STATE")
	require.True(t, strings.HasSuffix(lines[1], "free"), lines[1])
	require.True(t, strings.HasSuffix(lines[2], "busy"), lines[2])
}

func TestServeMux(t *testing.T) {
	assert := require.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := flock.NewRegistry(logger, flock.WithLockDir(t.TempDir()))
	_, err := reg.RegisterResource(domain.ResourceTest1)
	assert.NoError(err)

	srv := httptest.NewServer(newServeMux(reg, nil, nil, nil, logger))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/locks/EXCLUSIVE_FLOCK_TEST1")
	assert.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	assert.NoError(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Contains(string(body), "http_requests_total")

	resp, err = http.Post(srv.URL+"/resources", "application/json", strings.NewReader(`{"resource":"EXTRA"}`))
	assert.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusCreated, resp.StatusCode)
	_, ok := reg.Lookup(domain.NameFor("EXTRA"))
	assert.True(ok)
}
