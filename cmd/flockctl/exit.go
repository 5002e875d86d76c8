package main

import (
	"errors"
	"strings"

	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/infra/shell"

	"github.com/spf13/cobra"
)

const (
	exitOK = 0
	// exitBusy mirrors flock(1): the lock was held elsewhere.
	exitBusy  = 1
	exitUsage = 2
	exitError = 3
)

// usageError marks bad flags, arguments or configuration.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// commandExitError carries the exit status of a guarded command that failed.
type commandExitError struct {
	code int
	err  error
}

func (e commandExitError) Error() string { return e.err.Error() }
func (e commandExitError) Unwrap() error { return e.err }

// usageArgs turns a cobra argument check failure into a usageError.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var cmdErr commandExitError
	var usage usageError
	switch {
	case errors.As(err, &cmdErr) && cmdErr.code > 0:
		return cmdErr.code
	case errors.Is(err, domain.ErrLockNotAcquired):
		return exitBusy
	case errors.As(err, &usage), strings.HasPrefix(err.Error(), "unknown command"):
		return exitUsage
	}
	if code, ok := shell.ExitCode(err); ok && code > 0 {
		return code
	}
	return exitError
}
