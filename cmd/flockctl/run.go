package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/flock"
	"exclusive-flock/internal/infra/shell"
	"exclusive-flock/internal/usecase"

	"github.com/spf13/cobra"
)

// lockNameArg accepts either a resource (TEST1) or a full lock name
// (EXCLUSIVE_FLOCK_TEST1) and returns the resource.
func lockNameArg(arg string) (string, error) {
	if resource, ok := domain.ResourceOf(domain.LockName(arg)); ok {
		return resource, nil
	}
	if err := domain.ValidateResource(arg); err != nil {
		return "", usageError{err}
	}
	return arg, nil
}

// trailingCommand picks up -C/--command given after NAME, where flag
// parsing has already stopped.
func trailingCommand(cmdArgs []string) (string, []string) {
	if len(cmdArgs) == 0 {
		return "", cmdArgs
	}
	switch first := cmdArgs[0]; {
	case (first == "-C" || first == "--command") && len(cmdArgs) >= 2:
		return cmdArgs[1], cmdArgs[2:]
	case strings.HasPrefix(first, "--command="):
		return strings.TrimPrefix(first, "--command="), cmdArgs[1:]
	}
	return "", cmdArgs
}

func newRunCmd(a *app) *cobra.Command {
	var (
		nonBlock bool
		timeout  time.Duration
		command  string
	)

	cmd := &cobra.Command{
		Use:   "run NAME [--nonblock | --timeout DUR] (-C COMMAND | -- CMD [ARGS...])",
		Short: "Run a command while holding a lock",
		Long: `Acquire the lock NAME, run the command, then release the lock.

By default run waits until the lock is free. With --nonblock it exits with
status 1 at once if the lock is held; with --timeout it gives up after DUR.
The exit status is the command's own on completion.`,
		Example: `  flockctl run TEST1 -- pg_dump app
  flockctl run -n EXCLUSIVE_FLOCK_TEST2 -C 'make reindex'`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, err := lockNameArg(args[0])
			if err != nil {
				return err
			}

			cmdArgs := args[1:]
			if len(cmdArgs) > 0 && cmdArgs[0] == "--" {
				cmdArgs = cmdArgs[1:]
			} else if command == "" {
				command, cmdArgs = trailingCommand(cmdArgs)
			}

			task := &domain.Task{
				Name:        "run:" + resource,
				Resource:    resource,
				Command:     command,
				Args:        cmdArgs,
				NonBlocking: nonBlock,
				LockTimeout: timeout,
			}
			if command != "" && len(task.Args) > 0 {
				return usageError{fmt.Errorf("use either --command or -- CMD, not both")}
			}
			if nonBlock && timeout > 0 {
				return usageError{fmt.Errorf("--nonblock and --timeout are mutually exclusive")}
			}
			if err := task.Validate(); err != nil {
				return usageError{err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.initTracer("flockctl-run"); err != nil {
				return err
			}
			reg, _, err := a.newRegistry(ctx)
			if err != nil {
				return err
			}
			runs, err := a.runRepository()
			if err != nil {
				return err
			}

			executor := shell.NewShellTaskExecutor(a.logger,
				shell.WithStdin(cmd.InOrStdin()),
				shell.WithStdout(cmd.OutOrStdout()),
				shell.WithStderr(cmd.ErrOrStderr()),
			)
			executors := map[domain.ExecutorType]domain.TaskExecutor{domain.ExecutorTypeShell: executor}
			svc := usecase.NewLockService(flock.NewLocker(reg), executors, runs, a.logger)

			_, err = svc.Run(ctx, task)
			if code, ok := shell.ExitCode(err); ok {
				return commandExitError{code: code, err: err}
			}
			return err
		},
	}

	// Everything after NAME belongs to the guarded command, apart from a
	// leading -C handled by trailingCommand.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&nonBlock, "nonblock", "n", false, "fail rather than wait if the lock is held")
	cmd.Flags().DurationVarP(&timeout, "timeout", "w", 0, "wait at most this long for the lock")
	cmd.Flags().StringVarP(&command, "command", "C", "", "run a single command string through the shell")
	return cmd
}
