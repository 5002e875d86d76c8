package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"exclusive-flock/internal/catalog"
	"exclusive-flock/internal/config"
	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/flock"
	"exclusive-flock/internal/infra/etcd"
	"exclusive-flock/internal/tracing"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	logger *slog.Logger

	etcdClient *clientv3.Client
	closers    []func() error
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flockctl",
		Short: "Named advisory file locks for mutually exclusive jobs",
		Long: `flockctl guards commands with named advisory locks.

Each resource NAME maps to the lock file <lock_dir>/EXCLUSIVE_FLOCK_<NAME>.
A lock is exclusive between goroutines, commands and processes on one host,
and is released when its holder exits, however it exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default is ./configs/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.SetIn(a.stdin)
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	rootCmd.AddCommand(
		newRunCmd(a),
		newListCmd(a),
		newRegisterCmd(a),
		newServeCmd(a),
		newScheduleCmd(a),
	)
	return rootCmd
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	defer a.close()

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	var cmdErr commandExitError
	if err != nil && !errors.As(err, &cmdErr) {
		fmt.Fprintln(stderr, "flockctl:", err)
	}
	return exitCode(err)
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return usageError{err}
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return usageError{fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)}
	}
	a.logger = slog.New(slog.NewJSONHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// initTracer installs the stdout span exporter when trace_output is set.
func (a *app) initTracer(serviceName string) error {
	var w io.Writer
	switch strings.ToLower(a.cfg.TraceOutput) {
	case "":
		return nil
	case "stdout":
		w = a.stdout
	case "stderr":
		w = a.stderr
	default:
		f, err := os.OpenFile(a.cfg.TraceOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open trace output: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		w = f
	}

	shutdown, err := tracing.InitTracer(serviceName, w)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	return nil
}

// connectEtcd returns the shared etcd client, or nil when no endpoints are configured.
func (a *app) connectEtcd() (*clientv3.Client, error) {
	if a.etcdClient != nil || len(a.cfg.EtcdEndpoints) == 0 {
		return a.etcdClient, nil
	}
	client, err := etcd.NewClient(a.cfg.EtcdEndpoints, a.cfg.EtcdTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	a.etcdClient = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// catalogs returns the configured resources followed by the etcd catalog,
// when etcd is configured. The etcd repository is also returned on its own.
func (a *app) catalogs() ([]domain.CatalogRepository, domain.CatalogRepository, error) {
	static, err := catalog.FromResources(a.cfg.LockDir, a.cfg.Resources)
	if err != nil {
		return nil, nil, err
	}
	repos := []domain.CatalogRepository{static}

	client, err := a.connectEtcd()
	if err != nil || client == nil {
		return repos, nil, err
	}
	shared := etcd.NewEtcdCatalogRepository(client, a.cfg.EtcdCatalogPrefix, a.logger)
	return append(repos, shared), shared, nil
}

// runRepository returns the etcd run history, or nil without etcd.
func (a *app) runRepository() (domain.RunRepository, error) {
	client, err := a.connectEtcd()
	if err != nil || client == nil {
		return nil, err
	}
	return etcd.NewEtcdRunRepository(client, etcd.DefaultRunHistoryPrefix, a.logger), nil
}

// newRegistry builds a registry from the configuration and loads the
// catalogs into it.
func (a *app) newRegistry(ctx context.Context) (*flock.Registry, domain.CatalogRepository, error) {
	reg := flock.NewRegistry(a.logger,
		flock.WithLockDir(a.cfg.LockDir),
		flock.WithCreateDir(a.cfg.CreateDir),
		flock.WithPollInterval(a.cfg.PollInterval),
		flock.WithFileMode(a.cfg.Mode()),
	)

	repos, shared, err := a.catalogs()
	if err != nil {
		return nil, nil, err
	}
	if _, err := catalog.Load(ctx, reg, a.logger, repos...); err != nil {
		return nil, nil, err
	}
	return reg, shared, nil
}
