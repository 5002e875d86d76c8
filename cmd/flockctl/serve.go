package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "exclusive-flock/internal/api/http"
	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/flock"
	"exclusive-flock/internal/infra/etcd"
	http_executor "exclusive-flock/internal/infra/http"
	"exclusive-flock/internal/infra/shell"
	"exclusive-flock/internal/scheduler"
	"exclusive-flock/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// hostTTL is the lease TTL, in seconds, of a serving host's announcement.
const hostTTL = 15

// newServeMux wires the admin API and the metrics endpoint. svc and hosts
// may be nil.
func newServeMux(reg *flock.Registry, svc *usecase.LockService, shared domain.CatalogRepository, hosts *etcd.HostDirectory, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	opts := []http_api.Option{http_api.WithRegistration(reg, shared)}
	if svc != nil {
		opts = append(opts, http_api.WithHistory(svc))
	}
	if hosts != nil {
		opts = append(opts, http_api.WithHosts(hosts))
	}
	http_api.NewLockHandler(reg, logger, opts...).RegisterRoutes(mux)
	return mux
}

// newScheduler registers every configured task and its resource. It
// returns nil when no tasks are configured.
func (a *app) newScheduler(reg *flock.Registry, svc *usecase.LockService) (*scheduler.CronScheduler, error) {
	if len(a.cfg.Tasks) == 0 {
		return nil, nil
	}
	s := scheduler.NewCronScheduler(svc, a.logger)
	for _, tc := range a.cfg.Tasks {
		task := tc.ToDomainTask()
		if _, err := reg.RegisterResource(task.Resource); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}
		if err := s.AddTask(task); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}
	}
	return s, nil
}

func (a *app) newLockService(reg *flock.Registry) (*usecase.LockService, error) {
	runs, err := a.runRepository()
	if err != nil {
		return nil, err
	}
	executors := map[domain.ExecutorType]domain.TaskExecutor{
		domain.ExecutorTypeShell: shell.NewShellTaskExecutor(a.logger),
		domain.ExecutorTypeHTTP:  http_executor.NewHttpTaskExecutor(a.logger),
	}
	return usecase.NewLockService(flock.NewLocker(reg), executors, runs, a.logger), nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the lock status API and metrics, and run scheduled tasks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.initTracer("flockctl-serve"); err != nil {
				return err
			}
			reg, shared, err := a.newRegistry(rootCtx)
			if err != nil {
				return err
			}
			svc, err := a.newLockService(reg)
			if err != nil {
				return err
			}
			cronScheduler, err := a.newScheduler(reg, svc)
			if err != nil {
				return err
			}

			var hosts *etcd.HostDirectory
			if client, _ := a.connectEtcd(); client != nil {
				hosts = etcd.NewHostDirectory(client, etcd.DefaultHostPrefix, a.logger)
				go hosts.Watch(rootCtx)

				announcer := etcd.NewHostAnnouncer(client, etcd.DefaultHostPrefix, a.logger)
				hostname, _ := os.Hostname()
				info := etcd.HostInfo{
					ID:        uuid.NewString(),
					Hostname:  hostname,
					Addr:      a.cfg.HttpListenAddr,
					LockDir:   reg.LockDir(),
					Locks:     reg.Names(),
					StartedAt: time.Now(),
				}
				if err := announcer.Announce(rootCtx, info, hostTTL); err != nil {
					a.logger.Error("failed to announce host", "error", err)
				} else {
					defer func() {
						withdrawCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						if err := announcer.Withdraw(withdrawCtx); err != nil {
							a.logger.Warn("failed to withdraw host", "error", err)
						}
					}()
				}
			}

			server := &http.Server{
				Addr:              a.cfg.HttpListenAddr,
				Handler:           newServeMux(reg, svc, shared, hosts, a.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 2)
			schedDone := make(chan struct{})
			if cronScheduler != nil {
				go func() {
					defer close(schedDone)
					if err := cronScheduler.Start(rootCtx); !errors.Is(err, context.Canceled) {
						errCh <- err
					}
				}()
			} else {
				close(schedDone)
			}

			go func() {
				a.logger.Info("starting HTTP API server", "addr", a.cfg.HttpListenAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("HTTP server failed: %w", err)
				}
			}()

			var runErr error
			select {
			case <-rootCtx.Done():
			case runErr = <-errCh:
				stop()
			}

			a.logger.Info("shutting down gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("HTTP server shutdown failed: %w", err))
			}
			<-schedDone
			return runErr
		},
	}
}

func newScheduleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured cron tasks under their locks until interrupted",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.initTracer("flockctl-schedule"); err != nil {
				return err
			}
			reg, _, err := a.newRegistry(ctx)
			if err != nil {
				return err
			}
			svc, err := a.newLockService(reg)
			if err != nil {
				return err
			}
			cronScheduler, err := a.newScheduler(reg, svc)
			if err != nil {
				return err
			}
			if cronScheduler == nil {
				return usageError{errors.New("no tasks configured")}
			}
			for _, tc := range a.cfg.Tasks {
				next, _ := cronScheduler.Next(tc.Name)
				a.logger.Info("task scheduled", "task_name", tc.Name, "next_run", next)
			}

			if err := cronScheduler.Start(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
