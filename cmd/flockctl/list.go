package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"exclusive-flock/internal/catalog"
	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/flock"

	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known lock resources",
		Long: `List the resources from the configuration and, when etcd is configured,
the shared catalog. With --probe each lock is tried without waiting and
reported as free or busy.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			repos, _, err := a.catalogs()
			if err != nil {
				return err
			}
			resources, err := catalog.Merge(ctx, repos...)
			if err != nil {
				return err
			}

			var reg *flock.Registry
			if probe {
				reg = flock.NewRegistry(a.logger,
					flock.WithLockDir(a.cfg.LockDir),
					flock.WithCreateDir(a.cfg.CreateDir),
					flock.WithFileMode(a.cfg.Mode()),
				)
				if err := reg.RegisterAll(resources); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := "NAME\tPATH\tSOURCE\tDESCRIPTION"
			if probe {
				header += "\tSTATE"
			}
			fmt.Fprintln(w, header)
			for _, res := range resources {
				line := fmt.Sprintf("%s\t%s\t%s\t%s", res.Name, res.Path, res.Source, res.Description)
				if probe {
					line += "\t" + probeState(ctx, reg, res.Name)
				}
				fmt.Fprintln(w, line)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "try each lock without waiting and report free or busy")
	return cmd
}

func probeState(ctx context.Context, reg *flock.Registry, name domain.LockName) string {
	h, err := reg.Acquire(ctx, name, domain.NonBlocking())
	switch {
	case err == nil:
		h.Release()
		return "free"
	case errors.Is(err, domain.ErrLockNotAcquired):
		return "busy"
	default:
		return "error: " + err.Error()
	}
}
