package main

import (
	"errors"
	"fmt"

	"exclusive-flock/internal/domain"

	"github.com/spf13/cobra"
)

func newRegisterCmd(a *app) *cobra.Command {
	var (
		description string
		remove      bool
	)

	cmd := &cobra.Command{
		Use:   "register RESOURCE",
		Short: "Publish a lock resource to the shared etcd catalog",
		Long: `Publish RESOURCE to the etcd catalog so every host using the same
catalog prefix registers EXCLUSIVE_FLOCK_<RESOURCE> under its lock_dir.
With --delete the entry is removed instead.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, err := lockNameArg(args[0])
			if err != nil {
				return err
			}

			_, shared, err := a.catalogs()
			if err != nil {
				return err
			}
			if shared == nil {
				return usageError{errors.New("register needs etcd_endpoints to be configured")}
			}

			res, err := domain.NewResource(a.cfg.LockDir, resource)
			if err != nil {
				return usageError{err}
			}

			if remove {
				if err := shared.Delete(cmd.Context(), res.Name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", res.Name)
				return nil
			}

			res.Description = description
			if err := shared.Save(cmd.Context(), res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", res.Name, res.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "human readable description")
	cmd.Flags().BoolVar(&remove, "delete", false, "remove the resource from the catalog")
	return cmd
}
