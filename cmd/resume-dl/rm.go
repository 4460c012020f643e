package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRmCmd(a *app) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a download from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}

			if purge {
				lock, err := lockDestination(entry.DestPath)
				if err != nil {
					return err
				}
				defer lock.release()

				if err := os.Remove(entry.DestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove file: %w", err)
				}
			}

			if err := st.Delete(ctx, entry.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", entry.ShortID())
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the downloaded file")
	return cmd
}
