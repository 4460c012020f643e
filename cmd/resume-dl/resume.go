package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"resume-dl/internal/store"
)

func newResumeCmd(a *app) *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a paused or failed download from the bytes already on disk",
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
			if entry.Status == store.StatusCompleted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already complete: %s\n", entry.ShortID(), entry.DestPath)
				return nil
			}

			dc := a.cfg.ToDownloaderConfig(entry.URL, entry.Filename, filepath.Dir(entry.DestPath), entry.TotalSize)
			dc.ResumeExisting = true
			return runTask(ctx, cmd.OutOrStdout(), st, entry, dc, plain)
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "print events as lines instead of the interactive view")
	return cmd
}
