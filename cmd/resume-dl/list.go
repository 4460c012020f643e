package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"resume-dl/internal/store"
)

func newListCmd(a *app) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show download history",
		Args:    cobra.NoArgs,
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

			entries, err := st.List(ctx, store.Status(status))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No downloads.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tFILE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ShortID(), e.Status, progressCell(e), formatBytes(e.TotalSize), e.DestPath)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show entries with this status")
	return cmd
}

func progressCell(e *store.Entry) string {
	if e.TotalSize <= 0 {
		return formatBytes(e.Downloaded)
	}
	return fmt.Sprintf("%.1f%%", float64(e.Downloaded)/float64(e.TotalSize)*100)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
