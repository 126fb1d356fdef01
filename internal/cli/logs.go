package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/okcolf/colfexpress/internal/eventlog"
)

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	var filter eventlog.Filter

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the activity log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.events.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-14s %s\n",
					e.Timestamp.Storage(), e.Category, humanize.Time(e.Timestamp.Time), e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Category, "category", "", "only entries of this category (sync, error, data, connectivity, cache)")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum entries, 0 for all")
	return cmd
}
