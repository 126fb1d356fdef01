package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/okcolf/colfexpress/internal/sync"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		asJSON bool
		full   bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local store with the remote authority once",
		Long: `Probe the authority and, when it answers, pull and push every entity
table once. Deferred sync requests are completed by a successful run.
When offline the request is deferred until the next online transition.
With --full the sync watermarks are forgotten first, so every record is
pulled and offered again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if full {
				if err := sync.ResetWatermarks(cmd.Context(), a.store); err != nil {
					return err
				}
			}

			res, outcome, err := a.syncNow(cmd.Context(), sync.SourceManual)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(map[string]interface{}{"outcome": outcome, "result": res}); encErr != nil {
					return encErr
				}
				return err
			}

			fmt.Fprintf(out, "sync %s\n", outcome)
			if res != nil {
				printRunResult(out, res)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run result as JSON")
	cmd.Flags().BoolVar(&full, "full", false, "forget sync watermarks and reconcile everything")
	return cmd
}

func printRunResult(out io.Writer, res *sync.RunResult) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tRECEIVED\tAPPLIED\tSKIPPED\tPUSHED\tERROR")
	for _, t := range res.Tables {
		errText := t.PullError
		if t.PushError != "" {
			if errText != "" {
				errText += "; "
			}
			errText += t.PushError
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", t.Table, t.Received, t.Applied, t.Skipped, t.Pushed, errText)
	}
	tw.Flush()
	fmt.Fprintf(out, "run %s took %s\n", res.RunID, res.Duration.Round(time.Millisecond))
}
