package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/store"
	"github.com/okcolf/colfexpress/internal/sync"
)

// NewRecordsCommand creates the records command group.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and seed the local entity tables",
	}
	cmd.AddCommand(newRecordsAddSampleCommand(rootOpts))
	cmd.AddCommand(newRecordsListCommand(rootOpts))
	cmd.AddCommand(newRecordsClearCommand(rootOpts))
	return cmd
}

func newRecordsAddSampleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-sample",
		Short: "Add a linked sample worker, employer, contract, work session and payment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := addSample(cmd.Context(), a.store, time.Now())
			if err != nil {
				return err
			}
			a.events.Append(cmd.Context(), models.CategoryData, fmt.Sprintf("%d sample records added", n))
			fmt.Fprintf(cmd.OutOrStdout(), "added %d sample records\n", n)
			afterMutation(cmd.Context(), cmd.OutOrStdout(), a)
			return nil
		},
	}
}

// addSample writes one linked record per entity table.
func addSample(ctx context.Context, s *store.Store, now time.Time) (int, error) {
	day := now.Format("2006-01-02")

	worker := &models.Worker{FirstName: "Marie", LastName: "Dupont", DateOfBirth: "1985-04-12", Phone: "+33 6 12 34 56 78", Email: "marie.dupont@example.com"}
	if err := store.Add(ctx, s, worker); err != nil {
		return 0, err
	}
	employer := &models.Employer{Name: "Famille Martin", Phone: "+33 1 23 45 67 89", Email: "martin@example.com", Address: "12 rue des Lilas, Paris"}
	if err := store.Add(ctx, s, employer); err != nil {
		return 1, err
	}
	contract := &models.Contract{WorkerID: worker.ID, EmployerID: employer.ID, StartDate: day, HoursPerWeek: 20, HourlyWage: 12.5}
	if err := store.Add(ctx, s, contract); err != nil {
		return 2, err
	}
	session := &models.WorkSession{ContractID: contract.ID, Date: day, HoursWorked: 4, Notes: "sample"}
	if err := store.Add(ctx, s, session); err != nil {
		return 3, err
	}
	payment := &models.Payment{ContractID: contract.ID, Date: day, Amount: 50, Method: "transfer"}
	if err := store.Add(ctx, s, payment); err != nil {
		return 4, err
	}
	return 5, nil
}

func newRecordsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "list <table>",
		Short:     "Print every record of an entity table as JSON lines",
		Args:      cobra.ExactArgs(1),
		ValidArgs: models.EntityTables,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := store.TableFor(args[0])
			if err != nil {
				return err
			}
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := table.All(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range recs {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRecordsClearCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [table]",
		Short: "Delete every record of one entity table, or of all with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no table argument")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires a table name or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if all {
				names = models.EntityTables
			}
			for _, name := range names {
				if _, err := store.TableFor(name); err != nil {
					return err
				}
			}

			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			// children first so references never dangle
			for i := len(names) - 1; i >= 0; i-- {
				n, err := a.store.Clear(cmd.Context(), names[i])
				if err != nil {
					return err
				}
				a.events.Append(cmd.Context(), models.CategoryData, fmt.Sprintf("%s cleared (%d records)", names[i], n))
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d deleted\n", names[i], n)
			}
			afterMutation(cmd.Context(), cmd.OutOrStdout(), a)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "clear every entity table")
	return cmd
}

// afterMutation requests a reconciliation the way a UI mutation does. The
// outcome is informational only.
func afterMutation(ctx context.Context, out io.Writer, a *app) {
	a.probe(ctx)
	outcome := a.coordinator.Trigger(ctx, sync.SourceMutation)
	fmt.Fprintf(out, "sync %s\n", outcome)
}
