package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline application cache",
	}
	cmd.AddCommand(newCacheInstallCommand(rootOpts))
	cmd.AddCommand(newCacheActivateCommand(rootOpts))
	cmd.AddCommand(newCacheStatusCommand(rootOpts))
	return cmd
}

func newCacheInstallCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Fetch every manifest asset into the current generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.newCacheRouter(nil)
			if err != nil {
				return err
			}
			if router.Bypass() {
				fmt.Fprintln(cmd.OutOrStdout(), "cache bypass is enabled; nothing to install")
				return nil
			}
			if err := router.Install(cmd.Context()); err != nil {
				return err
			}
			m := router.Manifest()
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s and %s\n", m.CoreVersion, m.StaticVersion)
			return nil
		},
	}
}

func newCacheActivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Install the current revision and purge stale generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.newCacheRouter(func(core, static string) {
				fmt.Fprintf(cmd.OutOrStdout(), "active: %s, %s\n", core, static)
			})
			if err != nil {
				return err
			}
			if router.Bypass() {
				fmt.Fprintln(cmd.OutOrStdout(), "cache bypass is enabled; nothing to activate")
				return nil
			}
			if err := router.Install(cmd.Context()); err != nil {
				return err
			}
			return router.Activate(cmd.Context())
		},
	}
}

func newCacheStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored cache generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.newCacheRouter(nil)
			if err != nil {
				return err
			}
			stats, err := router.Stats(cmd.Context())
			if err != nil {
				return err
			}
			m := router.Manifest()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "manifest: core %s, static %s\n", m.CoreVersion, m.StaticVersion)
			if len(stats) == 0 {
				fmt.Fprintln(out, "no generations stored")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GENERATION\tENTRIES\tSIZE\tCURRENT")
			var total int64
			for _, st := range stats {
				current := st.Name == m.CoreVersion || st.Name == m.StaticVersion
				fmt.Fprintf(tw, "%s\t%d\t%s\t%v\n", st.Name, st.Entries, humanize.Bytes(uint64(st.Bytes)), current)
				total += st.Bytes
			}
			tw.Flush()
			fmt.Fprintf(out, "total %s\n", humanize.Bytes(uint64(total)))
			return nil
		},
	}
}
