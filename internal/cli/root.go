// Package cli implements the colfexpress command line.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/okcolf/colfexpress/internal/config"
	"github.com/okcolf/colfexpress/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	Verbose    bool

	// Version is reported by the version command and the status endpoint.
	Version string

	loader *config.Loader
}

// Config returns the loaded configuration.
func (o *RootOptions) Config() *config.Config {
	return o.loader.Config()
}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "colfexpress",
		Short: "Local-first client core for household employment book-keeping",
		Long: `colfexpress keeps a local copy of your records, serves the web
application offline and reconciles with the remote record authority
whenever a connection is available.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./colfexpress.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "override data_dir")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewAuthorityCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// load reads the configuration and sets up logging. Logs go to the
// configured file, or to stderr so command output stays clean.
func (o *RootOptions) load(stderr io.Writer) error {
	loader, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	o.loader = loader
	cfg := loader.Config()
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if o.Verbose {
		level = logging.LevelDebug
	}
	if cfg.Log.File != "" {
		if err := logging.InitFile(cfg.LogFile(), level); err != nil {
			return err
		}
		logging.SetLevel(level)
		return nil
	}
	logging.Init(stderr, level)
	logging.SetLevel(level)
	logging.Debug("configuration loaded", map[string]interface{}{"file": loader.File(), "data_dir": cfg.DataDir})
	return nil
}

// openApp wires the components for one command invocation.
func (o *RootOptions) openApp(ctx context.Context) (*app, error) {
	return newApp(ctx, o.Config())
}

// Execute runs the command line and returns the process exit code.
func Execute(version string) int {
	if err := NewRootCommand(version).Execute(); err != nil {
		return 1
	}
	return 0
}
