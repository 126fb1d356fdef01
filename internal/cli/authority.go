package cli

import (
	"context"
	stderrors "errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
	"github.com/okcolf/colfexpress/internal/remote"
)

// NewAuthorityCommand creates the authority command.
func NewAuthorityCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Run an in-memory record authority for local development",
		Long: `Run a reference record authority on authority.addr. It keeps records in
memory and applies last-write-wins to every push, keeping its own copy
on an exact timestamp tie.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = rootOpts.Config().Authority.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: addr, Handler: remote.NewServer(), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				logging.Info("authority listening", map[string]interface{}{"addr": addr})
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return errors.Wrap(errors.ErrNetwork, "authority server failed", err)
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "override authority.addr")
	return cmd
}
