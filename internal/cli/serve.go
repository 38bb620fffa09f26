package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emiliopalmerini/mbandit/internal/web"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background sweeps",
		Long: `Start the HTTP API together with the auto-fail monitor and the
notification job. Stops gracefully on SIGINT or SIGTERM.

Examples:
  mbandit serve
  mbandit serve --addr :3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if addr == "" {
				addr = a.Config.Addr
			}
			server := web.NewServer(a.Engine, a.MetricsHandler(), a.Logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(gctx, addr, a.Config.ShutdownTimeout)
			})
			g.Go(func() error { return a.Monitor.Run(gctx) })
			g.Go(func() error { return a.Notifier.Run(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides MBANDIT_ADDR)")
	return cmd
}
