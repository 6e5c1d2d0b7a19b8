package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/me/re3/internal/config"
	"github.com/me/re3/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only progress API",
		Long: `Serve exposes the progress document and run records over HTTP. With git
synchronisation enabled the document is pulled every --refresh interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			srv := server.New(ws.docs, ws.records, ws.matrix, a.logger)
			httpServer := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if a.cfg.Sync.Enabled && refresh > 0 {
				go func() {
					t := time.NewTicker(refresh)
					defer t.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-t.C:
							if err := ws.coord.Refresh(ctx); err != nil {
								a.logger.Warn("refresh progress", "error", err)
							}
						}
					}
				}()
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", "addr", httpServer.Addr)
				errc <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			a.logger.Info("server stopped")
			return nil
		},
	}
	a.stringFlag(cmd.Flags(), "addr", "Listen address", func(c *config.WorkerConfig) *string { return &c.Server.Addr })
	cmd.Flags().DurationVar(&refresh, "refresh", time.Minute, "Pull interval for the progress document when syncing")
	return cmd
}
