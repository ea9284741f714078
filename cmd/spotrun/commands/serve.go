package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"spot-runner/api/rest/routes"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(cmd, func(a *app) error {
				if port == "" {
					port = a.cfg.ServerPort
				}

				go a.runner.RefreshCatalog(ctx)

				r := mux.NewRouter()
				routes.SetupRoutes(r, a.runner, a.costs, a.metrics)

				server := &http.Server{
					Addr:              ":" + port,
					Handler:           r,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					log.Info().Str("port", port).Msg("Starting server")
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
					close(errCh)
				}()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				log.Info().Msg("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (default $SERVER_PORT)")
	return cmd
}
