package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zatekoja/plantid/backend/internal/api/handlers"
	"github.com/zatekoja/plantid/backend/internal/api/routes"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the identification API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				if addr == "" {
					addr = a.cfg.Server.ServerAddr()
				}
				runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return serve(runCtx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default SERVER_HOST:SERVER_PORT)")
	return cmd
}

func (a *app) httpHandler() http.Handler {
	var admin *handlers.AdminHandler
	if a.cfg.Server.EnableAdmin {
		admin = handlers.NewAdminHandler(a.service)
	}
	router := routes.NewRouter(
		handlers.NewIdentificationHandler(a.service, a.cfg.Identification.MaxImageBytes),
		admin,
		a.cfg.OTEL.ServiceName,
		a.cfg.Server.AllowedOrigins,
	)
	return router.SetupRoutes()
}

// serve runs the HTTP server until ctx is done, then drains it
func serve(ctx context.Context, a *app, addr string) error {
	logger := observability.GetLogger()
	server := &http.Server{
		Addr:         addr,
		Handler:      a.httpHandler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Bool("admin", a.cfg.Server.EnableAdmin).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("Server stopped")
	return nil
}
