package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SamuelRCrider/pii-guard/httpapi"
	"github.com/SamuelRCrider/pii-guard/mcp"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

var serveMCPCmd = &cobra.Command{
	Use:   "serve-mcp",
	Short: "Run as an MCP server over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withRuntime(cmd, func(rt *runtime) error {
			rt.logger.Info("serving MCP on stdio")
			return mcp.NewGuardServer(rt.guard).ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

var serveHTTPCmd = &cobra.Command{
	Use:   "serve-http",
	Short: "Run the HTTP/JSON API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withRuntime(cmd, func(rt *runtime) error {
			addr := rt.cfg.HTTP.Addr
			if flag, _ := cmd.Flags().GetString("addr"); flag != "" {
				addr = flag
			}
			limit := rt.cfg.HTTP.RateLimit
			if cmd.Flags().Changed("rate-limit") {
				limit, _ = cmd.Flags().GetInt("rate-limit")
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.New(rt.guard, rt.logger, httpapi.WithRateLimit(limit, rt.cfg.HTTP.RateWindow)).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			rt.logger.Info("listening", "addr", addr)

			select {
			case <-ctx.Done():
				rt.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)
			}
		})
	},
}

func init() {
	serveHTTPCmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
	serveHTTPCmd.Flags().Int("rate-limit", 0, "Requests per client per http.rate_window; 0 disables")
	rootCmd.AddCommand(serveMCPCmd, serveHTTPCmd)
}
