package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(c *commandContext) *cobra.Command {
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and recovery sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noSweep {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
				defer a.scheduler.Stop()
			}

			server := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           a.httpServer().Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("http server listening", "addr", server.Addr, "models", len(a.registry.List()))
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
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			a.orchestrator.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Do not run the scheduled recovery sweep in this process")
	return cmd
}

func newMCPCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.mcpServer().Serve(ctx)
		},
	}
}
