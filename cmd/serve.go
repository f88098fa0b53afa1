// -- cmd/serve.go --
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/internal/httpapi"
	"github.com/xkilldash9x/websentry/internal/observability"
	"github.com/xkilldash9x/websentry/internal/service"
	"github.com/xkilldash9x/websentry/pkg/agent"
	"github.com/xkilldash9x/websentry/pkg/browser"
	"github.com/xkilldash9x/websentry/pkg/oracle"
	"github.com/xkilldash9x/websentry/pkg/pool"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the audit service with the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			manager, err := browser.NewManager(ctx, logger, cfg.Browser)
			if err != nil {
				return fmt.Errorf("starting browser: %w", err)
			}

			mind, err := oracle.New(ctx, cfg.Oracle, logger)
			if err != nil {
				return fmt.Errorf("starting oracle: %w", err)
			}

			p := pool.New(cfg.Pool, service.ValidatorThresholds(cfg.Validators), logger,
				func(context.Context) (agent.Session, error) {
					return manager.NewSession()
				})

			svc := service.New(cfg, logger, p, mind,
				func(s agent.Session) agent.ActionExecutor {
					return browser.NewExecutor(s.(*browser.Session), logger)
				},
				func(baseURL string) agent.EndpointProber {
					return browser.NewProber(baseURL, 15*time.Second, logger)
				})

			api := httpapi.New(cfg.API.Listen, logger, svc)

			errCh := make(chan error, 1)
			go func() { errCh <- api.ListenAndServe() }()

			select {
			case <-p.Ready():
				logger.Info("Execution pool warmed and ready")
			case <-ctx.Done():
			case err := <-errCh:
				return err
			}

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received")
			case serveErr = <-errCh:
			}

			// Drain in dependency order: API first so no new sessions
			// arrive, then sessions and pool, then the browser process.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace)
			defer cancel()
			if err := api.Shutdown(shutdownCtx); err != nil {
				logger.Warn("API shutdown incomplete", zap.Error(err))
			}
			if err := svc.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Service shutdown incomplete", zap.Error(err))
			}
			if err := manager.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Browser shutdown incomplete", zap.Error(err))
			}
			return serveErr
		},
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
