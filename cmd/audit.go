// -- cmd/audit.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/internal/observability"
	"github.com/xkilldash9x/websentry/internal/service"
	"github.com/xkilldash9x/websentry/pkg/agent"
	"github.com/xkilldash9x/websentry/pkg/boss"
	"github.com/xkilldash9x/websentry/pkg/bridge"
	"github.com/xkilldash9x/websentry/pkg/browser"
	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
	"github.com/xkilldash9x/websentry/pkg/oracle"
	"github.com/xkilldash9x/websentry/pkg/validators"
)

// newAuditCmd runs a single audit session to completion without the HTTP
// surface, printing the crawl map and per-agent outputs as JSON.
func newAuditCmd() *cobra.Command {
	var goal string

	auditCmd := &cobra.Command{
		Use:   "audit [url]",
		Short: "Runs one audit session against a target and prints the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			url := args[0]
			sessionID := uuid.New().String()

			manager, err := browser.NewManager(ctx, logger, cfg.Browser)
			if err != nil {
				return fmt.Errorf("starting browser: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.StopGracePeriod)
				defer cancel()
				if err := manager.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Browser shutdown incomplete", zap.Error(err))
				}
			}()

			mind, err := oracle.New(ctx, cfg.Oracle, logger)
			if err != nil {
				return fmt.Errorf("starting oracle: %w", err)
			}

			session, err := manager.NewSession()
			if err != nil {
				return err
			}
			if err := session.Start(ctx, url); err != nil {
				return fmt.Errorf("opening %s: %w", url, err)
			}

			bus := events.NewBus(logger)
			mem := memory.NewPageMemory()
			crawl := memory.NewCrawlMap()
			validators.RegisterAll(bus, logger, session, service.ValidatorThresholds(cfg.Validators))

			br, err := bridge.Dial(ctx, cfg.Bridge.URL, sessionID, cfg.Bridge.DialTimeout, logger)
			if err != nil {
				logger.Warn("Bridge unavailable, continuing without UI feed", zap.Error(err))
			}
			br.Attach(bus, crawl)
			defer br.Close()

			roster := make([]boss.AgentConfig, 0, len(cfg.Orchestrator.Agents))
			for _, spec := range cfg.Orchestrator.Agents {
				roster = append(roster, boss.AgentConfig{
					Name:              spec.Name,
					Kind:              agent.Kind(spec.Kind),
					AgentDependencies: spec.Dependencies,
				})
			}

			b := boss.New(boss.Config{
				Agents:        roster,
				Goal:          goal,
				BaseURL:       url,
				MaxConcurrent: cfg.Orchestrator.MaxConcurrentAgents,
				TickInterval:  cfg.Orchestrator.TickInterval,
			}, logger, bus, mem, crawl, agent.Deps{
				Memory:   mem,
				CrawlMap: crawl,
				Session:  session,
				Oracle:   mind,
				Executor: browser.NewExecutor(session, logger),
				Prober:   browser.NewProber(url, 15*time.Second, logger),
				MaxSteps: cfg.Orchestrator.MaxSteps,
			})

			// Snapshot results before Stop clears the session memory.
			var report struct {
				SessionID string                  `json:"session_id"`
				URL       string                  `json:"url"`
				Goal      string                  `json:"goal,omitempty"`
				CrawlMap  []memory.CrawlEntry     `json:"crawl_map"`
				Agents    map[string]agent.Output `json:"agents"`
			}
			bus.On(events.TypeDone, func(events.Event) {
				report.CrawlMap = crawl.Snapshot()
			})

			if err := b.Start(ctx, url); err != nil {
				return err
			}

			report.SessionID = sessionID
			report.URL = url
			report.Goal = goal
			report.Agents = b.Outputs()

			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	auditCmd.Flags().StringVarP(&goal, "goal", "g", "map the site and note security-relevant findings", "audit goal handed to the agents")
	return auditCmd
}

func init() {
	rootCmd.AddCommand(newAuditCmd())
}
