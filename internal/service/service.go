// -- internal/service/service.go --

// Package service wires the pool, orchestrator, oracle, and bridge into
// running audit sessions. It is the layer the HTTP control surface talks
// to: one StartSession call takes a session from capacity check to a boss
// driving agents in the background.
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/internal/config"
	"github.com/xkilldash9x/websentry/pkg/agent"
	"github.com/xkilldash9x/websentry/pkg/boss"
	"github.com/xkilldash9x/websentry/pkg/bridge"
	"github.com/xkilldash9x/websentry/pkg/pool"
	"github.com/xkilldash9x/websentry/pkg/validators"
)

// ValidatorThresholds maps the application config onto the validator set.
func ValidatorThresholds(c config.ValidatorConfig) validators.Config {
	return validators.Config{
		MaxRepeatedActions:  c.MaxRepeatedActions,
		MaxErrors:           c.MaxErrors,
		MaxRepeatedWarnings: c.MaxRepeatedWarnings,
		TokenBudget:         c.TokenBudget,
		TokenModel:          c.TokenModel,
	}
}

// Service owns the session lifecycle across the pool and the orchestrators.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pool.Pool
	oracle agent.Oracle

	// newExecutor builds the action executor for a unit's session.
	newExecutor func(s agent.Session) agent.ActionExecutor
	// newProber builds the endpoint prober for a base URL, nil to disable
	// the fuzzer path.
	newProber func(baseURL string) agent.EndpointProber

	mu     sync.Mutex
	bosses map[string]*sessionHandle
}

type sessionHandle struct {
	boss   *boss.Boss
	bridge *bridge.Bridge
	done   chan struct{}
}

// New assembles the service.
func New(cfg *config.Config, logger *zap.Logger, p *pool.Pool, oracle agent.Oracle,
	newExecutor func(agent.Session) agent.ActionExecutor,
	newProber func(string) agent.EndpointProber) *Service {
	return &Service{
		cfg:         cfg,
		logger:      logger.Named("service"),
		pool:        p,
		oracle:      oracle,
		newExecutor: newExecutor,
		newProber:   newProber,
		bosses:      make(map[string]*sessionHandle),
	}
}

// rosterFor translates the declarative config roster into boss agent
// configs.
func (s *Service) rosterFor() []boss.AgentConfig {
	out := make([]boss.AgentConfig, 0, len(s.cfg.Orchestrator.Agents))
	for _, spec := range s.cfg.Orchestrator.Agents {
		out = append(out, boss.AgentConfig{
			Name:              spec.Name,
			Kind:              agent.Kind(spec.Kind),
			AgentDependencies: spec.Dependencies,
		})
	}
	return out
}

// StartSession claims an execution unit and launches a boss run in the
// background. Capacity exhaustion surfaces as pool.ErrCapacity for the
// HTTP layer to map to 429.
func (s *Service) StartSession(ctx context.Context, sessionID, goal, url string) error {
	unit, err := s.pool.GetUnit(ctx, sessionID, url, nil)
	if err != nil {
		return err
	}

	var executor agent.ActionExecutor
	if s.newExecutor != nil {
		executor = s.newExecutor(unit.Session())
	}
	var prober agent.EndpointProber
	if s.newProber != nil {
		prober = s.newProber(url)
	}

	bcfg := boss.Config{
		Agents:        s.rosterFor(),
		Goal:          goal,
		BaseURL:       url,
		MaxConcurrent: s.cfg.Orchestrator.MaxConcurrentAgents,
		TickInterval:  s.cfg.Orchestrator.TickInterval,
	}
	if err := boss.ValidateConfigs(bcfg.Agents); err != nil {
		s.pool.Release(sessionID)
		return fmt.Errorf("invalid agent roster: %w", err)
	}

	b := boss.New(bcfg, s.logger, unit.Bus(), unit.Memory(), unit.CrawlMap(), agent.Deps{
		Memory:   unit.Memory(),
		CrawlMap: unit.CrawlMap(),
		Session:  unit.Session(),
		Oracle:   s.oracle,
		Executor: executor,
		Prober:   prober,
		MaxSteps: s.cfg.Orchestrator.MaxSteps,
	})

	// The bridge is best effort; a dial failure only costs the UI feed.
	br, err := bridge.Dial(ctx, s.cfg.Bridge.URL, sessionID, s.cfg.Bridge.DialTimeout, s.logger)
	if err != nil {
		s.logger.Warn("Bridge unavailable, continuing without UI feed",
			zap.String("session", sessionID), zap.Error(err))
	}
	br.Attach(unit.Bus(), unit.CrawlMap())
	br.SendInitialData(map[string]any{"goal": goal, "url": url, "session_id": sessionID})

	h := &sessionHandle{boss: b, bridge: br, done: make(chan struct{})}
	s.mu.Lock()
	s.bosses[sessionID] = h
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		if err := b.Start(context.Background(), url); err != nil {
			s.logger.Warn("Session ended with error",
				zap.String("session", sessionID), zap.Error(err))
		}
		if err := br.Close(); err != nil {
			s.logger.Debug("Bridge close failed", zap.Error(err))
		}
		s.pool.Release(sessionID)
		s.mu.Lock()
		delete(s.bosses, sessionID)
		s.mu.Unlock()
	}()

	s.logger.Info("Session started",
		zap.String("session", sessionID), zap.String("url", url), zap.String("goal", goal))
	return nil
}

// StopSession stops one session. Returns false when the session is unknown.
func (s *Service) StopSession(sessionID string) bool {
	s.mu.Lock()
	h, ok := s.bosses[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.boss.Stop()
	return true
}

// StopAll stops every running session and returns how many were stopped.
func (s *Service) StopAll() int {
	s.mu.Lock()
	handles := make([]*sessionHandle, 0, len(s.bosses))
	for _, h := range s.bosses {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.boss.Stop()
	}
	return len(handles)
}

// ActiveSessions reports the number of running sessions.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bosses)
}

// Shutdown stops all sessions and drains the pool.
func (s *Service) Shutdown(ctx context.Context) error {
	s.StopAll()
	return s.pool.Shutdown(ctx)
}
