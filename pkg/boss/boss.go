// -- pkg/boss/boss.go --

// Package boss implements the per-session orchestrator. A Boss owns one
// declarative roster of agents, validates its dependency graph, runs the
// independent agents concurrently, then feeds their merged outputs to the
// dependent agents in topological order. The boss is also the single place
// where a session is torn down: any stop event on the bus, whether raised
// by a validator or by an operator, funnels into one idempotent teardown.
package boss

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/websentry/pkg/agent"
	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

var (
	// ErrUnknownDependency is returned when an agent declares a dependency
	// on a name absent from the roster.
	ErrUnknownDependency = errors.New("unknown agent dependency")

	// ErrCycle is returned when the dependency declarations form a cycle.
	// The roster must be a DAG.
	ErrCycle = errors.New("agent dependency cycle")

	// ErrAlreadyRunning is returned by Start when a run is in flight.
	ErrAlreadyRunning = errors.New("session already running")
)

// AgentConfig declares one agent in the session roster.
type AgentConfig struct {
	Name              string     `mapstructure:"name" yaml:"name"`
	Kind              agent.Kind `mapstructure:"kind" yaml:"kind"`
	SessionKind       string     `mapstructure:"session_kind" yaml:"session_kind"`
	ActionServiceKind string     `mapstructure:"action_service_kind" yaml:"action_service_kind"`
	Dependent         bool       `mapstructure:"dependent" yaml:"dependent"`
	AgentDependencies []string   `mapstructure:"agent_dependencies" yaml:"agent_dependencies"`
}

// Config bounds one orchestrated session.
type Config struct {
	Agents        []AgentConfig
	Goal          string
	BaseURL       string
	MaxConcurrent int
	TickInterval  time.Duration
}

// Factory builds one agent instance for the roster. Injected so tests can
// substitute scripted agents; the default delegates to agent.New.
type Factory func(kind agent.Kind, name string) (agent.Agent, error)

// Boss orchestrates one session.
type Boss struct {
	cfg     Config
	logger  *zap.Logger
	bus     *events.Bus
	mem     *memory.PageMemory
	crawl   *memory.CrawlMap
	session agent.Session
	factory Factory

	running atomic.Bool
	stopped atomic.Bool
	cleared atomic.Bool
	cancel  atomic.Pointer[context.CancelFunc]

	mu      sync.Mutex
	outputs map[string]agent.Output
}

// New builds a Boss over the session collaborators. The bus, memory and
// session are owned by the caller (normally an execution unit); the boss
// subscribes its stop handler immediately.
func New(cfg Config, logger *zap.Logger, bus *events.Bus, mem *memory.PageMemory, crawl *memory.CrawlMap, deps agent.Deps) *Boss {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	b := &Boss{
		cfg:     cfg,
		logger:  logger.Named("boss"),
		bus:     bus,
		mem:     mem,
		crawl:   crawl,
		session: deps.Session,
		outputs: make(map[string]agent.Output),
		factory: func(kind agent.Kind, name string) (agent.Agent, error) {
			return agent.New(kind, name, logger, bus, deps)
		},
	}
	bus.On(events.TypeStop, b.onStop)
	return b
}

// SetFactory overrides agent construction. Must be called before Start.
func (b *Boss) SetFactory(f Factory) { b.factory = f }

// ValidateConfigs checks the roster: names must be unique, kinds
// constructible, every declared dependency resolvable, and the dependency
// graph acyclic. Validation failures are configuration errors; nothing has
// been started when they are reported.
func ValidateConfigs(agents []AgentConfig) error {
	if len(agents) == 0 {
		return errors.New("empty agent roster")
	}
	byName := make(map[string]AgentConfig, len(agents))
	for _, ac := range agents {
		if ac.Name == "" {
			return errors.New("agent with empty name")
		}
		if !ac.Kind.Valid() {
			return fmt.Errorf("agent %q: invalid kind %q", ac.Name, ac.Kind)
		}
		if _, dup := byName[ac.Name]; dup {
			return fmt.Errorf("duplicate agent name %q", ac.Name)
		}
		byName[ac.Name] = ac
	}
	for _, ac := range agents {
		for _, dep := range ac.AgentDependencies {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("agent %q depends on %q: %w", ac.Name, dep, ErrUnknownDependency)
			}
			if dep == ac.Name {
				return fmt.Errorf("agent %q depends on itself: %w", ac.Name, ErrCycle)
			}
		}
	}
	return checkAcyclic(byName)
}

// checkAcyclic runs a three-color depth-first search over the dependency
// edges.
func checkAcyclic(byName map[string]AgentConfig) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byName))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("at agent %q: %w", name, ErrCycle)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].AgentDependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder returns the dependent agents sorted so each appears after all
// of its dependencies. Callers must have validated the roster first.
func topoOrder(agents []AgentConfig) []AgentConfig {
	byName := make(map[string]AgentConfig, len(agents))
	for _, ac := range agents {
		byName[ac.Name] = ac
	}
	var order []AgentConfig
	state := make(map[string]int, len(agents))

	var visit func(name string)
	visit = func(name string) {
		if state[name] != 0 {
			return
		}
		state[name] = 1
		for _, dep := range byName[name].AgentDependencies {
			visit(dep)
		}
		if len(byName[name].AgentDependencies) > 0 {
			order = append(order, byName[name])
		}
	}
	for _, ac := range agents {
		visit(ac.Name)
	}
	return order
}

// Start validates the roster and runs the session to completion. It returns
// when every agent finished, the context was cancelled, or a stop event
// tore the session down. Start is not reentrant; a second call while
// running returns ErrAlreadyRunning.
func (b *Boss) Start(ctx context.Context, url string) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	if err := ValidateConfigs(b.cfg.Agents); err != nil {
		return err
	}
	if url == "" {
		url = b.cfg.BaseURL
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.cancel.Store(&cancel)

	b.logger.Info("Session starting",
		zap.String("url", url), zap.Int("agents", len(b.cfg.Agents)))

	if err := b.runIndependents(runCtx, url); err != nil {
		b.Stop()
		return err
	}
	if err := b.runDependents(runCtx, url); err != nil {
		b.Stop()
		return err
	}

	if runCtx.Err() == nil {
		b.bus.Emit(events.Done{Meta: events.Now(""), Summary: "all agents completed"})
	}
	b.Stop()
	return runCtx.Err()
}

func (b *Boss) runIndependents(ctx context.Context, url string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MaxConcurrent)

	for _, ac := range b.cfg.Agents {
		if len(ac.AgentDependencies) > 0 {
			continue
		}
		ac := ac
		g.Go(func() error {
			return b.runOne(gctx, ac, agent.Input{Goal: b.cfg.Goal, BaseURL: url})
		})
	}
	return g.Wait()
}

func (b *Boss) runDependents(ctx context.Context, url string) error {
	for _, ac := range topoOrder(b.cfg.Agents) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in := b.mergeInputs(ac, url)
		if err := b.runOne(ctx, ac, in); err != nil {
			return err
		}
	}
	return nil
}

// mergeInputs assembles a dependent agent's input from the outputs of its
// declared dependencies: links are concatenated, and a goal discovered by a
// dependency supersedes the session goal.
func (b *Boss) mergeInputs(ac AgentConfig, url string) agent.Input {
	b.mu.Lock()
	defer b.mu.Unlock()

	in := agent.Input{Goal: b.cfg.Goal, BaseURL: url}
	for _, dep := range ac.AgentDependencies {
		out, ok := b.outputs[dep]
		if !ok {
			continue
		}
		in.Links = append(in.Links, out.Links...)
		if in.Goal == b.cfg.Goal && len(out.Goals) > 0 {
			in.Goal = out.Goals[0]
		}
	}
	return in
}

func (b *Boss) runOne(ctx context.Context, ac AgentConfig, in agent.Input) error {
	ag, err := b.factory(ac.Kind, ac.Name)
	if err != nil {
		return fmt.Errorf("constructing agent %q: %w", ac.Name, err)
	}
	defer ag.Cleanup()

	if err := ag.Enqueue(in); err != nil {
		return fmt.Errorf("arming agent %q: %w", ac.Name, err)
	}
	if err := agent.RunLoop(ctx, ag, b.cfg.TickInterval); err != nil {
		return err
	}

	out := ag.Output()
	b.mu.Lock()
	b.outputs[ac.Name] = out
	b.mu.Unlock()

	b.logger.Info("Agent completed",
		zap.String("agent", ac.Name),
		zap.String("state", string(ag.State())),
		zap.Int("links_out", len(out.Links)))
	return nil
}

// Outputs returns a copy of the per-agent outputs collected so far.
func (b *Boss) Outputs() map[string]agent.Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]agent.Output, len(b.outputs))
	for k, v := range b.outputs {
		out[k] = v
	}
	return out
}

// Stop tears the session down. The first call emits exactly one stop event
// and runs the teardown; every later call, and any stop event already on
// the bus, is a no-op.
func (b *Boss) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.bus.Emit(events.Stop{Meta: events.Now(""), Reason: "session stop requested"})
	b.teardown()
}

// onStop handles stop events raised elsewhere, typically by a validator.
// When the boss itself emitted the stop, the flag is already set and the
// handler does nothing.
func (b *Boss) onStop(events.Event) {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.teardown()
}

// teardown releases everything the session holds. It runs at most once per
// session: the stop flag gates both entry points.
func (b *Boss) teardown() {
	if c := b.cancel.Load(); c != nil {
		(*c)()
	}
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			b.logger.Warn("Session close failed", zap.Error(err))
		}
	}
	if b.cleared.CompareAndSwap(false, true) {
		if b.mem != nil {
			b.mem.Clear()
		}
		if b.crawl != nil {
			b.crawl.Clear()
		}
	}
	b.bus.RemoveAllListeners()
	b.logger.Info("Session torn down")
}

// Stopped reports whether teardown has run.
func (b *Boss) Stopped() bool { return b.stopped.Load() }
