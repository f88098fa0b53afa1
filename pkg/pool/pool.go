// -- pkg/pool/pool.go --

// Package pool manages pre-warmed execution units. A unit bundles everything
// one audit session needs: its own event bus, page memory, crawl map, and a
// live browser session. Warming the browser is the expensive part, so the
// pool keeps Size units ready ahead of demand and replaces consumed or
// failed units in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/websentry/internal/config"
	"github.com/xkilldash9x/websentry/pkg/agent"
	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
	"github.com/xkilldash9x/websentry/pkg/validators"
)

var (
	// ErrCapacity is returned when the global session cap is reached. The
	// caller maps it to HTTP 429; pool state is untouched.
	ErrCapacity = errors.New("session capacity reached")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("pool is shut down")

	// ErrSessionExists is returned when a session id is already being
	// served by a unit.
	ErrSessionExists = errors.New("session already active")
)

// SessionFactory builds one browser session. Injected so the pool never
// depends on a concrete engine.
type SessionFactory func(ctx context.Context) (agent.Session, error)

// Unit is one execution context. Everything in it is session-scoped; no
// unit state is shared with another unit.
type Unit struct {
	id        string
	sessionID string
	bus       *events.Bus
	mem       *memory.PageMemory
	crawl     *memory.CrawlMap
	session   agent.Session
	data      map[string]string

	closeOnce sync.Once
}

// ID returns the unit's internal identifier.
func (u *Unit) ID() string { return u.id }

// SessionID returns the session the unit is serving, empty while warmed
// but unassigned.
func (u *Unit) SessionID() string { return u.sessionID }

// Bus returns the unit's event bus.
func (u *Unit) Bus() *events.Bus { return u.bus }

// Memory returns the unit's page memory.
func (u *Unit) Memory() *memory.PageMemory { return u.mem }

// CrawlMap returns the unit's crawl map.
func (u *Unit) CrawlMap() *memory.CrawlMap { return u.crawl }

// Session returns the unit's browser session.
func (u *Unit) Session() agent.Session { return u.session }

// Data returns the opaque per-session payload supplied at activation.
func (u *Unit) Data() map[string]string { return u.data }

// teardown releases unit resources. Safe to call more than once.
func (u *Unit) teardown(logger *zap.Logger) {
	u.closeOnce.Do(func() {
		u.bus.RemoveAllListeners()
		if u.session != nil {
			if err := u.session.Close(); err != nil {
				logger.Debug("Unit session close failed",
					zap.String("unit", u.id), zap.Error(err))
			}
		}
		u.mem.Clear()
		u.crawl.Clear()
	})
}

// Pool owns the warm units and the active assignment table.
type Pool struct {
	cfg        config.PoolConfig
	vcfg       validators.Config
	logger     *zap.Logger
	newSession SessionFactory

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	ready  []*Unit
	active map[string]*Unit
	closed bool

	readyCh   chan struct{}
	readyOnce sync.Once
	warming   sync.WaitGroup
}

// New starts a pool and begins warming cfg.Size units in the background.
// Use Ready to wait for the first unit.
func New(cfg config.PoolConfig, vcfg validators.Config, logger *zap.Logger, newSession SessionFactory) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		vcfg:       vcfg,
		logger:     logger.Named("pool"),
		newSession: newSession,
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*Unit),
		readyCh:    make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		p.warming.Add(1)
		go p.warmOne()
	}
	return p
}

// Ready returns a channel that closes once at least one unit has been
// warmed and parked.
func (p *Pool) Ready() <-chan struct{} { return p.readyCh }

// warmOne builds a unit and parks it in the ready list, retrying with
// backoff on failure until the pool shuts down.
func (p *Pool) warmOne() {
	defer p.warming.Done()
	for {
		if p.baseCtx.Err() != nil {
			return
		}
		u, err := p.buildUnit(p.baseCtx)
		if err != nil {
			p.logger.Warn("Unit warm failed, retrying", zap.Error(err))
			select {
			case <-p.baseCtx.Done():
				return
			case <-time.After(p.cfg.ReplaceBackoff):
			}
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			u.teardown(p.logger)
			return
		}
		p.ready = append(p.ready, u)
		p.mu.Unlock()

		p.readyOnce.Do(func() { close(p.readyCh) })
		p.logger.Debug("Unit warmed", zap.String("unit", u.ID()))
		return
	}
}

func (p *Pool) buildUnit(ctx context.Context) (*Unit, error) {
	session, err := p.newSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("building browser session: %w", err)
	}
	return &Unit{
		id:      uuid.NewString(),
		bus:     events.NewBus(p.logger),
		mem:     memory.NewPageMemory(),
		crawl:   memory.NewCrawlMap(),
		session: session,
	}, nil
}

// GetUnit assigns a unit to the session id, activating a warm unit when one
// is parked and building on demand otherwise. The capacity check happens
// before any state changes: a rejected request leaves the pool exactly as
// it found it. A unit is never handed to two sessions.
func (p *Pool) GetUnit(ctx context.Context, sessionID, url string, data map[string]string) (*Unit, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := p.active[sessionID]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionExists)
	}
	if len(p.active) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil, ErrCapacity
	}

	var u *Unit
	if n := len(p.ready); n > 0 {
		u = p.ready[n-1]
		p.ready = p.ready[:n-1]
	}
	// Reserve the slot before the slow activation so concurrent callers
	// cannot oversubscribe the cap.
	p.active[sessionID] = nil
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.active, sessionID)
		p.mu.Unlock()
	}

	if u == nil {
		built, err := p.buildUnit(ctx)
		if err != nil {
			release()
			return nil, err
		}
		u = built
	}

	if err := u.session.Start(ctx, url); err != nil {
		release()
		u.teardown(p.logger)
		p.replaceLater()
		return nil, fmt.Errorf("starting session %q: %w", sessionID, err)
	}

	u.sessionID = sessionID
	u.data = data
	validators.RegisterAll(u.bus, p.logger, u.session, p.vcfg)

	p.mu.Lock()
	if p.closed {
		delete(p.active, sessionID)
		p.mu.Unlock()
		u.teardown(p.logger)
		return nil, ErrClosed
	}
	p.active[sessionID] = u
	p.mu.Unlock()

	p.logger.Info("Unit assigned",
		zap.String("unit", u.ID()), zap.String("session", sessionID))
	return u, nil
}

// Release tears down the unit serving the session and warms a replacement.
// Releasing an unknown session is a no-op.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	u, ok := p.active[sessionID]
	if ok {
		delete(p.active, sessionID)
	}
	closed := p.closed
	p.mu.Unlock()

	if !ok || u == nil {
		return
	}
	u.teardown(p.logger)
	if !closed {
		p.replaceLater()
	}
}

// replaceLater warms a fresh unit after the configured backoff. Failed or
// consumed units are never reused.
func (p *Pool) replaceLater() {
	p.warming.Add(1)
	go func() {
		select {
		case <-p.baseCtx.Done():
			p.warming.Done()
			return
		case <-time.After(p.cfg.ReplaceBackoff):
		}
		p.warmOne()
	}()
}

// Available reports the number of warm, unassigned units.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// ActiveSessions reports the number of assigned units.
func (p *Pool) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.active {
		if u != nil {
			n++
		}
	}
	return n
}

// Shutdown stops the pool: in-flight warmups are cancelled, every unit is
// torn down within the context's deadline, and stragglers are abandoned
// when the deadline passes. Afterwards no units remain available.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	units := make([]*Unit, 0, len(p.ready)+len(p.active))
	units = append(units, p.ready...)
	for _, u := range p.active {
		if u != nil {
			units = append(units, u)
		}
	}
	p.ready = nil
	p.active = make(map[string]*Unit)
	p.mu.Unlock()

	p.baseCancel()

	g := new(errgroup.Group)
	for _, u := range units {
		u := u
		g.Go(func() error {
			u.teardown(p.logger)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait() //nolint:errcheck // teardown never errors
		p.warming.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pool shut down", zap.Int("units", len(units)))
		return nil
	case <-ctx.Done():
		p.logger.Warn("Pool shutdown grace expired", zap.Int("units", len(units)))
		return ctx.Err()
	}
}
