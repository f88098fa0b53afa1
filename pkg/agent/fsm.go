// -- pkg/agent/fsm.go --
package agent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
)

// fsm carries the state shared by every agent variant: the current FSM
// state, the session bus, the step budget and the run output. Variants embed
// it and implement their transitions inside runTick.
type fsm struct {
	name   string
	logger *zap.Logger
	bus    *events.Bus

	mu         sync.Mutex
	state      State
	pausedFrom State
	steps      int
	maxSteps   int
	output     Output
}

func newFSM(name string, logger *zap.Logger, bus *events.Bus, maxSteps int) fsm {
	if maxSteps <= 0 {
		maxSteps = 50
	}
	return fsm{
		name:     name,
		logger:   logger.Named(name),
		bus:      bus,
		state:    StateWait,
		maxSteps: maxSteps,
	}
}

func (f *fsm) Name() string { return f.name }

func (f *fsm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fsm) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Terminal()
}

func (f *fsm) Output() Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output
}

// setState transitions the FSM. Callers must hold f.mu.
func (f *fsm) setState(next State) {
	if f.state != next {
		f.logger.Debug("State transition",
			zap.String("from", string(f.state)),
			zap.String("to", string(next)))
		f.state = next
	}
}

// fail records a failure: one error event on the bus, then ERROR state.
// Errors always surface as bus events before the state transition. Callers
// must hold f.mu.
func (f *fsm) fail(msg string) {
	f.logger.Warn("Agent failed", zap.String("reason", msg))
	f.bus.Emit(events.Error{Meta: events.Now(f.name), Message: msg})
	f.setState(StateError)
}

// warn emits a recoverable validator_warning. Callers must hold f.mu.
func (f *fsm) warn(msg string) {
	f.bus.Emit(events.ValidatorWarning{Meta: events.Now(f.name), Message: msg})
}

// arm moves the agent out of WAIT or DONE into START. Arming a running
// agent is an error.
func (f *fsm) arm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateWait && f.state != StateDone {
		return fmt.Errorf("agent %s cannot be armed in state %s", f.name, f.state)
	}
	f.steps = 0
	f.output = Output{}
	f.setState(StateStart)
	return nil
}

// reset returns the FSM to WAIT. Callers must hold f.mu.
func (f *fsm) reset() {
	f.steps = 0
	f.output = Output{}
	f.setState(StateWait)
}

// Pause suspends a running agent; Tick becomes a no-op until Resume.
func (f *fsm) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Terminal() {
		f.pausedFrom = f.state
		f.setState(StatePause)
	}
}

// Resume returns a paused agent to the state it was suspended in.
func (f *fsm) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StatePause {
		f.setState(f.pausedFrom)
	}
}

// tick runs one guarded transition. The lock spans the whole transition so
// state mutation is never interleaved with another tick on the same agent,
// and a panic inside a transition is converted into ERROR plus an error
// event instead of crashing the driving loop.
func (f *fsm) tick(run func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			f.fail(fmt.Sprintf("panic during tick: %v", r))
		}
	}()

	if f.state.Terminal() {
		return
	}
	f.steps++
	if f.steps > f.maxSteps {
		f.fail(fmt.Sprintf("step budget exhausted (%d)", f.maxSteps))
		return
	}
	run()
}
