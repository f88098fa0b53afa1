// -- pkg/agent/fuzz.go --
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

// FuzzAgent probes a resolved list of API endpoints and records the
// outcomes against the originating page. It alternates ACT (issue the
// probe) and VALIDATE (judge the response, record it) per endpoint.
type FuzzAgent struct {
	fsm

	mem    *memory.PageMemory
	prober EndpointProber

	pageURL   string
	endpoints []EndpointSpec
	idx       int
	lastProbe struct {
		spec   EndpointSpec
		status int
		err    error
	}
}

// NewFuzzAgent wires a fuzzer to its prober.
func NewFuzzAgent(name string, logger *zap.Logger, bus *events.Bus, deps Deps) *FuzzAgent {
	return &FuzzAgent{
		fsm:    newFSM(name, logger, bus, deps.MaxSteps),
		mem:    deps.Memory,
		prober: deps.Prober,
	}
}

// Enqueue arms the agent with the endpoint list to probe.
func (a *FuzzAgent) Enqueue(in Input) error {
	if err := a.arm(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pageURL = in.BaseURL
	a.endpoints = append([]EndpointSpec(nil), in.Endpoints...)
	a.idx = 0
	return nil
}

func (a *FuzzAgent) Tick(ctx context.Context) {
	a.tick(func() {
		switch a.state {
		case StateStart:
			if len(a.endpoints) == 0 {
				a.setState(StateDone)
				return
			}
			if a.prober == nil {
				a.fail("no endpoint prober configured")
				return
			}
			a.setState(StateAct)
		case StateAct:
			spec := a.endpoints[a.idx]
			a.bus.Emit(events.ActionStarted{Meta: events.Now(a.name), Step: "probe", Target: spec.Method + " " + spec.Path})
			status, err := a.prober.Probe(ctx, spec.Method, spec.Path)
			a.lastProbe.spec = spec
			a.lastProbe.status = status
			a.lastProbe.err = err
			a.bus.Emit(events.ActionFinished{Meta: events.Now(a.name), Step: "probe", Target: spec.Method + " " + spec.Path, Success: err == nil})
			a.setState(StateValidate)
		case StateValidate:
			a.tickValidate()
		default:
			a.fail(fmt.Sprintf("unexpected state %s", a.state))
		}
	})
}

func (a *FuzzAgent) tickValidate() {
	spec := a.lastProbe.spec
	result := memory.EndpointResult{Method: spec.Method, Path: spec.Path, StatusCode: a.lastProbe.status}

	switch {
	case a.lastProbe.err != nil:
		result.Note = fmt.Sprintf("probe failed: %v", a.lastProbe.err)
		a.warn(fmt.Sprintf("endpoint %s %s unreachable", spec.Method, spec.Path))
	case a.lastProbe.status >= 500:
		result.Note = "server error under probe"
		note := fmt.Sprintf("endpoint %s %s returned %d", spec.Method, spec.Path, a.lastProbe.status)
		_ = a.mem.AddAnalysis(a.pageURL, note)
		a.output.Notes = append(a.output.Notes, note)
	}

	if err := a.mem.AddEndpointResults(a.pageURL, []memory.EndpointResult{result}); err != nil {
		a.fail(fmt.Sprintf("recording endpoint result: %v", err))
		return
	}

	a.idx++
	if a.idx >= len(a.endpoints) {
		a.setState(StateDone)
		return
	}
	a.setState(StateAct)
}

func (a *FuzzAgent) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pageURL = ""
	a.endpoints = nil
	a.idx = 0
	a.lastProbe.spec = EndpointSpec{}
	a.lastProbe.status = 0
	a.lastProbe.err = nil
	a.reset()
}
