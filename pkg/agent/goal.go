// -- pkg/agent/goal.go --
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
)

// GoalAgent pursues a free-form objective on the current page without a
// link queue: the oracle steers entirely from observations. Sub-goals it
// surfaces along the way are handed to dependents through the output.
type GoalAgent struct {
	fsm

	session  Session
	oracle   Oracle
	executor ActionExecutor

	goal       string
	pageURL    string
	obs        Observation
	staged     Action
	lastAction string
}

// NewGoalAgent wires a goal-pursuit agent to its collaborators.
func NewGoalAgent(name string, logger *zap.Logger, bus *events.Bus, deps Deps) *GoalAgent {
	return &GoalAgent{
		fsm:      newFSM(name, logger, bus, deps.MaxSteps),
		session:  deps.Session,
		oracle:   deps.Oracle,
		executor: deps.Executor,
	}
}

// Enqueue arms the agent with its objective.
func (a *GoalAgent) Enqueue(in Input) error {
	if err := a.arm(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.goal = in.Goal
	a.pageURL = in.BaseURL
	a.obs = Observation{}
	a.staged = Action{}
	a.lastAction = ""
	return nil
}

func (a *GoalAgent) Tick(ctx context.Context) {
	a.tick(func() {
		switch a.state {
		case StateStart:
			if a.goal == "" {
				a.fail("no goal configured")
				return
			}
			a.setState(StateObserve)
		case StateObserve:
			obs, err := a.session.Observe(ctx)
			if err != nil {
				a.fail(fmt.Sprintf("page capture failed: %v", err))
				return
			}
			a.obs = obs
			if obs.Screenshot != "" {
				a.bus.Emit(events.ScreenshotTaken{Meta: events.Now(a.name), Path: obs.Screenshot, URL: obs.URL})
			}
			a.setState(StateDecide)
		case StateDecide:
			a.tickDecide(ctx)
		case StateAct:
			a.tickAct(ctx)
		default:
			a.fail(fmt.Sprintf("unexpected state %s", a.state))
		}
	})
}

func (a *GoalAgent) tickDecide(ctx context.Context) {
	dec, err := a.oracle.Think(ctx, ThinkInput{
		Goal:       a.goal,
		PageURL:    a.obs.URL,
		Screenshot: a.obs.Screenshot,
		LastAction: a.lastAction,
		Candidates: a.obs.Candidates,
	})
	if err != nil {
		a.fail(fmt.Sprintf("oracle call failed: %v", err))
		return
	}
	a.bus.Emit(events.LLMCall{Meta: events.Now(a.name), Tokens: dec.TokensUsed})

	if dec.Analysis != "" {
		a.output.Notes = append(a.output.Notes, dec.Analysis)
	}
	if dec.Action.NewGoal != "" {
		a.output.Goals = append(a.output.Goals, dec.Action.NewGoal)
	}

	switch dec.Action.Step {
	case "", StepNoOp:
		a.fail("oracle returned no action")
	default:
		a.staged = dec.Action
		a.setState(StateAct)
	}
}

func (a *GoalAgent) tickAct(ctx context.Context) {
	if a.staged.Step == StepDone {
		a.setState(StateDone)
		return
	}
	if target := a.staged.Selector; target != "" && !a.observed(target) {
		a.warn(fmt.Sprintf("rejected action on stale target %q", target))
		a.staged = Action{}
		a.setState(StateObserve)
		return
	}

	a.bus.Emit(events.ActionStarted{Meta: events.Now(a.name), Step: a.staged.Step, Target: a.staged.Selector, Reason: a.staged.Reason})
	res, err := a.executor.ExecuteAction(ctx, a.staged, a.obs.Candidates)
	if err != nil {
		a.bus.Emit(events.ActionFinished{Meta: events.Now(a.name), Step: a.staged.Step, Target: a.staged.Selector, Success: false})
		a.fail(fmt.Sprintf("action execution failed: %v", err))
		return
	}
	a.bus.Emit(events.ActionFinished{Meta: events.Now(a.name), Step: a.staged.Step, Target: a.staged.Selector, Success: res.Success, Boundary: string(res.Boundary)})
	a.lastAction = a.staged.Step + " " + a.staged.Selector

	switch res.Boundary {
	case BoundaryDone:
		a.setState(StateDone)
	case BoundaryExternal:
		newURL, _ := a.session.CurrentURL(ctx)
		a.bus.Emit(events.NewPageVisited{Meta: events.Now(a.name), FromURL: a.obs.URL, ToURL: newURL, Handled: false})
		a.setState(StateDone)
	default:
		a.staged = Action{}
		a.setState(StateObserve)
	}
}

func (a *GoalAgent) observed(selector string) bool {
	for _, c := range a.obs.Candidates {
		if c.Selector == selector {
			return true
		}
	}
	return false
}

func (a *GoalAgent) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.goal = ""
	a.pageURL = ""
	a.obs = Observation{}
	a.staged = Action{}
	a.lastAction = ""
	a.reset()
}
