// -- pkg/agent/crawl.go --
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

// CrawlAgent is the canonical crawl/analyze agent: it works through the
// candidate links of one page, letting the oracle pick the next target,
// and marks progress in the canonical PageMemory so cooperating agents
// never re-visit a link.
type CrawlAgent struct {
	fsm

	mem      *memory.PageMemory
	crawl    *memory.CrawlMap
	session  Session
	oracle   Oracle
	executor ActionExecutor

	goal       string
	pageURL    string
	queue      []memory.LinkInfo
	obs        Observation
	staged     Action
	lastAction string
}

// NewCrawlAgent wires a crawl agent to its session-scoped collaborators.
func NewCrawlAgent(name string, logger *zap.Logger, bus *events.Bus, deps Deps) *CrawlAgent {
	return &CrawlAgent{
		fsm:      newFSM(name, logger, bus, deps.MaxSteps),
		mem:      deps.Memory,
		crawl:    deps.CrawlMap,
		session:  deps.Session,
		oracle:   deps.Oracle,
		executor: deps.Executor,
	}
}

// Enqueue arms the agent with a goal and a link queue. The links are
// registered in PageMemory immediately so the visited bit has a canonical
// home before the first tick.
func (a *CrawlAgent) Enqueue(in Input) error {
	if err := a.arm(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.goal = in.Goal
	a.pageURL = in.BaseURL
	a.queue = append([]memory.LinkInfo(nil), in.Links...)
	a.obs = Observation{}
	a.staged = Action{}
	a.lastAction = ""
	if a.pageURL != "" {
		if err := a.mem.AddPage(a.pageURL, a.queue); err != nil {
			return fmt.Errorf("registering page links: %w", err)
		}
	}
	return nil
}

// Tick performs exactly one state transition.
func (a *CrawlAgent) Tick(ctx context.Context) {
	a.tick(func() {
		switch a.state {
		case StateStart:
			a.tickStart()
		case StateObserve:
			a.tickObserve(ctx)
		case StateDecide:
			a.tickDecide(ctx)
		case StateAct:
			a.tickAct(ctx)
		default:
			// VALIDATE is unused by the crawl variant; treat an undefined
			// state as a defect rather than guessing.
			a.fail(fmt.Sprintf("unexpected state %s", a.state))
		}
	})
}

func (a *CrawlAgent) tickStart() {
	if a.goal == "" {
		a.fail("no goal configured")
		return
	}
	if len(a.queue) == 0 {
		a.conclude()
		return
	}
	a.setState(StateObserve)
}

func (a *CrawlAgent) tickObserve(ctx context.Context) {
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
}

func (a *CrawlAgent) tickDecide(ctx context.Context) {
	in := ThinkInput{
		Goal:       a.goal,
		PageURL:    a.obs.URL,
		Screenshot: a.obs.Screenshot,
		LastAction: a.lastAction,
		Candidates: a.candidates(),
	}
	if rec, err := a.mem.Page(a.pageURL); err == nil && rec != nil {
		in.Notes = rec.Analysis
	}

	dec, err := a.oracle.Think(ctx, in)
	if err != nil {
		a.fail(fmt.Sprintf("oracle call failed: %v", err))
		return
	}
	a.bus.Emit(events.LLMCall{Meta: events.Now(a.name), Tokens: dec.TokensUsed})

	if dec.Analysis != "" {
		_ = a.mem.AddAnalysis(a.pageURL, dec.Analysis)
		a.output.Notes = append(a.output.Notes, dec.Analysis)
	}
	if dec.Action.NewGoal != "" {
		a.output.Goals = append(a.output.Goals, dec.Action.NewGoal)
	}

	switch dec.Action.Step {
	case "":
		a.fail("oracle returned no action")
	case StepNoOp:
		// The oracle degraded; without an action there is nothing to
		// execute, so the run ends here.
		a.fail("oracle returned no_op, nothing to execute")
	default:
		a.staged = dec.Action
		a.setState(StateAct)
	}
}

func (a *CrawlAgent) tickAct(ctx context.Context) {
	if a.staged.Step == StepDone {
		a.conclude()
		return
	}

	// Reject stale or invalid targets instead of acting on them; this is a
	// recoverable failure that sends the agent back to OBSERVE.
	if target := a.staged.Selector; target != "" && !a.targetKnown(target) {
		a.warn(fmt.Sprintf("rejected action on stale target %q", target))
		a.staged = Action{}
		a.setState(StateObserve)
		return
	}

	a.bus.Emit(events.ActionStarted{
		Meta:   events.Now(a.name),
		Step:   a.staged.Step,
		Target: a.staged.Selector,
		Reason: a.staged.Reason,
	})

	res, err := a.executor.ExecuteAction(ctx, a.staged, a.obs.Candidates)
	if err != nil {
		a.bus.Emit(events.ActionFinished{Meta: events.Now(a.name), Step: a.staged.Step, Target: a.staged.Selector, Success: false})
		a.fail(fmt.Sprintf("action execution failed: %v", err))
		return
	}
	a.bus.Emit(events.ActionFinished{
		Meta:     events.Now(a.name),
		Step:     a.staged.Step,
		Target:   a.staged.Selector,
		Success:  res.Success,
		Boundary: string(res.Boundary),
	})
	a.lastAction = a.staged.Step + " " + a.staged.Selector

	if res.Success {
		a.markVisited(a.staged)
	}

	switch res.Boundary {
	case BoundaryDone:
		a.conclude()
	case BoundaryExternal:
		// The boundary crossing is handled by a separate re-entry agent;
		// this run ends with the remaining links re-queued in the output.
		newURL, _ := a.session.CurrentURL(ctx)
		a.bus.Emit(events.NewPageVisited{Meta: events.Now(a.name), FromURL: a.pageURL, ToURL: newURL, Handled: false})
		a.conclude()
	default:
		if newURL, err := a.session.CurrentURL(ctx); err == nil && newURL != "" && newURL != a.obs.URL {
			a.bus.Emit(events.NewPageVisited{Meta: events.Now(a.name), FromURL: a.obs.URL, ToURL: newURL, Handled: true})
		}
		if left, err := a.mem.AllUnvisitedLinks(a.pageURL); err == nil && len(left) == 0 {
			a.conclude()
			return
		}
		a.staged = Action{}
		a.setState(StateObserve)
	}
}

// conclude finalizes the crawl map entry for this page and hands the
// still-unvisited links to dependents. Callers must hold a.mu.
func (a *CrawlAgent) conclude() {
	if a.pageURL != "" {
		left, _ := a.mem.AllUnvisitedLinks(a.pageURL)
		a.output.Links = left
		if len(left) == 0 && a.crawl != nil {
			_ = a.crawl.Finalize(a.pageURL, memory.CrawlEntry{
				Screenshot: a.obs.Screenshot,
				LinksFound: len(a.queue),
				Notes:      a.output.Notes,
			})
		}
	}
	a.setState(StateDone)
}

// candidates merges the page observation with the queued links so the
// oracle sees labels for both.
func (a *CrawlAgent) candidates() []Candidate {
	out := append([]Candidate(nil), a.obs.Candidates...)
	for _, l := range a.queue {
		if !a.observed(l.Selector) {
			out = append(out, Candidate{Label: l.Description, Selector: l.Selector, Href: l.Href})
		}
	}
	return out
}

func (a *CrawlAgent) observed(selector string) bool {
	for _, c := range a.obs.Candidates {
		if c.Selector == selector {
			return true
		}
	}
	return false
}

func (a *CrawlAgent) targetKnown(selector string) bool {
	if a.observed(selector) {
		return true
	}
	for _, l := range a.queue {
		if l.Selector == selector {
			return true
		}
	}
	return false
}

// markVisited flips the canonical visited bit when the executed action
// targeted one of the queued links.
func (a *CrawlAgent) markVisited(act Action) {
	for _, l := range a.queue {
		if l.Selector == act.Selector || (act.Value != "" && l.Href == act.Value) {
			if err := a.mem.MarkLinkVisited(a.pageURL, l.Href); err != nil {
				a.logger.Debug("Could not mark link visited", zap.String("href", l.Href), zap.Error(err))
			}
			return
		}
	}
}

// Cleanup resets all mutable fields and returns the agent to WAIT. Safe to
// call from an error path, a done path, or twice.
func (a *CrawlAgent) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.goal = ""
	a.pageURL = ""
	a.queue = nil
	a.obs = Observation{}
	a.staged = Action{}
	a.lastAction = ""
	a.reset()
}
