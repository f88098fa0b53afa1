// -- pkg/agent/reentry.go --
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

// ReentryAgent recovers from an external boundary crossing: it navigates
// the session back to the audited page and hands the still-unvisited links
// to whatever crawl agent resumes from its output.
type ReentryAgent struct {
	fsm

	mem     *memory.PageMemory
	session Session

	returnURL string
}

// NewReentryAgent wires a re-entry agent to the session.
func NewReentryAgent(name string, logger *zap.Logger, bus *events.Bus, deps Deps) *ReentryAgent {
	return &ReentryAgent{
		fsm:     newFSM(name, logger, bus, deps.MaxSteps),
		mem:     deps.Memory,
		session: deps.Session,
	}
}

// Enqueue arms the agent. The page to return to is the input BaseURL.
func (a *ReentryAgent) Enqueue(in Input) error {
	if err := a.arm(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returnURL = in.BaseURL
	return nil
}

func (a *ReentryAgent) Tick(ctx context.Context) {
	a.tick(func() {
		switch a.state {
		case StateStart:
			if a.returnURL == "" {
				a.fail("no return URL configured")
				return
			}
			a.setState(StateAct)
		case StateAct:
			if err := a.session.Navigate(ctx, a.returnURL); err != nil {
				a.fail(fmt.Sprintf("could not navigate back to %s: %v", a.returnURL, err))
				return
			}
			a.bus.Emit(events.NewPageVisited{Meta: events.Now(a.name), ToURL: a.returnURL, Handled: true})
			if left, err := a.mem.AllUnvisitedLinks(a.returnURL); err == nil {
				a.output.Links = left
			}
			a.setState(StateDone)
		default:
			a.fail(fmt.Sprintf("unexpected state %s", a.state))
		}
	})
}

func (a *ReentryAgent) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returnURL = ""
	a.reset()
}
