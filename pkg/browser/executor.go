// -- pkg/browser/executor.go --
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/websentry/pkg/agent"
)

// settleDelay gives the page a moment to react after an interaction before
// the post-action URL is read.
const settleDelay = 500 * time.Millisecond

// Executor performs decided actions against a Session and classifies where
// they landed. It implements agent.ActionExecutor.
type Executor struct {
	session *Session
	logger  *zap.Logger
}

// NewExecutor wraps a session.
func NewExecutor(session *Session, logger *zap.Logger) *Executor {
	return &Executor{session: session, logger: logger.Named("executor")}
}

// ExecuteAction validates the action against the candidate set, performs
// it, and reports success plus a boundary classification of the resulting
// location.
func (e *Executor) ExecuteAction(ctx context.Context, action agent.Action, candidates []agent.Candidate) (agent.ExecResult, error) {
	switch action.Step {
	case agent.StepClick:
		if !hasCandidate(candidates, action.Selector) {
			return agent.ExecResult{}, fmt.Errorf("selector %q is not among the page candidates", action.Selector)
		}
		if err := e.session.run(ctx, e.session.cfg.NavigationTimeout,
			chromedp.Click(action.Selector, chromedp.ByQuery, chromedp.NodeVisible),
			chromedp.Sleep(settleDelay),
		); err != nil {
			return agent.ExecResult{}, fmt.Errorf("clicking %q: %w", action.Selector, err)
		}

	case agent.StepType:
		if !hasCandidate(candidates, action.Selector) {
			return agent.ExecResult{}, fmt.Errorf("selector %q is not among the page candidates", action.Selector)
		}
		if err := e.session.run(ctx, e.session.cfg.NavigationTimeout,
			chromedp.Clear(action.Selector, chromedp.ByQuery),
			chromedp.SendKeys(action.Selector, action.Value, chromedp.ByQuery),
		); err != nil {
			return agent.ExecResult{}, fmt.Errorf("typing into %q: %w", action.Selector, err)
		}

	case agent.StepNavigate:
		target := action.Value
		if target == "" {
			return agent.ExecResult{}, fmt.Errorf("navigate action without a target URL")
		}
		target = e.absoluteURL(target)
		if err := e.session.Navigate(ctx, target); err != nil {
			return agent.ExecResult{}, err
		}

	case agent.StepScroll:
		if err := e.session.run(ctx, 10*time.Second,
			chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil),
			chromedp.Sleep(settleDelay),
		); err != nil {
			return agent.ExecResult{}, fmt.Errorf("scrolling: %w", err)
		}

	case agent.StepDone:
		return agent.ExecResult{Success: true, Boundary: agent.BoundaryDone}, nil

	default:
		return agent.ExecResult{}, fmt.Errorf("unsupported action step %q", action.Step)
	}

	current, err := e.session.CurrentURL(ctx)
	if err != nil {
		return agent.ExecResult{}, fmt.Errorf("reading post-action location: %w", err)
	}

	boundary := agent.BoundaryInternal
	if !sameSite(e.session.BaseURL(), current) {
		boundary = agent.BoundaryExternal
		e.logger.Debug("Action crossed the site boundary",
			zap.String("step", action.Step), zap.String("landed_on", current))
	}
	return agent.ExecResult{Success: true, Boundary: boundary, Message: current}, nil
}

// absoluteURL resolves a relative target against the session's base URL.
func (e *Executor) absoluteURL(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	base, err := url.Parse(e.session.BaseURL())
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}

func hasCandidate(candidates []agent.Candidate, selector string) bool {
	for _, c := range candidates {
		if c.Selector == selector {
			return true
		}
	}
	return false
}

// sameSite compares two URLs by registrable domain. Hosts without one
// (localhost, raw IPs) are compared literally.
func sameSite(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	da, err1 := publicsuffix.EffectiveTLDPlusOne(ua.Hostname())
	db, err2 := publicsuffix.EffectiveTLDPlusOne(ub.Hostname())
	if err1 != nil || err2 != nil {
		return ua.Hostname() == ub.Hostname()
	}
	return da == db
}
