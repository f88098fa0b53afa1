// -- pkg/agent/types.go --

// Package agent implements the tick-driven finite-state-machine execution
// model for audit agents, the concrete agent variants, and the factory that
// maps declarative agent kinds to constructors. Agents operate over three
// external collaborators: a browser Session, a decision Oracle, and an
// ActionExecutor.
package agent

import (
	"context"

	"github.com/xkilldash9x/websentry/pkg/memory"
)

// State is the FSM state of one agent instance. Exactly one state is active
// at any time; transitions happen only inside Tick.
type State string

const (
	StateWait     State = "WAIT"
	StateStart    State = "START"
	StateObserve  State = "OBSERVE"
	StateDecide   State = "DECIDE"
	StateAct      State = "ACT"
	StateValidate State = "VALIDATE"
	StateDone     State = "DONE"
	StateError    State = "ERROR"
	StatePause    State = "PAUSE"
)

// Terminal reports whether the driving loop should stop ticking the agent.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateWait, StatePause:
		return true
	}
	return false
}

// Step names the action verbs the decision oracle may return.
const (
	StepClick    = "click"
	StepType     = "type"
	StepNavigate = "navigate"
	StepScroll   = "scroll"
	StepDone     = "done"  // sentinel: the oracle concluded the goal
	StepNoOp     = "no_op" // degraded fallback for malformed oracle output
)

// Candidate is an actionable element detected on the current page.
type Candidate struct {
	Label    string `json:"label"`
	Selector string `json:"selector"`
	Href     string `json:"href,omitempty"`
}

// Observation is what a session capture yields: the page URL, a screenshot
// path (may be empty on capture degradation) and the detected candidates.
type Observation struct {
	URL        string
	Screenshot string
	Candidates []Candidate
}

// Session is the browser-control collaborator. The core never assumes a
// specific engine, only this capability surface. Close must be idempotent.
type Session interface {
	Start(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Observe(ctx context.Context) (Observation, error)
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Action is one concrete step decided by the oracle.
type Action struct {
	Step     string `json:"step"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Reason   string `json:"reason,omitempty"`
	NewGoal  string `json:"new_goal,omitempty"`
}

// ThinkInput is the context handed to the decision oracle.
type ThinkInput struct {
	Goal       string
	PageURL    string
	Screenshot string
	LastAction string
	Notes      []string
	Candidates []Candidate
}

// Decision is the oracle's answer. A malformed oracle response degrades to a
// no_op Action rather than an error.
type Decision struct {
	Action     Action
	Analysis   string
	TokensUsed int
}

// Oracle turns an observation plus context into the next action.
type Oracle interface {
	Think(ctx context.Context, in ThinkInput) (Decision, error)
}

// Boundary classifies where an executed action landed the session.
type Boundary string

const (
	BoundaryInternal Boundary = "internal"
	BoundaryExternal Boundary = "external"
	BoundaryDone     Boundary = "done"
)

// ExecResult is the outcome of executing one action.
type ExecResult struct {
	Success  bool
	Boundary Boundary
	Message  string
}

// ActionExecutor performs a decided action against the session, validating
// it against the current candidate set.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action Action, candidates []Candidate) (ExecResult, error)
}

// EndpointSpec describes one API endpoint for the fuzzer agent. Endpoint
// discovery (OpenAPI parsing) happens upstream; the agent only consumes the
// resolved list.
type EndpointSpec struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// EndpointProber issues one probe request for the fuzzer agent.
type EndpointProber interface {
	Probe(ctx context.Context, method, path string) (status int, err error)
}

// Input arms an agent with its work for one run.
type Input struct {
	Goal      string
	BaseURL   string
	Links     []memory.LinkInfo
	Endpoints []EndpointSpec
	Data      map[string]string
}

// Output is what an agent hands to its dependents when it completes.
type Output struct {
	Links []memory.LinkInfo
	Goals []string
	Notes []string
}

// Agent is the unit of work: a tick-driven state machine. Callers arm it
// with Enqueue, then drive it by calling Tick until Done reports true.
// Cleanup resets all mutable fields and returns the instance to WAIT.
type Agent interface {
	Name() string
	Enqueue(in Input) error
	Tick(ctx context.Context)
	State() State
	Done() bool
	Output() Output
	Cleanup()
}
