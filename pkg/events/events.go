// -- pkg/events/events.go --

// Package events provides the per-session publish/subscribe fabric that
// connects agents, behavioral validators, and the outward bridge. Events are
// a closed tagged union: one concrete struct per event type, so consumers
// switch on the type instead of probing an open payload bag.
package events

import "time"

// Type identifies one event variant on the bus.
type Type string

const (
	TypeActionStarted    Type = "action_started"
	TypeActionFinished   Type = "action_finished"
	TypeError            Type = "error"
	TypeStop             Type = "stop"
	TypeDone             Type = "done"
	TypeNewPageVisited   Type = "new_page_visited"
	TypeValidatorWarning Type = "validator_warning"
	TypeLLMCall          Type = "llm_call"
	TypeScreenshotTaken  Type = "screenshot_taken"
)

// Event is the closed interface over all bus event variants. Events are
// immutable once published.
type Event interface {
	EventType() Type
	Timestamp() time.Time
}

// Meta carries the fields shared by every event.
type Meta struct {
	TS    time.Time `json:"ts"`
	Agent string    `json:"agent,omitempty"`
}

func (m Meta) Timestamp() time.Time { return m.TS }

// Now builds a Meta stamped with the current UTC time.
func Now(agent string) Meta {
	return Meta{TS: time.Now().UTC(), Agent: agent}
}

// ActionStarted is emitted when an agent begins executing a decided action.
type ActionStarted struct {
	Meta
	Step   string `json:"step"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (ActionStarted) EventType() Type { return TypeActionStarted }

// ActionFinished is emitted when action execution completes, successfully
// or not.
type ActionFinished struct {
	Meta
	Step     string `json:"step"`
	Target   string `json:"target,omitempty"`
	Success  bool   `json:"success"`
	Boundary string `json:"boundary,omitempty"` // "internal", "external" or "done"
}

func (ActionFinished) EventType() Type { return TypeActionFinished }

// Error reports a recoverable or fatal failure. Fatal errors are followed by
// a Stop from the error validator or the orchestrator.
type Error struct {
	Meta
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (Error) EventType() Type { return TypeError }

// Stop is the single cross-cutting cancellation signal for a session.
type Stop struct {
	Meta
	Reason string `json:"reason"`
}

func (Stop) EventType() Type { return TypeStop }

// Done signals that the session's configured agents all ran to completion.
type Done struct {
	Meta
	Summary string `json:"summary,omitempty"`
}

func (Done) EventType() Type { return TypeDone }

// NewPageVisited is emitted after a navigation lands on a page.
type NewPageVisited struct {
	Meta
	FromURL string `json:"from_url"`
	ToURL   string `json:"to_url"`
	Handled bool   `json:"handled"` // true when a boundary crossing was deliberate
}

func (NewPageVisited) EventType() Type { return TypeNewPageVisited }

// ValidatorWarning reports a recoverable policy violation, such as an agent
// acting on a stale target.
type ValidatorWarning struct {
	Meta
	Message string `json:"message"`
}

func (ValidatorWarning) EventType() Type { return TypeValidatorWarning }

// LLMCall records one decision-oracle invocation and its token usage. When
// Tokens is zero the cost validator estimates usage from the prompt text.
type LLMCall struct {
	Meta
	Model  string `json:"model"`
	Tokens int    `json:"tokens,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

func (LLMCall) EventType() Type { return TypeLLMCall }

// ScreenshotTaken records a captured page screenshot.
type ScreenshotTaken struct {
	Meta
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

func (ScreenshotTaken) EventType() Type { return TypeScreenshotTaken }
