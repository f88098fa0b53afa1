// -- pkg/validators/validators.go --

// Package validators contains the behavioral safety policies of a session.
// Each validator is a passive event-bus listener constructed once per
// session; it watches for pathological patterns and emits the terminal stop
// event when a threshold is crossed. Validators are decoupled from agents
// entirely through the bus: adding a new policy never touches agent code.
package validators

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/websentry/pkg/events"
)

// Navigator is the slice of the browser session the new-page validator
// needs to steer an agent back across an unhandled boundary.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Config carries the validator thresholds for one session.
type Config struct {
	MaxRepeatedActions  int
	MaxErrors           int
	MaxRepeatedWarnings int
	TokenBudget         int
	TokenModel          string
}

// SpamValidator counts consecutive occurrences of the same action signature
// and stops the session when an agent loops on one action.
type SpamValidator struct {
	bus    *events.Bus
	logger *zap.Logger
	max    int

	mu      sync.Mutex
	lastSig string
	count   int
	tripped bool
}

// NewSpamValidator subscribes the validator on the bus.
func NewSpamValidator(bus *events.Bus, logger *zap.Logger, maxRepeats int) *SpamValidator {
	v := &SpamValidator{bus: bus, logger: logger.Named("spam_validator"), max: maxRepeats}
	bus.On(events.TypeActionStarted, v.onAction)
	return v
}

func (v *SpamValidator) onAction(ev events.Event) {
	started := ev.(events.ActionStarted)
	sig := started.Step + "|" + started.Target

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tripped {
		return
	}
	if sig == v.lastSig {
		v.count++
	} else {
		v.lastSig = sig
		v.count = 1
	}
	if v.count >= v.max {
		v.tripped = true
		v.logger.Warn("Action repeated past threshold, stopping session",
			zap.String("signature", sig), zap.Int("count", v.count))
		v.bus.Emit(events.Stop{Meta: events.Now(""), Reason: fmt.Sprintf("action %q repeated %d times", sig, v.count)})
	}
}

// ErrorValidator counts error events per session and stops the session when
// the error rate indicates something structurally wrong.
type ErrorValidator struct {
	bus    *events.Bus
	logger *zap.Logger
	max    int

	mu      sync.Mutex
	count   int
	tripped bool
}

// NewErrorValidator subscribes the validator on the bus.
func NewErrorValidator(bus *events.Bus, logger *zap.Logger, maxErrors int) *ErrorValidator {
	v := &ErrorValidator{bus: bus, logger: logger.Named("error_validator"), max: maxErrors}
	bus.On(events.TypeError, v.onError)
	return v
}

func (v *ErrorValidator) onError(ev events.Event) {
	e := ev.(events.Error)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tripped {
		return
	}
	v.count++
	if e.Fatal || v.count >= v.max {
		v.tripped = true
		v.logger.Warn("Error budget exhausted, stopping session", zap.Int("errors", v.count))
		v.bus.Emit(events.Stop{Meta: events.Now(""), Reason: fmt.Sprintf("%d errors in session", v.count)})
	}
}

// WarningValidator counts consecutive identical validator_warning messages
// per originating agent. Counters are strictly per agent so two agents
// repeating different warnings never cross-contaminate. On the threshold it
// emits exactly one stop and resets that agent's counter.
type WarningValidator struct {
	bus    *events.Bus
	logger *zap.Logger
	max    int

	mu   sync.Mutex
	runs map[string]*warningRun
}

type warningRun struct {
	message string
	count   int
}

// NewWarningValidator subscribes the validator on the bus.
func NewWarningValidator(bus *events.Bus, logger *zap.Logger, maxRepeats int) *WarningValidator {
	if maxRepeats <= 0 {
		maxRepeats = 3
	}
	v := &WarningValidator{
		bus:    bus,
		logger: logger.Named("warning_validator"),
		max:    maxRepeats,
		runs:   make(map[string]*warningRun),
	}
	bus.On(events.TypeValidatorWarning, v.onWarning)
	return v
}

func (v *WarningValidator) onWarning(ev events.Event) {
	w := ev.(events.ValidatorWarning)

	v.mu.Lock()
	defer v.mu.Unlock()
	run, ok := v.runs[w.Agent]
	if !ok {
		run = &warningRun{}
		v.runs[w.Agent] = run
	}
	if w.Message == run.message {
		run.count++
	} else {
		run.message = w.Message
		run.count = 1
	}
	if run.count >= v.max {
		v.logger.Warn("Agent repeating the same warning, stopping session",
			zap.String("agent", w.Agent), zap.String("message", w.Message))
		run.message = ""
		run.count = 0
		v.bus.Emit(events.Stop{Meta: events.Now(w.Agent), Reason: "repeated warning: " + w.Message})
	}
}

// CostValidator accumulates oracle token usage and enforces the session
// budget. When an llm_call event carries no token count, usage is estimated
// from the prompt text with tiktoken.
type CostValidator struct {
	bus    *events.Bus
	logger *zap.Logger
	budget int
	enc    *tiktoken.Tiktoken

	mu      sync.Mutex
	used    int
	tripped bool
}

// NewCostValidator subscribes the validator on the bus. The model name
// selects the tiktoken encoding; an unknown model falls back to a rough
// character-based estimate.
func NewCostValidator(bus *events.Bus, logger *zap.Logger, budget int, model string) *CostValidator {
	v := &CostValidator{bus: bus, logger: logger.Named("cost_validator"), budget: budget}
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		v.enc = enc
	} else {
		v.logger.Debug("No tiktoken encoding for model, falling back to estimate", zap.String("model", model))
	}
	bus.On(events.TypeLLMCall, v.onCall)
	return v
}

func (v *CostValidator) onCall(ev events.Event) {
	call := ev.(events.LLMCall)
	tokens := call.Tokens
	if tokens == 0 && call.Prompt != "" {
		tokens = v.estimate(call.Prompt)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tripped {
		return
	}
	v.used += tokens
	if v.budget > 0 && v.used > v.budget {
		v.tripped = true
		v.logger.Warn("Token budget exhausted, stopping session",
			zap.Int("used", v.used), zap.Int("budget", v.budget))
		v.bus.Emit(events.Stop{Meta: events.Now(""), Reason: fmt.Sprintf("token budget exhausted (%d/%d)", v.used, v.budget)})
	}
}

func (v *CostValidator) estimate(prompt string) int {
	if v.enc != nil {
		return len(v.enc.Encode(prompt, nil, nil))
	}
	// Rough heuristic when no encoding is available.
	return len(prompt) / 4
}

// Used reports the accumulated token count.
func (v *CostValidator) Used() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.used
}

// NewPageValidator watches navigations for unhandled boundary crossings.
// When an agent wanders off the audited site it warns and steers the
// session back to the prior URL; a failed back-navigation is reported as an
// error event, not swallowed.
type NewPageValidator struct {
	bus     *events.Bus
	logger  *zap.Logger
	session Navigator
	timeout time.Duration
}

// NewNewPageValidator subscribes the validator on the bus.
func NewNewPageValidator(bus *events.Bus, logger *zap.Logger, session Navigator) *NewPageValidator {
	v := &NewPageValidator{
		bus:     bus,
		logger:  logger.Named("new_page_validator"),
		session: session,
		timeout: 10 * time.Second,
	}
	bus.On(events.TypeNewPageVisited, v.onNavigation)
	return v
}

func (v *NewPageValidator) onNavigation(ev events.Event) {
	nav := ev.(events.NewPageVisited)
	if nav.Handled || nav.FromURL == "" || nav.ToURL == "" {
		return
	}
	if !crossesBoundary(nav.FromURL, nav.ToURL) {
		return
	}

	v.bus.Emit(events.ValidatorWarning{
		Meta:    events.Now(nav.Agent),
		Message: fmt.Sprintf("unhandled boundary crossing %s -> %s", nav.FromURL, nav.ToURL),
	})

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	if err := v.session.Navigate(ctx, nav.FromURL); err != nil {
		v.bus.Emit(events.Error{
			Meta:    events.Now(nav.Agent),
			Message: fmt.Sprintf("failed to navigate back to %s: %v", nav.FromURL, err),
		})
	}
}

// crossesBoundary reports whether the two URLs belong to different sites.
// Hosts are compared by registrable domain so a hop between subdomains of
// the audited site does not count as leaving it.
func crossesBoundary(fromRaw, toRaw string) bool {
	from, err := url.Parse(fromRaw)
	if err != nil {
		return false
	}
	to, err := url.Parse(toRaw)
	if err != nil {
		return false
	}
	if from.Scheme != to.Scheme && (from.Scheme == "https") != (to.Scheme == "https") {
		return true
	}
	fromDomain, err1 := publicsuffix.EffectiveTLDPlusOne(from.Hostname())
	toDomain, err2 := publicsuffix.EffectiveTLDPlusOne(to.Hostname())
	if err1 != nil || err2 != nil {
		// Bare hosts (localhost, IPs) have no registrable domain; compare
		// them literally.
		return from.Hostname() != to.Hostname()
	}
	return fromDomain != toDomain
}

// RegisterAll wires the standard validator set for one session and returns
// nothing; the validators live on the bus until RemoveAllListeners.
func RegisterAll(bus *events.Bus, logger *zap.Logger, session Navigator, cfg Config) {
	NewSpamValidator(bus, logger, cfg.MaxRepeatedActions)
	NewErrorValidator(bus, logger, cfg.MaxErrors)
	NewWarningValidator(bus, logger, cfg.MaxRepeatedWarnings)
	NewCostValidator(bus, logger, cfg.TokenBudget, cfg.TokenModel)
	if session != nil {
		NewNewPageValidator(bus, logger, session)
	}
}
