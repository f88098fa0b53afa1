// -- pkg/agent/factory.go --
package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

// Kind is the closed set of constructible agent types. The dependency
// graph of a session refers to agents by name, but each name resolves to
// exactly one Kind here.
type Kind string

const (
	KindCrawler  Kind = "crawler"
	KindAnalyzer Kind = "analyzer"
	KindGoal     Kind = "goal"
	KindReentry  Kind = "reentry"
	KindFuzzer   Kind = "fuzzer"
)

// Valid reports whether k names a constructible agent kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCrawler, KindAnalyzer, KindGoal, KindReentry, KindFuzzer:
		return true
	}
	return false
}

// Deps bundles the session-scoped collaborators an agent variant may need.
// Unused fields are ignored by variants that do not need them.
type Deps struct {
	Memory   *memory.PageMemory
	CrawlMap *memory.CrawlMap
	Session  Session
	Oracle   Oracle
	Executor ActionExecutor
	Prober   EndpointProber
	MaxSteps int
}

// New maps an agent kind to its constructor. The switch is exhaustive over
// Kind; an invalid kind is a configuration error surfaced to the caller,
// never a silent default.
func New(kind Kind, name string, logger *zap.Logger, bus *events.Bus, deps Deps) (Agent, error) {
	switch kind {
	case KindCrawler, KindAnalyzer:
		// The analyzer is a crawl agent whose oracle prompt emphasizes
		// findings over navigation; the machine is identical.
		return NewCrawlAgent(name, logger, bus, deps), nil
	case KindGoal:
		return NewGoalAgent(name, logger, bus, deps), nil
	case KindReentry:
		return NewReentryAgent(name, logger, bus, deps), nil
	case KindFuzzer:
		return NewFuzzAgent(name, logger, bus, deps), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
}
