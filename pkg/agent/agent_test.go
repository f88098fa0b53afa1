package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/pkg/events"
	"github.com/xkilldash9x/websentry/pkg/memory"
)

// -- fakes --

type fakeSession struct {
	url        string
	candidates []Candidate
	screenshot string
	observeErr error
	navErr     error
	navigated  []string
	closed     int
}

func (s *fakeSession) Start(context.Context, string) error { return nil }
func (s *fakeSession) CurrentURL(context.Context) (string, error) {
	return s.url, nil
}
func (s *fakeSession) Observe(context.Context) (Observation, error) {
	if s.observeErr != nil {
		return Observation{}, s.observeErr
	}
	return Observation{URL: s.url, Screenshot: s.screenshot, Candidates: s.candidates}, nil
}
func (s *fakeSession) Navigate(_ context.Context, url string) error {
	if s.navErr != nil {
		return s.navErr
	}
	s.navigated = append(s.navigated, url)
	s.url = url
	return nil
}
func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeOracle struct {
	decisions []Decision
	err       error
	calls     int
}

func (o *fakeOracle) Think(context.Context, ThinkInput) (Decision, error) {
	if o.err != nil {
		return Decision{}, o.err
	}
	if o.calls >= len(o.decisions) {
		return Decision{Action: Action{Step: StepDone}}, nil
	}
	d := o.decisions[o.calls]
	o.calls++
	return d, nil
}

type fakeExecutor struct {
	results  []ExecResult
	err      error
	executed []Action
}

func (e *fakeExecutor) ExecuteAction(_ context.Context, action Action, _ []Candidate) (ExecResult, error) {
	if e.err != nil {
		return ExecResult{}, e.err
	}
	e.executed = append(e.executed, action)
	if len(e.results) > 0 {
		res := e.results[0]
		e.results = e.results[1:]
		return res, nil
	}
	return ExecResult{Success: true, Boundary: BoundaryInternal}, nil
}

type fakeProber struct {
	statuses map[string]int
	err      error
}

func (p *fakeProber) Probe(_ context.Context, method, path string) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.statuses[method+" "+path], nil
}

func driveToTerminal(t *testing.T, ag Agent) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200 && !ag.Done(); i++ {
		ag.Tick(ctx)
	}
	require.True(t, ag.Done(), "agent never reached a terminal state, stuck in %s", ag.State())
}

func crawlFixture(t *testing.T, session *fakeSession, oracle Oracle, exec ActionExecutor) (*CrawlAgent, *memory.PageMemory, *events.Bus) {
	t.Helper()
	mem := memory.NewPageMemory()
	bus := events.NewBus(zap.NewNop())
	ag := NewCrawlAgent("crawler", zap.NewNop(), bus, Deps{
		Memory:   mem,
		CrawlMap: memory.NewCrawlMap(),
		Session:  session,
		Oracle:   oracle,
		Executor: exec,
		MaxSteps: 50,
	})
	return ag, mem, bus
}

var twoLinks = []memory.LinkInfo{
	{Selector: "#a", Href: "/x"},
	{Selector: "#b", Href: "/y"},
}

// -- tests --

func TestCrawlAgentRunsQueueToCompletion(t *testing.T) {
	session := &fakeSession{url: "https://site.test/app", screenshot: "shot-1.png"}
	oracle := &fakeOracle{decisions: []Decision{
		{Action: Action{Step: StepClick, Selector: "#a"}},
		{Action: Action{Step: StepClick, Selector: "#b"}},
	}}
	exec := &fakeExecutor{}
	ag, mem, _ := crawlFixture(t, session, oracle, exec)

	require.NoError(t, ag.Enqueue(Input{Goal: "crawl the app", BaseURL: "https://site.test/app", Links: twoLinks}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateDone, ag.State())
	assert.Len(t, exec.executed, 2)

	unvisited, err := mem.AllUnvisitedLinks("https://site.test/app")
	require.NoError(t, err)
	assert.Empty(t, unvisited, "both links should be marked visited")
	assert.Empty(t, ag.Output().Links)
}

func TestCrawlAgentExternalBoundaryRequeuesRemaining(t *testing.T) {
	session := &fakeSession{url: "https://site.test/app"}
	oracle := &fakeOracle{decisions: []Decision{
		{Action: Action{Step: StepClick, Selector: "#a"}},
	}}
	exec := &fakeExecutor{results: []ExecResult{{Success: true, Boundary: BoundaryExternal}}}
	ag, mem, bus := crawlFixture(t, session, oracle, exec)

	var boundaryEvents []events.NewPageVisited
	bus.On(events.TypeNewPageVisited, func(ev events.Event) {
		boundaryEvents = append(boundaryEvents, ev.(events.NewPageVisited))
	})

	require.NoError(t, ag.Enqueue(Input{Goal: "crawl", BaseURL: "https://site.test/app", Links: twoLinks}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateDone, ag.State())
	// Only the clicked link is marked; the rest are re-queued via the
	// canonical unvisited set.
	unvisited, err := mem.AllUnvisitedLinks("https://site.test/app")
	require.NoError(t, err)
	require.Len(t, unvisited, 1)
	assert.Equal(t, "/y", unvisited[0].Href)
	require.Len(t, ag.Output().Links, 1)
	assert.Equal(t, "/y", ag.Output().Links[0].Href)

	require.Len(t, boundaryEvents, 1)
	assert.False(t, boundaryEvents[0].Handled)
}

func TestCrawlAgentNoOpDecisionBecomesError(t *testing.T) {
	// Scenario: the oracle degrades to no_op and the capture produced no
	// screenshot. The agent must end in ERROR with exactly one error event
	// and no executed action.
	session := &fakeSession{url: "https://site.test/app", screenshot: ""}
	oracle := &fakeOracle{decisions: []Decision{{Action: Action{Step: StepNoOp}}}}
	exec := &fakeExecutor{}
	ag, _, bus := crawlFixture(t, session, oracle, exec)

	var errorCount int
	bus.On(events.TypeError, func(events.Event) { errorCount++ })

	require.NoError(t, ag.Enqueue(Input{Goal: "crawl", BaseURL: "https://site.test/app", Links: twoLinks}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateError, ag.State())
	assert.Equal(t, 1, errorCount)
	assert.Empty(t, exec.executed)
}

func TestCrawlAgentRejectsStaleTarget(t *testing.T) {
	session := &fakeSession{url: "https://site.test/app"}
	oracle := &fakeOracle{decisions: []Decision{
		{Action: Action{Step: StepClick, Selector: "#ghost"}},
		{Action: Action{Step: StepClick, Selector: "#a"}},
		{Action: Action{Step: StepClick, Selector: "#b"}},
	}}
	exec := &fakeExecutor{}
	ag, _, bus := crawlFixture(t, session, oracle, exec)

	var warnings []events.ValidatorWarning
	bus.On(events.TypeValidatorWarning, func(ev events.Event) {
		warnings = append(warnings, ev.(events.ValidatorWarning))
	})

	require.NoError(t, ag.Enqueue(Input{Goal: "crawl", BaseURL: "https://site.test/app", Links: twoLinks}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateDone, ag.State())
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "#ghost")
	// The stale action was never executed.
	for _, act := range exec.executed {
		assert.NotEqual(t, "#ghost", act.Selector)
	}
}

func TestCrawlAgentObserveFailureIsTerminal(t *testing.T) {
	session := &fakeSession{url: "https://site.test/app", observeErr: errors.New("tab crashed")}
	ag, _, bus := crawlFixture(t, session, &fakeOracle{}, &fakeExecutor{})

	var errs []events.Error
	bus.On(events.TypeError, func(ev events.Event) { errs = append(errs, ev.(events.Error)) })

	require.NoError(t, ag.Enqueue(Input{Goal: "crawl", BaseURL: "https://site.test/app", Links: twoLinks}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateError, ag.State())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "tab crashed")
}

func TestCrawlAgentEmptyQueueIsImmediatelyDone(t *testing.T) {
	ag, _, _ := crawlFixture(t, &fakeSession{url: "https://site.test/"}, &fakeOracle{}, &fakeExecutor{})
	require.NoError(t, ag.Enqueue(Input{Goal: "crawl", BaseURL: "https://site.test/"}))
	ag.Tick(context.Background())
	assert.Equal(t, StateDone, ag.State())
}

func TestCrawlAgentMissingGoalFails(t *testing.T) {
	ag, _, _ := crawlFixture(t, &fakeSession{}, &fakeOracle{}, &fakeExecutor{})
	require.NoError(t, ag.Enqueue(Input{BaseURL: "https://site.test/", Links: twoLinks}))
	ag.Tick(context.Background())
	assert.Equal(t, StateError, ag.State())
}

func TestTickNeverLeavesDefinedStateSet(t *testing.T) {
	defined := map[State]bool{
		StateWait: true, StateStart: true, StateObserve: true,
		StateDecide: true, StateAct: true, StateValidate: true,
		StateDone: true, StateError: true, StatePause: true,
	}

	variants := []struct {
		name  string
		build func() Agent
	}{
		{"crawl happy", func() Agent {
			ag, _, _ := crawlFixture(t, &fakeSession{url: "https://s.test/"}, &fakeOracle{decisions: []Decision{{Action: Action{Step: StepClick, Selector: "#a"}}}}, &fakeExecutor{})
			require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
			return ag
		}},
		{"crawl failing oracle", func() Agent {
			ag, _, _ := crawlFixture(t, &fakeSession{url: "https://s.test/"}, &fakeOracle{err: errors.New("quota")}, &fakeExecutor{})
			require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
			return ag
		}},
		{"goal", func() Agent {
			bus := events.NewBus(zap.NewNop())
			ag := NewGoalAgent("goal", zap.NewNop(), bus, Deps{Session: &fakeSession{url: "https://s.test/"}, Oracle: &fakeOracle{}, Executor: &fakeExecutor{}, MaxSteps: 20})
			require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/"}))
			return ag
		}},
		{"fuzzer", func() Agent {
			bus := events.NewBus(zap.NewNop())
			mem := memory.NewPageMemory()
			ag := NewFuzzAgent("fuzzer", zap.NewNop(), bus, Deps{Memory: mem, Prober: &fakeProber{statuses: map[string]int{"GET /api": 200}}, MaxSteps: 20})
			require.NoError(t, ag.Enqueue(Input{BaseURL: "https://s.test/", Endpoints: []EndpointSpec{{Method: "GET", Path: "/api"}}}))
			return ag
		}},
		{"reentry", func() Agent {
			bus := events.NewBus(zap.NewNop())
			ag := NewReentryAgent("reentry", zap.NewNop(), bus, Deps{Memory: memory.NewPageMemory(), Session: &fakeSession{}, MaxSteps: 20})
			require.NoError(t, ag.Enqueue(Input{BaseURL: "https://s.test/"}))
			return ag
		}},
	}

	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			ag := v.build()
			ctx := context.Background()
			for i := 0; i < 100; i++ {
				ag.Tick(ctx)
				require.True(t, defined[ag.State()], "undefined state %q after tick %d", ag.State(), i)
				if ag.Done() {
					break
				}
			}
			assert.True(t, ag.Done())
		})
	}
}

func TestPanickingCollaboratorIsContained(t *testing.T) {
	session := &fakeSession{url: "https://s.test/"}
	oracle := panickyOracle{}
	ag, _, bus := crawlFixture(t, session, oracle, &fakeExecutor{})

	var errCount int
	bus.On(events.TypeError, func(events.Event) { errCount++ })

	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateError, ag.State())
	assert.Equal(t, 1, errCount)
}

type panickyOracle struct{}

func (panickyOracle) Think(context.Context, ThinkInput) (Decision, error) {
	panic("oracle client bug")
}

func TestStepBudgetExhaustion(t *testing.T) {
	session := &fakeSession{url: "https://s.test/"}
	// The oracle keeps rejecting with stale targets, looping
	// OBSERVE->DECIDE->ACT->OBSERVE forever.
	decisions := make([]Decision, 100)
	for i := range decisions {
		decisions[i] = Decision{Action: Action{Step: StepClick, Selector: fmt.Sprintf("#ghost-%d", i)}}
	}
	ag, _, _ := crawlFixture(t, session, &fakeOracle{decisions: decisions}, &fakeExecutor{})
	ag.maxSteps = 10

	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
	driveToTerminal(t, ag)
	assert.Equal(t, StateError, ag.State())
}

func TestEnqueueWhileRunningIsRejected(t *testing.T) {
	ag, _, _ := crawlFixture(t, &fakeSession{url: "https://s.test/"}, &fakeOracle{}, &fakeExecutor{})
	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
	assert.Error(t, ag.Enqueue(Input{Goal: "again"}))
}

func TestCleanupReturnsToWaitAndIsReentrant(t *testing.T) {
	ag, _, _ := crawlFixture(t, &fakeSession{url: "https://s.test/"}, &fakeOracle{}, &fakeExecutor{})
	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
	driveToTerminal(t, ag)

	ag.Cleanup()
	assert.Equal(t, StateWait, ag.State())
	ag.Cleanup() // second call must be harmless
	assert.Equal(t, StateWait, ag.State())

	// Re-arming after cleanup works.
	require.NoError(t, ag.Enqueue(Input{Goal: "g2", BaseURL: "https://s.test/", Links: twoLinks}))
	assert.Equal(t, StateStart, ag.State())
}

func TestPauseSuspendsTicks(t *testing.T) {
	ag, _, _ := crawlFixture(t, &fakeSession{url: "https://s.test/"}, &fakeOracle{}, &fakeExecutor{})
	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))

	ag.Tick(context.Background()) // START -> OBSERVE
	ag.Pause()
	assert.Equal(t, StatePause, ag.State())
	ag.Tick(context.Background())
	assert.Equal(t, StatePause, ag.State())
	ag.Resume()
	assert.Equal(t, StateObserve, ag.State())
}

func TestFuzzAgentRecordsResults(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	mem := memory.NewPageMemory()
	prober := &fakeProber{statuses: map[string]int{
		"GET /api/items":  200,
		"POST /api/items": 500,
	}}
	ag := NewFuzzAgent("fuzzer", zap.NewNop(), bus, Deps{Memory: mem, Prober: prober, MaxSteps: 20})

	require.NoError(t, ag.Enqueue(Input{
		BaseURL: "https://s.test/app",
		Endpoints: []EndpointSpec{
			{Method: "GET", Path: "/api/items"},
			{Method: "POST", Path: "/api/items"},
		},
	}))
	driveToTerminal(t, ag)
	assert.Equal(t, StateDone, ag.State())

	rec, err := mem.Page("https://s.test/app")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, rec.EndpointResults, 2)
	assert.Equal(t, 500, rec.EndpointResults[1].StatusCode)
	assert.NotEmpty(t, rec.EndpointResults[1].Note)
	require.Len(t, rec.Analysis, 1)
}

func TestReentryAgentNavigatesBack(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	mem := memory.NewPageMemory()
	require.NoError(t, mem.AddPage("https://s.test/app", twoLinks))
	require.NoError(t, mem.MarkLinkVisited("https://s.test/app", "/x"))

	session := &fakeSession{url: "https://elsewhere.test/"}
	ag := NewReentryAgent("reentry", zap.NewNop(), bus, Deps{Memory: mem, Session: session, MaxSteps: 10})

	require.NoError(t, ag.Enqueue(Input{BaseURL: "https://s.test/app"}))
	driveToTerminal(t, ag)

	assert.Equal(t, StateDone, ag.State())
	assert.Equal(t, []string{"https://s.test/app"}, session.navigated)
	require.Len(t, ag.Output().Links, 1)
	assert.Equal(t, "/y", ag.Output().Links[0].Href)
}

func TestReentryAgentNavigationFailure(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	session := &fakeSession{navErr: errors.New("net::ERR_CONNECTION_REFUSED")}
	ag := NewReentryAgent("reentry", zap.NewNop(), bus, Deps{Memory: memory.NewPageMemory(), Session: session, MaxSteps: 10})

	require.NoError(t, ag.Enqueue(Input{BaseURL: "https://s.test/app"}))
	driveToTerminal(t, ag)
	assert.Equal(t, StateError, ag.State())
}

func TestFactoryCoversAllKinds(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	deps := Deps{
		Memory:   memory.NewPageMemory(),
		CrawlMap: memory.NewCrawlMap(),
		Session:  &fakeSession{},
		Oracle:   &fakeOracle{},
		Executor: &fakeExecutor{},
		Prober:   &fakeProber{},
	}

	for _, kind := range []Kind{KindCrawler, KindAnalyzer, KindGoal, KindReentry, KindFuzzer} {
		ag, err := New(kind, string(kind), zap.NewNop(), bus, deps)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, StateWait, ag.State())
		assert.True(t, kind.Valid())
	}

	_, err := New(Kind("time-traveler"), "t", zap.NewNop(), bus, deps)
	assert.Error(t, err)
	assert.False(t, Kind("time-traveler").Valid())
}

func TestRunLoopDrivesToCompletion(t *testing.T) {
	ag, _, _ := crawlFixture(t, &fakeSession{url: "https://s.test/"}, &fakeOracle{decisions: []Decision{
		{Action: Action{Step: StepClick, Selector: "#a"}},
		{Action: Action{Step: StepClick, Selector: "#b"}},
	}}, &fakeExecutor{})
	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))

	err := RunLoop(context.Background(), ag, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateDone, ag.State())
}

func TestRunLoopObservesCancellation(t *testing.T) {
	// An agent that never finishes: the oracle keeps clicking a link that
	// the executor reports as internal navigation with links remaining.
	session := &fakeSession{url: "https://s.test/"}
	decisions := make([]Decision, 1000)
	for i := range decisions {
		decisions[i] = Decision{Action: Action{Step: StepClick, Selector: "#a"}}
	}
	ag, mem, _ := crawlFixture(t, session, &fakeOracle{decisions: decisions}, &fakeExecutor{})
	ag.maxSteps = 1_000_000
	require.NoError(t, ag.Enqueue(Input{Goal: "g", BaseURL: "https://s.test/", Links: twoLinks}))
	// Keep /y permanently unvisited so the loop cannot conclude.
	_ = mem

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := RunLoop(ctx, ag, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
