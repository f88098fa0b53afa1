// -- pkg/pool/pool_test.go --
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/websentry/internal/config"
	"github.com/xkilldash9x/websentry/pkg/agent"
	"github.com/xkilldash9x/websentry/pkg/validators"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSession counts lifecycle calls and optionally fails Start.
type fakeSession struct {
	mu       sync.Mutex
	started  []string
	closes   int
	startErr error
}

func (f *fakeSession) Start(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, url)
	return nil
}

func (f *fakeSession) CurrentURL(context.Context) (string, error) { return "", nil }
func (f *fakeSession) Observe(context.Context) (agent.Observation, error) {
	return agent.Observation{}, nil
}
func (f *fakeSession) Navigate(context.Context, string) error { return nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func poolConfig(size, maxSessions int) config.PoolConfig {
	return config.PoolConfig{
		Size:           size,
		MaxSessions:    maxSessions,
		ReplaceBackoff: time.Millisecond,
		ShutdownGrace:  time.Second,
	}
}

func vcfg() validators.Config {
	return validators.Config{
		MaxRepeatedActions:  5,
		MaxErrors:           5,
		MaxRepeatedWarnings: 3,
		TokenModel:          "unknown-test-model",
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig, factory SessionFactory) *Pool {
	t.Helper()
	if factory == nil {
		factory = func(context.Context) (agent.Session, error) {
			return &fakeSession{}, nil
		}
	}
	p := New(cfg, vcfg(), zap.NewNop(), factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func waitReady(t *testing.T, p *Pool) {
	t.Helper()
	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("pool never became ready")
	}
}

func TestPoolPrewarmsConfiguredSize(t *testing.T) {
	p := newTestPool(t, poolConfig(2, 8), nil)
	waitReady(t, p)

	require.Eventually(t, func() bool { return p.Available() == 2 },
		2*time.Second, time.Millisecond)
}

func TestGetUnitActivatesWarmUnit(t *testing.T) {
	sess := &fakeSession{}
	p := newTestPool(t, poolConfig(1, 8), func(context.Context) (agent.Session, error) {
		return sess, nil
	})
	waitReady(t, p)

	u, err := p.GetUnit(context.Background(), "s1", "https://example.com", map[string]string{"k": "v"})
	require.NoError(t, err)

	assert.Equal(t, "s1", u.SessionID())
	assert.Equal(t, map[string]string{"k": "v"}, u.Data())
	assert.NotNil(t, u.Bus())
	assert.NotNil(t, u.Memory())
	assert.NotNil(t, u.CrawlMap())
	assert.Equal(t, 5, u.Bus().ListenerCount(), "validators registered at activation")

	sess.mu.Lock()
	assert.Equal(t, []string{"https://example.com"}, sess.started)
	sess.mu.Unlock()
}

func TestGetUnitNeverDoubleAssigns(t *testing.T) {
	p := newTestPool(t, poolConfig(1, 8), nil)
	waitReady(t, p)

	u1, err := p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	require.NoError(t, err)

	u2, err := p.GetUnit(context.Background(), "s2", "https://example.com", nil)
	require.NoError(t, err, "a second request builds on demand")

	assert.NotEqual(t, u1.ID(), u2.ID())

	_, err = p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestGetUnitEnforcesCapacityWithoutMutation(t *testing.T) {
	p := newTestPool(t, poolConfig(1, 2), nil)
	waitReady(t, p)

	_, err := p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	require.NoError(t, err)
	_, err = p.GetUnit(context.Background(), "s2", "https://example.com", nil)
	require.NoError(t, err)

	_, err = p.GetUnit(context.Background(), "s3", "https://example.com", nil)
	require.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, p.ActiveSessions(), "rejected request left the pool untouched")

	// Releasing one slot makes room again.
	p.Release("s1")
	_, err = p.GetUnit(context.Background(), "s3", "https://example.com", nil)
	assert.NoError(t, err)
}

func TestReleaseTearsDownAndReplaces(t *testing.T) {
	var built atomic.Int32
	sessions := sync.Map{}
	p := newTestPool(t, poolConfig(1, 8), func(context.Context) (agent.Session, error) {
		s := &fakeSession{}
		sessions.Store(built.Add(1), s)
		return s, nil
	})
	waitReady(t, p)

	u, err := p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	require.NoError(t, err)
	assert.Zero(t, p.Available(), "the only warm unit was consumed")

	p.Release("s1")
	assert.Zero(t, p.ActiveSessions())

	first, _ := sessions.Load(int32(1))
	fs := first.(*fakeSession)
	fs.mu.Lock()
	assert.Equal(t, 1, fs.closes, "released unit's session closed")
	fs.mu.Unlock()

	// A replacement is warmed in the background.
	require.Eventually(t, func() bool { return p.Available() == 1 },
		2*time.Second, time.Millisecond)

	// The replacement is a fresh unit, not the released one.
	u2, err := p.GetUnit(context.Background(), "s2", "https://example.com", nil)
	require.NoError(t, err)
	assert.NotEqual(t, u.ID(), u2.ID())
}

func TestReleaseUnknownSessionIsNoOp(t *testing.T) {
	p := newTestPool(t, poolConfig(1, 8), nil)
	waitReady(t, p)
	p.Release("never-assigned")
	assert.Zero(t, p.ActiveSessions())
}

func TestFailedSessionStartReplacesUnit(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, poolConfig(1, 8), func(context.Context) (agent.Session, error) {
		n := calls.Add(1)
		if n == 1 {
			return &fakeSession{startErr: errors.New("browser crashed")}, nil
		}
		return &fakeSession{}, nil
	})
	waitReady(t, p)

	_, err := p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	require.Error(t, err)
	assert.Zero(t, p.ActiveSessions(), "failed activation does not leak a slot")

	// The broken unit was discarded and a healthy replacement warmed.
	require.Eventually(t, func() bool { return p.Available() == 1 },
		2*time.Second, time.Millisecond)

	_, err = p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	assert.NoError(t, err)
}

func TestWarmFailureRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, poolConfig(1, 8), func(context.Context) (agent.Session, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &fakeSession{}, nil
	})
	waitReady(t, p)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestShutdownDrainsEverything(t *testing.T) {
	sessions := sync.Map{}
	var built atomic.Int32
	p := New(poolConfig(2, 8), vcfg(), zap.NewNop(), func(context.Context) (agent.Session, error) {
		s := &fakeSession{}
		sessions.Store(built.Add(1), s)
		return s, nil
	})
	waitReady(t, p)
	_, err := p.GetUnit(context.Background(), "s1", "https://example.com", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Zero(t, p.Available(), "no units remain after shutdown")
	assert.Zero(t, p.ActiveSessions())

	sessions.Range(func(_, v any) bool {
		s := v.(*fakeSession)
		s.mu.Lock()
		defer s.mu.Unlock()
		assert.Equal(t, 1, s.closes)
		return true
	})

	_, err = p.GetUnit(context.Background(), "s2", "https://example.com", nil)
	assert.ErrorIs(t, err, ErrClosed)

	// Second shutdown is a no-op.
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestConcurrentGetUnitRespectsCap(t *testing.T) {
	p := newTestPool(t, poolConfig(2, 4), nil)
	waitReady(t, p)

	var ok, capacity atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.GetUnit(context.Background(), fmt.Sprintf("s%d", i), "https://example.com", nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrCapacity):
				capacity.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(4), ok.Load())
	assert.Equal(t, int32(6), capacity.Load())
	assert.Equal(t, 4, p.ActiveSessions())
}
