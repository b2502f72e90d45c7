package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/webcontext/pkg/logging"
)

// fakeEngine is a controllable Engine for pool tests.
type fakeEngine struct {
	mu       sync.Mutex
	healthy  bool
	stopped  bool
	navDelay time.Duration
	navErr   error
	html     string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{healthy: true, html: "<html><head><title>ok</title></head><body>body</body></html>"}
}

func (e *fakeEngine) Start(_ context.Context) error { return nil }

func (e *fakeEngine) NewPage(_ context.Context) (Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, errors.New("engine stopped")
	}
	return &fakePage{engine: e}, nil
}

func (e *fakeEngine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy && !e.stopped
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

func (e *fakeEngine) crash() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
}

type fakePage struct {
	engine *fakeEngine
}

func (p *fakePage) Navigate(ctx context.Context, _ string) error {
	p.engine.mu.Lock()
	delay, navErr, stopped := p.engine.navDelay, p.engine.navErr, p.engine.stopped
	p.engine.mu.Unlock()

	if stopped {
		return errors.New("engine stopped")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ErrNavigationTimeout
		}
	}
	return navErr
}

func (p *fakePage) Content(_ context.Context) (string, error) {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	if p.engine.stopped {
		return "", errors.New("engine stopped")
	}
	return p.engine.html, nil
}

func (p *fakePage) Title(_ context.Context) (string, error) { return "ok", nil }
func (p *fakePage) FinalURL() string                        { return "https://example.com/" }
func (p *fakePage) Screenshot(_ context.Context) ([]byte, error) {
	return []byte("png"), nil
}
func (p *fakePage) Close(_ context.Context) error { return nil }

// engineTracker hands out fake engines and remembers them.
type engineTracker struct {
	mu      sync.Mutex
	engines []*fakeEngine
	prepare func(*fakeEngine)
}

func (t *engineTracker) factory() (Engine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newFakeEngine()
	if t.prepare != nil {
		t.prepare(e)
	}
	t.engines = append(t.engines, e)
	return e, nil
}

func (t *engineTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.engines)
}

func newTestPool(t *testing.T, tracker *engineTracker, opts Options) *Pool {
	t.Helper()
	logger, _ := logging.NewLogger("pool-test")
	if opts.HealthInterval == 0 {
		opts.HealthInterval = 10 * time.Millisecond
	}
	p := NewPool(tracker.factory, opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return p
}

func TestAcquireNavigateRelease(t *testing.T) {
	tracker := &engineTracker{}
	p := newTestPool(t, tracker, Options{MaxSessions: 1, TabsPerSession: 2})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	result, err := slot.Navigate(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.Contains(t, result.HTML, "body")
	assert.Equal(t, "ok", result.Title)

	slot.Release()
	assert.Equal(t, 1, tracker.count())
}

func TestCeilingsNeverExceeded(t *testing.T) {
	const (
		maxSessions = 3
		tabCeiling  = 2
	)
	tracker := &engineTracker{}
	p := newTestPool(t, tracker, Options{MaxSessions: maxSessions, TabsPerSession: tabCeiling})

	var wg sync.WaitGroup
	var violations atomic.Int64
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			for _, info := range p.Stats() {
				if info.ActiveTabs > tabCeiling {
					violations.Add(1)
				}
			}
			if live := len(p.Stats()); live > maxSessions {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			slot.Release()
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.LessOrEqual(t, tracker.count(), maxSessions)
}

func TestLeastLoadedSelection(t *testing.T) {
	tracker := &engineTracker{}
	p := newTestPool(t, tracker, Options{MaxSessions: 2, TabsPerSession: 5})

	// First acquire boots session-1 and claims one tab on it.
	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer first.Release()

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer second.Release()

	// Both tabs land on the same session while it is below its
	// ceiling; growth only happens once every session is full.
	assert.Equal(t, first.SessionID(), second.SessionID())
	assert.Equal(t, 1, tracker.count())
}

func TestSaturatedPoolBlocksUntilRelease(t *testing.T) {
	tracker := &engineTracker{}
	p := newTestPool(t, tracker, Options{MaxSessions: 3, TabsPerSession: 1})

	slots := make([]*Slot, 3)
	for i := range slots {
		slot, err := p.Acquire(context.Background())
		require.NoError(t, err)
		slots[i] = slot
	}

	acquired := make(chan *Slot, 1)
	go func() {
		slot, err := p.Acquire(context.Background())
		if err == nil {
			acquired <- slot
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while all sessions are at ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	slots[0].Release()

	select {
	case slot := <-acquired:
		slot.Release()
	case <-time.After(time.Second):
		t.Fatal("blocked acquire did not proceed after a tab was released")
	}

	slots[1].Release()
	slots[2].Release()
}

func TestNavigationTimeoutKeepsSessionAlive(t *testing.T) {
	tracker := &engineTracker{prepare: func(e *fakeEngine) {
		e.navDelay = time.Second
	}}
	p := newTestPool(t, tracker, Options{MaxSessions: 1, TabsPerSession: 2})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slot.Navigate(ctx, "https://slow.example.com")
	assert.ErrorIs(t, err, ErrNavigationTimeout)
	slot.Release()

	// The session survives and the freed tab is reusable immediately.
	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), time.Second)
	defer acquireCancel()
	next, err := p.Acquire(acquireCtx)
	require.NoError(t, err)
	assert.Equal(t, slot.SessionID(), next.SessionID())
	next.Release()
}

func TestRepeatedFailuresDrainSession(t *testing.T) {
	tracker := &engineTracker{prepare: func(e *fakeEngine) {
		e.navErr = errors.New("tab crashed")
	}}
	p := newTestPool(t, tracker, Options{
		MaxSessions:      1,
		TabsPerSession:   2,
		FailureThreshold: 2,
		ArtifactDir:      t.TempDir(),
	})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = slot.Navigate(context.Background(), "https://broken.example.com")
		require.Error(t, err)
	}
	slot.Release()

	// Past the threshold the session drains and a replacement engine
	// comes up without intervention.
	require.Eventually(t, func() bool {
		return tracker.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCrashedSessionReplaced(t *testing.T) {
	tracker := &engineTracker{}
	p := newTestPool(t, tracker, Options{MaxSessions: 1, TabsPerSession: 2})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	tracker.mu.Lock()
	engine := tracker.engines[0]
	tracker.mu.Unlock()
	engine.crash()

	// The health monitor drains the session and spawns a replacement.
	require.Eventually(t, func() bool {
		if tracker.count() != 2 {
			return false
		}
		for _, info := range p.Stats() {
			if info.State == StateReady {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// The slot held on the crashed session resolves to an error, not a hang.
	_, err = slot.Navigate(context.Background(), "https://example.com")
	assert.Error(t, err)
	slot.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	tracker := &engineTracker{}
	p := newTestPool(t, tracker, Options{MaxSessions: 1, TabsPerSession: 1})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
	slot.Release()

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].ActiveTabs)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	tracker := &engineTracker{}
	logger, _ := logging.NewLogger("pool-test")
	p := NewPool(tracker.factory, Options{MaxSessions: 1, TabsPerSession: 1, HealthInterval: time.Hour}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
