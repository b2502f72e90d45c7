// Package browser manages a bounded pool of long-lived automation
// sessions and load-balances navigation work across them. Each session
// multiplexes several concurrent tabs; crashed sessions are drained and
// replaced without operator intervention.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/webcontext/pkg/logging"
)

const (
	// DefaultMaxSessions is the pool session ceiling.
	DefaultMaxSessions = 3

	// DefaultTabsPerSession is the per-session active-tab ceiling.
	DefaultTabsPerSession = 5

	// DefaultFailureThreshold is how many consecutive navigation
	// failures mark a session unhealthy.
	DefaultFailureThreshold = 3

	// DefaultHealthInterval is how often session liveness is checked.
	DefaultHealthInterval = 10 * time.Second
)

// State is the lifecycle state of one pool session.
type State int

const (
	// StateStarting means the underlying engine is booting.
	StateStarting State = iota
	// StateReady means the session is up with no active tabs.
	StateReady
	// StateBusy means the session is serving at least one tab.
	StateBusy
	// StateDraining means the session is unhealthy or shutting down
	// and accepts no new tabs.
	StateDraining
	// StateTerminated means the session is gone.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options configures a Pool.
type Options struct {
	// MaxSessions is the session ceiling. Zero means DefaultMaxSessions.
	MaxSessions int

	// TabsPerSession is the per-session tab ceiling. Zero means
	// DefaultTabsPerSession.
	TabsPerSession int

	// FailureThreshold is the consecutive-failure count that drains a
	// session. Zero means DefaultFailureThreshold.
	FailureThreshold int

	// HealthInterval is the liveness check period. Zero means
	// DefaultHealthInterval.
	HealthInterval time.Duration

	// ArtifactDir receives failure snapshots. Empty disables capture.
	ArtifactDir string
}

// PageResult is the raw outcome of a successful navigation.
type PageResult struct {
	HTML     string
	Title    string
	FinalURL string
}

// session is one pool-managed automation session. All fields are
// guarded by the pool mutex; the engine itself is used outside the lock.
type session struct {
	id         string
	engine     Engine
	state      State
	activeTabs int
	failures   int
	lastUsed   time.Time
	stopped    bool
}

// Pool owns session lifecycle exclusively: nothing else starts or stops
// a session. The mutex guards only bookkeeping; it is never held across
// engine startup, navigation, or teardown.
type Pool struct {
	mu       sync.Mutex
	sessions []*session
	waitCh   chan struct{}
	closed   bool
	nextID   int

	factory   EngineFactory
	opts      Options
	logger    *logging.Logger
	artifacts *ArtifactWriter

	healthStop chan struct{}
	healthDone chan struct{}
}

// NewPool creates a pool and starts its health monitor. Sessions are
// started lazily on demand.
func NewPool(factory EngineFactory, opts Options, logger *logging.Logger) *Pool {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.TabsPerSession <= 0 {
		opts.TabsPerSession = DefaultTabsPerSession
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}

	p := &Pool{
		waitCh:     make(chan struct{}),
		factory:    factory,
		opts:       opts,
		logger:     logger,
		artifacts:  NewArtifactWriter(opts.ArtifactDir),
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	go p.healthLoop()
	return p
}

// Acquire claims one tab on the least-loaded available session. When
// every session is at its tab ceiling and the pool is below its session
// ceiling, a fresh session is started; when the pool is saturated the
// caller blocks until a tab frees up or the context is done.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		var best *session
		starting := false
		for _, s := range p.sessions {
			switch s.state {
			case StateReady, StateBusy:
				if s.activeTabs < p.opts.TabsPerSession &&
					(best == nil || s.activeTabs < best.activeTabs) {
					best = s
				}
			case StateStarting:
				starting = true
			}
		}

		if best != nil {
			best.activeTabs++
			best.state = StateBusy
			best.lastUsed = time.Now()
			slot := &Slot{pool: p, session: best}
			p.mu.Unlock()
			return slot, nil
		}

		// No free tab: grow the pool if capacity allows, unless a
		// session is already on its way up.
		if !starting && p.countLiveLocked() < p.opts.MaxSessions {
			p.startSessionLocked()
		}

		wait := p.waitCh
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// countLiveLocked counts sessions occupying pool capacity.
func (p *Pool) countLiveLocked() int {
	n := 0
	for _, s := range p.sessions {
		switch s.state {
		case StateStarting, StateReady, StateBusy:
			n++
		}
	}
	return n
}

// notifyLocked wakes every blocked acquirer and waiter.
func (p *Pool) notifyLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// startSessionLocked registers a Starting session and boots its engine
// off-lock.
func (p *Pool) startSessionLocked() {
	p.nextID++
	s := &session{
		id:    fmt.Sprintf("session-%d", p.nextID),
		state: StateStarting,
	}
	p.sessions = append(p.sessions, s)
	p.logger.Infof("starting browser session %s", s.id)
	go p.bootSession(s)
}

func (p *Pool) bootSession(s *session) {
	engine, err := p.factory()
	if err == nil {
		err = engine.Start(context.Background())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.notifyLocked()

	if err != nil {
		p.logger.Errorf("session %s failed to start: %v", s.id, err)
		s.state = StateTerminated
		p.removeLocked(s)
		return
	}
	if p.closed || s.state == StateDraining {
		s.state = StateTerminated
		p.removeLocked(s)
		go p.stopEngine(s.id, engine)
		return
	}
	s.engine = engine
	s.state = StateReady
	s.lastUsed = time.Now()
	p.logger.Infof("session %s ready", s.id)
}

// drainLocked marks a session Draining. With forceStop the engine is
// torn down immediately so in-flight tabs resolve to navigation errors;
// otherwise active tabs run to completion and Release terminates the
// session. A replacement starts right away when capacity allows.
func (p *Pool) drainLocked(s *session, forceStop bool) {
	if s.state == StateDraining || s.state == StateTerminated {
		return
	}
	p.logger.Warnf("draining session %s (tabs=%d, forceStop=%v)", s.id, s.activeTabs, forceStop)
	s.state = StateDraining

	if forceStop && s.engine != nil && !s.stopped {
		s.stopped = true
		go p.stopEngine(s.id, s.engine)
	}
	if s.activeTabs == 0 {
		p.terminateLocked(s)
	}
	if !p.closed && p.countLiveLocked() < p.opts.MaxSessions {
		p.startSessionLocked()
	}
	p.notifyLocked()
}

// terminateLocked removes a drained session from the table.
func (p *Pool) terminateLocked(s *session) {
	s.state = StateTerminated
	if s.engine != nil && !s.stopped {
		s.stopped = true
		go p.stopEngine(s.id, s.engine)
	}
	p.removeLocked(s)
	p.logger.Infof("session %s terminated", s.id)
}

func (p *Pool) removeLocked(s *session) {
	for i, candidate := range p.sessions {
		if candidate == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

func (p *Pool) stopEngine(id string, engine Engine) {
	if err := engine.Stop(); err != nil {
		p.logger.Warnf("failed to stop engine for session %s: %v", id, err)
	}
}

func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.healthStop:
			return
		}
	}
}

// checkHealth drains sessions whose control channel stopped responding.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if (s.state == StateReady || s.state == StateBusy) && s.engine != nil && !s.engine.Healthy() {
			p.logger.Errorf("session %s stopped responding", s.id)
			p.drainLocked(s, true)
		}
	}
}

// SessionInfo is a point-in-time snapshot of one session.
type SessionInfo struct {
	ID         string
	State      State
	ActiveTabs int
	LastUsed   time.Time
}

// Stats returns a snapshot of all sessions.
func (p *Pool) Stats() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, SessionInfo{
			ID:         s.id,
			State:      s.state,
			ActiveTabs: s.activeTabs,
			LastUsed:   s.lastUsed,
		})
	}
	return infos
}

// Close drains every session, letting active tabs finish until the
// context expires; remaining sessions are then stopped forcibly.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, s := range append([]*session(nil), p.sessions...) {
		p.drainLocked(s, false)
	}
	p.notifyLocked()
	p.mu.Unlock()

	close(p.healthStop)
	<-p.healthDone

	for {
		p.mu.Lock()
		if len(p.sessions) == 0 {
			p.mu.Unlock()
			return nil
		}
		wait := p.waitCh
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.mu.Lock()
			for _, s := range append([]*session(nil), p.sessions...) {
				p.terminateLocked(s)
			}
			p.mu.Unlock()
			return fmt.Errorf("pool close grace period expired: %w", ctx.Err())
		}
	}
}

// Slot is one claimed tab on a session. Release must be called exactly
// once; it is safe after a failed or cancelled navigation.
type Slot struct {
	pool        *Pool
	session     *session
	releaseOnce sync.Once
}

// SessionID identifies the session serving this slot.
func (h *Slot) SessionID() string {
	return h.session.id
}

// Navigate loads the URL in a fresh tab of the slot's session and
// returns the raw page. A deadline on ctx cancels only this navigation;
// the session survives. On non-timeout failures a snapshot artifact is
// captured and the session's failure count advances toward draining.
func (h *Slot) Navigate(ctx context.Context, url string) (*PageResult, error) {
	p := h.pool
	s := h.session

	p.mu.Lock()
	if s.state == StateDraining || s.state == StateTerminated {
		p.mu.Unlock()
		return nil, ErrSessionDraining
	}
	engine := s.engine
	p.mu.Unlock()

	page, err := engine.NewPage(ctx)
	if err != nil {
		return nil, h.failNavigation(ctx, nil, url, fmt.Errorf("failed to open tab: %w", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			p.logger.Warnf("session %s: failed to close tab: %v", s.id, err)
		}
	}()

	if err := page.Navigate(ctx, url); err != nil {
		if errors.Is(err, ErrNavigationTimeout) || ctx.Err() != nil {
			return nil, ErrNavigationTimeout
		}
		return nil, h.failNavigation(ctx, page, url, err)
	}

	html, err := page.Content(ctx)
	if err != nil {
		if errors.Is(err, ErrNavigationTimeout) || ctx.Err() != nil {
			return nil, ErrNavigationTimeout
		}
		return nil, h.failNavigation(ctx, page, url, err)
	}

	title, err := page.Title(ctx)
	if err != nil {
		p.logger.Debugf("session %s: no title for %s: %v", s.id, url, err)
	}

	p.mu.Lock()
	s.failures = 0
	s.lastUsed = time.Now()
	p.mu.Unlock()

	return &PageResult{HTML: html, Title: title, FinalURL: page.FinalURL()}, nil
}

// failNavigation records a failure against the session, drains it past
// the threshold, and captures a debugging artifact.
func (h *Slot) failNavigation(ctx context.Context, page Page, url string, cause error) error {
	p := h.pool
	s := h.session

	p.mu.Lock()
	s.failures++
	if s.failures >= p.opts.FailureThreshold {
		p.drainLocked(s, true)
	}
	p.mu.Unlock()

	correlationID, artifactErr := p.artifacts.CaptureFailure(ctx, page, url, s.id, cause)
	if artifactErr != nil {
		p.logger.Warnf("session %s: artifact capture failed [%s]: %v", s.id, correlationID, artifactErr)
	}
	p.logger.Errorf("session %s: navigation failed for %s [%s]: %v", s.id, url, correlationID, cause)

	return cause
}

// Release returns the tab to the session. Safe to call once per slot on
// every exit path.
func (h *Slot) Release() {
	h.releaseOnce.Do(func() {
		p := h.pool
		s := h.session

		p.mu.Lock()
		defer p.mu.Unlock()

		if s.activeTabs > 0 {
			s.activeTabs--
		}
		s.lastUsed = time.Now()
		if s.state == StateBusy && s.activeTabs == 0 {
			s.state = StateReady
		}
		if s.state == StateDraining && s.activeTabs == 0 {
			p.terminateLocked(s)
		}
		p.notifyLocked()
	})
}
