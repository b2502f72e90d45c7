// Package ratelimit bounds concurrent access per origin so no single
// site is overwhelmed by the fetch pipeline.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultMaxConcurrent is the default number of tokens outstanding
	// per origin.
	DefaultMaxConcurrent = 2

	// DefaultDelayMin and DefaultDelayMax bound the randomized delay
	// applied after acquiring a contended origin.
	DefaultDelayMin = 600 * time.Millisecond
	DefaultDelayMax = 1200 * time.Millisecond

	// DefaultIdleTTL is how long an origin counter may sit unused
	// before the sweep removes it.
	DefaultIdleTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = time.Minute
)

// Options configures a Limiter.
type Options struct {
	// MaxConcurrent is the per-origin token ceiling. Zero means
	// DefaultMaxConcurrent.
	MaxConcurrent int

	// DelayMin and DelayMax bound the post-acquire jitter delay.
	DelayMin time.Duration
	DelayMax time.Duration

	// IdleTTL is how long an idle origin counter survives before
	// garbage collection. Zero means DefaultIdleTTL.
	IdleTTL time.Duration

	// SweepInterval is the period of the background idle-origin sweep.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration
}

// Limiter is a per-origin admission gate. Counters are created lazily on
// first access and garbage-collected after inactivity; a returning origin
// simply starts with a fresh counter.
type Limiter struct {
	mu      sync.Mutex
	origins map[string]*originGate
	opts    Options
	stop    chan struct{}
	done    chan struct{}
}

// originGate tracks outstanding tokens for one origin. The channel acts
// as a counting semaphore so waiters block without holding the limiter
// lock.
type originGate struct {
	slots    chan struct{}
	lastUsed time.Time
}

// Token represents one admitted request for an origin. Release is safe
// to call at most once per token and must run on every exit path.
type Token struct {
	gate    *originGate
	release sync.Once
}

// Release returns the token to its origin gate. Idempotent.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.release.Do(func() {
		<-t.gate.slots
	})
}

// New creates a Limiter with the given options and starts the
// background idle-origin sweep. Call Close to stop it.
func New(opts Options) *Limiter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DelayMin <= 0 {
		opts.DelayMin = DefaultDelayMin
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	l := &Limiter{
		origins: make(map[string]*originGate),
		opts:    opts,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Acquire blocks until fewer than MaxConcurrent tokens are outstanding
// for the origin, then applies a randomized delay when the origin was
// contended. Waiting is scoped to the origin: callers for other origins
// are never blocked. Context cancellation aborts the wait.
func (l *Limiter) Acquire(ctx context.Context, origin string) (*Token, error) {
	gate := l.gate(origin)

	contended := len(gate.slots) >= cap(gate.slots)

	select {
	case gate.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token := &Token{gate: gate}

	// Jitter only when another request for this origin was in flight,
	// to avoid lock-step bursts against the same site.
	if contended {
		delay := l.opts.DelayMin
		if spread := l.opts.DelayMax - l.opts.DelayMin; spread > 0 {
			delay += time.Duration(rand.Int63n(int64(spread)))
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			token.Release()
			return nil, ctx.Err()
		}
	}

	return token, nil
}

// gate returns the counter for an origin, creating it lazily. The lock
// guards only the map bookkeeping, never the wait itself.
func (l *Limiter) gate(origin string) *originGate {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.origins[origin]
	if !ok {
		g = &originGate{slots: make(chan struct{}, l.opts.MaxConcurrent)}
		l.origins[origin] = g
	}
	g.lastUsed = time.Now()
	return g
}

// Origins reports the number of origin counters currently tracked.
func (l *Limiter) Origins() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.origins)
}

// Outstanding reports the number of tokens currently held for an origin.
func (l *Limiter) Outstanding(origin string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.origins[origin]; ok {
		return len(g.slots)
	}
	return 0
}

// Sweep removes counters for origins that have been idle longer than the
// configured TTL and hold no tokens. Returns the number removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.opts.IdleTTL)
	removed := 0
	for origin, g := range l.origins {
		if len(g.slots) == 0 && g.lastUsed.Before(cutoff) {
			delete(l.origins, origin)
			removed++
		}
	}
	return removed
}

func (l *Limiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stop)
	<-l.done
}
