package browser

import (
	"context"
	"errors"
)

// Engine is the headless-browser boundary consumed by the pool. One
// Engine backs one pool session and may serve several concurrent pages.
// The pool treats it as an opaque capability with a start/stop lifecycle
// and a liveness signal.
type Engine interface {
	// Start brings the engine up. NewPage must not be called before
	// Start returns.
	Start(ctx context.Context) error

	// NewPage opens a fresh page (tab) in the engine.
	NewPage(ctx context.Context) (Page, error)

	// Healthy reports whether the engine's control channel is still
	// responding.
	Healthy() bool

	// Stop tears the engine down, failing any in-flight pages.
	Stop() error
}

// Page is one open tab.
type Page interface {
	// Navigate loads the URL, honoring the context deadline.
	Navigate(ctx context.Context, url string) error

	// Content returns the page's current HTML.
	Content(ctx context.Context) (string, error)

	// Title returns the page's title.
	Title(ctx context.Context) (string, error)

	// FinalURL returns the URL after any redirects.
	FinalURL() string

	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the tab.
	Close(ctx context.Context) error
}

// EngineFactory produces a fresh engine for each pool session.
type EngineFactory func() (Engine, error)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("browser pool is closed")

	// ErrNavigationTimeout marks a navigation that exceeded its
	// deadline. The session survives; only the tab is cancelled.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrSessionDraining marks work rejected or interrupted because
	// the owning session is shutting down.
	ErrSessionDraining = errors.New("browser session is draining")
)
