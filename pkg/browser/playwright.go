package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	// DefaultViewportWidth and DefaultViewportHeight are the session
	// viewport dimensions.
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// EngineOptions configures playwright-backed engines.
type EngineOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the initial viewport size. Zero values use defaults.
	ViewportWidth  int
	ViewportHeight int
}

// Runtime owns the shared Playwright driver process. One Runtime serves
// every engine in the pool; Stop tears the driver down after the pool
// has drained.
type Runtime struct {
	pw *playwright.Playwright
}

// StartRuntime installs (if needed) and starts the Playwright driver.
// Driver output is discarded so it cannot interleave with our own logs.
func StartRuntime() (*Runtime, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Runtime{pw: pw}, nil
}

// Stop shuts down the Playwright driver.
func (r *Runtime) Stop() error {
	if err := r.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// EngineFactory returns a factory producing one Chromium instance per
// pool session.
func (r *Runtime) EngineFactory(opts EngineOptions) EngineFactory {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = DefaultViewportWidth
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = DefaultViewportHeight
	}
	return func() (Engine, error) {
		return &playwrightEngine{pw: r.pw, opts: opts}, nil
	}
}

// playwrightEngine adapts one Chromium browser plus an isolated context
// to the Engine interface.
type playwrightEngine struct {
	pw      *playwright.Playwright
	opts    EngineOptions
	browser playwright.Browser
	context playwright.BrowserContext
}

func (e *playwrightEngine) Start(_ context.Context) error {
	browser, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Headless),
	})
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	e.browser = browser
	e.context = browserContext
	return nil
}

func (e *playwrightEngine) NewPage(_ context.Context) (Page, error) {
	if e.context == nil {
		return nil, fmt.Errorf("engine not started")
	}
	page, err := e.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return &playwrightPage{page: page}, nil
}

func (e *playwrightEngine) Healthy() bool {
	return e.browser != nil && e.browser.IsConnected()
}

func (e *playwrightEngine) Stop() error {
	if e.context != nil {
		_ = e.context.Close() // Ignore errors, continue cleanup
	}
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			return fmt.Errorf("failed to close browser: %w", err)
		}
	}
	return nil
}

// playwrightPage adapts one Playwright page to the Page interface,
// translating context deadlines into Playwright millisecond timeouts.
type playwrightPage struct {
	page playwright.Page
}

func timeoutFromContext(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return playwright.Float(float64(remaining.Milliseconds()))
}

// classifyNavigationError maps a driver failure to the pool's error
// classes. The goto timeout is derived from the context deadline, so
// the driver may report its own TimeoutError a beat before ctx.Err()
// flips; both spellings mean the navigation timed out.
func classifyNavigationError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, playwright.ErrTimeout) {
		return ErrNavigationTimeout
	}
	return fmt.Errorf("navigation failed: %w", err)
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	gotoOpts := playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}
	if t := timeoutFromContext(ctx); t != nil {
		gotoOpts.Timeout = t
	}
	if _, err := p.page.Goto(url, gotoOpts); err != nil {
		return classifyNavigationError(ctx, err)
	}
	return nil
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	content, err := p.page.Content()
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrNavigationTimeout
		}
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}

func (p *playwrightPage) Title(_ context.Context) (string, error) {
	title, err := p.page.Title()
	if err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return title, nil
}

func (p *playwrightPage) FinalURL() string {
	return p.page.URL()
}

func (p *playwrightPage) Screenshot(_ context.Context) ([]byte, error) {
	shot, err := p.page.Screenshot(playwright.PageScreenshotOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return shot, nil
}

func (p *playwrightPage) Close(_ context.Context) error {
	return p.page.Close()
}
