package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightFactory creates chromium-backed sessions. The playwright driver
// is started once and shared; each session owns its own browser instance so
// proxy settings and rotation stay per-worker.
type PlaywrightFactory struct {
	model   ModelClient
	logger  *slog.Logger
	runOnce sync.Once
	pw      *playwright.Playwright
	runErr  error
}

func NewPlaywrightFactory(model ModelClient) *PlaywrightFactory {
	return &PlaywrightFactory{
		model:  model,
		logger: slog.Default().With("component", "engine"),
	}
}

func (f *PlaywrightFactory) run() (*playwright.Playwright, error) {
	f.runOnce.Do(func() {
		f.pw, f.runErr = playwright.Run()
	})
	if f.runErr != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", f.runErr)
	}
	return f.pw, nil
}

// Create builds a new session. Local chromium cannot reattach a closed
// browser, so a ResumeID only carries the identity forward.
func (f *PlaywrightFactory) Create(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := f.run()
	if err != nil {
		return nil, err
	}

	id := opts.ResumeID
	if id == "" {
		id = uuid.New().String()
	}

	return &playwrightSession{
		id:      id,
		pw:      pw,
		opts:    opts,
		model:   f.model,
		logger:  f.logger.With("session", id),
	}, nil
}

type playwrightSession struct {
	id      string
	pw      *playwright.Playwright
	opts    SessionOptions
	model   ModelClient
	logger  *slog.Logger
	browser playwright.Browser
	context playwright.BrowserContext
}

func (s *playwrightSession) ID() string { return s.id }

func (s *playwrightSession) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.context != nil {
		return nil
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(s.opts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}
	if s.opts.Proxy != nil && s.opts.Proxy.Server != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server:   s.opts.Proxy.Server,
			Username: playwright.String(s.opts.Proxy.Username),
			Password: playwright.String(s.opts.Proxy.Password),
		}
	}

	browser, err := s.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
	}
	if s.opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(s.opts.UserAgent)
	}
	if s.opts.Locale != "" {
		contextOpts.Locale = playwright.String(s.opts.Locale)
	}
	if s.opts.TimezoneID != "" {
		contextOpts.TimezoneId = playwright.String(s.opts.TimezoneID)
	}
	if s.opts.ViewportWidth > 0 && s.opts.ViewportHeight > 0 {
		contextOpts.Viewport = &playwright.Size{
			Width:  s.opts.ViewportWidth,
			Height: s.opts.ViewportHeight,
		}
	}

	browserCtx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	s.browser = browser
	s.context = browserCtx
	s.logger.Debug("session initialized")
	return nil
}

func (s *playwrightSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.context == nil {
		return nil, ErrNotInitialized
	}
	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &playwrightPage{page: page, model: s.model}, nil
}

func (s *playwrightSession) Close(ctx context.Context) error {
	var errs []error
	if s.context != nil {
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
		s.context = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		s.browser = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

type playwrightPage struct {
	page  playwright.Page
	model ModelClient

	routeMu sync.Mutex
	routed  bool
	policy  RoutePolicy
}

func (p *playwrightPage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := p.page.Locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return "", classifyLookupError(err)
	}
	return text, nil
}

func (p *playwrightPage) Attribute(ctx context.Context, selector, name string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := p.page.Locator(selector).First().GetAttribute(name, playwright.LocatorGetAttributeOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return "", classifyLookupError(err)
	}
	return value, nil
}

func (p *playwrightPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	visible, err := p.page.Locator(selector).First().IsVisible()
	if err != nil {
		return false, classifyLookupError(err)
	}
	return visible, nil
}

func (p *playwrightPage) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return p.page.Locator(selector).Count()
}

func (p *playwrightPage) Observe(ctx context.Context, prompt string, timeout time.Duration) ([]Candidate, error) {
	html, err := p.Content(ctx)
	if err != nil {
		return nil, err
	}
	observeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.model.Observe(observeCtx, html, prompt)
}

func (p *playwrightPage) Extract(ctx context.Context, req ExtractRequest) (map[string]any, error) {
	if req.DOMSettleTimeout > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(req.DOMSettleTimeout):
		}
	}
	html, err := p.Content(ctx)
	if err != nil {
		return nil, err
	}
	return p.model.Extract(ctx, html, req)
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Content()
}

func (p *playwrightPage) BodyText(ctx context.Context) (string, error) {
	return p.InnerText(ctx, "body", 5*time.Second)
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

// ApplyRoutePolicy installs a single route handler covering all requests.
// The handler is replaced only when the requested policy changes.
func (p *playwrightPage) ApplyRoutePolicy(policy RoutePolicy) error {
	p.routeMu.Lock()
	defer p.routeMu.Unlock()

	if p.routed && p.policy == policy {
		return nil
	}
	if p.routed {
		if err := p.page.Unroute("**/*"); err != nil {
			return fmt.Errorf("failed to remove route handler: %w", err)
		}
	}

	handler := func(route playwright.Route) {
		switch route.Request().ResourceType() {
		case "font", "media":
			route.Abort()
		case "image":
			if policy.BlockImages {
				route.Abort()
				return
			}
			route.Continue()
		case "stylesheet":
			if policy.BlockStyles {
				route.Abort()
				return
			}
			route.Continue()
		case "script":
			if policy.BlockScripts {
				route.Abort()
				return
			}
			route.Continue()
		default:
			route.Continue()
		}
	}

	if err := p.page.Route("**/*", handler); err != nil {
		return fmt.Errorf("failed to install route handler: %w", err)
	}
	p.routed = true
	p.policy = policy
	return nil
}

// classifyLookupError maps locator timeouts to ErrNotFound so callers treat
// them as a normal miss and move to the next candidate.
func classifyLookupError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
