// Package playwright implements the driver Surface with playwright-go,
// attaching over CDP to a browser that is already running.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/driver"
	"github.com/JakeFAU/genfleet/internal/farm"
)

// Config controls timeouts and the driver install step.
type Config struct {
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
	// Install downloads the playwright driver on first use.
	Install bool
}

// Connector owns the playwright driver process shared by all sessions.
type Connector struct {
	cfg    Config
	logger *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

// NewConnector constructs a Connector. The driver starts lazily.
func NewConnector(cfg Config, logger *zap.Logger) *Connector {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, logger: logger}
}

func (c *Connector) start() (*playwright.Playwright, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pw != nil {
		return c.pw, nil
	}
	opts := &playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
	if c.cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	c.pw = pw
	return pw, nil
}

// Connect attaches to the first page of the browser's default context.
func (c *Connector) Connect(ctx context.Context, endpoint farm.Endpoint) (driver.Surface, error) {
	if endpoint.WSURL == "" {
		return nil, errors.New("endpoint has no websocket url")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pw, err := c.start()
	if err != nil {
		return nil, err
	}
	browser, err := pw.Chromium.ConnectOverCDP(endpoint.WSURL, playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: playwright.Float(ms(c.cfg.NavigationTimeout)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect over cdp: %w", err)
	}
	var bctx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else if bctx, err = browser.NewContext(); err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}
	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(ms(c.cfg.ActionTimeout))
	page.SetDefaultNavigationTimeout(ms(c.cfg.NavigationTimeout))
	return &Surface{browser: browser, page: page}, nil
}

// Stop shuts down the playwright driver.
func (c *Connector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pw == nil {
		return nil
	}
	err := c.pw.Stop()
	c.pw = nil
	if err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

// Surface is one playwright page.
type Surface struct {
	browser playwright.Browser
	page    playwright.Page
}

// Navigate loads url.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// URL returns the current location.
func (s *Surface) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.page.IsClosed() {
		return "", errors.New("page closed")
	}
	return s.page.URL(), nil
}

// Count returns how many elements match selector.
func (s *Surface) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.locator(selector).Count()
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", selector, err)
	}
	return n, nil
}

// Click clicks the first match.
func (s *Surface) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.locator(selector).First().Click(); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Fill replaces the value of the first match.
func (s *Surface) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.locator(selector).First().Fill(text); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

// Text returns the text content of the first match.
func (s *Surface) Text(ctx context.Context, selector string) (string, error) {
	n, err := s.Count(ctx, selector)
	if err != nil || n == 0 {
		return "", err
	}
	text, err := s.locator(selector).First().TextContent()
	if err != nil {
		return "", fmt.Errorf("text %q: %w", selector, err)
	}
	return text, nil
}

// Attrs returns attr for every match.
func (s *Surface) Attrs(ctx context.Context, selector, attr string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.locator(selector).All()
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", selector, err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		v, err := item.GetAttribute(attr)
		if err != nil || v == "" {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// BodyText returns the rendered text of the page body.
func (s *Surface) BodyText(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := s.page.Locator("body").InnerText()
	if err != nil {
		return "", fmt.Errorf("body text: %w", err)
	}
	return text, nil
}

// Close disconnects from the browser without closing its windows.
func (s *Surface) Close() error {
	if err := s.browser.Close(); err != nil {
		return fmt.Errorf("disconnect browser: %w", err)
	}
	return nil
}

func (s *Surface) locator(selector string) playwright.Locator {
	return s.page.Locator(Selector(selector))
}

// Selector rewrites driver selectors into playwright selector syntax.
func Selector(selector string) string {
	if driver.IsXPath(selector) {
		return "xpath=" + selector
	}
	return selector
}

func ms(d time.Duration) float64 {
	return float64(d / time.Millisecond)
}
