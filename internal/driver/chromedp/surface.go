// Package chromedp implements the driver Surface over the Chrome DevTools
// protocol, attaching to a browser that is already running.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/driver"
	"github.com/JakeFAU/genfleet/internal/farm"
)

// Config controls per-action timeouts.
type Config struct {
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
}

// Connector attaches chromedp tabs to remote browsers.
type Connector struct {
	cfg    Config
	logger *zap.Logger
}

// NewConnector constructs a Connector.
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

// Connect opens a tab in the browser behind endpoint. The tab outlives ctx
// and is closed by Surface.Close.
func (c *Connector) Connect(ctx context.Context, endpoint farm.Endpoint) (driver.Surface, error) {
	if endpoint.WSURL == "" {
		return nil, errors.New("endpoint has no websocket url")
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint.WSURL, chromedp.NoModifyURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(c.logger.Sugar().Debugf),
		chromedp.WithErrorf(c.logger.Sugar().Debugf),
	)
	s := &Surface{
		tab:    tabCtx,
		cancel: func() { tabCancel(); allocCancel() },
		cfg:    c.cfg,
	}
	// The first Run binds the browser connection to its context, so it must
	// use the tab context itself rather than a derived deadline.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx) }()
	timer := time.NewTimer(c.cfg.NavigationTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("attach tab: %w", err)
		}
		return s, nil
	case <-ctx.Done():
		s.cancel()
		return nil, fmt.Errorf("attach tab: %w", ctx.Err())
	case <-timer.C:
		s.cancel()
		return nil, fmt.Errorf("attach tab: timed out after %s", c.cfg.NavigationTimeout)
	}
}

// Surface is one chromedp tab.
type Surface struct {
	tab    context.Context
	cancel context.CancelFunc
	cfg    Config
}

// bound derives a context from the tab that also ends with ctx.
func (s *Surface) bound(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	unhook := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		unhook()
		cancel()
	}
}

func (s *Surface) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, stop := s.bound(ctx, timeout)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the body.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// URL returns the current location.
func (s *Surface) URL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// Count returns how many nodes match selector without waiting for any.
func (s *Surface) Count(ctx context.Context, selector string) (int, error) {
	nodes, err := s.nodes(ctx, selector)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (s *Surface) nodes(ctx context.Context, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.BySearch, chromedp.AtLeast(0)),
	); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return nodes, nil
}

// Click clicks the first visible match.
func (s *Surface) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Click(selector, chromedp.BySearch, chromedp.NodeVisible),
	); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Fill replaces the value of the first match with text. Text is inserted as
// one input event so non-ASCII prompts survive intact.
func (s *Surface) Fill(ctx context.Context, selector, text string) error {
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.SetValue(selector, "", chromedp.BySearch),
		chromedp.Focus(selector, chromedp.BySearch),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(text).Do(ctx)
		}),
	); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

// Text returns the text content of the first match.
func (s *Surface) Text(ctx context.Context, selector string) (string, error) {
	nodes, err := s.nodes(ctx, selector)
	if err != nil || len(nodes) == 0 {
		return "", err
	}
	var text string
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.TextContent([]cdp.NodeID{nodes[0].NodeID}, &text, chromedp.ByNodeID),
	); err != nil {
		return "", fmt.Errorf("text %q: %w", selector, err)
	}
	return text, nil
}

// Attrs returns attr for every match.
func (s *Surface) Attrs(ctx context.Context, selector, attr string) ([]string, error) {
	nodes, err := s.nodes(ctx, selector)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if v, ok := n.Attribute(attr); ok && v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

// BodyText returns the rendered text of the page body.
func (s *Surface) BodyText(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	); err != nil {
		return "", fmt.Errorf("body text: %w", err)
	}
	return text, nil
}

// Close closes the tab and drops the connection. The browser keeps running.
func (s *Surface) Close() error {
	s.cancel()
	return nil
}
