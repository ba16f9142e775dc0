package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/farm"
)

const aliveTimeout = 5 * time.Second

// Options tunes result polling.
type Options struct {
	// Poll is the interval between result checks.
	Poll time.Duration
	// ExpectedImages ends the wait early once this many new images appear.
	ExpectedImages int
	// Pacer pauses between the steps of a submission. Nil disables pauses.
	Pacer farm.Pacer
}

// Driver implements farm.Driver over a Connector.
type Driver struct {
	connector Connector
	sel       Selectors
	opts      Options
	logger    *zap.Logger
}

// New constructs a Driver.
func New(connector Connector, sel Selectors, opts Options, logger *zap.Logger) *Driver {
	if opts.Poll <= 0 {
		opts.Poll = 3 * time.Second
	}
	if opts.ExpectedImages <= 0 {
		opts.ExpectedImages = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{connector: connector, sel: sel, opts: opts, logger: logger.Named("driver")}
}

// Attach connects to the browser behind endpoint.
func (d *Driver) Attach(ctx context.Context, endpoint farm.Endpoint) (farm.Page, error) {
	surface, err := d.connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint.WSURL, err)
	}
	return NewPage(surface, d.sel, d.opts, d.logger), nil
}

// Page drives the generation page on one Surface.
type Page struct {
	surface  Surface
	sel      Selectors
	opts     Options
	logger   *zap.Logger
	baseline map[string]struct{}
}

// NewPage wraps surface.
func NewPage(surface Surface, sel Selectors, opts Options, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Page{surface: surface, sel: sel, opts: opts, logger: logger}
}

// Submit opens the generation page if needed, picks the aspect ratio, types
// the prompt and starts generation. Images already on the page are recorded
// so AwaitResult only reports new ones.
func (p *Page) Submit(ctx context.Context, prompt, aspectRatio string) error {
	if err := p.ensurePage(ctx); err != nil {
		return err
	}
	if err := p.pause(ctx); err != nil {
		return err
	}
	if p.insufficient(ctx) {
		return fmt.Errorf("before submit: %w", farm.ErrQuotaExhausted)
	}
	baseline, err := p.imageSources(ctx)
	if err != nil {
		return fmt.Errorf("%w: snapshot images: %v", farm.ErrTransientTask, err)
	}
	p.baseline = make(map[string]struct{}, len(baseline))
	for _, src := range baseline {
		p.baseline[src] = struct{}{}
	}

	if chain, ok := p.sel.AspectRatios[aspectRatio]; ok {
		if err := p.clickFirst(ctx, chain); err != nil {
			return fmt.Errorf("%w: select aspect ratio %s: %v", farm.ErrTransientTask, aspectRatio, err)
		}
		if err := p.pause(ctx); err != nil {
			return err
		}
	} else if aspectRatio != "" {
		p.logger.Warn("no selector for aspect ratio, keeping page default", zap.String("aspect_ratio", aspectRatio))
	}

	input, err := p.first(ctx, p.sel.PromptInput)
	if err != nil {
		return fmt.Errorf("%w: prompt input: %v", farm.ErrTransientTask, err)
	}
	if err := p.surface.Fill(ctx, input, prompt); err != nil {
		return fmt.Errorf("%w: fill prompt: %v", farm.ErrTransientTask, err)
	}
	if err := p.pause(ctx); err != nil {
		return err
	}
	if err := p.clickFirst(ctx, p.sel.GenerateButton); err != nil {
		return fmt.Errorf("%w: click generate: %v", farm.ErrTransientTask, err)
	}
	if p.insufficient(ctx) {
		return fmt.Errorf("after submit: %w", farm.ErrQuotaExhausted)
	}
	return nil
}

func (p *Page) pause(ctx context.Context) error {
	if p.opts.Pacer == nil {
		return nil
	}
	p.opts.Pacer.Delay(ctx)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit paused: %w", err)
	}
	return nil
}

// AwaitResult polls until new images appear, the prompt is refused, credits
// run out or timeout elapses.
func (p *Page) AwaitResult(ctx context.Context, timeout time.Duration) ([]farm.Artifact, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.opts.Poll)
	defer ticker.Stop()

	lastCount := -1
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await result: %w", ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("no result after %s: %w", timeout, farm.ErrGenerationTimeout)
		case <-ticker.C:
		}

		if msg, refused := p.refusal(ctx); refused {
			return nil, fmt.Errorf("%s: %w", msg, farm.ErrPromptRejected)
		}
		if p.insufficient(ctx) {
			return nil, fmt.Errorf("while generating: %w", farm.ErrQuotaExhausted)
		}
		fresh, err := p.newImages(ctx)
		if err != nil {
			p.logger.Debug("image scan failed", zap.Error(err))
			continue
		}
		if len(fresh) >= p.opts.ExpectedImages {
			return fresh, nil
		}
		busy := p.anyPresent(ctx, p.sel.Queueing) || p.anyPresent(ctx, p.sel.Generating)
		if !busy && len(fresh) > 0 && len(fresh) == lastCount {
			return fresh, nil
		}
		lastCount = len(fresh)
	}
}

// ReadQuota reads remaining credits from the points element, the
// insufficient-credit banners or the page text, in that order.
func (p *Page) ReadQuota(ctx context.Context) (int, error) {
	for _, sel := range p.sel.Points {
		text, err := p.surface.Text(ctx, sel)
		if err != nil || text == "" {
			continue
		}
		if n, ok := ParsePoints(text); ok {
			return n, nil
		}
	}
	body, err := p.surface.BodyText(ctx)
	if err != nil {
		return 0, fmt.Errorf("read page text: %w", err)
	}
	if ContainsAny(body, p.sel.InsufficientText) {
		return 0, nil
	}
	if n, ok := ParsePoints(body); ok {
		return n, nil
	}
	return 0, farm.ErrQuotaUnknown
}

// Alive reports whether the tab still answers.
func (p *Page) Alive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, aliveTimeout)
	defer cancel()
	_, err := p.surface.URL(ctx)
	return err == nil
}

// Close releases the surface.
func (p *Page) Close() error {
	if err := p.surface.Close(); err != nil {
		return fmt.Errorf("close surface: %w", err)
	}
	return nil
}

func (p *Page) ensurePage(ctx context.Context) error {
	current, err := p.surface.URL(ctx)
	if err != nil {
		return fmt.Errorf("read url: %w", farm.ErrSessionLost)
	}
	if strings.HasPrefix(current, p.sel.PageURL) {
		return nil
	}
	if err := p.surface.Navigate(ctx, p.sel.PageURL); err != nil {
		return fmt.Errorf("%w: navigate: %v", farm.ErrTransientTask, err)
	}
	return nil
}

func (p *Page) first(ctx context.Context, chain []string) (string, error) {
	for _, sel := range chain {
		n, err := p.surface.Count(ctx, sel)
		if err == nil && n > 0 {
			return sel, nil
		}
	}
	return "", fmt.Errorf("none of %d selectors matched", len(chain))
}

func (p *Page) clickFirst(ctx context.Context, chain []string) error {
	sel, err := p.first(ctx, chain)
	if err != nil {
		return err
	}
	return p.surface.Click(ctx, sel)
}

func (p *Page) anyPresent(ctx context.Context, chain []string) bool {
	_, err := p.first(ctx, chain)
	return err == nil
}

func (p *Page) refusal(ctx context.Context) (string, bool) {
	for _, sel := range p.sel.PromptError {
		text, err := p.surface.Text(ctx, sel)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}

func (p *Page) insufficient(ctx context.Context) bool {
	if len(p.sel.InsufficientText) == 0 {
		return false
	}
	body, err := p.surface.BodyText(ctx)
	return err == nil && ContainsAny(body, p.sel.InsufficientText)
}

func (p *Page) imageSources(ctx context.Context) ([]string, error) {
	var out []string
	for _, sel := range p.sel.GeneratedImages {
		srcs, err := p.surface.Attrs(ctx, sel, "src")
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

func (p *Page) newImages(ctx context.Context) ([]farm.Artifact, error) {
	srcs, err := p.imageSources(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var fresh []farm.Artifact
	for _, src := range srcs {
		if _, old := p.baseline[src]; old {
			continue
		}
		if _, dup := seen[src]; dup {
			continue
		}
		if !p.usable(src) {
			continue
		}
		seen[src] = struct{}{}
		fresh = append(fresh, farm.Artifact{Source: src})
	}
	return fresh, nil
}

func (p *Page) usable(src string) bool {
	if strings.HasPrefix(src, "data:image/") {
		return true
	}
	if !strings.HasPrefix(src, "https://") {
		return false
	}
	return p.sel.ImageSrcContains == "" || strings.Contains(src, p.sel.ImageSrcContains)
}
