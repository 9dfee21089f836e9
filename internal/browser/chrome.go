// Package browser drives a headless Chrome through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const defaultTimeout = 45 * time.Second

// ErrClosed is returned by NewPage after Close.
var ErrClosed = errors.New("browser closed")

// blockedURLs keeps images, fonts and media from loading. Pages render their
// shipping options without them.
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.avif", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics.com*", "*googletagmanager.com*", "*facebook.net*", "*hotjar.com*",
}

type Config struct {
	// ExecPath points at the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
	// Timeout bounds each navigation, form fill and evaluation.
	Timeout time.Duration
}

// Page is one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// FillCheckoutForm fills a synthetic address into the form fields it
	// recognizes and returns how many it filled.
	FillCheckoutForm(ctx context.Context) (int, error)
	Evaluate(ctx context.Context, expression string, out any) error
	Close() error
}

// Chrome owns one browser process, started on first use and shared by all
// pages.
type Chrome struct {
	cfg Config

	mu            sync.Mutex
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
	closed        bool
}

func New(cfg Config) *Chrome {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Chrome{cfg: cfg}
}

func (c *Chrome) start() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.browserCtx != nil {
		return c.browserCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("disable-extensions", true),
	)
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	c.browserCtx = browserCtx
	c.cancelAlloc = cancelAlloc
	c.cancelBrowser = cancelBrowser
	return browserCtx, nil
}

// NewPage opens a new tab with non-essential resources blocked.
func (c *Chrome) NewPage(ctx context.Context) (Page, error) {
	browserCtx, err := c.start()
	if err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	p := &tab{ctx: tabCtx, cancel: cancel, timeout: c.cfg.Timeout}

	if err := p.run(ctx, network.Enable(), network.SetBlockedURLS(blockedURLs)); err != nil {
		cancel()
		return nil, fmt.Errorf("opening tab: %w", err)
	}
	return p, nil
}

// Close shuts the browser down. Open pages stop working.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancelBrowser != nil {
		c.cancelBrowser()
		c.cancelAlloc()
		c.browserCtx = nil
	}
	return nil
}

type tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// run executes actions in the tab, bounded by the page timeout and by ctx.
func (p *tab) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *tab) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (p *tab) FillCheckoutForm(ctx context.Context) (int, error) {
	var filled int
	if err := p.run(ctx, chromedp.Evaluate(fillFormScript, &filled)); err != nil {
		return 0, fmt.Errorf("filling checkout form: %w", err)
	}
	if filled > 0 {
		// Give the shop's scripts a moment to fetch shipping options.
		_ = p.run(ctx, chromedp.Sleep(1500*time.Millisecond))
	}
	return filled, nil
}

func (p *tab) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluating script: %w", err)
	}
	return nil
}

func (p *tab) Close() error {
	p.cancel()
	return nil
}
