package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// PageRenderer returns the rendered DOM of a page.
type PageRenderer interface {
	FetchPage(ctx context.Context, url string, waitSelector string, scrolls int) (string, error)
}

// BrowserPool manages a headless Chrome allocator shared by every rendered fetch
type BrowserPool struct {
	allocCtx    context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
	scrollDelay time.Duration
}

// BrowserConfig configures browser behavior
type BrowserConfig struct {
	Headless      bool          `yaml:"headless"`
	UserAgent     string        `yaml:"user_agent"`
	ProxyURL      string        `yaml:"proxy_url"`
	DisableImages bool          `yaml:"disable_images"`
	WindowWidth   int           `yaml:"window_width"`
	WindowHeight  int           `yaml:"window_height"`
	ScrollDelay   time.Duration `yaml:"scroll_delay"`
}

// DefaultBrowserConfig returns sensible defaults
func DefaultBrowserConfig() *BrowserConfig {
	return &BrowserConfig{
		Headless:      true,
		UserAgent:     DefaultUserAgent,
		DisableImages: true,
		WindowWidth:   1920,
		WindowHeight:  1080,
		ScrollDelay:   500 * time.Millisecond,
	}
}

// NewBrowserPool creates a new browser pool
func NewBrowserPool(logger *zap.Logger, config *BrowserConfig) *BrowserPool {
	if config == nil {
		config = DefaultBrowserConfig()
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("headless", config.Headless),
		chromedp.UserAgent(config.UserAgent),
		chromedp.WindowSize(config.WindowWidth, config.WindowHeight),
	}

	if config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(config.ProxyURL))
	}

	if config.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserPool{
		allocCtx:    allocCtx,
		cancel:      cancel,
		logger:      logger.Named("browser"),
		scrollDelay: config.ScrollDelay,
	}
}

// Close shuts down the browser pool
func (p *BrowserPool) Close() {
	p.cancel()
}

// newTab opens a tab on the shared allocator that also dies with ctx.
func (p *BrowserPool) newTab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, cancel := chromedp.NewContext(p.allocCtx)
	stop := context.AfterFunc(ctx, cancel)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		tabCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		return tabCtx, func() {
			stop()
			cancelDeadline()
			cancel()
		}
	}
	return tabCtx, func() {
		stop()
		cancel()
	}
}

// FetchPage fetches a page in a fresh tab and returns its HTML content
func (p *BrowserPool) FetchPage(ctx context.Context, url string, waitSelector string, scrolls int) (string, error) {
	p.logger.Debug("Fetching page", zap.String("url", url))

	tabCtx, cancel := p.newTab(ctx)
	defer cancel()

	var html string

	actions := []chromedp.Action{
		chromedp.Navigate(url),
	}

	// Wait for selector if provided
	if waitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}

	// Lazy lists only render more entries on scroll
	for i := 0; i < scrolls; i++ {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(p.scrollDelay),
		)
	}

	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}

	p.logger.Debug("Page fetched", zap.String("url", url), zap.Int("length", len(html)))
	return html, nil
}
