package archiver

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/htbase/archivist/internal/archive"
)

// RendererConfig controls the shared headless browser.
type RendererConfig struct {
	// MaxParallel caps concurrent browser tabs; 0 disables the limit.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Renderer owns one Chrome allocator shared by the monolith, pdf, and
// screenshot archivers. Each render opens a fresh tab; the limiter keeps
// memory bounded when several browser kinds drain at once.
type Renderer struct {
	cfg         RendererConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewRenderer creates the shared chromedp allocator.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, terminating the browser.
func (r *Renderer) Close() {
	r.allocCancel()
}

// render navigates a fresh tab to url, waits for the page to settle, then
// runs capture to pull the artifact out of the tab.
func (r *Renderer) render(ctx context.Context, url string, capture chromedp.Action) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	actions := []chromedp.Action{
		r.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		capture,
	}
	// A canceled parent context means shutdown, not a broken page; keep
	// that retryable distinction for the worker.
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("render %s: %w", url, err)
	}
	return nil
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// Monolith archives the fully rendered DOM as one self-contained HTML
// document, capturing what script execution produced.
type Monolith struct {
	renderer *Renderer
}

// NewMonolith constructs the monolith archiver.
func NewMonolith(renderer *Renderer) *Monolith {
	return &Monolith{renderer: renderer}
}

// Kind implements archive.Archiver.
func (m *Monolith) Kind() archive.Kind { return archive.KindMonolith }

// Run renders the page and returns its post-script DOM.
func (m *Monolith) Run(ctx context.Context, req archive.ArchiveRequest) (archive.ArchiveResult, error) {
	var html string
	err := m.renderer.render(ctx, req.URL, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err != nil {
		return archive.ArchiveResult{}, err
	}
	return archive.ArchiveResult{
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		Extension:   "html",
	}, nil
}

// PDF archives the page as a print-rendered PDF.
type PDF struct {
	renderer *Renderer
}

// NewPDF constructs the pdf archiver.
func NewPDF(renderer *Renderer) *PDF {
	return &PDF{renderer: renderer}
}

// Kind implements archive.Archiver.
func (p *PDF) Kind() archive.Kind { return archive.KindPDF }

// Run renders the page and prints it to PDF.
func (p *PDF) Run(ctx context.Context, req archive.ArchiveRequest) (archive.ArchiveResult, error) {
	var body []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		body = buf
		return nil
	})
	if err := p.renderer.render(ctx, req.URL, capture); err != nil {
		return archive.ArchiveResult{}, err
	}
	return archive.ArchiveResult{
		Body:        body,
		ContentType: "application/pdf",
		Extension:   "pdf",
	}, nil
}

// Screenshot archives a full-page PNG capture.
type Screenshot struct {
	renderer *Renderer
	quality  int
}

// NewScreenshot constructs the screenshot archiver.
func NewScreenshot(renderer *Renderer) *Screenshot {
	return &Screenshot{renderer: renderer, quality: 90}
}

// Kind implements archive.Archiver.
func (s *Screenshot) Kind() archive.Kind { return archive.KindScreenshot }

// Run renders the page and captures the full scroll height.
func (s *Screenshot) Run(ctx context.Context, req archive.ArchiveRequest) (archive.ArchiveResult, error) {
	var body []byte
	if err := s.renderer.render(ctx, req.URL, chromedp.FullScreenshot(&body, s.quality)); err != nil {
		return archive.ArchiveResult{}, err
	}
	return archive.ArchiveResult{
		Body:        body,
		ContentType: "image/png",
		Extension:   "png",
	}, nil
}
