package playwright

import (
	"context"
	"fmt"
	"time"

	pw "github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserstep/pkg/engine"
)

// Page wraps a playwright page. Context deadlines are translated into
// playwright timeouts since the driver calls themselves are synchronous.
type Page struct {
	page    pw.Page
	timeout time.Duration
}

var _ engine.Page = (*Page)(nil)

// bound returns the playwright timeout in milliseconds for an operation.
func (p *Page) bound(ctx context.Context, override time.Duration) (*float64, error) {
	fallback := p.timeout
	if override > 0 {
		fallback = override
	}
	d, err := engine.Remaining(ctx, fallback)
	if err != nil {
		return nil, err
	}
	if d == 0 {
		return nil, nil
	}
	ms := float64(d.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return &ms, nil
}

// Goto navigates and returns the main document response, if any.
func (p *Page) Goto(ctx context.Context, url string, opts engine.GotoOptions) (*engine.Response, error) {
	timeout, err := p.bound(ctx, opts.Timeout)
	if err != nil {
		return nil, err
	}

	gotoOpts := pw.PageGotoOptions{Timeout: timeout}
	if opts.WaitUntil != "" {
		waitUntil := pw.WaitUntilState(opts.WaitUntil)
		gotoOpts.WaitUntil = &waitUntil
	}

	resp, err := p.page.Goto(url, gotoOpts)
	if err != nil {
		return nil, fmt.Errorf("navigation failed: %w", mapError(err))
	}
	if resp == nil {
		return nil, nil
	}
	return &engine.Response{
		URL:     resp.URL(),
		Status:  resp.Status(),
		Headers: resp.Headers(),
	}, nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	timeout, err := p.bound(ctx, 0)
	if err != nil {
		return err
	}
	if err := p.page.Locator(selector).First().Click(pw.LocatorClickOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("click failed: %w", mapError(err))
	}
	return nil
}

// Type focuses selector and types text key by key.
func (p *Page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	timeout, err := p.bound(ctx, 0)
	if err != nil {
		return err
	}
	opts := pw.LocatorPressSequentiallyOptions{Timeout: timeout}
	if delay > 0 {
		opts.Delay = pw.Float(float64(delay.Milliseconds()))
	}
	if err := p.page.Locator(selector).First().PressSequentially(text, opts); err != nil {
		return fmt.Errorf("type failed: %w", mapError(err))
	}
	return nil
}

// Hover moves the mouse over selector.
func (p *Page) Hover(ctx context.Context, selector string) error {
	timeout, err := p.bound(ctx, 0)
	if err != nil {
		return err
	}
	if err := p.page.Locator(selector).First().Hover(pw.LocatorHoverOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("hover failed: %w", mapError(err))
	}
	return nil
}

// WaitForSelector waits until selector is visible.
func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	timeout, err := p.bound(ctx, 0)
	if err != nil {
		return err
	}
	if _, err := p.page.WaitForSelector(selector, pw.PageWaitForSelectorOptions{Timeout: timeout}); err != nil {
		return fmt.Errorf("wait failed: %w", mapError(err))
	}
	return nil
}

// Evaluate runs expression in the page and returns its JSON-compatible result.
func (p *Page) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := p.page.Evaluate(expression)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", mapError(err))
	}
	return result, nil
}

// Content returns the serialized document.
func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", mapError(err))
	}
	return html, nil
}

// Screenshot captures the viewport or the full page. Playwright cannot encode
// webp.
func (p *Page) Screenshot(ctx context.Context, opts engine.ScreenshotOptions) ([]byte, error) {
	timeout, err := p.bound(ctx, 0)
	if err != nil {
		return nil, err
	}

	shotOpts := pw.PageScreenshotOptions{
		FullPage: pw.Bool(opts.FullPage),
		Timeout:  timeout,
	}
	switch opts.Type {
	case "", "png":
		kind := pw.ScreenshotType("png")
		shotOpts.Type = &kind
	case "jpeg", "jpg":
		kind := pw.ScreenshotType("jpeg")
		shotOpts.Type = &kind
		if opts.Quality > 0 {
			shotOpts.Quality = pw.Int(opts.Quality)
		}
	default:
		return nil, fmt.Errorf("%w: screenshot type %s", engine.ErrUnsupported, opts.Type)
	}

	data, err := p.page.Screenshot(shotOpts)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", mapError(err))
	}
	return data, nil
}

// PDF renders the page. Only headless Chromium supports it.
func (p *Page) PDF(ctx context.Context, opts engine.PDFOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdfOpts := pw.PagePdfOptions{
		Landscape:       pw.Bool(opts.Landscape),
		PrintBackground: pw.Bool(opts.PrintBackground),
	}
	if opts.Format != "" {
		pdfOpts.Format = pw.String(opts.Format)
	}
	data, err := p.page.PDF(pdfOpts)
	if err != nil {
		return nil, fmt.Errorf("pdf failed: %w", mapError(err))
	}
	return data, nil
}

// SetExtraHeaders adds headers to every request from this page.
func (p *Page) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.SetExtraHTTPHeaders(headers); err != nil {
		return fmt.Errorf("failed to set headers: %w", mapError(err))
	}
	return nil
}

// URL returns the current page URL.
func (p *Page) URL() string {
	return p.page.URL()
}

// Close closes the tab.
func (p *Page) Close() error {
	if p.page.IsClosed() {
		return nil
	}
	if err := p.page.Close(); err != nil {
		debugLog.Debugf("Page close failed: %v", err)
		return err
	}
	return nil
}
