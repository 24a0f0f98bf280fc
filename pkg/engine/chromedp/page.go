package chromedp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/entrhq/browserstep/pkg/engine"
)

// Page is a chromedp tab context.
type Page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	browser *Browser
	timeout time.Duration
}

var _ engine.Page = (*Page)(nil)

// bounded runs fn with a context derived from the tab that ends when ctx
// ends or the operation timeout elapses.
func (p *Page) bounded(ctx context.Context, override time.Duration, fn func(runCtx context.Context) error) error {
	fallback := p.timeout
	if override > 0 {
		fallback = override
	}
	d, err := engine.Remaining(ctx, fallback)
	if err != nil {
		return err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if d > 0 {
		runCtx, cancel = context.WithTimeout(p.ctx, d)
	} else {
		runCtx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = fn(runCtx)
	if err == nil {
		return nil
	}
	switch {
	case !p.browser.Connected() || p.ctx.Err() != nil:
		return fmt.Errorf("%w: %w", engine.ErrDisconnected, err)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	return p.bounded(ctx, 0, func(runCtx context.Context) error {
		return chromedp.Run(runCtx, actions...)
	})
}

// Goto navigates and returns the main document response. Chrome always waits
// for the load event; networkidle adds a short settle delay.
func (p *Page) Goto(ctx context.Context, url string, opts engine.GotoOptions) (*engine.Response, error) {
	var resp *network.Response
	err := p.bounded(ctx, opts.Timeout, func(runCtx context.Context) error {
		var err error
		resp, err = chromedp.RunResponse(runCtx, chromedp.Navigate(url))
		if err != nil {
			return err
		}
		if opts.WaitUntil == "networkidle" {
			return chromedp.Run(runCtx, chromedp.Sleep(settle))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	if resp == nil {
		return nil, nil
	}

	headers := make(map[string]string, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[k] = fmt.Sprint(v)
	}
	return &engine.Response{URL: resp.URL, Status: int(resp.Status), Headers: headers}, nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

// Type sends text to selector, pausing delay between keys.
func (p *Page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	actions := []chromedp.Action{chromedp.WaitVisible(selector, chromedp.ByQuery)}
	if delay <= 0 {
		actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	} else {
		for _, r := range text {
			actions = append(actions,
				chromedp.SendKeys(selector, string(r), chromedp.ByQuery),
				chromedp.Sleep(delay),
			)
		}
	}
	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("type failed: %w", err)
	}
	return nil
}

// Hover dispatches pointer events on selector.
func (p *Page) Hover(ctx context.Context, selector string) error {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.scrollIntoView({block: 'center'});
  for (const type of ['mouseover', 'mouseenter', 'mousemove']) {
    el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true}));
  }
  return true;
})()`, quoted)

	var ok bool
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery), chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("hover failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("hover failed: no element matches %s", selector)
	}
	return nil
}

// WaitForSelector waits until selector is visible.
func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

// Evaluate runs expression and returns its JSON-compatible result. undefined
// and null yield nil.
func (p *Page) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	var result interface{}
	err := p.run(ctx, chromedp.Evaluate(expression, &result))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

// Content returns the serialized document.
func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return html, nil
}

// Screenshot captures the viewport or the full page.
func (p *Page) Screenshot(ctx context.Context, opts engine.ScreenshotOptions) ([]byte, error) {
	var format page.CaptureScreenshotFormat
	switch opts.Type {
	case "", "png":
		format = page.CaptureScreenshotFormatPng
	case "jpeg", "jpg":
		format = page.CaptureScreenshotFormatJpeg
	case "webp":
		format = page.CaptureScreenshotFormatWebp
	default:
		return nil, fmt.Errorf("%w: screenshot type %s", engine.ErrUnsupported, opts.Type)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var buf []byte
	var action chromedp.Action
	switch {
	case opts.FullPage && format == page.CaptureScreenshotFormatPng:
		action = chromedp.FullScreenshot(&buf, 100)
	case opts.FullPage && format == page.CaptureScreenshotFormatJpeg:
		action = chromedp.FullScreenshot(&buf, quality)
	case opts.FullPage:
		return nil, fmt.Errorf("%w: full page %s screenshot", engine.ErrUnsupported, opts.Type)
	default:
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			params := page.CaptureScreenshot().WithFormat(format)
			if format != page.CaptureScreenshotFormatPng {
				params = params.WithQuality(int64(quality))
			}
			var err error
			buf, err = params.Do(ctx)
			return err
		})
	}

	if err := p.run(ctx, action); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// PDF prints the page.
func (p *Page) PDF(ctx context.Context, opts engine.PDFOptions) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.PrintToPDF().
			WithLandscape(opts.Landscape).
			WithPrintBackground(opts.PrintBackground)
		if opts.Format != "" {
			w, h, ok := paperSize(opts.Format)
			if !ok {
				return fmt.Errorf("%w: paper format %s", engine.ErrUnsupported, opts.Format)
			}
			params = params.WithPaperWidth(w).WithPaperHeight(h)
		}
		var err error
		buf, _, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("pdf failed: %w", err)
	}
	return buf, nil
}

// SetExtraHeaders adds headers to every request from this tab.
func (p *Page) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if err := p.run(ctx, network.Enable(), network.SetExtraHTTPHeaders(toHeaders(headers))); err != nil {
		return fmt.Errorf("failed to set headers: %w", err)
	}
	return nil
}

// URL returns the current location, or "" when it cannot be read.
func (p *Page) URL() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		debugLog.Debugf("Failed to read location: %v", err)
		return ""
	}
	return location
}

// Close closes the tab.
func (p *Page) Close() error {
	if p.ctx.Err() != nil {
		return nil
	}
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
