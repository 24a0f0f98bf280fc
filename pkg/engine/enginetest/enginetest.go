// Package enginetest provides an in-memory engine for tests. Pages are served
// from a fixed site map and selectors are matched with goquery against the
// current document.
package enginetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/entrhq/browserstep/pkg/engine"
)

// PNG is the payload returned by every fake screenshot.
var PNG = []byte("\x89PNG\r\n\x1a\nfake-image")

// ErrNotResolved is returned when navigating to a URL missing from the site.
var ErrNotResolved = errors.New("net::ERR_NAME_NOT_RESOLVED")

// Document is a page served by the fake engine.
type Document struct {
	Status  int
	Headers map[string]string
	HTML    string

	// Err fails the navigation instead of serving the document.
	Err error
}

// Engine is a scriptable engine.Engine.
type Engine struct {
	mu sync.Mutex

	// Site maps URLs (including query) to documents.
	Site map[string]Document

	// LaunchErr fails every launch.
	LaunchErr error

	// LaunchHook, when set, runs at the start of every launch.
	LaunchHook func(ctx context.Context, opts engine.LaunchOptions) error

	// GotoHook, when set, runs before every navigation.
	GotoHook func(ctx context.Context, url string) error

	// Eval maps expressions to results.
	Eval map[string]interface{}

	// PageCloseErr fails every page close.
	PageCloseErr error

	// PDFErr fails every PDF render.
	PDFErr error

	browsers []*Browser
	closed   bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine serving site.
func New(site map[string]Document) *Engine {
	if site == nil {
		site = map[string]Document{}
	}
	return &Engine{Site: site, Eval: map[string]interface{}{}}
}

// Name returns "fake".
func (e *Engine) Name() string { return "fake" }

// Launch creates a fake browser.
func (e *Engine) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	if hook := e.hooks().launch; hook != nil {
		if err := hook(ctx, opts); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("engine closed")
	}
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	b := &Browser{engine: e, Options: opts, connected: true}
	e.browsers = append(e.browsers, b)
	return b, nil
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Browsers returns every browser launched so far.
func (e *Engine) Browsers() []*Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Browser(nil), e.browsers...)
}

// OpenBrowsers counts browsers not yet closed.
func (e *Engine) OpenBrowsers() int {
	n := 0
	for _, b := range e.Browsers() {
		if !b.Closed() {
			n++
		}
	}
	return n
}

type hooks struct {
	launch func(ctx context.Context, opts engine.LaunchOptions) error
	gotoFn func(ctx context.Context, url string) error
}

func (e *Engine) hooks() hooks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return hooks{launch: e.LaunchHook, gotoFn: e.GotoHook}
}

func (e *Engine) document(url string) (Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.Site[url]
	return doc, ok
}

// Browser is a fake browser.
type Browser struct {
	engine  *Engine
	Options engine.LaunchOptions

	mu        sync.Mutex
	pages     []*Page
	connected bool
	closed    bool
}

// NewPage opens a fake tab.
func (b *Browser) NewPage(ctx context.Context) (engine.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.closed {
		return nil, engine.ErrDisconnected
	}
	p := &Page{browser: b, url: "about:blank", typed: map[string]string{}}
	b.pages = append(b.pages, p)
	return p, nil
}

// Connected reports whether the browser is alive.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

// Disconnect simulates a browser crash.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

// Close closes the browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pages returns every page opened in the browser.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// Page is a fake tab.
type Page struct {
	browser *Browser

	mu      sync.Mutex
	url     string
	html    string
	headers map[string]string
	typed   map[string]string
	actions []string
	closed  bool
}

func (p *Page) record(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, fmt.Sprintf(format, args...))
}

// Actions returns the operations performed on the page, in order.
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// Typed returns the text typed into selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// ExtraHeaders returns the headers set on the page.
func (p *Page) ExtraHeaders() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headers
}

// Closed reports whether the page was closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.browser.Connected() {
		return engine.ErrDisconnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("page closed")
	}
	return nil
}

// Goto serves url from the site map.
func (p *Page) Goto(ctx context.Context, url string, opts engine.GotoOptions) (*engine.Response, error) {
	if hook := p.browser.engine.hooks().gotoFn; hook != nil {
		if err := hook(ctx, url); err != nil {
			return nil, err
		}
	}
	if err := p.alive(ctx); err != nil {
		return nil, err
	}
	p.record("goto %s", url)

	doc, ok := p.browser.engine.document(url)
	if !ok {
		return nil, fmt.Errorf("navigation to %s failed: %w", url, ErrNotResolved)
	}
	if doc.Err != nil {
		return nil, doc.Err
	}

	p.mu.Lock()
	p.url = url
	p.html = doc.HTML
	p.mu.Unlock()

	status := doc.Status
	if status == 0 {
		status = 200
	}
	return &engine.Response{URL: url, Status: status, Headers: doc.Headers}, nil
}

func (p *Page) find(selector string) error {
	p.mu.Lock()
	html := p.html
	p.mu.Unlock()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("no element matches selector %q", selector)
	}
	return nil
}

// Click records a click on selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.alive(ctx); err != nil {
		return err
	}
	if err := p.find(selector); err != nil {
		return err
	}
	p.record("click %s", selector)
	return nil
}

// Type records text typed into selector.
func (p *Page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	if err := p.alive(ctx); err != nil {
		return err
	}
	if err := p.find(selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.typed[selector] += text
	p.mu.Unlock()
	p.record("type %s %s", selector, text)
	return nil
}

// Hover records a hover over selector.
func (p *Page) Hover(ctx context.Context, selector string) error {
	if err := p.alive(ctx); err != nil {
		return err
	}
	if err := p.find(selector); err != nil {
		return err
	}
	p.record("hover %s", selector)
	return nil
}

// WaitForSelector succeeds when selector exists in the current document.
func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	if err := p.alive(ctx); err != nil {
		return err
	}
	if err := p.find(selector); err != nil {
		return err
	}
	p.record("wait %s", selector)
	return nil
}

// Evaluate returns the configured result for expression.
func (p *Page) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	if err := p.alive(ctx); err != nil {
		return nil, err
	}
	p.record("evaluate %s", expression)

	p.browser.engine.mu.Lock()
	result, ok := p.browser.engine.Eval[expression]
	p.browser.engine.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("evaluation failed: %s is not defined", expression)
	}
	return result, nil
}

// Content returns the current document.
func (p *Page) Content(ctx context.Context) (string, error) {
	if err := p.alive(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

// Screenshot returns PNG for png and jpeg, and rejects other types.
func (p *Page) Screenshot(ctx context.Context, opts engine.ScreenshotOptions) ([]byte, error) {
	if err := p.alive(ctx); err != nil {
		return nil, err
	}
	switch opts.Type {
	case "", "png", "jpeg", "jpg":
	default:
		return nil, fmt.Errorf("%w: screenshot type %s", engine.ErrUnsupported, opts.Type)
	}
	p.record("screenshot %s", opts.Type)
	return append([]byte(nil), PNG...), nil
}

// PDF returns a valid single-page PDF.
func (p *Page) PDF(ctx context.Context, opts engine.PDFOptions) ([]byte, error) {
	if err := p.alive(ctx); err != nil {
		return nil, err
	}
	p.browser.engine.mu.Lock()
	pdfErr := p.browser.engine.PDFErr
	p.browser.engine.mu.Unlock()
	if pdfErr != nil {
		return nil, pdfErr
	}
	p.record("pdf %s", opts.Format)
	return MinimalPDF(1), nil
}

// SetExtraHeaders stores headers.
func (p *Page) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if err := p.alive(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headers = headers
	return nil
}

// URL returns the current URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Close closes the page, failing with the engine's PageCloseErr if set.
func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.browser.engine.mu.Lock()
	defer p.browser.engine.mu.Unlock()
	return p.browser.engine.PageCloseErr
}

// MinimalPDF builds a well-formed PDF document with the given number of
// blank pages.
func MinimalPDF(pages int) []byte {
	if pages < 1 {
		pages = 1
	}

	var objects []string
	kids := make([]string, pages)
	for i := 0; i < pages; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages),
	)
	for i := 0; i < pages; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}
