// Package chromedp implements the engine port on top of the Chrome DevTools
// Protocol, either by starting a local Chrome or by attaching to a remote
// debugging endpoint.
package chromedp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/logging"
)

var debugLog = logging.NewLogger("chromedp")

const stealthScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`

// Options configure the chromedp driver.
type Options struct {
	// RemoteURL attaches to a running browser, e.g. ws://127.0.0.1:9222.
	RemoteURL string
}

// Engine starts one Chrome process (or remote attachment) per browser.
type Engine struct {
	opts Options
}

var _ engine.Engine = (*Engine)(nil)

// New creates a chromedp engine.
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Name returns the engine name.
func (e *Engine) Name() string { return "chromedp" }

// Close is a no-op; every browser owns its own allocator.
func (e *Engine) Close() error { return nil }

func (e *Engine) allocator(opts engine.LaunchOptions) (context.Context, context.CancelFunc) {
	if e.opts.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(context.Background(), e.opts.RemoteURL)
	}

	allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}
	if opts.ExecutablePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecutablePath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Viewport != nil {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height))
	}
	if opts.Stealth {
		allocOpts = append(allocOpts, chromedp.Flag("disable-blink-features", "AutomationControlled"))
	}
	for _, arg := range opts.Args {
		name, value := parseFlag(arg)
		if name != "" {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		}
	}
	return chromedp.NewExecAllocator(context.Background(), allocOpts...)
}

// parseFlag splits "--name=value" into its parts; a bare "--name" is true.
func parseFlag(arg string) (string, interface{}) {
	arg = strings.TrimLeft(arg, "-")
	if arg == "" {
		return "", nil
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}

// Launch starts the browser and waits for it to accept commands or for ctx
// to end. The browser's lifetime is independent of ctx.
func (e *Engine) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	allocCtx, allocCancel := e.allocator(opts)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", ctx.Err())
	}

	return &Browser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		opts:        opts,
	}, nil
}

// Browser is a chromedp browser context.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opts        engine.LaunchOptions
}

// Connected reports whether the browser context is still alive.
func (b *Browser) Connected() bool {
	return b.ctx.Err() == nil
}

// NewPage opens a tab and applies the launch-time emulation settings to it.
func (b *Browser) NewPage(ctx context.Context) (engine.Page, error) {
	if !b.Connected() {
		return nil, engine.ErrDisconnected
	}

	tabCtx, cancel := chromedp.NewContext(b.ctx)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(tabCtx, b.setup()...)
	}()

	select {
	case err := <-done:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create page: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	return &Page{ctx: tabCtx, cancel: cancel, browser: b, timeout: b.opts.Timeout}, nil
}

func (b *Browser) setup() []chromedp.Action {
	var actions []chromedp.Action

	if v := b.opts.Viewport; v != nil && v.Width > 0 && v.Height > 0 {
		var emu []chromedp.EmulateViewportOption
		if v.DeviceScaleFactor > 0 {
			emu = append(emu, chromedp.EmulateScale(v.DeviceScaleFactor))
		}
		if v.IsMobile {
			emu = append(emu, chromedp.EmulateMobile)
		}
		if v.HasTouch {
			emu = append(emu, chromedp.EmulateTouch)
		}
		if v.IsLandscape {
			emu = append(emu, chromedp.EmulateLandscape)
		}
		actions = append(actions, chromedp.EmulateViewport(int64(v.Width), int64(v.Height), emu...))
	}

	if b.opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(b.opts.UserAgent))
	}

	if b.opts.Stealth {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}))
	}

	if len(b.opts.Headers) > 0 {
		actions = append(actions, network.Enable(), network.SetExtraHTTPHeaders(toHeaders(b.opts.Headers)))
	}

	return actions
}

// Close closes the browser and its allocator.
func (b *Browser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func toHeaders(h map[string]string) network.Headers {
	out := make(network.Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// paperSizes are in inches.
var paperSizes = map[string][2]float64{
	"letter":  {8.5, 11},
	"legal":   {8.5, 14},
	"tabloid": {11, 17},
	"ledger":  {17, 11},
	"a0":      {33.1, 46.8},
	"a1":      {23.4, 33.1},
	"a2":      {16.54, 23.4},
	"a3":      {11.7, 16.54},
	"a4":      {8.27, 11.7},
	"a5":      {5.83, 8.27},
	"a6":      {4.13, 5.83},
}

func paperSize(format string) (float64, float64, bool) {
	size, ok := paperSizes[strings.ToLower(format)]
	return size[0], size[1], ok
}

// settle waits briefly for in-flight requests after load when networkidle is
// requested.
const settle = 500 * time.Millisecond
