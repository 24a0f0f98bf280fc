// Package playwright implements the engine port on top of playwright-go.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserstep/pkg/devices"
	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/logging"
)

var debugLog = logging.NewLogger("playwright")

// stealthScript hides the most common automation fingerprints.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
`

// Options configure the playwright driver.
type Options struct {
	// Install downloads the driver and browsers before the first launch.
	Install bool
}

// Engine launches Chromium through playwright. The driver process is started
// lazily on the first Launch and shared by every browser.
type Engine struct {
	mu          sync.Mutex
	opts        Options
	playwright  *pw.Playwright
	initialized bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates a playwright engine.
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Name returns the engine name.
func (e *Engine) Name() string { return "playwright" }

// initialize starts the playwright driver. Driver output is discarded so it
// never reaches the IPC stream on stdout.
func (e *Engine) initialize() (*pw.Playwright, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return e.playwright, nil
	}

	opts := &pw.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if e.opts.Install {
		if err := pw.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	p, err := pw.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	e.playwright = p
	e.initialized = true
	return p, nil
}

// Launch starts a Chromium instance with a single browser context.
func (e *Engine) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	p, err := e.initialize()
	if err != nil {
		return nil, err
	}

	remaining, err := engine.Remaining(ctx, 0)
	if err != nil {
		return nil, err
	}

	args := append([]string(nil), opts.Args...)
	if opts.Stealth {
		args = append(args, "--disable-blink-features=AutomationControlled")
	}

	launchOpts := pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(opts.Headless),
		Args:     args,
	}
	if remaining > 0 {
		launchOpts.Timeout = pw.Float(float64(remaining.Milliseconds()))
	}
	if opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = pw.String(opts.ExecutablePath)
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &pw.Proxy{Server: opts.ProxyServer}
	}

	browser, err := p.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", mapError(err))
	}

	contextOpts := pw.BrowserNewContextOptions{}
	if opts.Viewport != nil {
		contextOpts.Viewport = &pw.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
		if opts.Viewport.DeviceScaleFactor > 0 {
			contextOpts.DeviceScaleFactor = pw.Float(opts.Viewport.DeviceScaleFactor)
		}
		contextOpts.IsMobile = pw.Bool(opts.Viewport.IsMobile)
		contextOpts.HasTouch = pw.Bool(opts.Viewport.HasTouch)
	}
	if opts.UserAgent != "" {
		contextOpts.UserAgent = pw.String(opts.UserAgent)
	}
	if len(opts.Headers) > 0 {
		contextOpts.ExtraHttpHeaders = opts.Headers
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	if opts.Stealth {
		if err := bctx.AddInitScript(pw.Script{Content: pw.String(stealthScript)}); err != nil {
			_ = bctx.Close()
			_ = browser.Close()
			return nil, fmt.Errorf("failed to install stealth script: %w", err)
		}
	}

	if opts.Timeout > 0 {
		bctx.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))
	}

	return &Browser{browser: browser, context: bctx, timeout: opts.Timeout}, nil
}

// DeviceProfiles starts the driver if needed and returns playwright's
// device descriptors as profiles, ordered by name.
func (e *Engine) DeviceProfiles() ([]devices.Profile, error) {
	p, err := e.initialize()
	if err != nil {
		return nil, err
	}
	return profilesFromDescriptors(p.Devices), nil
}

func profilesFromDescriptors(descriptors map[string]*pw.DeviceDescriptor) []devices.Profile {
	profiles := make([]devices.Profile, 0, len(descriptors))
	for name, d := range descriptors {
		if d == nil || d.Viewport == nil {
			continue
		}
		profiles = append(profiles, devices.Profile{
			Name:      name,
			UserAgent: d.UserAgent,
			Viewport: devices.Viewport{
				Width:             d.Viewport.Width,
				Height:            d.Viewport.Height,
				DeviceScaleFactor: d.DeviceScaleFactor,
				IsMobile:          d.IsMobile,
				HasTouch:          d.HasTouch,
				IsLandscape:       strings.HasSuffix(name, " landscape"),
			},
		})
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

// Close stops the playwright driver.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.playwright == nil {
		return nil
	}
	e.initialized = false
	if err := e.playwright.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// Browser wraps a playwright browser and its context.
type Browser struct {
	browser pw.Browser
	context pw.BrowserContext
	timeout time.Duration
}

// NewPage opens a tab in the browser context.
func (b *Browser) NewPage(ctx context.Context) (engine.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.browser.IsConnected() {
		return nil, engine.ErrDisconnected
	}
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", mapError(err))
	}
	return &Page{page: page, timeout: b.timeout}, nil
}

// Connected reports whether the browser process is alive.
func (b *Browser) Connected() bool {
	return b.browser.IsConnected()
}

// Close closes the context and the browser.
func (b *Browser) Close() error {
	ctxErr := b.context.Close()
	err := b.browser.Close()
	return errors.Join(ctxErr, err)
}

// mapError converts playwright timeouts to context.DeadlineExceeded and
// closed-target errors to engine.ErrDisconnected.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pw.ErrTimeout) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	if errors.Is(err, pw.ErrTargetClosed) {
		return fmt.Errorf("%w: %w", engine.ErrDisconnected, err)
	}
	return err
}
