// Package engine defines the browser driver port used by the worker. Concrete
// drivers live in the playwright and chromedp subpackages.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported is returned for operations a driver cannot perform.
	ErrUnsupported = errors.New("operation not supported by engine")

	// ErrDisconnected is returned when the browser process has gone away.
	ErrDisconnected = errors.New("browser disconnected")
)

// Viewport describes the emulated screen of every page in a browser.
type Viewport struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	IsMobile          bool
	HasTouch          bool
	IsLandscape       bool
}

// LaunchOptions configure a browser instance.
type LaunchOptions struct {
	Headless       bool
	ProxyServer    string
	Args           []string
	ExecutablePath string

	// Timeout is the default bound for page operations.
	Timeout time.Duration

	Viewport  *Viewport
	UserAgent string
	Stealth   bool
	Headers   map[string]string
}

// GotoOptions configure a navigation.
type GotoOptions struct {
	// WaitUntil is load, domcontentloaded or networkidle.
	WaitUntil string
	Timeout   time.Duration
}

// Response is the main document response of a navigation.
type Response struct {
	URL     string
	Status  int
	Headers map[string]string
}

// ScreenshotOptions configure a page capture.
type ScreenshotOptions struct {
	FullPage bool
	// Type is png, jpeg or webp.
	Type    string
	Quality int
}

// PDFOptions configure a PDF render.
type PDFOptions struct {
	// Format is a paper size name such as A4 or Letter.
	Format          string
	Landscape       bool
	PrintBackground bool
}

// Engine starts browsers.
type Engine interface {
	Name() string
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
	Close() error
}

// Browser is one running browser instance owned by a single session.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Connected() bool
	Close() error
}

// Page is a single tab. All blocking methods honor ctx cancellation and
// deadline.
type Page interface {
	Goto(ctx context.Context, url string, opts GotoOptions) (*Response, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	Hover(ctx context.Context, selector string) error
	WaitForSelector(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, expression string) (interface{}, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	URL() string
	Close() error
}

// Remaining returns the time left before ctx's deadline, capped at fallback
// when fallback is positive. Zero means unbounded. It returns ctx.Err() when
// ctx is already done.
func Remaining(ctx context.Context, fallback time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := fallback
	if dl, ok := ctx.Deadline(); ok {
		r := time.Until(dl)
		if r <= 0 {
			return 0, context.DeadlineExceeded
		}
		if d <= 0 || r < d {
			d = r
		}
	}
	return d, nil
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
