package playwright

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserstep/pkg/devices"
	"github.com/entrhq/browserstep/pkg/engine"
)

func TestMapError(t *testing.T) {
	assert.Nil(t, mapError(nil))

	timeout := mapError(pw.ErrTimeout)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.True(t, engine.IsTimeout(timeout))

	closed := mapError(pw.ErrTargetClosed)
	assert.ErrorIs(t, closed, engine.ErrDisconnected)

	other := errors.New("net::ERR_CONNECTION_REFUSED")
	assert.Equal(t, other, mapError(other))
}

func TestProfilesFromDescriptors(t *testing.T) {
	profiles := profilesFromDescriptors(map[string]*pw.DeviceDescriptor{
		"Pixel 7": {
			UserAgent:         "Mozilla/5.0 (Linux; Android 14; Pixel 7)",
			Viewport:          &pw.Size{Width: 412, Height: 839},
			DeviceScaleFactor: 2.625,
			IsMobile:          true,
			HasTouch:          true,
		},
		"Pixel 7 landscape": {
			Viewport:          &pw.Size{Width: 863, Height: 360},
			DeviceScaleFactor: 2.625,
			IsMobile:          true,
		},
		"Broken": {UserAgent: "no viewport"},
		"Nil":    nil,
	})

	require.Len(t, profiles, 2)
	assert.Equal(t, "Pixel 7", profiles[0].Name)
	assert.Equal(t, "412 x 839 @ 2.625x", devices.Describe(profiles[0].Viewport))
	assert.True(t, profiles[0].Viewport.HasTouch)
	assert.False(t, profiles[0].Viewport.IsLandscape)
	assert.Equal(t, "Pixel 7 landscape", profiles[1].Name)
	assert.True(t, profiles[1].Viewport.IsLandscape)
}

func TestPageBound(t *testing.T) {
	p := &Page{timeout: 2 * time.Second}

	ms, err := p.bound(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, ms)
	assert.Equal(t, 2000.0, *ms)

	ms, err = p.bound(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 500.0, *ms)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ms, err = p.bound(ctx, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, *ms, 100.0)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = p.bound(cancelled, 0)
	assert.ErrorIs(t, err, context.Canceled)

	unbounded := &Page{}
	ms, err = unbounded.bound(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, ms)
}

func TestEngine_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("BROWSERSTEP_BROWSER_TESTS") == "" {
		t.Skip("Set BROWSERSTEP_BROWSER_TESTS=1 to run against a real browser")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		_, _ = w.Write([]byte(`<html><body><h1 id="title">Hello</h1><input id="q"></body></html>`))
	}))
	defer srv.Close()

	eng := New(Options{Install: true})
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	browser, err := eng.Launch(ctx, engine.LaunchOptions{Headless: true, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer browser.Close()

	page, err := browser.NewPage(ctx)
	require.NoError(t, err)
	defer page.Close()

	resp, err := page.Goto(ctx, srv.URL, engine.GotoOptions{WaitUntil: "load"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "yes", resp.Headers["x-test"])

	require.NoError(t, page.Type(ctx, "#q", "hello", 0))
	value, err := page.Evaluate(ctx, "document.querySelector('#q').value")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	html, err := page.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "Hello")

	shot, err := page.Screenshot(ctx, engine.ScreenshotOptions{Type: "png"})
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	_, err = page.Screenshot(ctx, engine.ScreenshotOptions{Type: "webp"})
	assert.ErrorIs(t, err, engine.ErrUnsupported)
}
