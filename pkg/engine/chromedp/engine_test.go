package chromedp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserstep/pkg/engine"
)

func TestParseFlag(t *testing.T) {
	tests := []struct {
		arg       string
		wantName  string
		wantValue interface{}
	}{
		{"--no-sandbox", "no-sandbox", true},
		{"--lang=de-DE", "lang", "de-DE"},
		{"window-size=800,600", "window-size", "800,600"},
		{"--", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			name, value := parseFlag(tt.arg)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestPaperSize(t *testing.T) {
	w, h, ok := paperSize("A4")
	require.True(t, ok)
	assert.Equal(t, 8.27, w)
	assert.Equal(t, 11.7, h)

	_, _, ok = paperSize("napkin")
	assert.False(t, ok)
}

func TestLaunchHonorsContext(t *testing.T) {
	eng := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Launch(ctx, engine.LaunchOptions{Headless: true, ExecutablePath: "/nonexistent/chrome"})
	assert.Error(t, err)
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
		_, _ = w.Write([]byte(`<html><body><h1>Hello</h1><input id="q"></body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	eng := New(Options{})
	browser, err := eng.Launch(ctx, engine.LaunchOptions{Headless: true, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer browser.Close()

	page, err := browser.NewPage(ctx)
	require.NoError(t, err)
	defer page.Close()

	resp, err := page.Goto(ctx, srv.URL, engine.GotoOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)

	require.NoError(t, page.Type(ctx, "#q", "hi", 0))
	value, err := page.Evaluate(ctx, "document.querySelector('#q').value")
	require.NoError(t, err)
	assert.Equal(t, "hi", value)

	pdf, err := page.PDF(ctx, engine.PDFOptions{Format: "A4"})
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(pdf[:4]))
}
