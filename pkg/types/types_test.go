package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalOptionsDefaults(t *testing.T) {
	var opts GlobalOptions
	assert.True(t, opts.IsHeadless())
	assert.Equal(t, int64(30000), opts.StepTimeout().Milliseconds())

	headed := false
	opts = GlobalOptions{Headless: &headed, Timeout: 500}
	assert.False(t, opts.IsHeadless())
	assert.Equal(t, int64(500), opts.StepTimeout().Milliseconds())
}

func TestGlobalOptionsEqual(t *testing.T) {
	yes := true
	no := false

	tests := []struct {
		name string
		a, b GlobalOptions
		want bool
	}{
		{"zero values", GlobalOptions{}, GlobalOptions{}, true},
		{"nil headless equals true", GlobalOptions{}, GlobalOptions{Headless: &yes}, true},
		{"headless differs", GlobalOptions{}, GlobalOptions{Headless: &no}, false},
		{"device differs", GlobalOptions{Device: "iPhone 13"}, GlobalOptions{Device: "Pixel 5"}, false},
		{
			"same headers",
			GlobalOptions{Headers: map[string]string{"a": "1"}},
			GlobalOptions{Headers: map[string]string{"a": "1"}},
			true,
		},
		{
			"viewport differs",
			GlobalOptions{Viewport: &Viewport{Width: 800}},
			GlobalOptions{Viewport: &Viewport{Width: 1024}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestTargetURL(t *testing.T) {
	p := NodeParameters{URL: "https://example.com/search?x=1"}
	got, err := p.TargetURL()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/search?x=1", got)

	p.QueryParameters = []QueryParameter{{Name: "q", Value: "go lang"}}
	got, err = p.TargetURL()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/search?q=go+lang&x=1", got)

	p.URL = "://bad"
	_, err = p.TargetURL()
	assert.Error(t, err)
}

func TestAutomationError(t *testing.T) {
	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	err := WrapError(KindNavigation, cause, "navigation failed")
	err.URL = "https://nope.invalid"

	wrapped := fmt.Errorf("exec: %w", err)
	assert.Equal(t, KindNavigation, KindOf(wrapped))
	assert.True(t, IsExecution(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, err.Error(), "https://nope.invalid")

	rec := err.Record()
	assert.Equal(t, "navigation failed: net::ERR_NAME_NOT_RESOLVED", rec.Error)
	assert.Equal(t, "https://nope.invalid", rec.URL)

	assert.False(t, IsExecution(NewError(KindStartup, "no browser")))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorItem(t *testing.T) {
	item := ErrorItem(ErrorRecord{Error: "boom", URL: "https://a", StatusCode: 502}, 3)
	assert.Equal(t, 3, item.PairedItem.Item)
	assert.Equal(t, "boom", item.JSON["error"])
	assert.Equal(t, "https://a", item.JSON["url"])
	assert.Equal(t, 502, item.JSON["statusCode"])
	assert.NotContains(t, item.JSON, "headers")
}
