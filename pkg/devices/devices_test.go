package devices

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOrderedAndComplete(t *testing.T) {
	opts := List()
	require.Len(t, opts, len(builtin))

	names := make([]string, len(opts))
	for i, o := range opts {
		names[i] = o.Name
		assert.Equal(t, o.Name, o.Value)
	}
	assert.True(t, sort.StringsAreSorted(names))
}

func TestListDescriptions(t *testing.T) {
	byName := map[string]Option{}
	for _, o := range List() {
		byName[o.Name] = o
	}

	tests := []struct {
		name string
		want string
	}{
		{"iPhone 13", "390 x 844 @ 3x"},
		{"iPhone 13 landscape", "844 x 390 @ 3x"},
		{"Pixel 5", "393 x 851 @ 2.75x"},
		{"Desktop 1080p", "1920 x 1080 @ 1x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, ok := byName[tt.name]
			require.True(t, ok)
			assert.Equal(t, tt.want, opt.Description)
		})
	}
}

func TestLookup(t *testing.T) {
	p, ok := Lookup("iPad landscape")
	require.True(t, ok)
	assert.True(t, p.Viewport.IsLandscape)
	assert.True(t, p.Viewport.IsMobile)
	assert.Equal(t, 1024, p.Viewport.Width)
	assert.Contains(t, p.UserAgent, "iPad")

	_, ok = Lookup("Nokia 3310")
	assert.False(t, ok)
}

func TestListReturnsCopies(t *testing.T) {
	first := List()
	first[0].Description = "mutated"
	assert.NotEqual(t, "mutated", List()[0].Description)
}

func TestRegisterOverridesAndExtends(t *testing.T) {
	c := newCatalog()
	c.register(
		Profile{Name: "iPhone 13", UserAgent: "upstream", Viewport: Viewport{Width: 390, Height: 664, DeviceScaleFactor: 3, IsMobile: true}},
		Profile{Name: "Nokia N9", UserAgent: "MeeGo", Viewport: Viewport{Width: 480, Height: 854, DeviceScaleFactor: 1}},
		Profile{},
	)

	p, ok := c.lookup("iPhone 13")
	require.True(t, ok)
	assert.Equal(t, "upstream", p.UserAgent)
	assert.Equal(t, 664, p.Viewport.Height)

	_, ok = c.lookup("Nokia N9")
	assert.True(t, ok)

	opts := c.list()
	assert.Len(t, opts, len(builtin)+1)
	assert.NotContains(t, c.names(), "")

	_, ok = Lookup("Nokia N9")
	assert.False(t, ok, "a separate catalog leaves the default one untouched")
}
