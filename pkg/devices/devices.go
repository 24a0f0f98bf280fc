// Package devices provides the catalog of emulated device profiles that a
// session can be launched with.
package devices

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Viewport describes an emulated screen.
type Viewport struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor"`
	IsMobile          bool    `json:"is_mobile"`
	HasTouch          bool    `json:"has_touch"`
	IsLandscape       bool    `json:"is_landscape"`
}

// Profile is a named device emulation preset.
type Profile struct {
	Name      string   `json:"name"`
	UserAgent string   `json:"user_agent"`
	Viewport  Viewport `json:"viewport"`
}

// Option is a selectable entry for a device picker.
type Option struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

const (
	uaIPhone15 = "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1"
	uaIPhone13 = "Mozilla/5.0 (iPhone; CPU iPhone OS 13_7 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.1.2 Mobile/15E148 Safari/604.1"
	uaIPad     = "Mozilla/5.0 (iPad; CPU OS 12_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.0.3 Mobile/15E148 Safari/604.1"
	uaPixel    = "Mozilla/5.0 (Linux; Android 11; Pixel 5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaGalaxy   = "Mozilla/5.0 (Linux; Android 8.0.0; SM-G965U Build/R16NW) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaGalaxyT  = "Mozilla/5.0 (Linux; Android 7.0; SM-T827R4 Build/NRD90M) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaDesktop  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaMac      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func mobile(w, h int, scale float64) Viewport {
	return Viewport{Width: w, Height: h, DeviceScaleFactor: scale, IsMobile: true, HasTouch: true}
}

func landscape(v Viewport) Viewport {
	v.Width, v.Height = v.Height, v.Width
	v.IsLandscape = true
	return v
}

// catalog holds the built-in profiles plus any registered from an engine.
type catalog struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// defaultCatalog is created by init once builtin is filled.
var defaultCatalog *catalog

func newCatalog() *catalog {
	c := &catalog{profiles: map[string]Profile{}}
	for name, p := range builtin {
		c.profiles[name] = p
	}
	return c
}

// builtin is filled once by init and never mutated afterwards.
var builtin = map[string]Profile{}

func init() {
	add := func(name, ua string, v Viewport) {
		builtin[name] = Profile{Name: name, UserAgent: ua, Viewport: v}
	}

	add("Desktop 1080p", uaDesktop, Viewport{Width: 1920, Height: 1080, DeviceScaleFactor: 1})
	add("Desktop 720p", uaDesktop, Viewport{Width: 1280, Height: 720, DeviceScaleFactor: 1})
	add("MacBook Pro 14", uaMac, Viewport{Width: 1512, Height: 982, DeviceScaleFactor: 2})

	phones := []struct {
		name  string
		ua    string
		w, h  int
		scale float64
	}{
		{"iPhone SE", uaIPhone13, 375, 667, 2},
		{"iPhone 12", uaIPhone15, 390, 844, 3},
		{"iPhone 13", uaIPhone15, 390, 844, 3},
		{"iPhone 13 Pro Max", uaIPhone15, 428, 926, 3},
		{"iPhone X", uaIPhone13, 375, 812, 3},
		{"iPad", uaIPad, 768, 1024, 2},
		{"iPad Pro 11", uaIPad, 834, 1194, 2},
		{"Pixel 5", uaPixel, 393, 851, 2.75},
		{"Galaxy S9+", uaGalaxy, 320, 658, 4.5},
		{"Galaxy Tab S4", uaGalaxyT, 712, 1138, 2.25},
	}
	for _, p := range phones {
		v := mobile(p.w, p.h, p.scale)
		add(p.name, p.ua, v)
		add(p.name+" landscape", p.ua, landscape(v))
	}
	defaultCatalog = newCatalog()
}

// Register adds profiles to the catalog, replacing built-in entries with
// the same name. Engines call it with their upstream device descriptors.
func Register(profiles ...Profile) {
	defaultCatalog.register(profiles...)
}

// Lookup returns the profile with the given name.
func Lookup(name string) (Profile, bool) {
	return defaultCatalog.lookup(name)
}

// Names returns every profile name in ascending order.
func Names() []string {
	return defaultCatalog.names()
}

// List returns one option per profile, ordered by name. The description has
// the form "<width> x <height> @ <scale>x".
func List() []Option {
	return defaultCatalog.list()
}

func (c *catalog) register(profiles ...Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range profiles {
		if p.Name != "" {
			c.profiles[p.Name] = p
		}
	}
}

func (c *catalog) lookup(name string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[name]
	return p, ok
}

func (c *catalog) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *catalog) list() []Option {
	names := c.names()
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := make([]Option, 0, len(names))
	for _, name := range names {
		opts = append(opts, Option{
			Name:        name,
			Value:       name,
			Description: Describe(c.profiles[name].Viewport),
		})
	}
	return opts
}

// Describe renders a viewport as "<width> x <height> @ <scale>x".
func Describe(v Viewport) string {
	return fmt.Sprintf("%d x %d @ %sx", v.Width, v.Height, strconv.FormatFloat(v.DeviceScaleFactor, 'f', -1, 64))
}
