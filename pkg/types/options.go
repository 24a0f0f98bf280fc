package types

import (
	"net/url"
	"reflect"
	"time"
)

// ExecutionID identifies one workflow-step run. It is supplied by the host and
// is the correlation key for session ownership.
type ExecutionID string

// Default values applied to launch and exec options.
const (
	DefaultTimeoutMillis = 30000
	DefaultWaitUntil     = "load"
	DefaultBinaryName    = "data"
)

// Viewport overrides the emulated viewport of a session.
type Viewport struct {
	Width             int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height            int     `json:"height,omitempty" yaml:"height,omitempty"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty" yaml:"device_scale_factor,omitempty"`
}

// GlobalOptions are captured when a session is launched and stay fixed for the
// lifetime of that session.
type GlobalOptions struct {
	// Headless runs the browser without a window. Nil means true.
	Headless *bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	// Timeout bounds every navigation, interaction and capture step (milliseconds).
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	ProxyServer    string            `json:"proxy_server,omitempty" yaml:"proxy_server,omitempty"`
	Device         string            `json:"device,omitempty" yaml:"device,omitempty"`
	Stealth        bool              `json:"stealth,omitempty" yaml:"stealth,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	Viewport       *Viewport         `json:"viewport,omitempty" yaml:"viewport,omitempty"`
	LaunchArgs     []string          `json:"launch_args,omitempty" yaml:"launch_args,omitempty"`
	ExecutablePath string            `json:"executable_path,omitempty" yaml:"executable_path,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// IsHeadless reports whether the browser should run headless.
func (o GlobalOptions) IsHeadless() bool {
	return o.Headless == nil || *o.Headless
}

// StepTimeout returns the per-step timeout, falling back to the default.
func (o GlobalOptions) StepTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeoutMillis * time.Millisecond
	}
	return time.Duration(o.Timeout) * time.Millisecond
}

// Equal reports whether two option sets would produce the same session.
func (o GlobalOptions) Equal(other GlobalOptions) bool {
	if o.IsHeadless() != other.IsHeadless() {
		return false
	}
	a, b := o, other
	a.Headless, b.Headless = nil, nil
	return reflect.DeepEqual(a, b)
}

// NodeOptions tune a single exec call.
type NodeOptions struct {
	// WaitUntil is one of load, domcontentloaded or networkidle.
	WaitUntil string            `json:"wait_until,omitempty" yaml:"wait_until,omitempty"`
	Timeout   int               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// QueryParameter is a single name/value pair appended to the target URL.
type QueryParameter struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// InteractionType names a step run against the page.
type InteractionType string

const (
	InteractionClick           InteractionType = "click"
	InteractionTypeText        InteractionType = "type"
	InteractionHover           InteractionType = "hover"
	InteractionWaitForSelector InteractionType = "wait_for_selector"
	InteractionWait            InteractionType = "wait"
	InteractionGoto            InteractionType = "goto"
	InteractionEvaluate        InteractionType = "evaluate"
	InteractionRunScript       InteractionType = "run_script"
)

// Interaction is one ordered automation step.
type Interaction struct {
	Type     InteractionType `json:"type" yaml:"type"`
	Selector string          `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string          `json:"value,omitempty" yaml:"value,omitempty"`

	// Delay is a pause in milliseconds: the wait duration for wait steps and
	// the per-key delay for type steps.
	Delay int `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Timeout overrides the session step timeout (milliseconds).
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Script is the body of a sandboxed script for run_script steps.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Expression is evaluated in the page for evaluate steps.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// OutputType selects what an exec call captures.
type OutputType string

const (
	OutputText       OutputType = "text"
	OutputHTML       OutputType = "html"
	OutputScreenshot OutputType = "screenshot"
	OutputPDF        OutputType = "pdf"
)

// ScreenshotOptions configure screenshot output.
type ScreenshotOptions struct {
	FullPage bool   `json:"full_page,omitempty" yaml:"full_page,omitempty"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Quality  int    `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// PDFOptions configure PDF output.
type PDFOptions struct {
	Format          string `json:"format,omitempty" yaml:"format,omitempty"`
	Landscape       bool   `json:"landscape,omitempty" yaml:"landscape,omitempty"`
	PrintBackground bool   `json:"print_background,omitempty" yaml:"print_background,omitempty"`
}

// OutputSpec describes the output produced after interactions.
type OutputSpec struct {
	Type           OutputType         `json:"type" yaml:"type"`
	Selector       string             `json:"selector,omitempty" yaml:"selector,omitempty"`
	BinaryProperty string             `json:"binary_property,omitempty" yaml:"binary_property,omitempty"`
	MaxLength      int                `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Screenshot     *ScreenshotOptions `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	PDF            *PDFOptions        `json:"pdf,omitempty" yaml:"pdf,omitempty"`
}

// BinaryName returns the binary property the output is stored under.
func (o OutputSpec) BinaryName() string {
	if o.BinaryProperty == "" {
		return DefaultBinaryName
	}
	return o.BinaryProperty
}

// NodeParameters describe what one exec call does. The worker treats them as
// read-only.
type NodeParameters struct {
	GlobalOptions   GlobalOptions    `json:"globalOptions" yaml:"globalOptions"`
	NodeOptions     NodeOptions      `json:"nodeOptions" yaml:"nodeOptions"`
	URL             string           `json:"url" yaml:"url"`
	QueryParameters []QueryParameter `json:"queryParameters,omitempty" yaml:"queryParameters,omitempty"`
	Interactions    []Interaction    `json:"interactions,omitempty" yaml:"interactions,omitempty"`
	Output          OutputSpec       `json:"output" yaml:"output"`
}

// TargetURL returns URL with the query parameters appended.
func (p NodeParameters) TargetURL() (string, error) {
	if len(p.QueryParameters) == 0 {
		return p.URL, nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, param := range p.QueryParameters {
		q.Add(param.Name, param.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Credentials authenticate the usage report sent by check.
type Credentials struct {
	APIKey  string `json:"apiKey" yaml:"api_key"`
	BaseURL string `json:"baseUrl" yaml:"base_url"`
}
