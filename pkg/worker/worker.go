// Package worker owns the browser sessions of the automation worker process.
//
// Each execution id maps to at most one session. A session moves through
// launching, ready and executing, and is closed by check, by an
// unrecoverable exec failure, by the idle reaper or by Shutdown:
//
//	absent -> launching -> ready <-> executing
//	                         |          |
//	                         +-> closed <+
//
// Operations on different execution ids run concurrently. Operations on one
// id are serialized through the session's lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/browserstep/pkg/config"
	"github.com/entrhq/browserstep/pkg/devices"
	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/logging"
	"github.com/entrhq/browserstep/pkg/sandbox"
	"github.com/entrhq/browserstep/pkg/types"
)

var debugLog = logging.NewLogger("worker")

// Options configure a Worker.
type Options struct {
	// StartupTimeout bounds a browser launch.
	StartupTimeout time.Duration

	// IdleTimeout is how long a ready session may sit unused before the
	// reaper closes it.
	IdleTimeout time.Duration

	// ReleasePolicy is config.ReleaseClose or config.ReleaseKeepWarm.
	ReleasePolicy string

	// KeepWarm is how long a checked session stays open under keep_warm.
	KeepWarm time.Duration

	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int

	// Accounting configures the usage report sent by check.
	Accounting AccountingOptions
}

// OptionsFromConfig maps the worker and accounting sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StartupTimeout: cfg.Worker.StartupTimeout,
		IdleTimeout:    cfg.Worker.IdleTimeout,
		ReleasePolicy:  cfg.Worker.ReleasePolicy,
		KeepWarm:       cfg.Worker.KeepWarm,
		MaxSessions:    cfg.Worker.MaxSessions,
		Accounting: AccountingOptions{
			BaseURL: cfg.Accounting.BaseURL,
			APIKey:  cfg.Accounting.APIKey,
			Timeout: cfg.Accounting.Timeout,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.ReleasePolicy == "" {
		o.ReleasePolicy = config.ReleaseClose
	}
	if o.KeepWarm <= 0 {
		o.KeepWarm = time.Minute
	}
}

// Worker holds the execution id to session table.
type Worker struct {
	engine   engine.Engine
	runner   *sandbox.Runner
	reporter *Reporter
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	slots    map[types.ExecutionID]*slot
	shutdown bool
}

// New creates a worker launching browsers with eng. runner may be nil, in
// which case run_script interactions fail.
func New(eng engine.Engine, runner *sandbox.Runner, opts Options) *Worker {
	opts.applyDefaults()
	return &Worker{
		engine:   eng,
		runner:   runner,
		reporter: NewReporter(opts.Accounting, http.DefaultClient),
		opts:     opts,
		now:      time.Now,
		slots:    make(map[types.ExecutionID]*slot),
	}
}

// Launch creates the session for id, or reuses it when one with equal
// options is already ready. It returns true once the session is ready.
func (w *Worker) Launch(ctx context.Context, id types.ExecutionID, opts types.GlobalOptions) (bool, error) {
	if id == "" {
		return false, types.NewError(types.KindInvalid, "execution id is required")
	}
	launchOpts, err := launchOptions(opts)
	if err != nil {
		return false, err
	}

	for {
		w.mu.Lock()
		if w.shutdown {
			w.mu.Unlock()
			return false, types.NewError(types.KindStartup, "worker is shutting down")
		}
		s, exists := w.slots[id]
		if !exists {
			if w.opts.MaxSessions > 0 && len(w.slots) >= w.opts.MaxSessions {
				w.mu.Unlock()
				launchesTotal.WithLabelValues("rejected").Inc()
				return false, types.NewError(types.KindStartup, "maximum number of sessions (%d) reached", w.opts.MaxSessions)
			}
			s = newSlot(id, opts, w.now())
			w.slots[id] = s
			sessionsActive.Inc()
			w.mu.Unlock()
			return w.start(ctx, s, launchOpts)
		}
		w.mu.Unlock()

		s.mu.Lock()
		if err := s.waitSettled(ctx); err != nil {
			s.mu.Unlock()
			return false, types.WrapError(types.KindStartup, err, "gave up waiting for session")
		}
		if s.state == stateClosed {
			// Released while we waited; start over with a fresh slot.
			s.mu.Unlock()
			continue
		}
		if !s.opts.Equal(opts) {
			s.mu.Unlock()
			launchesTotal.WithLabelValues("conflict").Inc()
			return false, types.NewError(types.KindConflict, "session %s is already running with different options", id)
		}
		s.lastUsedAt = w.now()
		s.warmUntil = time.Time{}
		s.mu.Unlock()
		launchesTotal.WithLabelValues("reused").Inc()
		debugLog.Infow("Reusing session", "execution_id", id)
		return true, nil
	}
}

// start launches the browser for a slot in the launching state.
func (w *Worker) start(ctx context.Context, s *slot, opts engine.LaunchOptions) (bool, error) {
	startedAt := time.Now()
	launchCtx, cancel := context.WithTimeout(ctx, w.opts.StartupTimeout)
	defer cancel()

	browser, err := w.engine.Launch(launchCtx, opts)
	if err == nil {
		w.mu.Lock()
		if w.shutdown {
			err = errors.New("worker is shutting down")
			if closeErr := browser.Close(); closeErr != nil {
				debugLog.Warnf("Failed to close browser launched during shutdown: %v", closeErr)
			}
		}
		w.mu.Unlock()
	}

	if err != nil {
		w.remove(s)
		s.mu.Lock()
		s.setState(stateClosed)
		s.mu.Unlock()
		launchesTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, types.WrapError(types.KindStartup, err,
				fmt.Sprintf("browser did not start within %s", w.opts.StartupTimeout))
		}
		return false, types.WrapError(types.KindStartup, err, "failed to launch browser")
	}

	s.mu.Lock()
	s.browser = browser
	s.lastUsedAt = w.now()
	s.setState(stateReady)
	s.mu.Unlock()

	launchesTotal.WithLabelValues("launched").Inc()
	debugLog.Infow("Launched session",
		"execution_id", s.id,
		"engine", w.engine.Name(),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
	return true, nil
}

// launchOptions resolves the device profile and maps options for the engine.
func launchOptions(opts types.GlobalOptions) (engine.LaunchOptions, error) {
	lo := engine.LaunchOptions{
		Headless:       opts.IsHeadless(),
		ProxyServer:    opts.ProxyServer,
		Args:           opts.LaunchArgs,
		ExecutablePath: opts.ExecutablePath,
		Timeout:        opts.StepTimeout(),
		UserAgent:      opts.UserAgent,
		Stealth:        opts.Stealth,
		Headers:        opts.Headers,
	}

	if opts.Device != "" {
		profile, ok := devices.Lookup(opts.Device)
		if !ok {
			return lo, types.NewError(types.KindInvalid, "unknown device %q", opts.Device)
		}
		v := profile.Viewport
		lo.Viewport = &engine.Viewport{
			Width:             v.Width,
			Height:            v.Height,
			DeviceScaleFactor: v.DeviceScaleFactor,
			IsMobile:          v.IsMobile,
			HasTouch:          v.HasTouch,
			IsLandscape:       v.IsLandscape,
		}
		if lo.UserAgent == "" {
			lo.UserAgent = profile.UserAgent
		}
	}

	if v := opts.Viewport; v != nil {
		if lo.Viewport == nil {
			lo.Viewport = &engine.Viewport{}
		}
		if v.Width > 0 {
			lo.Viewport.Width = v.Width
		}
		if v.Height > 0 {
			lo.Viewport.Height = v.Height
		}
		if v.DeviceScaleFactor > 0 {
			lo.Viewport.DeviceScaleFactor = v.DeviceScaleFactor
		}
	}
	return lo, nil
}

func (w *Worker) lookup(id types.ExecutionID) *slot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slots[id]
}

// remove deletes s from the table if it is still the slot for its id.
func (w *Worker) remove(s *slot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.slots[s.id] == s {
		delete(w.slots, s.id)
		sessionsActive.Dec()
	}
}

// teardown closes the session and removes it. Caller holds s.mu.
func (w *Worker) teardown(s *slot, reason string) {
	w.remove(s)
	_ = s.closeResources()
	s.setState(stateClosed)
	debugLog.Infow("Closed session", "execution_id", s.id, "reason", reason)
}

// Exec runs params against the ready session for id. Execution failures are
// returned as errors, or as an ErrorRecord when continueOnFail is set.
func (w *Worker) Exec(ctx context.Context, id types.ExecutionID, params types.NodeParameters, continueOnFail bool) (*types.ExecResponse, error) {
	if id == "" {
		return nil, types.NewError(types.KindInvalid, "execution id is required")
	}
	s := w.lookup(id)
	if s == nil {
		return nil, types.NewError(types.KindNoSession, "no session for execution %s; launch it first", id)
	}

	s.mu.Lock()
	switch s.state {
	case stateLaunching:
		s.mu.Unlock()
		return nil, types.NewError(types.KindNoSession, "session for execution %s is still launching", id)
	case stateExecuting:
		s.mu.Unlock()
		return nil, types.NewError(types.KindBusy, "execution %s already has an exec in flight", id)
	case stateClosed:
		s.mu.Unlock()
		return nil, types.NewError(types.KindNoSession, "session for execution %s is closed", id)
	}
	s.setState(stateExecuting)
	s.commands++
	s.lastUsedAt = w.now()
	browser, opts := s.browser, s.opts
	s.mu.Unlock()

	x := &execution{
		worker:  w,
		slot:    s,
		browser: browser,
		params:  params,
		timeout: opts.StepTimeout(),
	}
	result, err := x.run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = w.now()

	x.closePage()
	if err == nil {
		s.settle()
		return &types.ExecResponse{Result: result}, nil
	}

	if engine.IsTimeout(err) || errors.Is(err, engine.ErrDisconnected) || !browser.Connected() {
		if s.state != stateClosed {
			w.teardown(s, "unrecoverable exec failure")
		}
	} else {
		s.settle()
	}

	ae := asAutomationError(err)
	debugLog.Warnw("Exec failed",
		"execution_id", id, "kind", ae.Kind, "url", ae.URL, "continue_on_fail", continueOnFail, "error", ae.Error())
	if continueOnFail {
		return &types.ExecResponse{ErrorRecord: ae.Record()}, nil
	}
	return nil, ae
}

func asAutomationError(err error) *types.AutomationError {
	var ae *types.AutomationError
	if errors.As(err, &ae) {
		return ae
	}
	return types.WrapError(types.KindInteraction, err, "")
}

// Check finalizes id: it waits for an in-flight exec, reports usage and
// releases the session according to the release policy. Checking an absent
// id is a no-op.
func (w *Worker) Check(ctx context.Context, id types.ExecutionID, creds types.Credentials) error {
	if id == "" {
		return types.NewError(types.KindInvalid, "execution id is required")
	}
	s := w.lookup(id)
	if s == nil {
		debugLog.Debugf("Check for %s: no session", id)
		return nil
	}

	s.mu.Lock()
	if err := s.waitSettled(ctx); err != nil {
		s.mu.Unlock()
		return types.WrapError(types.KindCleanup, err, "gave up waiting for exec to settle")
	}
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}

	usage := Usage{
		ExecutionID: id,
		Commands:    s.commands,
		Pages:       s.opened,
		DurationMS:  w.now().Sub(s.createdAt).Milliseconds(),
	}
	if w.opts.ReleasePolicy == config.ReleaseKeepWarm {
		s.warmUntil = w.now().Add(w.opts.KeepWarm)
		s.commands, s.opened = 0, 0
		debugLog.Infow("Keeping session warm", "execution_id", id, "until", s.warmUntil)
	} else {
		w.teardown(s, "released by check")
		usage.Released = true
	}
	s.mu.Unlock()

	w.reporter.Report(usage, creds)
	return nil
}

// Sessions returns a snapshot of every session, ordered by execution id.
func (w *Worker) Sessions() []SessionInfo {
	w.mu.Lock()
	slots := make([]*slot, 0, len(w.slots))
	for _, s := range w.slots {
		slots = append(slots, s)
	}
	w.mu.Unlock()

	infos := make([]SessionInfo, 0, len(slots))
	for _, s := range slots {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ExecutionID < infos[j].ExecutionID })
	return infos
}

// Shutdown closes every session and the engine and waits for pending usage
// reports. Sessions still executing are closed once their exec settles or
// ctx ends, whichever is first.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.shutdown = true
	slots := make([]*slot, 0, len(w.slots))
	for _, s := range w.slots {
		slots = append(slots, s)
	}
	w.mu.Unlock()

	var errs []error
	for _, s := range slots {
		s.mu.Lock()
		if err := s.waitSettled(ctx); err != nil {
			debugLog.Warnf("Closing session %s while it is %s: %v", s.id, s.state, err)
		}
		if s.state != stateClosed {
			w.remove(s)
			if err := s.closeResources(); err != nil {
				errs = append(errs, err)
			}
			s.setState(stateClosed)
		}
		s.mu.Unlock()
	}

	if err := w.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close engine: %w", err))
	}
	if err := w.reporter.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	debugLog.Infof("Worker shut down, closed %d sessions", len(slots))
	return errors.Join(errs...)
}
