package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/types"
)

// state is the lifecycle position of a session.
type state int

const (
	stateLaunching state = iota
	stateReady
	stateExecuting
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateLaunching:
		return "launching"
	case stateReady:
		return "ready"
	case stateExecuting:
		return "executing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// slot is the worker-owned session for one execution id. Every field below
// mu is guarded by it; cond is signalled on each state change.
type slot struct {
	id types.ExecutionID

	mu    sync.Mutex
	cond  *sync.Cond
	state state

	opts    types.GlobalOptions
	browser engine.Browser
	pages   []engine.Page

	createdAt  time.Time
	lastUsedAt time.Time
	warmUntil  time.Time

	commands int
	opened   int
}

func newSlot(id types.ExecutionID, opts types.GlobalOptions, now time.Time) *slot {
	s := &slot{
		id:         id,
		state:      stateLaunching,
		opts:       opts,
		createdAt:  now,
		lastUsedAt: now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// setState changes state and wakes waiters. Caller holds mu.
func (s *slot) setState(st state) {
	s.state = st
	s.cond.Broadcast()
}

// settle returns an executing slot to ready. A slot closed by Shutdown
// meanwhile stays closed. Caller holds mu.
func (s *slot) settle() {
	if s.state == stateExecuting {
		s.setState(stateReady)
	}
}

// waitSettled blocks until the slot is neither launching nor executing, or
// ctx ends. Caller holds mu.
func (s *slot) waitSettled(ctx context.Context) error {
	if s.state != stateLaunching && s.state != stateExecuting {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for s.state == stateLaunching || s.state == stateExecuting {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// addPage records page as open. Caller holds mu.
func (s *slot) addPage(p engine.Page) {
	s.pages = append(s.pages, p)
	s.opened++
}

// dropPage forgets page and reports whether it was open. Caller holds mu.
func (s *slot) dropPage(p engine.Page) bool {
	for i, open := range s.pages {
		if open == p {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return true
		}
	}
	return false
}

// closeResources closes every page and the browser. Failures are logged
// and returned joined; the slot is unusable afterwards. Caller holds mu.
func (s *slot) closeResources() error {
	var errs []error
	for _, p := range s.pages {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.pages = nil
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		s.browser = nil
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		debugLog.Warnw("Cleanup failed", "execution_id", s.id, "kind", types.KindCleanup, "error", err)
		return err
	}
	return nil
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	State       string            `json:"state"`
	Device      string            `json:"device,omitempty"`
	Headless    bool              `json:"headless"`
	OpenPages   int               `json:"open_pages"`
	Commands    int               `json:"commands"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  time.Time         `json:"last_used_at"`
	WarmUntil   *time.Time        `json:"warm_until,omitempty"`
}

func (s *slot) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ExecutionID: s.id,
		State:       s.state.String(),
		Device:      s.opts.Device,
		Headless:    s.opts.IsHeadless(),
		OpenPages:   len(s.pages),
		Commands:    s.commands,
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsedAt,
	}
	if !s.warmUntil.IsZero() {
		warm := s.warmUntil
		info.WarmUntil = &warm
	}
	return info
}
