package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/types"
)

// execution is the state of one exec call.
type execution struct {
	worker  *Worker
	slot    *slot
	browser engine.Browser
	params  types.NodeParameters
	timeout time.Duration

	page          engine.Page
	json          map[string]interface{}
	binary        map[string]types.BinaryEntry
	scriptResults []interface{}
}

// step bounds one navigation, interaction or capture.
func (x *execution) step(ctx context.Context, override int) (context.Context, context.CancelFunc) {
	d := x.timeout
	if override > 0 {
		d = time.Duration(override) * time.Millisecond
	}
	return context.WithTimeout(ctx, d)
}

// currentURL is the page URL for error reports.
func (x *execution) currentURL(fallback string) string {
	if x.page != nil {
		if u := x.page.URL(); u != "" && u != "about:blank" {
			return u
		}
	}
	return fallback
}

func (x *execution) run(ctx context.Context) (*types.Result, error) {
	x.json = map[string]interface{}{}

	target, err := x.params.TargetURL()
	if err != nil {
		return nil, &types.AutomationError{Kind: types.KindNavigation, Message: "invalid url", URL: x.params.URL, Err: err}
	}

	if err := x.open(ctx, target); err != nil {
		return nil, err
	}
	if err := x.navigate(ctx, target); err != nil {
		return nil, err
	}

	for i, in := range x.params.Interactions {
		if err := x.interact(ctx, i, in); err != nil {
			return nil, &types.AutomationError{
				Kind:    types.KindInteraction,
				Message: fmt.Sprintf("interaction %d (%s) failed", i, in.Type),
				URL:     x.currentURL(target),
				Err:     err,
			}
		}
	}
	if len(x.scriptResults) > 0 {
		x.json["scriptResults"] = x.scriptResults
	}

	if err := x.output(ctx); err != nil {
		return nil, &types.AutomationError{
			Kind:    types.KindOutput,
			Message: fmt.Sprintf("%s output failed", x.params.Output.Type),
			URL:     x.currentURL(target),
			Err:     err,
		}
	}

	result := &types.Result{JSON: x.json}
	if len(x.binary) > 0 {
		result.Binary = x.binary
	}
	return result, nil
}

// open creates the page and applies per-exec headers.
func (x *execution) open(ctx context.Context, target string) error {
	stepCtx, cancel := x.step(ctx, 0)
	defer cancel()

	page, err := x.browser.NewPage(stepCtx)
	if err != nil {
		return &types.AutomationError{Kind: types.KindNavigation, Message: "failed to open page", URL: target, Err: err}
	}
	x.page = page
	x.slot.mu.Lock()
	x.slot.addPage(page)
	x.slot.mu.Unlock()

	if headers := x.params.NodeOptions.Headers; len(headers) > 0 {
		if err := page.SetExtraHeaders(stepCtx, headers); err != nil {
			return &types.AutomationError{Kind: types.KindNavigation, Message: "failed to set headers", URL: target, Err: err}
		}
	}
	return nil
}

// closePage closes the page opened by this exec unless the session already
// closed it. Close failures are logged only. Caller holds the slot's mu.
func (x *execution) closePage() {
	if x.page == nil || !x.slot.dropPage(x.page) {
		return
	}
	if err := x.page.Close(); err != nil {
		debugLog.Warnw("Failed to close page",
			"execution_id", x.slot.id, "kind", types.KindCleanup, "error", err)
	}
}

// navigate loads target and records the response metadata.
func (x *execution) navigate(ctx context.Context, target string) error {
	if target == "" {
		return nil
	}

	stepCtx, cancel := x.step(ctx, x.params.NodeOptions.Timeout)
	defer cancel()

	waitUntil := x.params.NodeOptions.WaitUntil
	if waitUntil == "" {
		waitUntil = types.DefaultWaitUntil
	}
	resp, err := x.page.Goto(stepCtx, target, engine.GotoOptions{WaitUntil: waitUntil})
	if err != nil {
		ae := &types.AutomationError{Kind: types.KindNavigation, Message: "navigation failed", URL: target, Err: err}
		if resp != nil {
			ae.StatusCode = resp.Status
			ae.Headers = resp.Headers
		}
		return ae
	}

	x.json["url"] = x.currentURL(target)
	if resp != nil {
		x.json["statusCode"] = resp.Status
		if len(resp.Headers) > 0 {
			x.json["headers"] = resp.Headers
		}
		if resp.Status >= 400 {
			debugLog.Warnw("Navigation returned an error status", "url", target, "status", resp.Status)
		}
	}
	return nil
}
