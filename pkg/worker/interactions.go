package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/types"
)

// ErrScriptsDisabled is returned by run_script steps on a worker without a
// sandbox runner.
var ErrScriptsDisabled = errors.New("scripts are disabled on this worker")

func (x *execution) interact(ctx context.Context, index int, in types.Interaction) error {
	stepCtx, cancel := x.step(ctx, in.Timeout)
	defer cancel()

	switch in.Type {
	case types.InteractionClick, types.InteractionTypeText, types.InteractionHover, types.InteractionWaitForSelector:
		if in.Selector == "" {
			return fmt.Errorf("%s requires a selector", in.Type)
		}
	}

	switch in.Type {
	case types.InteractionClick:
		return x.page.Click(stepCtx, in.Selector)

	case types.InteractionTypeText:
		return x.page.Type(stepCtx, in.Selector, in.Value, time.Duration(in.Delay)*time.Millisecond)

	case types.InteractionHover:
		return x.page.Hover(stepCtx, in.Selector)

	case types.InteractionWaitForSelector:
		return x.page.WaitForSelector(stepCtx, in.Selector)

	case types.InteractionWait:
		return sleep(stepCtx, time.Duration(in.Delay)*time.Millisecond)

	case types.InteractionGoto:
		if in.Value == "" {
			return errors.New("goto requires a url value")
		}
		_, err := x.page.Goto(stepCtx, in.Value, engine.GotoOptions{WaitUntil: x.waitUntil()})
		return err

	case types.InteractionEvaluate:
		if in.Expression == "" {
			return errors.New("evaluate requires an expression")
		}
		value, err := x.page.Evaluate(stepCtx, in.Expression)
		if err != nil {
			return err
		}
		x.recordScriptResult(index, value)
		return nil

	case types.InteractionRunScript:
		if x.worker.runner == nil {
			return ErrScriptsDisabled
		}
		value, err := x.worker.runner.Run(stepCtx, in.Script, x.scriptBindings(stepCtx))
		if err != nil {
			return err
		}
		x.recordScriptResult(index, value)
		return nil
	}
	return fmt.Errorf("unknown interaction type %q", in.Type)
}

func (x *execution) waitUntil() string {
	if w := x.params.NodeOptions.WaitUntil; w != "" {
		return w
	}
	return types.DefaultWaitUntil
}

// recordScriptResult stores value at the interaction's index.
func (x *execution) recordScriptResult(index int, value interface{}) {
	if x.scriptResults == nil {
		x.scriptResults = make([]interface{}, len(x.params.Interactions))
	}
	x.scriptResults[index] = value
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scriptBindings exposes the page to a sandboxed script as $page, together
// with $url and a copy of the node options as $options. Every page call is
// bounded by ctx; a failing call throws in the script.
func (x *execution) scriptBindings(ctx context.Context) map[string]interface{} {
	page := x.page
	pageAPI := map[string]interface{}{
		"goto": func(url string) (map[string]interface{}, error) {
			resp, err := page.Goto(ctx, url, engine.GotoOptions{WaitUntil: x.waitUntil()})
			if err != nil {
				return nil, err
			}
			out := map[string]interface{}{"url": page.URL()}
			if resp != nil {
				out["status"] = resp.Status
			}
			return out, nil
		},
		"click": func(selector string) error {
			return page.Click(ctx, selector)
		},
		"type": func(selector, text string, delayMillis int) error {
			return page.Type(ctx, selector, text, time.Duration(delayMillis)*time.Millisecond)
		},
		"hover": func(selector string) error {
			return page.Hover(ctx, selector)
		},
		"waitForSelector": func(selector string) error {
			return page.WaitForSelector(ctx, selector)
		},
		"evaluate": func(expression string) (interface{}, error) {
			return page.Evaluate(ctx, expression)
		},
		"content": func() (string, error) {
			return page.Content(ctx)
		},
		"url": func() string {
			return page.URL()
		},
	}

	nodeOptions := x.params.NodeOptions
	headers := make(map[string]interface{}, len(nodeOptions.Headers))
	for k, v := range nodeOptions.Headers {
		headers[k] = v
	}
	return map[string]interface{}{
		"$page": pageAPI,
		"$url":  page.URL(),
		"$options": map[string]interface{}{
			"waitUntil": x.waitUntil(),
			"timeout":   nodeOptions.Timeout,
			"headers":   headers,
		},
	}
}
