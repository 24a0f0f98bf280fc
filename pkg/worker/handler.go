package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/entrhq/browserstep/pkg/ipc"
	"github.com/entrhq/browserstep/pkg/types"
)

// Handler serves worker commands received over IPC.
type Handler struct {
	worker *Worker
}

var _ ipc.Handler = (*Handler)(nil)

// NewHandler creates an IPC handler for w.
func NewHandler(w *Worker) *Handler {
	return &Handler{worker: w}
}

// Handle decodes the payload of command and dispatches it.
func (h *Handler) Handle(ctx context.Context, command ipc.Command, id types.ExecutionID, payload json.RawMessage) (interface{}, error) {
	start := time.Now()
	result, err := h.dispatch(ctx, command, id, payload)

	outcome := "ok"
	if err != nil {
		outcome = string(types.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	} else if resp, ok := result.(*types.ExecResponse); ok && resp.Failed() {
		outcome = "recovered"
	}
	commandsTotal.WithLabelValues(string(command), outcome).Inc()
	commandDuration.WithLabelValues(string(command)).Observe(time.Since(start).Seconds())
	return result, err
}

func (h *Handler) dispatch(ctx context.Context, command ipc.Command, id types.ExecutionID, payload json.RawMessage) (interface{}, error) {
	switch command {
	case ipc.CommandLaunch:
		var p ipc.LaunchPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return h.worker.Launch(ctx, id, p.GlobalOptions)

	case ipc.CommandExec:
		var p ipc.ExecPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return h.worker.Exec(ctx, id, p.NodeParameters, p.ContinueOnFail)

	case ipc.CommandCheck:
		var p ipc.CheckPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return nil, h.worker.Check(ctx, id, types.Credentials{APIKey: p.APIKey, BaseURL: p.BaseURL})
	}
	return nil, types.NewError(types.KindInvalid, "unknown command %q", command)
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return types.WrapError(types.KindInvalid, err, "malformed payload")
	}
	return nil
}
