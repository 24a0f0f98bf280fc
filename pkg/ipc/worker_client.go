package ipc

import (
	"context"

	"github.com/entrhq/browserstep/pkg/types"
)

// WorkerClient is the typed command surface of the worker.
type WorkerClient struct {
	client *Client
}

// NewWorkerClient wraps c.
func NewWorkerClient(c *Client) *WorkerClient {
	return &WorkerClient{client: c}
}

// Launch asks the worker to create or reuse the session for id.
func (w *WorkerClient) Launch(ctx context.Context, id types.ExecutionID, opts types.GlobalOptions) (bool, error) {
	var ready bool
	if err := w.client.Call(ctx, CommandLaunch, id, LaunchPayload{GlobalOptions: opts}, &ready); err != nil {
		return false, err
	}
	return ready, nil
}

// Exec runs params against the session for id.
func (w *WorkerClient) Exec(ctx context.Context, id types.ExecutionID, params types.NodeParameters, continueOnFail bool) (*types.ExecResponse, error) {
	resp := &types.ExecResponse{}
	payload := ExecPayload{NodeParameters: params, ContinueOnFail: continueOnFail}
	if err := w.client.Call(ctx, CommandExec, id, payload, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Check finalizes the execution id.
func (w *WorkerClient) Check(ctx context.Context, id types.ExecutionID, creds types.Credentials) error {
	return w.client.Call(ctx, CommandCheck, id, CheckPayload{APIKey: creds.APIKey, BaseURL: creds.BaseURL}, nil)
}

// Done is closed when the channel to the worker is gone.
func (w *WorkerClient) Done() <-chan struct{} {
	return w.client.Done()
}

// Close closes the underlying client.
func (w *WorkerClient) Close() error {
	return w.client.Close()
}
