// Package orchestrator drives one workflow step against the automation
// worker: launch, exec and check for a single execution id, turning the
// worker's reply into host-facing items.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/browserstep/pkg/ipc"
	"github.com/entrhq/browserstep/pkg/logging"
	"github.com/entrhq/browserstep/pkg/types"
)

var debugLog = logging.NewLogger("orchestrator")

// DefaultCheckTimeout bounds the check sent after every step.
const DefaultCheckTimeout = 30 * time.Second

// Worker is the command surface of the automation worker. Both
// *ipc.WorkerClient and *worker.Worker satisfy it.
type Worker interface {
	Launch(ctx context.Context, id types.ExecutionID, opts types.GlobalOptions) (bool, error)
	Exec(ctx context.Context, id types.ExecutionID, params types.NodeParameters, continueOnFail bool) (*types.ExecResponse, error)
	Check(ctx context.Context, id types.ExecutionID, creds types.Credentials) error
}

// Options configure an Orchestrator.
type Options struct {
	CheckTimeout time.Duration
}

// Request is one step invocation.
type Request struct {
	ExecutionID    types.ExecutionID
	ItemIndex      int
	Params         types.NodeParameters
	ContinueOnFail bool
	Credentials    types.Credentials
}

// Orchestrator runs steps against a worker.
type Orchestrator struct {
	worker   Worker
	preparer BinaryPreparer
	opts     Options
}

// New creates an orchestrator. A nil preparer uses InlinePreparer.
func New(w Worker, preparer BinaryPreparer, opts Options) *Orchestrator {
	if preparer == nil {
		preparer = InlinePreparer{}
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	return &Orchestrator{worker: w, preparer: preparer, opts: opts}
}

// Execute launches the session, runs the step and always sends check
// afterwards. It returns at most one item. Execution failures become an
// error item when req.ContinueOnFail is set; every other failure is
// returned as is.
func (o *Orchestrator) Execute(ctx context.Context, req Request) ([]types.Item, error) {
	if req.ExecutionID == "" {
		return nil, types.NewError(types.KindInvalid, "execution id is required")
	}
	defer o.check(ctx, req)

	logger := debugLog.With("execution_id", req.ExecutionID)

	ready, err := o.worker.Launch(ctx, req.ExecutionID, req.Params.GlobalOptions)
	if err != nil {
		return nil, err
	}
	if !ready {
		logger.Warnf("Worker did not start a session, skipping exec")
		return nil, nil
	}

	params := req.Params
	resp, err := o.worker.Exec(ctx, req.ExecutionID, params, req.ContinueOnFail)
	if err != nil {
		if rec := recoverable(err, req.ContinueOnFail); rec != nil {
			logger.Warnf("Exec failed, continuing: %v", err)
			return []types.Item{types.ErrorItem(*rec, req.ItemIndex)}, nil
		}
		return nil, err
	}

	if resp.Failed() {
		return []types.Item{types.ErrorItem(*resp.ErrorRecord, req.ItemIndex)}, nil
	}
	if resp.Result == nil {
		return nil, nil
	}

	item := types.Item{
		JSON:       resp.Result.JSON,
		PairedItem: types.PairedItem{Item: req.ItemIndex},
	}
	if item.JSON == nil {
		item.JSON = map[string]interface{}{}
	}
	if binary := o.convert(ctx, resp.Result.Binary); len(binary) > 0 {
		item.Binary = binary
	}
	return []types.Item{item}, nil
}

// recoverable returns the error record for err when continue-on-fail applies
// to it, or nil.
func recoverable(err error, continueOnFail bool) *types.ErrorRecord {
	if !continueOnFail || ipc.IsTransport(err) || !types.IsExecution(err) {
		return nil
	}
	var ae *types.AutomationError
	if !errors.As(err, &ae) {
		return nil
	}
	return ae.Record()
}

// check releases the session. Its outcome never reaches the caller.
func (o *Orchestrator) check(ctx context.Context, req Request) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CheckTimeout)
	defer cancel()

	if err := o.worker.Check(checkCtx, req.ExecutionID, req.Credentials); err != nil {
		debugLog.Warnw("Check failed", "execution_id", req.ExecutionID, "kind", types.KindOf(err), "error", err)
	}
}
