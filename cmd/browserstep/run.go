package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/browserstep/pkg/config"
	"github.com/entrhq/browserstep/pkg/ipc"
	"github.com/entrhq/browserstep/pkg/orchestrator"
	"github.com/entrhq/browserstep/pkg/role"
	"github.com/entrhq/browserstep/pkg/types"
	"github.com/entrhq/browserstep/pkg/worker"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow step against a worker",
		Long: `Run a single step described by a parameters file and print the
resulting items as JSON. By default a worker child process is spawned;
--in-process hosts the worker in this process and the redis transport
sends the step to workers consuming the request queue.`,
		Example: `  browserstep run --params step.yaml
  browserstep run --params step.yaml --in-process --out ./artifacts`,
		RunE: runStep,
	}
	cmd.Flags().String("params", "", "step parameters file (YAML or JSON)")
	cmd.Flags().String("execution-id", "", "execution id (default: random)")
	cmd.Flags().Int("item-index", 0, "index of the input item")
	cmd.Flags().Bool("in-process", false, "host the worker in this process")
	cmd.Flags().Bool("continue-on-fail", false, "turn execution failures into an error item")
	cmd.Flags().String("out", "", "write items, binaries and a summary to this directory")
	_ = cmd.MarkFlagRequired("params")
	return cmd
}

func runStep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	params, err := readParams(viper.GetString("params"))
	if err != nil {
		return err
	}

	id := viper.GetString("execution-id")
	if id == "" {
		id = uuid.NewString()
	}

	ctx := cmd.Context()
	r, cleanup, err := selectCaller(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	req := orchestrator.Request{
		ExecutionID:    types.ExecutionID(id),
		ItemIndex:      viper.GetInt("item-index"),
		Params:         *params,
		ContinueOnFail: viper.GetBool("continue-on-fail"),
		Credentials: types.Credentials{
			APIKey:  cfg.Accounting.APIKey,
			BaseURL: cfg.Accounting.BaseURL,
		},
	}

	start := time.Now()
	o := orchestrator.New(r.Client(), nil, orchestrator.Options{CheckTimeout: cfg.IPC.CheckTimeout})
	items, runErr := o.Execute(ctx, req)
	cliLog.Infow("Step finished",
		"execution_id", id,
		"items", len(items),
		"duration", time.Since(start).String(),
	)

	if dir := viper.GetString("out"); dir != "" {
		summary := &orchestrator.Summary{
			ExecutionID: req.ExecutionID,
			URL:         params.URL,
			StartTime:   start,
			Duration:    time.Since(start),
			Items:       items,
		}
		if runErr != nil {
			summary.Error = runErr.Error()
		}
		files, err := orchestrator.NewArtifactWriter(dir).WriteAll(summary)
		if err != nil {
			cliLog.Errorf("Failed to write artifacts: %v", err)
		} else {
			cliLog.Infof("Wrote %d artifacts to %s", len(files), dir)
		}
	}
	if runErr != nil {
		return runErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func readParams(path string) (*types.NodeParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters: %w", err)
	}
	var params types.NodeParameters
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse parameters %s: %w", path, err)
	}
	return &params, nil
}

// selectCaller connects to a worker the way cfg and the flags ask for. The
// returned cleanup closes the role and any worker hosted in this process.
func selectCaller(ctx context.Context, cfg *config.Config) (*role.Role, func(), error) {
	if viper.GetBool("in-process") {
		w, err := newWorker(cfg)
		if err != nil {
			return nil, nil, err
		}
		r, err := role.Select(ctx, role.Options{InProcess: true, Handler: worker.NewHandler(w)})
		if err != nil {
			_ = shutdownWorker(w)
			return nil, nil, err
		}
		return r, func() {
			_ = r.Close()
			if err := shutdownWorker(w); err != nil {
				cliLog.Warnf("Worker shutdown: %v", err)
			}
		}, nil
	}

	opts := role.Options{}
	if cfg.IPC.Transport == config.TransportRedis {
		rdb, err := ipc.DialRedis(ctx, cfg.IPC.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		opts.Remote = ipc.NewRedisClientTransport(rdb, redisOptions(cfg)).OwnClient()
	} else {
		opts.Spawn = ipc.SpawnOptions{Path: cfg.IPC.WorkerPath, Args: workerArgs()}
	}

	r, err := role.Select(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			cliLog.Warnf("Closing worker channel: %v", err)
		}
	}, nil
}

// workerArgs forwards the persistent settings to a spawned worker.
func workerArgs() []string {
	var args []string
	for _, key := range []string{"config", "engine", "log-level", "log-format"} {
		if v := viper.GetString(key); v != "" {
			args = append(args, "--"+key, v)
		}
	}
	return args
}
