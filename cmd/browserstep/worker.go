package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/browserstep/pkg/config"
	"github.com/entrhq/browserstep/pkg/devices"
	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/engine/chromedp"
	"github.com/entrhq/browserstep/pkg/engine/playwright"
	"github.com/entrhq/browserstep/pkg/ipc"
	"github.com/entrhq/browserstep/pkg/logging"
	"github.com/entrhq/browserstep/pkg/role"
	"github.com/entrhq/browserstep/pkg/sandbox"
	"github.com/entrhq/browserstep/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

var cliLog = logging.NewLogger("cli")

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve automation commands as the browser worker",
		Long: `Run the automation worker. With the stdio transport the worker reads
commands on stdin and writes replies on stdout; it is normally spawned by
"browserstep run" or a host and refuses to start from a terminal unless
--force is given. With the redis transport it consumes the request queue.`,
		RunE: runWorker,
	}
	cmd.Flags().Bool("force", false, "serve on stdio without the spawn handshake")
	cmd.Flags().String("status-addr", "", "serve health, sessions and metrics on this address")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("status-addr"); addr != "" {
		cfg.Worker.StatusAddr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newWorker(cfg)
	if err != nil {
		return err
	}

	var channel ipc.Transport
	if cfg.IPC.Transport == config.TransportRedis {
		rdb, err := ipc.DialRedis(ctx, cfg.IPC.RedisURL)
		if err != nil {
			return errors.Join(err, shutdownWorker(w))
		}
		channel = ipc.NewRedisServerTransport(rdb, redisOptions(cfg)).OwnClient()
	}

	r, err := role.Select(ctx, role.Options{
		Worker:  true,
		Channel: channel,
		Handler: worker.NewHandler(w),
		Force:   viper.GetBool("force"),
	})
	if err != nil {
		return errors.Join(err, shutdownWorker(w))
	}
	defer r.Close()

	cliLog.Infow("Worker started",
		"engine", cfg.Worker.Engine,
		"transport", cfg.IPC.Transport,
		"release_policy", cfg.Worker.ReleasePolicy,
	)

	g, gctx := errgroup.WithContext(ctx)
	// Background tasks stop when the channel closes.
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	g.Go(func() error {
		defer stopBackground()
		return r.Serve(gctx)
	})
	g.Go(func() error {
		w.RunReaper(bgCtx, cfg.Worker.ReapInterval)
		return nil
	})
	if cfg.Worker.StatusAddr != "" {
		g.Go(func() error {
			return worker.ServeStatus(bgCtx, cfg.Worker.StatusAddr, w)
		})
	}

	err = g.Wait()
	cliLog.Infof("Worker stopping")
	return errors.Join(err, shutdownWorker(w))
}

// newWorker builds the engine, sandbox and worker described by cfg.
func newWorker(cfg *config.Config) (*worker.Worker, error) {
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	registerEngineDevices(eng)
	runner, err := sandbox.NewRunner(sandbox.Policy{
		Builtin:     cfg.Sandbox.Builtin,
		External:    cfg.Sandbox.External,
		Transitive:  cfg.Sandbox.Transitive,
		ModulesRoot: cfg.Sandbox.ModulesRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox policy: %w", err)
	}
	return worker.New(eng, runner, worker.OptionsFromConfig(cfg)), nil
}

func newEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Worker.Engine {
	case config.EnginePlaywright:
		return playwright.New(playwright.Options{Install: cfg.Worker.InstallBrowsers}), nil
	case config.EngineChromedp:
		return chromedp.New(chromedp.Options{RemoteURL: cfg.Worker.RemoteURL}), nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Worker.Engine)
}

// deviceSource is implemented by engines that ship their own device
// descriptors.
type deviceSource interface {
	DeviceProfiles() ([]devices.Profile, error)
}

// registerEngineDevices adds the engine's device descriptors to the catalog.
// Failures leave the built-in catalog in place.
func registerEngineDevices(eng engine.Engine) {
	src, ok := eng.(deviceSource)
	if !ok {
		return
	}
	profiles, err := src.DeviceProfiles()
	if err != nil {
		cliLog.Warnf("Using built-in device catalog: %v", err)
		return
	}
	devices.Register(profiles...)
	cliLog.Debugf("Registered %d %s device profiles", len(profiles), eng.Name())
}

func shutdownWorker(w *worker.Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return w.Shutdown(ctx)
}

func redisOptions(cfg *config.Config) ipc.RedisOptions {
	return ipc.RedisOptions{Prefix: cfg.IPC.Prefix, ReplyTTL: cfg.IPC.ReplyTTL}
}
