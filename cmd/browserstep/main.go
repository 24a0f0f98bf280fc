// Package main provides the browserstep command: the headless browser
// automation worker and a caller that runs single workflow steps against it.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/entrhq/browserstep/pkg/config"
	"github.com/entrhq/browserstep/pkg/logging"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "browserstep",
	Short: "Headless browser automation for workflow steps",
	Long: `browserstep drives a headless browser on behalf of workflow steps.

The worker process owns one browser session per execution id and answers
launch, exec and check commands over stdio or a Redis queue. The run
command executes a single step against a spawned, in-process or remote
worker and prints the resulting items.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	viper.SetEnvPrefix("BROWSERSTEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", "", "config file (default ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().String("engine", "", "browser engine: playwright or chromedp")
	rootCmd.PersistentFlags().String("transport", "", "ipc transport: stdio or redis")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: human or json")

	rootCmd.AddCommand(newWorkerCmd(), newRunCmd(), newDevicesCmd(), newVersionCmd())
}

// loadConfig reads the config file and applies flag and BROWSERSTEP_*
// overrides bound through viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"engine":     &cfg.Worker.Engine,
		"transport":  &cfg.IPC.Transport,
		"log-level":  &cfg.Logging.Level,
		"log-format": &cfg.Logging.Format,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func main() {
	err := rootCmd.Execute()
	_ = logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}
