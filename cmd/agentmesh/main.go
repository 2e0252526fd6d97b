// Command agentmesh runs the control plane: the workflow store, the event
// router, the service registry, and the plan execution pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmesh/agentmesh/core"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "agentmesh",
		Short:         "Agent workforce control plane",
		Long:          "agentmesh runs the workflow store, event router, service registry, and the plan execution pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunPlanCmd())
	root.AddCommand(newRetryDLQCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the log-level flag.
func loadConfig() (*core.Config, core.Logger, error) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := core.NewZerologLogger(os.Stderr, cfg.LogLevel)
	return cfg, logger, nil
}
