package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmesh/agentmesh/bridge"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/planning"
)

func newRunPlanCmd() *cobra.Command {
	var (
		task              string
		workingDir        string
		dryRun            bool
		noSandbox         bool
		continueOnFailure bool
		qualityThreshold  float64
		scoreEndpoint     string
		strategy          string
	)

	cmd := &cobra.Command{
		Use:   "run-plan [plan.md]",
		Short: "Execute a markdown plan through the pipeline",
		Long: "Parses a markdown plan, decomposes it into atomic units, executes them in " +
			"dependency order, validates each unit, and prints the pipeline result as JSON. " +
			"With --task instead of a file, a plan is generated first.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig()
			if err != nil {
				return err
			}

			content, err := planContent(cmd, args, task, strategy, logger)
			if err != nil {
				return err
			}

			scorer := bridge.NewScoringBridge(bridge.ScoringBridgeConfig{
				Endpoint: scoreEndpoint,
				Logger:   logger,
			})
			publisher := bridge.NewMeshBridge(bridge.MeshBridgeConfig{Logger: logger}, nil, nil, nil)
			resultStore := bridge.NewDataBridge(nil, logger)
			if err := scorer.Initialize(cmd.Context()); err != nil {
				return err
			}
			if err := publisher.Initialize(cmd.Context()); err != nil {
				return err
			}
			if err := resultStore.Initialize(cmd.Context()); err != nil {
				return err
			}

			orchestrator := planning.NewOrchestrator(planning.OrchestratorDeps{
				Store:     resultStore,
				Publisher: publisher,
				Scorer:    scorer,
				Logger:    logger,
			})

			execCtx := planning.DefaultExecutionContext(workingDir)
			execCtx.DryRun = dryRun
			execCtx.Sandbox = !noSandbox
			execCtx.StopOnFailure = !continueOnFailure
			if qualityThreshold > 0 {
				execCtx.QualityThreshold = qualityThreshold
			}

			result := orchestrator.Execute(cmd.Context(), content, execCtx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success() {
				return fmt.Errorf("pipeline %s: %d unit(s) failed", result.Status, result.FailedUnits)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "generate a plan for this task instead of reading a file")
	cmd.Flags().StringVar(&workingDir, "working-dir", ".", "directory the plan executes in")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log commands without executing them")
	cmd.Flags().BoolVar(&noSandbox, "no-sandbox", false, "disable command sandboxing")
	cmd.Flags().BoolVar(&continueOnFailure, "continue-on-failure", false, "keep executing after a unit fails")
	cmd.Flags().Float64Var(&qualityThreshold, "quality-threshold", 0, "minimum acceptable unit score")
	cmd.Flags().StringVar(&scoreEndpoint, "score-endpoint", "", "remote scoring service base URL (empty scores locally)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "model routing strategy: cost, quality, latency, or balanced")
	return cmd
}

// planContent resolves the plan markdown: from the file argument, or generated
// through the model router when --task is given. The raw task drives both the
// routing classification and the generation prompt; escalation walks the
// model chain until the router's quality threshold is met.
func planContent(cmd *cobra.Command, args []string, task, strategy string, logger core.Logger) (string, error) {
	switch {
	case task != "" && len(args) > 0:
		return "", fmt.Errorf("pass either a plan file or --task, not both")
	case task != "":
		models := bridge.NewModelBridge(bridge.ModelBridgeConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Logger: logger,
		})
		if err := models.Initialize(cmd.Context()); err != nil {
			return "", err
		}
		router := planning.NewRouter(planning.RouterConfig{
			DefaultStrategy: planning.RoutingStrategy(strategy),
			Logger:          logger,
		}, models)
		out, err := router.GenerateWithEscalation(cmd.Context(), task, 0, -1)
		if err != nil {
			return "", err
		}
		logger.Info("Plan generated", map[string]interface{}{
			"model":        out.Result.Model,
			"quality":      out.Quality,
			"escalations":  out.Escalations,
			"models_tried": out.ModelsTried,
		})
		return out.Result.Content, nil
	case len(args) == 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read plan: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("a plan file or --task is required")
	}
}
