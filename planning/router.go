package planning

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmesh/agentmesh/core"
)

// TaskComplexity classifies how demanding a task is for a model.
type TaskComplexity string

const (
	TaskSimple   TaskComplexity = "simple"
	TaskModerate TaskComplexity = "moderate"
	TaskComplex  TaskComplexity = "complex"
	TaskCritical TaskComplexity = "critical"
)

// TaskCategory classifies the kind of work a task asks for.
type TaskCategory string

const (
	CategoryValidation    TaskCategory = "validation"
	CategoryGeneration    TaskCategory = "generation"
	CategoryAnalysis      TaskCategory = "analysis"
	CategoryDecomposition TaskCategory = "decomposition"
	CategoryPlanning      TaskCategory = "planning"
)

// RoutingStrategy selects the optimization axis for model choice.
type RoutingStrategy string

const (
	StrategyCost     RoutingStrategy = "cost"
	StrategyQuality  RoutingStrategy = "quality"
	StrategyLatency  RoutingStrategy = "latency"
	StrategyBalanced RoutingStrategy = "balanced"
)

// Model tiers in the escalation chain, cheapest to strongest.
const (
	ModelLocalMistral = "mistral"
	ModelCloudCheap   = "gpt-4o-mini"
	ModelCloudMid     = "gpt-4o"
	ModelCloudTop     = "gpt-4-turbo"
)

// escalationChain is the fixed quality ladder escalation walks.
var escalationChain = []string{ModelLocalMistral, ModelCloudCheap, ModelCloudMid, ModelCloudTop}

// TextGenerator is the opaque model port. The model bridge provides the
// production implementation; tests inject fakes.
type TextGenerator interface {
	Generate(ctx context.Context, prompt, model string) (GenerateResult, error)
}

// GenerateResult is one model invocation's output.
type GenerateResult struct {
	Content    string  `json:"content"`
	Model      string  `json:"model"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	LatencyMs  int64   `json:"latency_ms"`
}

// RouterConfig configures the model router.
type RouterConfig struct {
	DefaultStrategy  RoutingStrategy `yaml:"default_strategy"`
	QualityThreshold float64         `yaml:"quality_threshold"`
	PreferLocal      bool            `yaml:"prefer_local"`
	MaxEscalations   int             `yaml:"max_escalations"`
	Logger           core.Logger     `yaml:"-"`
}

// DefaultRouterConfig returns the documented defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		DefaultStrategy:  StrategyBalanced,
		QualityThreshold: 0.7,
		PreferLocal:      true,
		MaxEscalations:   3,
	}
}

// EscalationResult is the outcome of generate-with-escalation.
type EscalationResult struct {
	Result      GenerateResult `json:"result"`
	Quality     float64        `json:"quality"`
	Escalations int            `json:"escalations"`
	ModelsTried []string       `json:"models_tried"`
	TotalCost   float64        `json:"total_cost"`
}

// Router classifies tasks and chooses models under a routing strategy,
// escalating up a fixed chain until a quality threshold is met.
// Route decisions are pure; escalation calls are sequential per task.
type Router struct {
	config    RouterConfig
	generator TextGenerator
	logger    core.Logger
}

// NewRouter creates a router around the model port.
func NewRouter(config RouterConfig, generator TextGenerator) *Router {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyBalanced
	}
	if config.QualityThreshold <= 0 {
		config.QualityThreshold = 0.7
	}
	if config.MaxEscalations <= 0 {
		config.MaxEscalations = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Router{config: config, generator: generator, logger: logger}
}

var extensionPattern = regexp.MustCompile(`\.[A-Za-z0-9]{1,5}\b`)

var complexityKeywords = map[TaskComplexity][]string{
	TaskCritical: {"critical", "security", "production", "migration", "payment", "auth"},
	TaskComplex:  {"refactor", "architecture", "distributed", "concurrent", "optimize", "integrate"},
	TaskModerate: {"implement", "build", "extend", "parse", "endpoint", "handler"},
	TaskSimple:   {"rename", "typo", "comment", "format", "readme", "doc"},
}

var categoryKeywords = map[TaskCategory][]string{
	CategoryValidation:    {"validate", "verify", "check", "test", "lint"},
	CategoryAnalysis:      {"analyze", "review", "investigate", "diagnose", "explain"},
	CategoryDecomposition: {"decompose", "split", "break down", "subtask"},
	CategoryPlanning:      {"plan", "roadmap", "design", "spec", "outline"},
}

// ClassifyComplexity scores the task text on the complexity axis with
// tie-breaks toward simple. Long text and many distinct file extensions
// bias toward complex.
func (r *Router) ClassifyComplexity(task string) TaskComplexity {
	lower := strings.ToLower(task)

	scores := map[TaskComplexity]int{}
	for complexity, words := range complexityKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				scores[complexity]++
			}
		}
	}

	if len(task) > 500 {
		scores[TaskComplex]++
	}
	distinct := map[string]bool{}
	for _, m := range extensionPattern.FindAllString(lower, -1) {
		distinct[m] = true
	}
	if len(distinct) > 5 {
		scores[TaskComplex]++
	}

	// Ties break toward the simpler bucket.
	order := []TaskComplexity{TaskSimple, TaskModerate, TaskComplex, TaskCritical}
	best := TaskSimple
	bestScore := 0
	for _, c := range order {
		if scores[c] > bestScore {
			best = c
			bestScore = scores[c]
		}
	}
	return best
}

// ClassifyCategory scores the task text on the category axis; generation is
// the default when nothing matches.
func (r *Router) ClassifyCategory(task string) TaskCategory {
	lower := strings.ToLower(task)
	best := CategoryGeneration
	bestScore := 0
	for _, category := range []TaskCategory{CategoryValidation, CategoryAnalysis, CategoryDecomposition, CategoryPlanning} {
		score := 0
		for _, w := range categoryKeywords[category] {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score > bestScore {
			best = category
			bestScore = score
		}
	}
	return best
}

// SelectModel applies the strategy table to a task.
func (r *Router) SelectModel(task string, strategy RoutingStrategy) string {
	if strategy == "" {
		strategy = r.config.DefaultStrategy
	}
	complexity := r.ClassifyComplexity(task)
	category := r.ClassifyCategory(task)

	var model string
	switch strategy {
	case StrategyCost:
		if local, ok := localModelFor(complexity, category); ok {
			model = local
		} else {
			model = ModelCloudCheap
		}
	case StrategyQuality:
		switch complexity {
		case TaskCritical:
			model = ModelCloudTop
		case TaskComplex:
			model = ModelCloudMid
		default:
			model = ModelCloudCheap
		}
	case StrategyLatency:
		if complexity == TaskSimple {
			model = ModelLocalMistral
		} else {
			model = ModelCloudCheap
		}
	default: // balanced
		switch complexity {
		case TaskSimple:
			if r.config.PreferLocal {
				model = ModelLocalMistral
			} else {
				model = ModelCloudCheap
			}
		case TaskModerate:
			if r.config.PreferLocal {
				model = ModelLocalMistral
			} else {
				model = ModelCloudCheap
			}
		case TaskComplex:
			model = ModelCloudMid
		default:
			model = ModelCloudTop
		}
	}

	r.logger.Debug("Model selected", map[string]interface{}{
		"strategy":   string(strategy),
		"complexity": string(complexity),
		"model":      model,
	})
	return model
}

// GenerateWithEscalation invokes the model port, walking the escalation
// chain from the strategy-selected model until the quality estimate reaches
// minQuality or the chain (or maxEscalations) is exhausted. The heuristic
// estimate is provisional: when an external scoring result is available the
// caller overrides it and no re-scoring happens here.
func (r *Router) GenerateWithEscalation(ctx context.Context, task string, minQuality float64, maxEscalations int) (EscalationResult, error) {
	if r.generator == nil {
		return EscalationResult{}, fmt.Errorf("model port: %w", core.ErrNotInitialized)
	}
	if minQuality <= 0 {
		minQuality = r.config.QualityThreshold
	}
	if maxEscalations < 0 {
		maxEscalations = r.config.MaxEscalations
	}

	start := chainIndex(r.SelectModel(task, r.config.DefaultStrategy))
	out := EscalationResult{}

	for i := start; i < len(escalationChain); i++ {
		model := escalationChain[i]
		result, err := r.generator.Generate(ctx, task, model)
		if err != nil {
			r.logger.Warn("Model invocation failed", map[string]interface{}{
				"model": model,
				"error": err.Error(),
			})
			if i == len(escalationChain)-1 && out.Result.Model == "" {
				return out, err
			}
			out.Escalations++
			out.ModelsTried = append(out.ModelsTried, model)
			continue
		}

		out.Result = result
		out.ModelsTried = append(out.ModelsTried, model)
		out.TotalCost += result.Cost
		out.Quality = EstimateQuality(result.Content)

		if out.Quality >= minQuality {
			return out, nil
		}
		if out.Escalations >= maxEscalations || i == len(escalationChain)-1 {
			return out, nil
		}
		out.Escalations++

		r.logger.Info("Escalating model", map[string]interface{}{
			"from":        model,
			"quality":     out.Quality,
			"min_quality": minQuality,
			"escalations": out.Escalations,
		})
	}

	return out, nil
}

// localModelFor is the (complexity, category) table of local models the cost
// strategy consults first. Complex and critical work has no local entry.
func localModelFor(complexity TaskComplexity, category TaskCategory) (string, bool) {
	if complexity == TaskComplex || complexity == TaskCritical {
		return "", false
	}
	switch category {
	case CategoryValidation, CategoryGeneration, CategoryDecomposition:
		return ModelLocalMistral, true
	case CategoryAnalysis, CategoryPlanning:
		if complexity == TaskSimple {
			return ModelLocalMistral, true
		}
		return "", false
	default:
		return ModelLocalMistral, true
	}
}

func chainIndex(model string) int {
	for i, m := range escalationChain {
		if m == model {
			return i
		}
	}
	return 0
}

// EstimateQuality derives a provisional quality signal in [0,1] from length
// buckets, markdown structure, acceptance-criteria vocabulary, and file-like
// tokens.
func EstimateQuality(content string) float64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}

	score := 0.0
	switch n := len(content); {
	case n > 2000:
		score += 0.4
	case n > 500:
		score += 0.3
	case n > 100:
		score += 0.2
	default:
		score += 0.1
	}

	if strings.Contains(content, "## ") || strings.Contains(content, "### ") {
		score += 0.2
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "acceptance") || strings.Contains(lower, "criteria") {
		score += 0.2
	}
	for _, token := range strings.Fields(content) {
		if ext := filepath.Ext(strings.Trim(token, "`.,:;")); len(ext) > 1 && len(ext) <= 6 {
			score += 0.2
			break
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
