package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/planning"
)

// ModelBridgeConfig configures the model port adapter.
type ModelBridgeConfig struct {
	APIKey  string
	BaseURL string
	// Provider labels responses, e.g. "openai" or "ollama".
	Provider string
	Logger   core.Logger
}

// PlanResponse is one plan generation outcome.
type PlanResponse struct {
	PlanID     string `json:"plan_id"`
	Content    string `json:"content"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMs  int64  `json:"latency_ms"`
}

// ModelBridge adapts the external LLM port. Without an API key, or when the
// remote errors, it falls back to a deterministic local template so dry-run
// pipelines still progress.
type ModelBridge struct {
	config ModelBridgeConfig
	client *openai.Client
	logger core.Logger

	connected    atomic.Bool
	calls        atomic.Int64
	remoteCalls  atomic.Int64
	localCalls   atomic.Int64
	totalLatency atomic.Int64
}

// NewModelBridge wires the model port adapter.
func NewModelBridge(config ModelBridgeConfig) *ModelBridge {
	if config.Provider == "" {
		config.Provider = "openai"
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	b := &ModelBridge{config: config, logger: config.Logger}
	if config.APIKey != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		if config.BaseURL != "" {
			clientConfig.BaseURL = config.BaseURL
		}
		b.client = openai.NewClientWithConfig(clientConfig)
	}
	return b
}

// Initialize marks the bridge connected when a client is configured.
func (b *ModelBridge) Initialize(ctx context.Context) error {
	b.connected.Store(b.client != nil)
	return nil
}

// Close detaches from the remote.
func (b *ModelBridge) Close() error {
	b.connected.Store(false)
	return nil
}

// IsConnected reports whether calls are reaching the remote model port.
func (b *ModelBridge) IsConnected() bool {
	return b.connected.Load()
}

// Statistics returns call counters and mean latency.
func (b *ModelBridge) Statistics() map[string]interface{} {
	calls := b.calls.Load()
	var meanLatency int64
	if calls > 0 {
		meanLatency = b.totalLatency.Load() / calls
	}
	return map[string]interface{}{
		"calls":           calls,
		"remote_calls":    b.remoteCalls.Load(),
		"local_calls":     b.localCalls.Load(),
		"mean_latency_ms": meanLatency,
		"connected":       b.connected.Load(),
	}
}

// GeneratePlan asks the model port for plan markdown covering the task.
func (b *ModelBridge) GeneratePlan(ctx context.Context, task, taskContext, model string) (*PlanResponse, error) {
	prompt := fmt.Sprintf("Write an implementation plan in markdown for this task.\n\nTask: %s", task)
	if taskContext != "" {
		prompt += "\n\nContext: " + taskContext
	}
	result, err := b.Generate(ctx, prompt, model)
	if err != nil {
		return nil, err
	}
	return &PlanResponse{
		PlanID:     planIDFor(task),
		Content:    result.Content,
		Model:      result.Model,
		Provider:   b.provider(),
		TokensUsed: result.TokensUsed,
		LatencyMs:  result.LatencyMs,
	}, nil
}

// Generate satisfies the planning text-generation port. Remote failures
// degrade to the local template rather than erroring.
func (b *ModelBridge) Generate(ctx context.Context, prompt, model string) (planning.GenerateResult, error) {
	b.calls.Add(1)
	start := time.Now()

	if b.client != nil && b.connected.Load() {
		resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err == nil && len(resp.Choices) > 0 {
			latency := time.Since(start).Milliseconds()
			b.remoteCalls.Add(1)
			b.totalLatency.Add(latency)
			return planning.GenerateResult{
				Content:    resp.Choices[0].Message.Content,
				Model:      model,
				TokensUsed: resp.Usage.TotalTokens,
				LatencyMs:  latency,
			}, nil
		}
		if err != nil {
			b.logger.Warn("Model port failed, using local template", map[string]interface{}{
				"model": model,
				"error": err.Error(),
			})
		}
	}

	content := localPlanTemplate(prompt)
	latency := time.Since(start).Milliseconds()
	b.localCalls.Add(1)
	b.totalLatency.Add(latency)
	return planning.GenerateResult{
		Content:    content,
		Model:      model,
		TokensUsed: len(strings.Fields(content)),
		LatencyMs:  latency,
	}, nil
}

func (b *ModelBridge) provider() string {
	if b.connected.Load() && b.client != nil {
		return b.config.Provider
	}
	return "local"
}

// localPlanTemplate produces a deterministic minimal plan from the prompt.
// Same prompt, same output, so offline tests are reproducible.
func localPlanTemplate(prompt string) string {
	task := prompt
	if idx := strings.Index(prompt, "Task: "); idx >= 0 {
		task = prompt[idx+len("Task: "):]
	}
	if idx := strings.Index(task, "\n"); idx >= 0 {
		task = task[:idx]
	}
	task = strings.TrimSpace(task)
	if task == "" {
		task = "the requested change"
	}
	return fmt.Sprintf(`# Plan: %s

## Steps

1. Review the affected area and confirm the scope of %s
2. Implement %s
3. Verify the change
- Run the existing checks
`, task, task, task)
}

// planIDFor derives a stable id from the task text.
func planIDFor(task string) string {
	sum := sha256.Sum256([]byte(task))
	return hex.EncodeToString(sum[:])[:12]
}

var _ Bridge = (*ModelBridge)(nil)
var _ planning.TextGenerator = (*ModelBridge)(nil)
