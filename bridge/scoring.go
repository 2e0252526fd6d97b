package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/planning"
)

// ScoringBridgeConfig configures the scoring port adapter.
type ScoringBridgeConfig struct {
	// Endpoint is the base URL of the scoring service. Empty means
	// always-local.
	Endpoint string
	Timeout  time.Duration
	Logger   core.Logger
}

// ScoringBridge adapts the external quality-scoring port. Without an
// endpoint, or when the remote fails, scores are computed locally from the
// validation outcome and a content-quality estimate.
type ScoringBridge struct {
	config ScoringBridgeConfig
	client *http.Client
	logger core.Logger

	connected    atomic.Bool
	scores       atomic.Int64
	remoteScores atomic.Int64
	localScores  atomic.Int64
}

// NewScoringBridge wires the scoring port adapter.
func NewScoringBridge(config ScoringBridgeConfig) *ScoringBridge {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &ScoringBridge{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: config.Logger,
	}
}

// Initialize marks the bridge connected when an endpoint is configured.
func (b *ScoringBridge) Initialize(ctx context.Context) error {
	b.connected.Store(b.config.Endpoint != "")
	return nil
}

// Close detaches from the remote.
func (b *ScoringBridge) Close() error {
	b.connected.Store(false)
	return nil
}

// IsConnected reports whether scores come from the remote port.
func (b *ScoringBridge) IsConnected() bool {
	return b.connected.Load()
}

// Statistics returns the scoring counters.
func (b *ScoringBridge) Statistics() map[string]interface{} {
	return map[string]interface{}{
		"scores":        b.scores.Load(),
		"remote_scores": b.remoteScores.Load(),
		"local_scores":  b.localScores.Load(),
		"connected":     b.connected.Load(),
	}
}

// ScoreUnit judges one unit's quality. The remote port is asked first; any
// failure degrades to the local heuristic, never to an error.
func (b *ScoringBridge) ScoreUnit(ctx context.Context, unit planning.AtomicUnit, validation planning.ValidationResult) (planning.UnitScore, error) {
	b.scores.Add(1)

	if b.connected.Load() && b.config.Endpoint != "" {
		score, err := b.scoreRemote(ctx, unit, validation)
		if err == nil {
			b.remoteScores.Add(1)
			return score, nil
		}
		b.logger.Warn("Scoring port failed, using local heuristic", map[string]interface{}{
			"unit_id": unit.ID,
			"error":   err.Error(),
		})
	}

	b.localScores.Add(1)
	return b.scoreLocal(unit, validation), nil
}

func (b *ScoringBridge) scoreRemote(ctx context.Context, unit planning.AtomicUnit, validation planning.ValidationResult) (planning.UnitScore, error) {
	body, err := json.Marshal(map[string]interface{}{
		"unit":       unit,
		"validation": validation,
	})
	if err != nil {
		return planning.UnitScore{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.Endpoint+"/score", bytes.NewReader(body))
	if err != nil {
		return planning.UnitScore{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return planning.UnitScore{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return planning.UnitScore{}, fmt.Errorf("scoring port returned %d", resp.StatusCode)
	}

	var score planning.UnitScore
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return planning.UnitScore{}, fmt.Errorf("decode score: %w", err)
	}
	if score.Score < 0 || score.Score > 100 {
		return planning.UnitScore{}, fmt.Errorf("score %f outside [0,100]", score.Score)
	}
	if score.Assessment == "" {
		score.Assessment = string(planning.AssessmentFor(score.Score))
	}
	return score, nil
}

// scoreLocal blends the validation pass rate with a content-quality
// estimate of the unit's description. Skipped criteria count as passes so
// manual-only units are not penalized.
func (b *ScoringBridge) scoreLocal(unit planning.AtomicUnit, validation planning.ValidationResult) planning.UnitScore {
	validationScore := 0.0
	if n := len(validation.CriterionResults); n > 0 {
		passed := 0
		for _, cr := range validation.CriterionResults {
			if cr.Status == planning.CriterionPassed || cr.Status == planning.CriterionSkipped {
				passed++
			}
		}
		validationScore = 100 * float64(passed) / float64(n)
	}

	quality := planning.EstimateQuality(unit.Description) * 100
	score := 0.7*validationScore + 0.3*quality
	return planning.UnitScore{
		Score:           score,
		Assessment:      string(planning.AssessmentFor(score)),
		ValidationScore: validationScore,
	}
}

var _ Bridge = (*ScoringBridge)(nil)
var _ planning.UnitScorer = (*ScoringBridge)(nil)
