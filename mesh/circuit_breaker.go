package mesh

import (
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the thresholds for one breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// probe.
	RecoveryTimeout time.Duration

	// Logger for state change events.
	Logger core.Logger

	// now is overridable for tests.
	now func() time.Time
}

// DefaultCircuitBreakerConfig returns the standard thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker is a count-threshold breaker for one logical target.
// Failures accumulate while closed; at the threshold the breaker opens and
// rejects calls until the recovery timeout, then admits one probe whose
// outcome decides between closing and re-opening.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	probeInFlight   bool
}

// NewCircuitBreaker creates a closed breaker for the named target.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker past its
// recovery timeout moves to half_open and admits exactly one probe; further
// calls are rejected until the probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.config.now().Sub(cb.lastFailureTime) < cb.config.RecoveryTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probeInFlight = true
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count; a half_open success closes the
// breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.probeInFlight = false
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.failureCount = 0
		cb.transition(StateClosed)
	}
}

// RecordFailure counts a failure; at the threshold a closed breaker opens,
// and a half_open probe failure re-opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.lastFailureTime = cb.config.now()
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.lastFailureTime = cb.config.now()
		cb.transition(StateOpen)
	case StateOpen:
		cb.lastFailureTime = cb.config.now()
	}
}

// IsOpen reports whether the breaker currently rejects calls. It never
// admits probes; only Allow does.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return false
	}
	return cb.config.now().Sub(cb.lastFailureTime) < cb.config.RecoveryTimeout
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitSnapshot{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.config.FailureThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// CircuitSnapshot is the externally visible breaker state.
type CircuitSnapshot struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
}

// transition logs the state change. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"breaker": cb.name,
		"from":    from.String(),
		"to":      to.String(),
	})
}

// BreakerRegistry hands out one breaker per logical target.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewBreakerRegistry creates a registry whose breakers share config.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Breaker returns the breaker for name, creating it closed on first use.
func (r *BreakerRegistry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// IsCircuitOpen reports whether the named breaker currently rejects calls.
// Unknown names are closed.
func (r *BreakerRegistry) IsCircuitOpen(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return cb.IsOpen()
}

// Snapshots returns the state of every breaker.
func (r *BreakerRegistry) Snapshots() []CircuitSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CircuitSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.State())
	}
	return out
}
