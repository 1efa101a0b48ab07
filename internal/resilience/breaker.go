package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// OpenError is returned when a call is rejected because the breaker is open.
// No underlying call was attempted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.Name, e.RetryAfter.Round(time.Second))
}

// BreakerConfig configures a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open the circuit (default 5)
	SuccessThreshold int           // successes in half-open to close it (default 2)
	ResetTimeout     time.Duration // time in open before allowing trial calls (default 30s)
	Window           time.Duration // monitoring window for the failure counter and rate (default 1m)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		Window:           time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// Breaker implements a three-state circuit breaker. One instance guards one
// named external dependency; all call paths to that dependency share it.
type Breaker struct {
	name   string
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	halfOpenCalls  int
	firstFailure   time.Time
	lastTransition time.Time
	windowCalls    int
	windowFailures int
	windowStart    time.Time
}

// NewBreaker creates a circuit breaker with the given name and config.
func NewBreaker(name string, config BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &Breaker{
		name:           name,
		config:         config.withDefaults(),
		logger:         logger,
		now:            now,
		state:          StateClosed,
		lastTransition: now(),
		windowStart:    now(),
	}
}

// Execute runs fn under the breaker. In the open state the call is rejected
// with *OpenError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteResult is Execute for operations that return a value.
func ExecuteResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.record(err)
	return result, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastTransition)
		if elapsed >= b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			b.successCount = 0
			b.halfOpenCalls = 1
			return nil
		}
		return &OpenError{Name: b.name, RetryAfter: b.config.ResetTimeout - elapsed}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.SuccessThreshold {
			return &OpenError{Name: b.name, RetryAfter: b.config.ResetTimeout}
		}
		b.halfOpenCalls++
		return nil
	default:
		return fmt.Errorf("unknown breaker state %d", b.state)
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.windowStart) > b.config.Window {
		b.windowStart = now
		b.windowCalls = 0
		b.windowFailures = 0
	}
	b.windowCalls++

	if err == nil {
		b.onSuccess()
		return
	}
	b.windowFailures++
	b.onFailure(now)
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
			b.logger.Info("circuit closed, dependency recovered", "breaker", b.name)
		}
	}
}

func (b *Breaker) onFailure(now time.Time) {
	switch b.state {
	case StateClosed:
		// Consecutive failures only count within the monitoring window.
		if b.failureCount == 0 || now.Sub(b.firstFailure) > b.config.Window {
			b.firstFailure = now
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transition(StateOpen)
			b.logger.Warn("circuit opened", "breaker", b.name, "failures", b.failureCount)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
		b.successCount = 0
		b.halfOpenCalls = 0
		b.logger.Warn("circuit reopened, trial call failed", "breaker", b.name)
	}
}

func (b *Breaker) transition(to State) {
	b.state = to
	b.lastTransition = b.now()
}

// Snapshot is the read-only breaker state exposed for health reporting.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	FailureRate    float64   `json:"failure_rate"`
	LastTransition time.Time `json:"last_transition"`
}

// Snapshot returns the current state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.windowCalls > 0 {
		rate = float64(b.windowFailures) / float64(b.windowCalls)
	}
	return Snapshot{
		Name:           b.name,
		State:          b.state.String(),
		FailureRate:    rate,
		LastTransition: b.lastTransition,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one breaker per named external dependency. It is shared
// process-wide and injected into components that guard remote calls.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	configs  map[string]BreakerConfig
	fallback BreakerConfig
	logger   *slog.Logger
}

// NewRegistry creates a registry. Per-dependency overrides win over the
// fallback config when a breaker is first requested.
func NewRegistry(fallback BreakerConfig, overrides map[string]BreakerConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  overrides,
		fallback: fallback.withDefaults(),
		logger:   logger,
	}
}

// Get returns the breaker for a dependency name, creating it lazily.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.fallback
	if override, ok := r.configs[name]; ok {
		cfg = override.withDefaults()
	}
	b := NewBreaker(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
