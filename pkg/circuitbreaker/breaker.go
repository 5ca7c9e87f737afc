// Package circuitbreaker guards calls to external models and stores. An open
// breaker fails fast, which the pipeline treats like any other upstream
// failure and routes to its fallback path.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/pkg/apperrors"
)

var (
	ErrCircuitOpen     = eris.New("circuit breaker is open")
	ErrTooManyRequests = eris.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive tripping failures open the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before letting trial calls
	// through.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent calls while half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold consecutive trial successes close the breaker.
	SuccessThreshold int
	// ShouldTrip decides whether an error counts against the service. The
	// default ignores invalid input, which is the caller's fault.
	ShouldTrip    func(err error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
	// Now is used in tests to drive the open timeout.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

func tripsByDefault(err error) bool {
	return err != nil && !errors.Is(err, apperrors.ErrInvalidInput)
}

type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	InFlightTrials       int
}

// CircuitBreaker protects one upstream, such as the generation model or the
// disease detector.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = tripsByDefault
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg}
}

// Execute runs fn once if the breaker admits it. A caller cancelling its own
// context is not counted against the guarded service.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(trial, true)
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.abandon(trial)
	case err != nil && cb.cfg.ShouldTrip(err):
		cb.record(trial, true)
	default:
		cb.record(trial, false)
	}
	return err
}

// admit reports whether the call is a half-open trial.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateClosed {
		return false, nil
	}

	if cb.counts.InFlightTrials >= cb.cfg.HalfOpenMaxCalls {
		return false, ErrTooManyRequests
	}
	cb.counts.InFlightTrials++
	return true, nil
}

func (cb *CircuitBreaker) record(trial, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A trial call that outlived its half-open period no longer counts.
	if trial {
		if cb.state != StateHalfOpen {
			return
		}
		cb.counts.InFlightTrials--
	}

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.counts.ConsecutiveFailures = 0
			return
		}
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		if failed {
			cb.setState(StateOpen)
			return
		}
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) abandon(trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.state == StateHalfOpen && cb.counts.InFlightTrials > 0 {
		cb.counts.InFlightTrials--
	}
}

// setState resets the counters for the new state. Callers hold mu.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.counts = Counts{}
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}

	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", failures),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State reports half-open once the open timeout has passed, even before the
// next call moves the breaker there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}
