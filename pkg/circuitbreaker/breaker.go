package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
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
	// HalfOpenRequests caps concurrent probes while half-open.
	HalfOpenRequests uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout      time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsFailure classifies errors; nil counts every error except cancellation.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

// CircuitBreaker guards a remote dependency (embedding API, vector backend).
type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    uint32
	successes   uint32
	inFlight    uint32
	openedAt    time.Time
	generations uint64
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open. Errors from fn are returned as is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := cb.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(generation, false)
			panic(r)
		}
	}()

	err = fn()
	cb.after(generation, !cb.countsAsFailure(err))
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.cfg.IsFailure != nil {
		return cb.cfg.IsFailure(err)
	}
	return true
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return cb.generations, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenRequests {
			return cb.generations, ErrTooManyRequests
		}
	}
	cb.inFlight++
	return cb.generations, nil
}

func (cb *CircuitBreaker) after(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generations {
		return
	}
	if cb.inFlight > 0 {
		cb.inFlight--
	}

	state := cb.currentState()
	if success {
		cb.failures = 0
		cb.successes++
		if state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	cb.successes = 0
	cb.failures++
	if state == StateHalfOpen || (state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
		cb.transition(StateOpen)
	}
}

// currentState promotes an expired open breaker to half-open. Caller holds mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.generations++
	cb.failures, cb.successes, cb.inFlight = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) Name() string { return cb.name }
