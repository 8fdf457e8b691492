package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitBreakerOpen is returned when the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe slot is taken
	ErrTooManyRequests = errors.New("too many requests")
)

// Settings holds the configuration for a circuit breaker
type Settings struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a probe is let through.
	Timeout time.Duration
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests uint32
	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every non-nil error except context cancellation.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from State, to State)
	// Now replaces time.Now, mostly for tests.
	Now func() time.Time
}

// CircuitBreaker fails fast once an upstream keeps failing.
type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	timeout          time.Duration
	maxRequests      uint32
	isFailure        func(err error) bool
	onStateChange    func(name string, from State, to State)
	now              func() time.Time

	mutex       sync.Mutex
	state       State
	failures    uint32
	inFlight    uint32
	openedUntil time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given settings
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             settings.Name,
		failureThreshold: settings.FailureThreshold,
		timeout:          settings.Timeout,
		maxRequests:      settings.MaxRequests,
		isFailure:        settings.IsFailure,
		onStateChange:    settings.OnStateChange,
		now:              settings.Now,
		state:            StateClosed,
	}

	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.timeout == 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	if cb.now == nil {
		cb.now = time.Now
	}

	return cb
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn when the circuit admits it and records the outcome.
// The error of fn is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	halfOpen, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(halfOpen, outcomeFailure)
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		cb.afterRequest(halfOpen, outcomeSuccess)
	case cb.isFailure(err):
		cb.afterRequest(halfOpen, outcomeFailure)
	default:
		cb.afterRequest(halfOpen, outcomeIgnored)
	}
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored frees a probe slot without changing state
	outcomeIgnored
)

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.openedUntil) {
			return false, ErrCircuitBreakerOpen
		}
		cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.maxRequests {
			return false, ErrTooManyRequests
		}
		cb.inFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) afterRequest(probe bool, result outcome) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if probe && cb.inFlight > 0 && cb.state == StateHalfOpen {
		cb.inFlight--
	}

	switch result {
	case outcomeIgnored:
		return
	case outcomeSuccess:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.openedUntil = cb.now().Add(cb.timeout)
		cb.setState(StateOpen)
	}
}

// setState changes the circuit breaker state and calls the callback
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	if state != StateHalfOpen {
		cb.inFlight = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}
