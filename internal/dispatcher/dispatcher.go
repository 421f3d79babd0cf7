// Package dispatcher executes a routing decision's cascade chain against
// pluggable backend adapters, stopping on the first confidence-acceptable
// result and advancing past retryable failures.
//
// Grounded on original_source/components/processing-layer/backends.py's
// ProcessingBackend shape (one method per backend, a uniform result
// structure) collapsed into a single Execute interface, and on the
// cascade-ordering contract from original_source/poc/mpc_server/router.py's
// ConfidenceCascadeRouter — the dispatcher never re-orders the chain it is
// handed.
package dispatcher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker"

	"github.com/kraklabs/mpc-gateway/internal/backend"
)

// Result is one adapter's response to a dispatch attempt.
type Result struct {
	BackendID  string
	Response   string
	Confidence float64
	TokensUsed int
	CostUSD    float64
	LatencyMs  float64
}

// Adapter executes a payload against one backend. Implementations classify
// their own failures: RetryableError wraps a failure the cascade should
// advance past; any other error is treated as non-retryable and stops the
// cascade immediately.
type Adapter interface {
	Execute(ctx context.Context, payload any) (Result, error)
}

// RetryableError marks err as a cascade-advancing failure (timeout,
// 5xx-equivalent, transport error) rather than a terminal one.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(err error) error { return &RetryableError{Err: err} }

func isRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Outcome records what happened to one attempt in the cascade, for audit.
type Outcome struct {
	BackendID string
	Success   bool
	Retryable bool
	Result    Result
	Err       error
}

// Dispatch records the final result of a Dispatcher.Run call.
type Dispatch struct {
	Result       Result
	FallbackUsed bool
	Attempts     []Outcome
}

// Dispatcher executes a cascade chain, wrapping each backend's adapter call
// in its own circuit breaker so a backend that is failing fast is skipped
// without waiting out its full timeout on every attempt.
type Dispatcher struct {
	adapters map[string]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Dispatcher over the given backend-id → Adapter map.
func New(adapters map[string]Adapter) *Dispatcher {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(adapters))
	for id := range adapters {
		breakers[id] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    id,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Dispatcher{adapters: adapters, breakers: breakers}
}

var (
	// ErrNoAdapter indicates the chain named a backend id with no registered
	// adapter.
	ErrNoAdapter = errors.New("dispatcher: no adapter registered for backend")
	// ErrCascadeExhausted indicates every attempt in the chain failed
	// retryably or fell below its backend's confidence threshold.
	ErrCascadeExhausted = errors.New("dispatcher: cascade exhausted")
)

// Run executes chain (primary followed by fallbacks, in order) against
// payload, stopping at the first result whose confidence meets
// thresholds[backendID]. The chain is never re-ordered.
func (d *Dispatcher) Run(ctx context.Context, chain []string, thresholds map[string]float64, payload any) (Dispatch, error) {
	var attempts []Outcome

	for i, id := range chain {
		adapter, ok := d.adapters[id]
		if !ok {
			return Dispatch{Attempts: attempts}, errors.Wrapf(ErrNoAdapter, "backend %q", id)
		}
		breaker := d.breakers[id]

		res, err := breaker.Execute(func() (any, error) {
			return adapter.Execute(ctx, payload)
		})

		if err != nil {
			retryable := isRetryable(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
			attempts = append(attempts, Outcome{BackendID: id, Success: false, Retryable: retryable, Err: err})
			if retryable {
				continue
			}
			return Dispatch{Attempts: attempts}, errors.Wrapf(err, "backend %q failed non-retryably", id)
		}

		result := res.(Result)
		if result.Confidence < thresholds[id] {
			attempts = append(attempts, Outcome{BackendID: id, Success: false, Retryable: true, Result: result})
			continue
		}

		attempts = append(attempts, Outcome{BackendID: id, Success: true, Result: result})
		return Dispatch{Result: result, FallbackUsed: i > 0, Attempts: attempts}, nil
	}

	return Dispatch{Attempts: attempts}, ErrCascadeExhausted
}

// Chain builds the ordered backend-id list the dispatcher should attempt
// from a router decision: primary followed by its fallbacks.
func Chain(primaryID string, fallbacks []string) []string {
	chain := make([]string, 0, len(fallbacks)+1)
	chain = append(chain, primaryID)
	chain = append(chain, fallbacks...)
	return chain
}

// ThresholdsFrom builds the backend-id → confidence-threshold map Run needs
// from a registry snapshot.
func ThresholdsFrom(snap backend.Snapshot) map[string]float64 {
	out := make(map[string]float64, snap.Len())
	for _, d := range snap.All() {
		out[d.ID] = d.ConfidenceThreshold
	}
	return out
}
