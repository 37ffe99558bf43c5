/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// CircuitState is the state of a transport's circuit breaker.
type CircuitState int32

const (
	// CircuitClosed lets every delivery through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects deliveries until the open timeout has passed.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of trial deliveries.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive backend failures that open the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of trial deliveries that must succeed
	// in half-open state before the circuit closes.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long the circuit stays open before trial deliveries.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent trial deliveries.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(from, to CircuitState)

	// Clock drives the open timeout.
	// Default: real time
	Clock clock.PassiveClock
}

// DefaultCircuitBreakerConfig returns the defaults used for network transports.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// ErrCircuitOpen is returned for deliveries rejected by an open circuit.
var ErrCircuitOpen = errors.New("audit transport circuit is open")

// CircuitStatus is a snapshot of a breaker, reported through transport health.
type CircuitStatus struct {
	Transport           string    `json:"transport"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Rejected            int64     `json:"rejected"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	RetryAt             time.Time `json:"retryAt,omitempty"`
	LastFailure         string    `json:"lastFailure,omitempty"`
}

// CircuitBreaker stops deliveries to an audit backend that keeps failing so
// the dispatcher can fall back without waiting on timeouts. Only errors that
// point at the backend count; see countsAgainstBackend.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	trials      int
	openedAt    time.Time
	rejected    int64
	lastFailure string
}

type transition struct{ from, to CircuitState }

// NewCircuitBreaker creates a closed breaker for the named transport.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	metrics.AuditCircuitBreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: logger.Named("circuit-breaker").With(zap.String("transport", name)),
	}
}

// Execute runs fn unless the circuit rejects the delivery, and feeds the
// outcome back into the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.release(ctx, trial, err)
	return err
}

func (cb *CircuitBreaker) acquire() (trial bool, err error) {
	var changes []transition
	defer func() { cb.notify(changes) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.config.Clock.Since(cb.openedAt) >= cb.config.OpenTimeout {
		changes = append(changes, cb.setState(CircuitHalfOpen))
	}
	switch cb.state {
	case CircuitClosed:
		return false, nil
	case CircuitHalfOpen:
		if cb.trials < cb.config.HalfOpenMaxRequests {
			cb.trials++
			return true, nil
		}
	}
	cb.rejected++
	metrics.AuditCircuitBreakerRejections.WithLabelValues(cb.name).Inc()
	return false, fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
}

func (cb *CircuitBreaker) release(ctx context.Context, trial bool, err error) {
	var changes []transition
	defer func() { cb.notify(changes) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.state == CircuitHalfOpen && cb.trials > 0 {
		cb.trials--
	}

	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				changes = append(changes, cb.setState(CircuitClosed))
			}
		}
	case !countsAgainstBackend(ctx, err):
		cb.logger.Debug("delivery error does not count against the backend", zap.Error(err))
	default:
		cb.lastFailure = err.Error()
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				changes = append(changes, cb.setState(CircuitOpen))
			}
		case CircuitHalfOpen:
			changes = append(changes, cb.setState(CircuitOpen))
		}
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to CircuitState) transition {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
	if to == CircuitOpen {
		cb.openedAt = cb.config.Clock.Now()
	}
	metrics.AuditCircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, c := range changes {
		if c.from == c.to {
			continue
		}
		cb.logger.Info("circuit breaker state changed",
			zap.String("from", c.from.String()),
			zap.String("to", c.to.String()))
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(c.from, c.to)
		}
	}
}

// State returns the current state. An open circuit whose timeout has passed
// reports open until the next delivery attempt.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a snapshot for health reporting.
func (cb *CircuitBreaker) Status() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := CircuitStatus{
		Transport:           cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		Rejected:            cb.rejected,
		LastFailure:         cb.lastFailure,
	}
	if cb.state != CircuitClosed {
		s.OpenedAt = cb.openedAt
	}
	if cb.state == CircuitOpen {
		s.RetryAt = cb.openedAt.Add(cb.config.OpenTimeout)
	}
	return s
}

// countsAgainstBackend reports whether a delivery error says the backend is
// unhealthy. A full or closed queue, a rejected record, a cancelled caller
// and a nested open circuit say nothing about the backend. Deadlines do
// count: a backend that cannot answer in time is failing.
func countsAgainstBackend(ctx context.Context, err error) bool {
	if err == nil || errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	for _, neutral := range []error{
		context.Canceled, ErrQueueFull, ErrTransportClosed, ErrInvariantViolation, ErrCircuitOpen,
	} {
		if errors.Is(err, neutral) {
			return false
		}
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return true
}

// CircuitBreakerTransport guards a network transport with a CircuitBreaker.
type CircuitBreakerTransport struct {
	transport Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewCircuitBreakerTransport wraps transport with a breaker named after it.
func NewCircuitBreakerTransport(transport Transport, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreakerTransport {
	return &CircuitBreakerTransport{
		transport: transport,
		breaker:   NewCircuitBreaker(transport.Name(), cfg, logger),
		logger:    logger.Named("cb-transport").With(zap.String("transport", transport.Name())),
	}
}

func (t *CircuitBreakerTransport) Supports(r *Record) bool {
	return t.transport.Supports(r)
}

func (t *CircuitBreakerTransport) Send(ctx context.Context, r *Record, sc SendContext) error {
	return t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.transport.Send(ctx, r, sc)
	})
}

func (t *CircuitBreakerTransport) Close() error {
	t.logger.Info("closing circuit breaker transport",
		zap.String("state", t.breaker.State().String()))
	return t.transport.Close()
}

func (t *CircuitBreakerTransport) Name() string {
	return t.transport.Name()
}

// Status reports the breaker guarding the wrapped transport.
func (t *CircuitBreakerTransport) Status() CircuitStatus {
	return t.breaker.Status()
}
