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
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"
)

func failing(context.Context) error { return errors.New("fail") }

func succeeding(context.Context) error { return nil }

func returning(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := NewCircuitBreaker("siem", DefaultCircuitBreakerConfig(), zaptest.NewLogger(t))

	assert.Equal(t, CircuitClosed, cb.State())

	executed := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		executed = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, executed)

	status := cb.Status()
	assert.Equal(t, "siem", status.Transport)
	assert.Equal(t, "closed", status.State)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.True(t, status.OpenedAt.IsZero())
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testTime)
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		Clock:            fakeClock,
	}
	cb := NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), returning(errBackendDown)), errBackendDown)
	}
	assert.Equal(t, 2, cb.Status().ConsecutiveFailures)
	_ = cb.Execute(context.Background(), returning(errBackendDown))

	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("should not execute")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "siem")

	status := cb.Status()
	assert.Equal(t, "open", status.State)
	assert.Equal(t, int64(1), status.Rejected)
	assert.Equal(t, errBackendDown.Error(), status.LastFailure)
	assert.Equal(t, testTime, status.OpenedAt)
	assert.Equal(t, testTime.Add(time.Minute), status.RetryAt)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("siem", CircuitBreakerConfig{FailureThreshold: 2}, zaptest.NewLogger(t))

	_ = cb.Execute(context.Background(), failing)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	_ = cb.Execute(context.Background(), failing)

	assert.Equal(t, CircuitClosed, cb.State(), "failures must be consecutive")
}

func TestCircuitBreaker_IgnoresErrorsNotCausedByBackend(t *testing.T) {
	cb := NewCircuitBreaker("queue", CircuitBreakerConfig{FailureThreshold: 1}, zaptest.NewLogger(t))
	ctx := context.Background()

	neutral := []error{
		ErrQueueFull,
		fmt.Errorf("queue: %w", ErrTransportClosed),
		ErrRecordSealed,
		fmt.Errorf("publish: %w", context.Canceled),
		fmt.Errorf("inner: %w", ErrCircuitOpen),
		&StatusError{Endpoint: "https://siem.example.com", Code: http.StatusBadRequest},
	}
	for _, err := range neutral {
		assert.ErrorIs(t, cb.Execute(ctx, returning(err)), err)
		assert.Equal(t, CircuitClosed, cb.State(), "%v must not trip the circuit", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_ = cb.Execute(cancelled, failing)
	assert.Equal(t, CircuitClosed, cb.State(), "a cancelled caller says nothing about the backend")

	_ = cb.Execute(ctx, returning(&StatusError{Code: http.StatusServiceUnavailable}))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_DeadlineCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("queue", CircuitBreakerConfig{FailureThreshold: 1}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testTime)
	cfg := CircuitBreakerConfig{
		FailureThreshold:    2,
		OpenTimeout:         time.Minute,
		HalfOpenMaxRequests: 1,
		Clock:               fakeClock,
	}
	cb := NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), failing)
	}
	require.Equal(t, CircuitOpen, cb.State())

	fakeClock.Step(59 * time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen)

	fakeClock.Step(time.Second)
	executed := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		executed = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, executed)
	// One success is below the default success threshold of two.
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.True(t, cb.Status().RetryAt.IsZero())
}

func TestCircuitBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testTime)
	cfg := CircuitBreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		OpenTimeout:         time.Minute,
		HalfOpenMaxRequests: 5,
		Clock:               fakeClock,
	}
	cb := NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, CircuitOpen, cb.State())

	fakeClock.Step(time.Minute)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	require.NoError(t, cb.Execute(context.Background(), succeeding))

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailureInHalfOpenReturnsToOpen(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testTime)
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		Clock:            fakeClock,
	}
	cb := NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	_ = cb.Execute(context.Background(), failing)
	fakeClock.Step(time.Minute)

	assert.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, fakeClock.Now(), cb.Status().OpenedAt)
}

func TestCircuitBreaker_HalfOpenLimitsTrials(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testTime)
	cfg := CircuitBreakerConfig{
		FailureThreshold:    1,
		OpenTimeout:         time.Minute,
		HalfOpenMaxRequests: 1,
		Clock:               fakeClock,
	}
	cb := NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	_ = cb.Execute(context.Background(), failing)
	fakeClock.Step(time.Minute)

	release := make(chan struct{})
	probing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(context.Background(), func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing
	assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen,
		"the only trial slot is taken")
	close(release)
	wg.Wait()

	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeeding), "the slot is free again")
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_NeutralTrialFreesSlot(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testTime)
	cfg := CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute, Clock: fakeClock}
	cb := NewCircuitBreaker("queue", cfg, zaptest.NewLogger(t))

	_ = cb.Execute(context.Background(), failing)
	fakeClock.Step(time.Minute)

	assert.ErrorIs(t, cb.Execute(context.Background(), returning(ErrQueueFull)), ErrQueueFull)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeeding))
}

func TestCircuitBreaker_StateCallback(t *testing.T) {
	var transitions []string
	var cb *CircuitBreaker
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			// The callback runs outside the lock and may inspect the breaker.
			transitions = append(transitions, from.String()+"->"+to.String()+":"+cb.State().String())
		},
	}
	cb = NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	_ = cb.Execute(context.Background(), failing)

	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open:open", transitions[0])
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 100}
	cb := NewCircuitBreaker("siem", cfg, zaptest.NewLogger(t))

	var executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = cb.Execute(context.Background(), func(ctx context.Context) error {
					executed.Add(1)
					return nil
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10000), executed.Load())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerTransport_Send(t *testing.T) {
	inner := newFakeTransport("siem")
	transport := NewCircuitBreakerTransport(inner, CircuitBreakerConfig{FailureThreshold: 2}, zaptest.NewLogger(t))

	require.NoError(t, transport.Send(context.Background(), sealedRecord(t), SendContext{}))
	assert.Len(t, inner.received(), 1)

	inner.failWith(errBackendDown)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, transport.Send(context.Background(), sealedRecord(t), SendContext{}), errBackendDown)
	}

	inner.failWith(nil)
	err := transport.Send(context.Background(), sealedRecord(t), SendContext{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, inner.received(), 1, "open circuit must not reach the backend")
	assert.Equal(t, "open", transport.Status().State)
}

func TestCircuitBreakerTransport_Delegates(t *testing.T) {
	inner := newFakeTransport("siem")
	inner.supports = func(r *Record) bool { return r.Action() == ActionDelete }
	transport := NewCircuitBreakerTransport(inner, DefaultCircuitBreakerConfig(), zaptest.NewLogger(t))

	assert.Equal(t, "siem", transport.Name())
	assert.False(t, transport.Supports(sealedRecord(t)))
	require.NoError(t, transport.Close())
	assert.True(t, inner.closed)
}
