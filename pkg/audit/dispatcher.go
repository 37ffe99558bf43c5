// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
	"github.com/telekom/audit-trail/pkg/system"
)

const tracerName = "github.com/telekom/audit-trail/pkg/audit"

// Decision is a pre-dispatch listener's verdict.
type Decision int

const (
	// Continue lets the record proceed.
	Continue Decision = iota
	// Cancel drops the record before it is sealed.
	Cancel
)

// PreDispatchEvent is passed to listeners before a record is sealed.
// Listeners may change the record and add transport hints.
type PreDispatchEvent struct {
	Record *Record
	Phase  Phase
	Hints  []string
}

// AddHint restricts delivery to the named transports.
func (e *PreDispatchEvent) AddHint(transport string) {
	e.Hints = append(e.Hints, transport)
}

// PreDispatchListener inspects a record before it is sealed.
type PreDispatchListener func(ctx context.Context, event *PreDispatchEvent) Decision

// DispatcherConfig holds the delivery policy.
type DispatcherConfig struct {
	// FailOnTransportError propagates delivery errors to the caller.
	// When false they are logged and swallowed.
	FailOnTransportError bool
	// FallbackToDatabase retries failed deliveries through the fallback transport.
	FallbackToDatabase bool
}

type valuesKey struct{}

// WithSendValues attaches caller data that is passed to transports in SendContext.Values.
func WithSendValues(ctx context.Context, values map[string]any) context.Context {
	return context.WithValue(ctx, valuesKey{}, values)
}

// Dispatcher seals, signs and delivers records.
type Dispatcher struct {
	primary   Transport
	fallback  Transport
	integrity *IntegrityService
	config    DispatcherConfig
	logger    *zap.Logger
	tracer    trace.Tracer

	mu        sync.RWMutex
	listeners []PreDispatchListener
}

// NewDispatcher creates a dispatcher. fallback may be nil; it is only used
// when cfg.FallbackToDatabase is set.
func NewDispatcher(primary, fallback Transport, integrity *IntegrityService, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		primary:   primary,
		fallback:  fallback,
		integrity: integrity,
		config:    cfg,
		logger:    logger.Named("audit-dispatcher"),
		tracer:    otel.Tracer(tracerName),
	}
}

// AddListener registers a pre-dispatch listener. Listeners run in
// registration order; the first Cancel stops the chain.
func (d *Dispatcher) AddListener(l PreDispatchListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Dispatch runs the listeners, seals and signs r and sends it through the
// primary transport, applying the fallback and failure policy.
func (d *Dispatcher) Dispatch(ctx context.Context, r *Record, phase Phase) error {
	ctx, span := d.tracer.Start(ctx, "audit.dispatch",
		trace.WithAttributes(
			attribute.String("audit.entity_class", r.EntityClass()),
			attribute.String("audit.action", string(r.Action())),
			attribute.String("audit.phase", string(phase)),
		))
	defer span.End()

	event := &PreDispatchEvent{Record: r, Phase: phase}
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, l := range listeners {
		if l(ctx, event) == Cancel {
			metrics.AuditDispatches.WithLabelValues(string(phase), "cancelled").Inc()
			span.SetAttributes(attribute.Bool("audit.cancelled", true))
			d.logger.Debug("audit record cancelled by listener", recordFields(r)...)
			return nil
		}
	}

	d.integrity.SealAndSign(r)
	span.SetAttributes(attribute.String("audit.entity_id", r.EntityID()))

	sc := SendContext{Phase: phase, Hints: event.Hints}
	if values, ok := ctx.Value(valuesKey{}).(map[string]any); ok {
		sc.Values = maps.Clone(values)
	}

	err := d.send(ctx, r, sc)
	if err == nil {
		metrics.AuditDispatches.WithLabelValues(string(phase), "delivered").Inc()
		return nil
	}
	span.RecordError(err)

	if d.config.FallbackToDatabase && d.fallback != nil {
		fbErr := d.fallback.Send(ctx, r, sc)
		if fbErr == nil {
			metrics.AuditDispatches.WithLabelValues(string(phase), "fallback").Inc()
			metrics.AuditFallbackDeliveries.WithLabelValues(d.primary.Name()).Inc()
			d.logger.Warn("audit record delivered through fallback", append(recordFields(r),
				zap.String("transport", d.primary.Name()),
				zap.String("fallback", d.fallback.Name()),
				zap.String("error", err.Error()))...)
			return nil
		}
		err = errors.Join(err, fmt.Errorf("fallback %s: %w", d.fallback.Name(), fbErr))
	}

	metrics.AuditDispatches.WithLabelValues(string(phase), "failed").Inc()
	span.SetStatus(codes.Error, err.Error())
	if d.config.FailOnTransportError {
		return fmt.Errorf("audit delivery of %s#%s failed: %w", r.EntityClass(), r.EntityID(), err)
	}
	d.logger.Error("audit delivery failed", append(recordFields(r),
		zap.String("transport", d.primary.Name()),
		zap.String("error", err.Error()))...)
	return nil
}

// send delivers through the primary. A chain routes hints to its members;
// any other primary is treated as a chain of one.
func (d *Dispatcher) send(ctx context.Context, r *Record, sc SendContext) error {
	if _, chain := d.primary.(*ChainTransport); !chain {
		if !sc.Allows(d.primary.Name()) || !d.primary.Supports(r) {
			return fmt.Errorf("%s: %w", d.primary.Name(), ErrNoTransportAttempted)
		}
	}
	return d.primary.Send(ctx, r, sc)
}

func recordFields(r *Record) []zap.Field {
	return system.RecordFields(r.EntityClass(), r.EntityID(), string(r.Action()))
}

// Close closes the primary transport. The fallback is closed by its owner.
func (d *Dispatcher) Close() error {
	return d.primary.Close()
}
