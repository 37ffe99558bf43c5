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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// SendContext carries per-dispatch information to transports.
type SendContext struct {
	Phase Phase
	// Hints lists transport names a listener asked for. Empty means all.
	Hints []string
	// Values holds caller-supplied data such as the originating session.
	Values map[string]any
}

// Allows reports whether a transport with the given name may handle the send.
func (sc SendContext) Allows(name string) bool {
	if len(sc.Hints) == 0 {
		return true
	}
	for _, h := range sc.Hints {
		if h == name {
			return true
		}
	}
	return false
}

// Transport delivers sealed records to a backend.
type Transport interface {
	// Name returns the transport's identifier.
	Name() string

	// Supports reports whether the transport accepts the record at all.
	Supports(r *Record) bool

	// Send delivers the record.
	Send(ctx context.Context, r *Record, sc SendContext) error

	// Close releases any resources held by the transport.
	Close() error
}

// LogTransport writes audit records to a structured logger.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a new LogTransport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger.Named("audit")}
}

// Supports accepts every record.
func (t *LogTransport) Supports(*Record) bool {
	return true
}

// Send logs the audit record.
func (t *LogTransport) Send(_ context.Context, r *Record, sc SendContext) error {
	fields := []zap.Field{
		zap.String("entity_class", r.EntityClass()),
		zap.String("entity_id", r.EntityID()),
		zap.String("action", string(r.Action())),
		zap.String("transaction_hash", r.TransactionHash()),
		zap.String("phase", string(sc.Phase)),
		zap.Time("created_at", r.CreatedAt()),
	}

	if r.UserID() != "" {
		fields = append(fields, zap.String("user_id", r.UserID()))
	}
	if r.Username() != "" {
		fields = append(fields, zap.String("username", r.Username()))
	}
	if r.IPAddress() != "" {
		fields = append(fields, zap.String("ip_address", r.IPAddress()))
	}
	if changed := r.ChangedFields(); len(changed) > 0 {
		fields = append(fields, zap.Strings("changed_fields", changed))
	}
	if r.Signature() != "" {
		fields = append(fields, zap.String("signature", r.Signature()))
	}

	if payload, err := json.Marshal(map[string]any{
		"old_values": r.OldValues(),
		"new_values": r.NewValues(),
	}); err == nil {
		fields = append(fields, zap.String("values", string(payload)))
	}
	if ctx := r.Context(); len(ctx) > 0 {
		if payload, err := json.Marshal(ctx); err == nil {
			fields = append(fields, zap.String("context", string(payload)))
		}
	}

	t.logger.Info("audit_record", fields...)
	return nil
}

// Close is a no-op for LogTransport.
func (t *LogTransport) Close() error {
	return nil
}

// Name returns the transport identifier.
func (t *LogTransport) Name() string {
	return "log"
}

// ChainTransport sends each record through every member in order. A failing
// member does not stop the rest. In fail-open mode the send succeeds when at
// least one member delivered; in fail-closed mode every attempted member must.
type ChainTransport struct {
	transports []Transport
	failClosed bool
	logger     *zap.Logger
}

// NewChainTransport creates a chain over transports.
func NewChainTransport(transports []Transport, failClosed bool, logger *zap.Logger) *ChainTransport {
	return &ChainTransport{
		transports: transports,
		failClosed: failClosed,
		logger:     logger.Named("audit-chain"),
	}
}

// Supports reports whether any member accepts the record.
func (c *ChainTransport) Supports(r *Record) bool {
	for _, t := range c.transports {
		if t.Supports(r) {
			return true
		}
	}
	return false
}

// Send delivers the record through each applicable member.
func (c *ChainTransport) Send(ctx context.Context, r *Record, sc SendContext) error {
	var (
		errs      []error
		attempted int
		delivered int
	)
	for _, t := range c.transports {
		if !sc.Allows(t.Name()) || !t.Supports(r) {
			continue
		}
		attempted++

		start := time.Now()
		err := t.Send(ctx, r, sc)
		metrics.AuditTransportLatency.WithLabelValues(t.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			// Use string representation to avoid noisy stacktraces for transient errors
			c.logger.Warn("audit transport send failed",
				zap.String("transport", t.Name()),
				zap.String("entity_class", r.EntityClass()),
				zap.String("entity_id", r.EntityID()),
				zap.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		delivered++
	}

	if attempted == 0 {
		return ErrNoTransportAttempted
	}
	if c.failClosed && len(errs) > 0 {
		return errors.Join(errs...)
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close closes all members.
func (c *ChainTransport) Close() error {
	var errs []error
	for _, t := range c.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Name returns the transport identifier.
func (c *ChainTransport) Name() string {
	return "chain"
}

// Transports returns the chain members.
func (c *ChainTransport) Transports() []Transport {
	return c.transports
}
