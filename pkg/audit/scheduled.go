// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// PendingHandle identifies a scheduled create within one flush cycle.
type PendingHandle uint64

// ScheduleState is the lifecycle state of a ScheduledManager.
type ScheduleState int

const (
	StateEmpty ScheduleState = iota
	StateCollecting
	StateResolving
)

// String returns the state name.
func (s ScheduleState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateCollecting:
		return "collecting"
	case StateResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

type pendingAudit struct {
	handle PendingHandle
	entity any
	record *Record
}

// ScheduledManager holds create records until the store has assigned the
// identifiers of their entities. It belongs to one flush cycle at a time.
type ScheduledManager struct {
	service *Service
	logger  *zap.Logger

	mu      sync.Mutex
	state   ScheduleState
	next    PendingHandle
	pending []pendingAudit
}

// NewScheduledManager creates an empty manager.
func NewScheduledManager(service *Service, logger *zap.Logger) *ScheduledManager {
	return &ScheduledManager{
		service: service,
		logger:  logger.Named("audit-scheduler"),
	}
}

// Schedule stores the record of a created entity until Resolve.
func (m *ScheduledManager) Schedule(entity any, r *Record) (PendingHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateResolving {
		return 0, fmt.Errorf("%w: cannot schedule while resolving", ErrInvalidPhase)
	}
	m.next++
	m.pending = append(m.pending, pendingAudit{handle: m.next, entity: entity, record: r})
	m.state = StateCollecting
	return m.next, nil
}

// Len returns the number of pending creates.
func (m *ScheduledManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// State returns the current lifecycle state.
func (m *ScheduledManager) State() ScheduleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Resolve sets the assigned identifier on every pending record and passes
// it to dispatch, in scheduling order. Entries whose entity still has no
// identifier were never committed and are dropped. The manager is empty
// afterwards, whatever dispatch returns; dispatch errors are joined.
func (m *ScheduledManager) Resolve(ctx context.Context, dispatch func(context.Context, *Record) error) error {
	m.mu.Lock()
	if m.state == StateResolving {
		m.mu.Unlock()
		return fmt.Errorf("%w: resolve already running", ErrInvalidPhase)
	}
	entries := m.pending
	m.pending = nil
	m.state = StateResolving
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state = StateEmpty
		if len(m.pending) > 0 {
			m.state = StateCollecting
		}
		m.mu.Unlock()
	}()

	var errs []error
	for _, entry := range entries {
		r := entry.record
		meta := m.service.Metadata().Get(entry.entity)
		id, resolved := meta.EntityID(entry.entity)
		if !resolved {
			metrics.AuditPendingDiscarded.WithLabelValues("unresolved").Inc()
			m.logger.Debug("discarding pending create without identifier",
				zap.Uint64("handle", uint64(entry.handle)),
				zap.String("entity_class", r.EntityClass()))
			continue
		}

		if r.IsPending() {
			if err := r.ResolveEntityID(id); err != nil {
				errs = append(errs, err)
				continue
			}
			for name, value := range m.service.IdentifierSnapshot(entry.entity) {
				if _, ok := r.newValues[name]; ok {
					_ = r.SetNewValue(name, value)
				}
			}
		}

		if err := dispatch(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s#%s: %w", r.EntityClass(), r.EntityID(), err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every pending create, used when the store rolls back.
func (m *ScheduledManager) Discard() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	m.pending = nil
	m.state = StateEmpty
	if n > 0 {
		metrics.AuditPendingDiscarded.WithLabelValues("rollback").Add(float64(n))
		m.logger.Debug("discarded pending creates after rollback", zap.Int("count", n))
	}
	return n
}
