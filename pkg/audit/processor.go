// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EntityUpdate is a scheduled update together with its change set.
type EntityUpdate struct {
	Entity  any
	Changes ChangeSet
}

// ChangeBatch is what the unit of work reports for one flush cycle, in the
// order the store will execute it.
type ChangeBatch struct {
	Inserts []any
	Updates []EntityUpdate
	Deletes []any
}

// Empty reports whether the batch holds no operations.
func (b ChangeBatch) Empty() bool {
	return len(b.Inserts) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0
}

// ProcessorConfig holds the processor options.
type ProcessorConfig struct {
	// DeferTransportUntilCommit holds update and delete records until
	// OnCommitted instead of dispatching them in the pre-commit phase.
	DeferTransportUntilCommit bool
}

// Processor drives the audit pipeline from the unit-of-work hooks:
// OnPendingChanges before the flush, then OnCommitted or OnRolledBack.
type Processor struct {
	service    *Service
	scheduler  *ScheduledManager
	dispatcher *Dispatcher
	txid       *TransactionIDGenerator
	config     ProcessorConfig
	logger     *zap.Logger

	mu       sync.Mutex
	deferred []*Record
}

// NewProcessor creates a processor.
func NewProcessor(service *Service, scheduler *ScheduledManager, dispatcher *Dispatcher, txid *TransactionIDGenerator, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	return &Processor{
		service:    service,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		txid:       txid,
		config:     cfg,
		logger:     logger.Named("audit-processor"),
	}
}

// OnPendingChanges builds records for every audited entity in batch.
// Create records are held until OnCommitted; update and delete records are
// dispatched right away unless dispatch is deferred until commit. A
// dispatch error is returned only when the dispatcher propagates it, and
// stops processing of the remaining operations.
func (p *Processor) OnPendingChanges(ctx context.Context, batch ChangeBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entity := range batch.Inserts {
		if !p.service.ShouldAudit(entity) {
			continue
		}
		r, err := p.service.BuildCreate(ctx, entity)
		if err != nil {
			return fmt.Errorf("build create record: %w", err)
		}
		if _, err := p.scheduler.Schedule(entity, r); err != nil {
			return err
		}
	}

	for _, u := range batch.Updates {
		if !p.service.ShouldAudit(u.Entity) {
			continue
		}
		r, err := p.service.BuildUpdate(ctx, u.Entity, u.Changes)
		if errors.Is(err, ErrNoChanges) {
			continue
		}
		if err != nil {
			return fmt.Errorf("build update record: %w", err)
		}
		if err := p.emit(ctx, r); err != nil {
			return err
		}
	}

	for _, entity := range batch.Deletes {
		if !p.service.ShouldAudit(entity) {
			continue
		}
		r, err := p.service.BuildDelete(ctx, entity)
		if err != nil {
			return fmt.Errorf("build delete record: %w", err)
		}
		if err := p.emit(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) emit(ctx context.Context, r *Record) error {
	if p.config.DeferTransportUntilCommit {
		p.deferred = append(p.deferred, r)
		return nil
	}
	return p.dispatcher.Dispatch(ctx, r, PhasePreCommit)
}

// OnCommitted finalizes pending creates with their assigned identifiers and
// dispatches them, followed by any deferred records. The cycle's
// transaction id is released afterwards.
func (p *Processor) OnCommitted(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.txid.Reset()

	dispatch := func(ctx context.Context, r *Record) error {
		return p.dispatcher.Dispatch(ctx, r, PhasePostCommit)
	}

	var errs []error
	if err := p.scheduler.Resolve(ctx, dispatch); err != nil {
		errs = append(errs, err)
	}

	deferred := p.deferred
	p.deferred = nil
	for _, r := range deferred {
		if err := dispatch(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnRolledBack drops everything collected for the cycle.
func (p *Processor) OnRolledBack(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	creates := p.scheduler.Discard()
	deferred := len(p.deferred)
	p.deferred = nil
	p.txid.Reset()

	if creates > 0 || deferred > 0 {
		p.logger.Debug("audit cycle rolled back",
			zap.Int("pending_creates", creates),
			zap.Int("deferred_records", deferred))
	}
}

// Pending returns the number of records waiting for OnCommitted.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduler.Len() + len(p.deferred)
}
