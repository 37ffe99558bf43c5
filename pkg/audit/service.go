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
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// Snapshot is the rendered payload of a record.
type Snapshot struct {
	OldValues     map[string]any
	NewValues     map[string]any
	ChangedFields []string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithUserResolver sets how the acting user is found. The default reads the
// user attached with WithUser.
func WithUserResolver(r UserResolver) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.users = r
		}
	}
}

// WithClock sets the time source for CreatedAt.
func WithClock(c clock.PassiveClock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// Service builds audit records. It does not sign, seal or deliver them.
type Service struct {
	metadata  *MetadataCache
	extractor *Extractor
	changes   *ChangeProcessor
	txid      *TransactionIDGenerator
	users     UserResolver
	clock     clock.PassiveClock
	logger    *zap.Logger
}

// NewService creates a Service. All records built between two Reset calls
// of txid share its transaction hash.
func NewService(metadata *MetadataCache, txid *TransactionIDGenerator, logger *zap.Logger, opts ...ServiceOption) *Service {
	serializer := NewValueSerializer(metadata)
	s := &Service{
		metadata:  metadata,
		extractor: NewExtractor(serializer),
		changes:   NewChangeProcessor(metadata, serializer),
		txid:      txid,
		users:     ContextUserResolver,
		clock:     clock.RealClock{},
		logger:    logger.Named("audit-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metadata returns the shared metadata cache.
func (s *Service) Metadata() *MetadataCache {
	return s.metadata
}

// Changes returns the change processor used for update diffs.
func (s *Service) Changes() *ChangeProcessor {
	return s.changes
}

// ShouldAudit reports whether entity's type produces records.
func (s *Service) ShouldAudit(entity any) bool {
	return s.metadata.Get(entity).ShouldAudit()
}

// CreateRecord builds an unsealed record for entity with the given payload.
// It returns ErrNotAuditable for types that are not audited.
func (s *Service) CreateRecord(ctx context.Context, entity any, action Action, snap Snapshot) (*Record, error) {
	meta := s.metadata.Get(entity)
	if !meta.ShouldAudit() {
		return nil, ErrNotAuditable
	}
	if !action.Valid() {
		return nil, fmt.Errorf("unknown audit action %q", action)
	}

	entityID, resolved := meta.EntityID(entity)
	if !resolved {
		entityID = PendingEntityID
	}

	r := &Record{
		entityClass:     meta.Name,
		entityID:        entityID,
		action:          action,
		oldValues:       maps.Clone(snap.OldValues),
		newValues:       maps.Clone(snap.NewValues),
		changedFields:   slices.Clone(snap.ChangedFields),
		transactionHash: s.txid.Current(),
		createdAt:       s.clock.Now(),
	}
	info, _ := RequestInfoFrom(ctx)
	_ = r.SetActor(s.users.CurrentUser(ctx), info)

	metrics.AuditRecordsCreated.WithLabelValues(string(action)).Inc()
	s.logger.Debug("audit record created",
		zap.String("entity_class", r.entityClass),
		zap.String("entity_id", r.entityID),
		zap.String("action", string(action)),
		zap.Strings("changed_fields", r.changedFields))
	return r, nil
}

// BuildCreate records the full state of a newly inserted entity.
func (s *Service) BuildCreate(ctx context.Context, entity any) (*Record, error) {
	meta := s.metadata.Get(entity)
	if !meta.ShouldAudit() {
		return nil, ErrNotAuditable
	}
	return s.CreateRecord(ctx, entity, ActionCreate, Snapshot{
		NewValues: s.extractor.Extract(entity, meta),
	})
}

// BuildUpdate records the properties of entity that changed according to cs.
// It returns ErrNoChanges when no audited property differs.
func (s *Service) BuildUpdate(ctx context.Context, entity any, cs ChangeSet) (*Record, error) {
	meta := s.metadata.Get(entity)
	if !meta.ShouldAudit() {
		return nil, ErrNotAuditable
	}
	oldValues, newValues, changed := s.changes.Diff(cs, meta)
	if len(changed) == 0 {
		return nil, ErrNoChanges
	}
	return s.CreateRecord(ctx, entity, ActionUpdate, Snapshot{
		OldValues:     oldValues,
		NewValues:     newValues,
		ChangedFields: changed,
	})
}

// BuildDelete records the last state of a removed entity.
func (s *Service) BuildDelete(ctx context.Context, entity any) (*Record, error) {
	meta := s.metadata.Get(entity)
	if !meta.ShouldAudit() {
		return nil, ErrNotAuditable
	}
	return s.CreateRecord(ctx, entity, ActionDelete, Snapshot{
		OldValues: s.extractor.Extract(entity, meta),
	})
}

// IdentifierSnapshot renders the identifier properties of entity, used to
// refresh a create record once the store assigned them.
func (s *Service) IdentifierSnapshot(entity any) map[string]any {
	meta := s.metadata.Get(entity)
	values, _ := meta.IdentifierValues(entity)
	out := make(map[string]any, len(values))
	for name, v := range values {
		out[name] = s.extractor.serializer.Serialize(v, meta.MaskFor(name))
	}
	return out
}
