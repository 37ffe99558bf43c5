// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// FieldChange holds the raw before and after values of one property.
type FieldChange struct {
	Old any
	New any
}

// ChangeSet maps property names to their raw changes, as reported by the
// unit of work.
type ChangeSet map[string]FieldChange

// ChangeProcessor turns change sets into rendered before/after snapshots.
type ChangeProcessor struct {
	metadata   *MetadataCache
	serializer *ValueSerializer
}

// NewChangeProcessor creates a ChangeProcessor.
func NewChangeProcessor(metadata *MetadataCache, serializer *ValueSerializer) *ChangeProcessor {
	return &ChangeProcessor{metadata: metadata, serializer: serializer}
}

// Diff keeps the properties whose raw values differ. Masked properties stay
// in changed even though both rendered values are the mask. The result is
// ordered by declaration; properties unknown to meta follow alphabetically.
func (p *ChangeProcessor) Diff(cs ChangeSet, meta *EntityMetadata) (oldValues, newValues map[string]any, changed []string) {
	for _, name := range p.order(cs, meta) {
		if meta.IsIgnored(name) {
			continue
		}
		c := cs[name]
		if p.Equal(c.Old, c.New) {
			continue
		}
		if oldValues == nil {
			oldValues = make(map[string]any)
			newValues = make(map[string]any)
		}
		mask := meta.MaskFor(name)
		oldValues[name] = p.serializer.Serialize(c.Old, mask)
		newValues[name] = p.serializer.Serialize(c.New, mask)
		changed = append(changed, name)
	}
	return oldValues, newValues, changed
}

func (p *ChangeProcessor) order(cs ChangeSet, meta *EntityMetadata) []string {
	names := make([]string, 0, len(cs))
	for name := range cs {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		pi, pj := -1, -1
		if meta != nil {
			pi, pj = meta.position(names[i]), meta.position(names[j])
		}
		switch {
		case pi >= 0 && pj >= 0:
			return pi < pj
		case pi >= 0:
			return true
		case pj >= 0:
			return false
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// Equal compares two raw values structurally. Times compare by instant,
// byte slices by content, and entities by type and identifier. A tracked
// collection with added or removed elements is never equal, even to itself.
func (p *ChangeProcessor) Equal(a, b any) bool {
	if a == nil || b == nil {
		return isNil(a) && isNil(b)
	}
	if pendingMembership(a) || pendingMembership(b) {
		return false
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Equal(bv)
		}
	case *time.Time:
		if bv, ok := b.(*time.Time); ok {
			if av == nil || bv == nil {
				return av == nil && bv == nil
			}
			return av.Equal(*bv)
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Equal(av, bv)
		}
	}
	if ra, ok := p.serializer.Reference(a); ok && ra.ID != PendingEntityID {
		if rb, ok := p.serializer.Reference(b); ok && rb.ID != PendingEntityID {
			return ra == rb
		}
	}
	return reflect.DeepEqual(a, b)
}

// DiffEntities compares two snapshots of the same entity type property by
// property, for callers without unit-of-work change tracking.
func (p *ChangeProcessor) DiffEntities(before, after any) (ChangeSet, error) {
	bt, at := reflect.TypeOf(before), reflect.TypeOf(after)
	for bt != nil && bt.Kind() == reflect.Pointer {
		bt = bt.Elem()
	}
	for at != nil && at.Kind() == reflect.Pointer {
		at = at.Elem()
	}
	if bt == nil || bt != at {
		return nil, fmt.Errorf("cannot diff %T against %T", before, after)
	}
	meta := p.metadata.GetType(bt)
	if meta == nil {
		return nil, fmt.Errorf("cannot diff non-struct type %v", bt)
	}

	oldRaw, newRaw := RawValues(before, meta), RawValues(after, meta)
	cs := make(ChangeSet)
	for _, f := range meta.Fields {
		if f.Ignored {
			continue
		}
		o, n := oldRaw[f.Name], newRaw[f.Name]
		if p.Equal(o, n) {
			continue
		}
		cs[f.Name] = FieldChange{Old: o, New: n}
	}
	return cs, nil
}

func pendingMembership(v any) bool {
	coll, ok := v.(CollectionDiff)
	if !ok || isNil(v) {
		return false
	}
	return len(coll.Inserted()) > 0 || len(coll.Removed()) > 0
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
