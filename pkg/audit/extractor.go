// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

// Extractor produces full snapshots of entities.
type Extractor struct {
	serializer *ValueSerializer
}

// NewExtractor creates an Extractor rendering values with serializer.
func NewExtractor(serializer *ValueSerializer) *Extractor {
	return &Extractor{serializer: serializer}
}

// Extract returns the rendered values of every non-ignored property of
// entity, masks applied. Associations are rendered as references only.
func (e *Extractor) Extract(entity any, meta *EntityMetadata) map[string]any {
	raw := RawValues(entity, meta)
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for name, value := range raw {
		out[name] = e.serializer.Serialize(value, meta.MaskFor(name))
	}
	return out
}

// RawValues reads the unrendered values of every non-ignored property.
// Properties behind a nil embedded pointer read as nil.
func RawValues(entity any, meta *EntityMetadata) map[string]any {
	rv, ok := structValue(entity)
	if !ok || meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta.Fields))
	for _, f := range meta.Fields {
		if f.Ignored {
			continue
		}
		fv, err := rv.FieldByIndexErr(f.Index)
		if err != nil || !fv.CanInterface() {
			out[f.Name] = nil
			continue
		}
		out[f.Name] = fv.Interface()
	}
	return out
}
