// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// UnserializableValue replaces any value the serializer cannot render.
const UnserializableValue = "[unserializable]"

// CollectionDiff is implemented by tracked collections that know which
// elements were added and removed during the current unit of work.
type CollectionDiff interface {
	Inserted() []any
	Removed() []any
}

// EntityRef is the rendered form of a reference to another entity.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ValueSerializer renders raw property values into JSON-compatible values.
// It never fails: anything it cannot render becomes UnserializableValue.
type ValueSerializer struct {
	metadata *MetadataCache
}

// NewValueSerializer creates a serializer that resolves entity references through metadata.
func NewValueSerializer(metadata *MetadataCache) *ValueSerializer {
	return &ValueSerializer{metadata: metadata}
}

// Serialize renders raw. A non-nil mask wins over the value.
func (s *ValueSerializer) Serialize(raw any, mask *string) (out any) {
	if mask != nil {
		return *mask
	}
	defer func() {
		if r := recover(); r != nil {
			out = UnserializableValue
		}
	}()
	return s.render(raw, true)
}

// render converts one value. Containers are expanded one level only; their
// elements are rendered with expand=false, which keeps references shallow.
func (s *ValueSerializer) render(raw any, expand bool) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		return finite(v, float64(v))
	case float64:
		return finite(v, v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.Format(time.RFC3339Nano)
	case []byte:
		if v == nil {
			return nil
		}
		return base64.StdEncoding.EncodeToString(v)
	case CollectionDiff:
		return map[string]any{
			"added":   s.renderAll(v.Inserted()),
			"removed": s.renderAll(v.Removed()),
		}
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	if rv.Kind() == reflect.Struct {
		if ref, ok := s.reference(rv); ok {
			return map[string]any{"type": ref.Type, "id": ref.ID}
		}
	}

	if text, ok := textOf(raw); ok {
		return text
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float(), rv.Float())
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		if !expand {
			return jsonValue(rv.Interface())
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = s.render(rv.Index(i).Interface(), false)
		}
		return out
	case reflect.Map:
		if !expand || rv.Type().Key().Kind() != reflect.String {
			return jsonValue(rv.Interface())
		}
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = s.render(iter.Value().Interface(), false)
		}
		return out
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return UnserializableValue
	}
	return jsonValue(rv.Interface())
}

// finite returns v unless f is NaN or infinite, which JSON cannot carry.
func finite(v any, f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return UnserializableValue
	}
	return v
}

func (s *ValueSerializer) renderAll(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, s.render(v, false))
	}
	return out
}

// Reference renders entity as an entity reference when its type declares identifiers.
func (s *ValueSerializer) Reference(entity any) (EntityRef, bool) {
	rv, ok := structValue(entity)
	if !ok {
		return EntityRef{}, false
	}
	return s.reference(rv)
}

func (s *ValueSerializer) reference(rv reflect.Value) (EntityRef, bool) {
	if s.metadata == nil || !rv.CanInterface() {
		return EntityRef{}, false
	}
	m := s.metadata.GetType(rv.Type())
	if !m.HasIdentifier() {
		return EntityRef{}, false
	}
	id, resolved := m.EntityID(rv.Interface())
	if !resolved {
		id = PendingEntityID
	}
	return EntityRef{Type: m.Name, ID: id}, true
}

func textOf(raw any) (string, bool) {
	switch v := raw.(type) {
	case fmt.Stringer:
		return v.String(), true
	case encoding.TextMarshaler:
		b, err := v.MarshalText()
		if err != nil {
			return UnserializableValue, true
		}
		return string(b), true
	}
	return "", false
}

// jsonValue coerces v through a JSON round trip.
func jsonValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return UnserializableValue
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return UnserializableValue
	}
	return out
}
