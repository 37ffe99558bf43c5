// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMask replaces the rendered value of fields tagged `audit:"mask"`.
const DefaultMask = "**REDACTED**"

const tagName = "audit"

// Tracked marks a struct as an audited entity when embedded. Type-level
// options go into the tag of the embedded field:
//
//	type User struct {
//		audit.Tracked `audit:"name=User,ignore=UpdatedAt|Version"`
//		ID       int64  `audit:"id"`
//		Password string `audit:"mask"`
//	}
//
// Field tags: `audit:"id"` marks an identifier, `audit:"-"` excludes the
// field, `audit:"mask"` or `audit:"mask=***"` renders a mask instead of the value.
type Tracked struct{}

var trackedType = reflect.TypeOf(Tracked{})

// FieldMetadata describes one exported property of an entity type.
type FieldMetadata struct {
	// Name is the property name used in snapshots (json tag name or Go field name).
	Name    string
	GoName  string
	Index   []int
	ID      bool
	Ignored bool
	Mask    *string
}

// EntityMetadata is the cached audit descriptor of one entity type.
type EntityMetadata struct {
	Type      reflect.Type
	Name      string
	Auditable bool
	Fields    []FieldMetadata
	IDFields  []string
	// Err is set when an auditable type is configured inconsistently.
	// Such a type is treated as not auditable.
	Err error

	byName map[string]int
}

// Descriptor registers audit metadata for a type explicitly instead of
// through struct tags. Property names refer to FieldMetadata.Name.
type Descriptor struct {
	Name     string
	IDFields []string
	Ignored  []string
	Masks    map[string]string
}

// HasIdentifier reports whether the type declares identifier fields. Any
// struct with an identifier counts as an entity when referenced from another one.
func (m *EntityMetadata) HasIdentifier() bool {
	return m != nil && len(m.IDFields) > 0
}

// ShouldAudit reports whether records should be produced for the type.
func (m *EntityMetadata) ShouldAudit() bool {
	return m != nil && m.Auditable && m.Err == nil
}

// Field returns the descriptor of a property.
func (m *EntityMetadata) Field(name string) (FieldMetadata, bool) {
	if m == nil {
		return FieldMetadata{}, false
	}
	i, ok := m.byName[name]
	if !ok {
		return FieldMetadata{}, false
	}
	return m.Fields[i], true
}

// IsIgnored reports whether a property is excluded from auditing.
func (m *EntityMetadata) IsIgnored(name string) bool {
	f, ok := m.Field(name)
	return ok && f.Ignored
}

// MaskFor returns the mask configured for a property, or nil.
func (m *EntityMetadata) MaskFor(name string) *string {
	f, ok := m.Field(name)
	if !ok {
		return nil
	}
	return f.Mask
}

// position returns the declaration index of a property, or -1.
func (m *EntityMetadata) position(name string) int {
	if i, ok := m.byName[name]; ok {
		return i
	}
	return -1
}

// IdentifierValues reads the raw identifier values of entity.
// resolved is false while any identifier component is still its zero value.
func (m *EntityMetadata) IdentifierValues(entity any) (values map[string]any, resolved bool) {
	rv, ok := structValue(entity)
	if !ok || !m.HasIdentifier() {
		return nil, false
	}
	values = make(map[string]any, len(m.IDFields))
	resolved = true
	for _, name := range m.IDFields {
		f, _ := m.Field(name)
		fv, err := rv.FieldByIndexErr(f.Index)
		if err != nil || fv.IsZero() {
			resolved = false
			values[name] = nil
			continue
		}
		values[name] = fv.Interface()
	}
	return values, resolved
}

// EntityID renders the identifier of entity. Single identifiers are rendered
// as their scalar text; composite identifiers as a JSON object keyed by property.
func (m *EntityMetadata) EntityID(entity any) (string, bool) {
	values, resolved := m.IdentifierValues(entity)
	if !resolved {
		return "", false
	}
	if len(m.IDFields) == 1 {
		return formatID(values[m.IDFields[0]]), true
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	case fmt.Stringer:
		return id.String()
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	return fmt.Sprint(rv.Interface())
}

// MetadataCache builds entity descriptors once per type and shares them for
// the lifetime of the process. Lookups are lock-free; concurrent first
// lookups of the same type build the descriptor once.
type MetadataCache struct {
	logger  *zap.Logger
	entries atomic.Pointer[map[reflect.Type]*EntityMetadata]
	group   singleflight.Group
	mu      sync.Mutex
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache(logger *zap.Logger) *MetadataCache {
	c := &MetadataCache{logger: logger.Named("audit-metadata")}
	empty := make(map[reflect.Type]*EntityMetadata)
	c.entries.Store(&empty)
	return c
}

// Get returns the descriptor for the dynamic type of entity. Pointers are
// dereferenced; nil or non-struct values yield nil.
func (c *MetadataCache) Get(entity any) *EntityMetadata {
	if entity == nil {
		return nil
	}
	return c.GetType(reflect.TypeOf(entity))
}

// GetType returns the descriptor for t.
func (c *MetadataCache) GetType(t reflect.Type) *EntityMetadata {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	if m, ok := (*c.entries.Load())[t]; ok {
		return m
	}

	v, _, _ := c.group.Do(typeKey(t), func() (any, error) {
		if m, ok := (*c.entries.Load())[t]; ok {
			return m, nil
		}
		m := buildMetadata(t)
		if m.Auditable && m.Err != nil {
			c.logger.Error("audit metadata is inconsistent, type will not be audited",
				zap.String("type", m.Name),
				zap.Error(m.Err))
		}
		c.publish(t, m)
		return m, nil
	})
	return v.(*EntityMetadata)
}

// Register installs an explicit descriptor for the type of sample, replacing
// whatever struct tags declare. It must run before the type is first used.
func (c *MetadataCache) Register(sample any, d Descriptor) error {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: cannot register non-struct type %v", ErrMetadataInconsistent, t)
	}

	m := buildMetadata(t)
	m.Auditable = true
	m.Err = nil
	if d.Name != "" {
		m.Name = d.Name
	}
	ignored := toSet(d.Ignored)
	ids := toSet(d.IDFields)
	m.IDFields = nil
	for i := range m.Fields {
		f := &m.Fields[i]
		_, f.Ignored = ignored[f.Name]
		_, f.ID = ids[f.Name]
		f.Mask = nil
		if mask, ok := d.Masks[f.Name]; ok {
			f.Mask = &mask
		}
		if f.ID {
			m.IDFields = append(m.IDFields, f.Name)
		}
	}
	if len(m.IDFields) != len(d.IDFields) {
		return fmt.Errorf("%w: %s: unknown identifier field in %v", ErrMetadataInconsistent, m.Name, d.IDFields)
	}
	if len(m.IDFields) == 0 {
		return fmt.Errorf("%w: %s declares no identifier", ErrMetadataInconsistent, m.Name)
	}
	c.publish(t, m)
	return nil
}

// Preload resolves the descriptors of the given entities and returns every
// configuration error found, so misconfigured types fail at startup.
func (c *MetadataCache) Preload(entities ...any) error {
	var errs []error
	for _, e := range entities {
		m := c.Get(e)
		if m == nil {
			errs = append(errs, fmt.Errorf("%w: %T is not a struct", ErrMetadataInconsistent, e))
			continue
		}
		if m.Err != nil {
			errs = append(errs, m.Err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of cached types.
func (c *MetadataCache) Len() int {
	return len(*c.entries.Load())
}

// publish swaps in a copy of the map that includes m. Readers never see a
// descriptor before it is complete.
func (c *MetadataCache) publish(t reflect.Type, m *EntityMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := *c.entries.Load()
	next := make(map[reflect.Type]*EntityMetadata, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[t] = m
	c.entries.Store(&next)
}

// typeKey names t for singleflight. Function-local types can share a name
// within a package, so the key carries the type's identity as well.
func typeKey(t reflect.Type) string {
	return fmt.Sprintf("%s@%p", t, t)
}

func buildMetadata(t reflect.Type) *EntityMetadata {
	m := &EntityMetadata{
		Type:   t,
		Name:   t.String(),
		byName: make(map[string]int),
	}

	typeIgnored := map[string]struct{}{}
	for _, sf := range reflect.VisibleFields(t) {
		if sf.Anonymous && sf.Type == trackedType {
			m.Auditable = true
			opts := parseTypeOptions(sf.Tag.Get(tagName))
			if opts.name != "" {
				m.Name = opts.name
			}
			typeIgnored = opts.ignore
		}
	}

	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		name := propertyName(sf)
		if _, dup := m.byName[name]; dup {
			continue
		}
		f := FieldMetadata{Name: name, GoName: sf.Name, Index: sf.Index}

		tag := sf.Tag.Get(tagName)
		switch {
		case tag == "-":
			f.Ignored = true
		case tag == "id":
			f.ID = true
		case tag == "mask":
			mask := DefaultMask
			f.Mask = &mask
		case strings.HasPrefix(tag, "mask="):
			mask := strings.TrimPrefix(tag, "mask=")
			f.Mask = &mask
		}
		if _, ok := typeIgnored[name]; ok {
			f.Ignored = true
		}
		if _, ok := typeIgnored[sf.Name]; ok {
			f.Ignored = true
		}
		if f.ID {
			m.IDFields = append(m.IDFields, name)
		}

		m.byName[name] = len(m.Fields)
		m.Fields = append(m.Fields, f)
	}

	if m.Auditable && len(m.IDFields) == 0 {
		m.Err = fmt.Errorf("%w: %s has no field tagged audit:\"id\"", ErrMetadataInconsistent, m.Name)
	}
	return m
}

type typeOptions struct {
	name   string
	ignore map[string]struct{}
}

func parseTypeOptions(tag string) typeOptions {
	opts := typeOptions{ignore: map[string]struct{}{}}
	for _, part := range strings.Split(tag, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch key {
		case "name":
			opts.name = value
		case "ignore":
			for _, f := range strings.Split(value, "|") {
				if f = strings.TrimSpace(f); f != "" {
					opts.ignore[f] = struct{}{}
				}
			}
		}
	}
	return opts
}

func propertyName(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return sf.Name
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// structValue dereferences entity down to an addressable-or-not struct value.
func structValue(entity any) (reflect.Value, bool) {
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	return rv, rv.Kind() == reflect.Struct
}
