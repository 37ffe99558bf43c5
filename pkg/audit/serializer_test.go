// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type status int

const statusActive status = 3

type ratio float64

type panicky struct{}

func (panicky) String() string { panic("boom") }

func TestValueSerializer_Serialize(t *testing.T) {
	s := NewValueSerializer(NewMetadataCache(zaptest.NewLogger(t)))
	mask := "###"
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name string
		raw  any
		mask *string
		want any
	}{
		{name: "mask wins over value", raw: "secret", mask: &mask, want: "###"},
		{name: "mask wins over nil", raw: nil, mask: &mask, want: "###"},
		{name: "nil", raw: nil, want: nil},
		{name: "string", raw: "bob", want: "bob"},
		{name: "int", raw: 42, want: 42},
		{name: "bool", raw: true, want: true},
		{name: "float", raw: 1.5, want: 1.5},
		{name: "named int", raw: statusActive, want: int64(3)},
		{name: "time", raw: when, want: "2024-01-02T03:04:05+01:00"},
		{name: "time pointer", raw: &when, want: "2024-01-02T03:04:05+01:00"},
		{name: "time keeps sub-second precision", raw: when.Add(250 * time.Millisecond), want: "2024-01-02T03:04:05.25+01:00"},
		{name: "NaN", raw: math.NaN(), want: UnserializableValue},
		{name: "positive infinity", raw: math.Inf(1), want: UnserializableValue},
		{name: "negative infinity float32", raw: float32(math.Inf(-1)), want: UnserializableValue},
		{name: "named float NaN", raw: ratio(math.NaN()), want: UnserializableValue},
		{name: "named float", raw: ratio(0.5), want: 0.5},
		{name: "slice with NaN", raw: []float64{1, math.NaN()}, want: []any{float64(1), UnserializableValue}},
		{name: "nil time pointer", raw: (*time.Time)(nil), want: nil},
		{name: "bytes", raw: []byte("hi"), want: "aGk="},
		{name: "stringer", raw: net.IPv4(10, 0, 0, 1), want: "10.0.0.1"},
		{name: "duration", raw: 90 * time.Second, want: "1m30s"},
		{name: "string slice", raw: []string{"a", "b"}, want: []any{"a", "b"}},
		{name: "map", raw: map[string]int{"a": 1}, want: map[string]any{"a": 1}},
		{name: "channel", raw: make(chan int), want: UnserializableValue},
		{name: "func", raw: func() {}, want: UnserializableValue},
		{name: "panicking stringer", raw: panicky{}, want: UnserializableValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Serialize(tt.raw, tt.mask))
		})
	}
}

func TestValueSerializer_NonFiniteFloatsStayJSONSafe(t *testing.T) {
	s := NewValueSerializer(NewMetadataCache(zaptest.NewLogger(t)))

	got := s.Serialize(map[string]float64{"ok": 1, "bad": math.Inf(1)}, nil)
	assert.Equal(t, map[string]any{"ok": float64(1), "bad": UnserializableValue}, got)
	_, err := json.Marshal(got)
	assert.NoError(t, err)
}

func TestValueSerializer_EntityReference(t *testing.T) {
	s := NewValueSerializer(NewMetadataCache(zaptest.NewLogger(t)))

	assert.Equal(t, map[string]any{"type": "Group", "id": "7"}, s.Serialize(&testGroup{ID: 7, Name: "ops"}, nil))
	assert.Equal(t, map[string]any{"type": "Group", "id": PendingEntityID}, s.Serialize(&testGroup{Name: "new"}, nil))
	assert.Equal(t, map[string]any{"type": "audit.testSession", "id": "3"}, s.Serialize(testSession{ID: 3}, nil),
		"identifier tag is enough for a reference")
	assert.Nil(t, s.Serialize((*testGroup)(nil), nil))
}

func TestValueSerializer_CyclicGraphStaysShallow(t *testing.T) {
	s := NewValueSerializer(NewMetadataCache(zaptest.NewLogger(t)))

	group := &testGroup{ID: 1, Name: "admins"}
	alice := &testUser{ID: 10, Username: "alice", Group: group}
	bob := &testUser{ID: 11, Username: "bob", Group: group}
	group.Members = []*testUser{alice, bob}
	group.Owner = alice

	got := s.Serialize(group.Members, nil)
	assert.Equal(t, []any{
		map[string]any{"type": "User", "id": "10"},
		map[string]any{"type": "User", "id": "11"},
	}, got)

	// The rendered value must be JSON encodable.
	_, err := json.Marshal(got)
	assert.NoError(t, err)
}

func TestValueSerializer_CollectionDiff(t *testing.T) {
	s := NewValueSerializer(NewMetadataCache(zaptest.NewLogger(t)))

	diff := &memberDiffs{
		added:   []any{&testUser{ID: 2}, "label"},
		removed: []any{&testUser{ID: 3}},
	}
	assert.Equal(t, map[string]any{
		"added": []any{
			map[string]any{"type": "User", "id": "2"},
			"label",
		},
		"removed": []any{
			map[string]any{"type": "User", "id": "3"},
		},
	}, s.Serialize(diff, nil))
}

func TestValueSerializer_PlainStructFallsBackToJSON(t *testing.T) {
	type address struct {
		Street string `json:"street"`
		Zip    string `json:"zip"`
	}
	s := NewValueSerializer(NewMetadataCache(zaptest.NewLogger(t)))

	assert.Equal(t, map[string]any{"street": "Main St", "zip": "12345"},
		s.Serialize(address{Street: "Main St", Zip: "12345"}, nil))
}
