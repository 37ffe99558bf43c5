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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func sealedRecord(t *testing.T) *Record {
	t.Helper()
	r := NewRecord(sampleRecordData())
	NewIntegrityService(true, "secret", zaptest.NewLogger(t)).SealAndSign(r)
	return r
}

func TestSendContext_Allows(t *testing.T) {
	assert.True(t, SendContext{}.Allows("http"))
	assert.True(t, SendContext{Hints: []string{"queue", "http"}}.Allows("http"))
	assert.False(t, SendContext{Hints: []string{"queue"}}.Allows("http"))
}

func TestLogTransport_Send(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	transport := NewLogTransport(zap.New(core))

	require.NoError(t, transport.Send(context.Background(), sealedRecord(t), SendContext{Phase: PhasePreCommit}))

	entries := logs.FilterMessage("audit_record").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "User", fields["entity_class"])
	assert.Equal(t, "1", fields["entity_id"])
	assert.Equal(t, "update", fields["action"])
	assert.Equal(t, "pre_commit", fields["phase"])
	assert.Equal(t, "admin", fields["username"])
	assert.NotEmpty(t, fields["signature"])
	assert.Contains(t, fields["values"], DefaultMask)

	assert.Equal(t, "log", transport.Name())
	assert.True(t, transport.Supports(nil))
	assert.NoError(t, transport.Close())
}

func TestChainTransport_FailOpen(t *testing.T) {
	a := newFakeTransport("a")
	a.failWith(errBackendDown)
	b := newFakeTransport("b")
	chain := NewChainTransport([]Transport{a, b}, false, zaptest.NewLogger(t))

	require.NoError(t, chain.Send(context.Background(), sealedRecord(t), SendContext{}))
	assert.Len(t, b.received(), 1)
}

func TestChainTransport_FailOpenAllFail(t *testing.T) {
	a := newFakeTransport("a")
	a.failWith(errBackendDown)
	b := newFakeTransport("b")
	b.failWith(errBackendDown)
	chain := NewChainTransport([]Transport{a, b}, false, zaptest.NewLogger(t))

	err := chain.Send(context.Background(), sealedRecord(t), SendContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Contains(t, err.Error(), "a: ")
	assert.Contains(t, err.Error(), "b: ")
}

func TestChainTransport_FailClosed(t *testing.T) {
	a := newFakeTransport("a")
	a.failWith(errBackendDown)
	b := newFakeTransport("b")
	chain := NewChainTransport([]Transport{a, b}, true, zaptest.NewLogger(t))

	err := chain.Send(context.Background(), sealedRecord(t), SendContext{})
	assert.ErrorIs(t, err, errBackendDown)
	assert.Len(t, b.received(), 1, "later members are still attempted")
}

func TestChainTransport_HintsAndSupports(t *testing.T) {
	a := newFakeTransport("a")
	b := newFakeTransport("b")
	c := newFakeTransport("c")
	c.supports = func(r *Record) bool { return r.Action() == ActionCreate }
	chain := NewChainTransport([]Transport{a, b, c}, true, zaptest.NewLogger(t))

	require.NoError(t, chain.Send(context.Background(), sealedRecord(t), SendContext{Hints: []string{"b", "c"}}))
	assert.Empty(t, a.received(), "not hinted")
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received(), "does not support updates")

	err := chain.Send(context.Background(), sealedRecord(t), SendContext{Hints: []string{"c"}})
	assert.ErrorIs(t, err, ErrNoTransportAttempted)

	assert.True(t, chain.Supports(sealedRecord(t)))
	assert.Equal(t, "chain", chain.Name())
	assert.Len(t, chain.Transports(), 3)
}

func TestChainTransport_CloseClosesAll(t *testing.T) {
	a := newFakeTransport("a")
	b := newFakeTransport("b")
	chain := NewChainTransport([]Transport{a, b}, false, zaptest.NewLogger(t))

	require.NoError(t, chain.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
