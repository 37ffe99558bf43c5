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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakePublisher records published messages. A non-nil block channel holds
// every Publish call until it is closed.
type fakePublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
	block    chan struct{}
	closed   bool
}

func (p *fakePublisher) Name() string { return "fake" }

func (p *fakePublisher) Publish(ctx context.Context, msg Message) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func TestEncodeMessage(t *testing.T) {
	r := sealedRecord(t)

	msg, err := EncodeMessage(r, SendContext{Phase: PhasePostCommit})
	require.NoError(t, err)

	assert.Equal(t, r.TransactionHash(), msg.Key)
	assert.Equal(t, "User", msg.Headers["entity-class"])
	assert.Equal(t, "update", msg.Headers["action"])
	assert.Equal(t, "post_commit", msg.Headers["phase"])
	assert.Equal(t, "42", msg.Headers["actor"])
	assert.Equal(t, r.Signature(), msg.Headers["signature"])
	assert.Equal(t, "2025-03-14T09:26:53Z", msg.Headers["created-at"])

	var data RecordData
	require.NoError(t, json.Unmarshal(msg.Payload, &data))
	assert.Equal(t, r.EntityID(), data.EntityID)
	assert.Equal(t, r.ChangedFields(), data.ChangedFields)
}

func TestQueueTransport_PublishesAsynchronously(t *testing.T) {
	pub := &fakePublisher{}
	qt := NewQueueTransport(pub, nil, QueueTransportConfig{QueueSize: 10, WorkerCount: 1}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		require.NoError(t, qt.Send(context.Background(), sealedRecord(t), SendContext{}))
	}
	require.NoError(t, qt.Close())

	assert.Len(t, pub.published(), 3)
	assert.True(t, pub.closed)
	health := qt.Health()
	assert.Equal(t, int64(3), health.PublishedCount)
	assert.Equal(t, "queue", qt.Name())
	assert.Same(t, pub, qt.Publisher())
}

func TestQueueTransport_FullQueueDoesNotBlock(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	qt := NewQueueTransport(pub, nil, QueueTransportConfig{QueueSize: 1, WorkerCount: 1, WriteTimeout: time.Minute},
		zaptest.NewLogger(t))

	// The worker takes the first record and blocks; the second fills the buffer.
	require.NoError(t, qt.Send(context.Background(), sealedRecord(t), SendContext{}))
	require.Eventually(t, func() bool { return qt.Health().QueueLength == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, qt.Send(context.Background(), sealedRecord(t), SendContext{}))

	done := make(chan error, 1)
	go func() { done <- qt.Send(context.Background(), sealedRecord(t), SendContext{}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
	assert.Equal(t, int64(1), qt.Health().DroppedRecords)

	close(pub.block)
	require.NoError(t, qt.Close())
	assert.Len(t, pub.published(), 2)
}

func TestQueueTransport_DeadLetterOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errBackendDown}
	deadLetter := newFakeTransport("database")
	qt := NewQueueTransport(pub, deadLetter, QueueTransportConfig{WorkerCount: 1}, zaptest.NewLogger(t))

	r := sealedRecord(t)
	require.NoError(t, qt.Send(context.Background(), r, SendContext{Phase: PhasePreCommit}))
	require.NoError(t, qt.Close())

	received := deadLetter.received()
	require.Len(t, received, 1)
	assert.Same(t, r, received[0])
	assert.Equal(t, PhasePreCommit, deadLetter.contexts[0].Phase)

	health := qt.Health()
	assert.Equal(t, int64(1), health.FailedCount)
	assert.Equal(t, int64(1), health.DeadLettered)
	assert.Contains(t, health.LastError, "backend unavailable")
}

func TestQueueTransport_SendAfterClose(t *testing.T) {
	qt := NewQueueTransport(&fakePublisher{}, nil, QueueTransportConfig{}, zaptest.NewLogger(t))
	require.NoError(t, qt.Close())
	require.NoError(t, qt.Close(), "double close is a no-op")

	err := qt.Send(context.Background(), sealedRecord(t), SendContext{})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestQueueTransport_CircuitBreakerOpens(t *testing.T) {
	pub := &fakePublisher{err: errBackendDown}
	cb := CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}
	qt := NewQueueTransport(pub, nil, QueueTransportConfig{WorkerCount: 1, CircuitBreaker: &cb}, zaptest.NewLogger(t))

	require.NoError(t, qt.Send(context.Background(), sealedRecord(t), SendContext{}))
	require.Eventually(t, func() bool {
		c := qt.Health().Circuit
		return c != nil && c.State == "open"
	}, time.Second, 5*time.Millisecond)
	health := qt.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "fake", health.Circuit.Transport)
	assert.Equal(t, errBackendDown.Error(), health.Circuit.LastFailure)
	require.NoError(t, qt.Close())
}

func TestDefaultQueueTransportConfig(t *testing.T) {
	cfg := DefaultQueueTransportConfig()
	assert.Equal(t, 10000, cfg.QueueSize)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	require.NotNil(t, cfg.CircuitBreaker)
}
