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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// Message is an encoded audit record handed to a message broker.
type Message struct {
	Key     string
	Payload []byte
	Headers map[string]string
}

// Publisher writes messages to a broker (Kafka, Redis Streams).
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// EncodeMessage builds the broker message for r. The record's transaction
// hash is the key, so records of one flush cycle land on one partition.
func EncodeMessage(r *Record, sc SendContext) (Message, error) {
	payload, err := json.Marshal(r.Data())
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	headers := map[string]string{
		"entity-class": r.EntityClass(),
		"action":       string(r.Action()),
		"created-at":   r.CreatedAt().UTC().Format(time.RFC3339),
	}
	if sc.Phase != "" {
		headers["phase"] = string(sc.Phase)
	}
	if r.UserID() != "" {
		headers["actor"] = r.UserID()
	}
	if r.Signature() != "" {
		headers["signature"] = r.Signature()
	}
	return Message{Key: r.TransactionHash(), Payload: payload, Headers: headers}, nil
}

// QueueTransportConfig configures a QueueTransport.
type QueueTransportConfig struct {
	// QueueSize is the size of the async record queue.
	// Default: 10000
	QueueSize int

	// WorkerCount is the number of async processing workers.
	// Default: 2
	WorkerCount int

	// WriteTimeout is the timeout for one publish call.
	// Default: 5s
	WriteTimeout time.Duration

	// CircuitBreaker guards the publisher. Nil disables it.
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultQueueTransportConfig returns sensible defaults for a queued transport.
func DefaultQueueTransportConfig() QueueTransportConfig {
	cb := DefaultCircuitBreakerConfig()
	return QueueTransportConfig{
		QueueSize:      10000,
		WorkerCount:    2,
		WriteTimeout:   5 * time.Second,
		CircuitBreaker: &cb,
	}
}

// QueueHealth represents the health status of a queued transport.
type QueueHealth struct {
	Name            string         `json:"name"`
	Healthy         bool           `json:"healthy"`
	QueueLength     int            `json:"queueLength"`
	QueueCapacity   int            `json:"queueCapacity"`
	DroppedRecords  int64          `json:"droppedRecords"`
	PublishedCount  int64          `json:"publishedCount"`
	FailedCount     int64          `json:"failedCount"`
	DeadLettered    int64          `json:"deadLettered"`
	Circuit         *CircuitStatus `json:"circuit,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	LastErrorTime   time.Time      `json:"lastErrorTime,omitempty"`
	LastSuccessTime time.Time      `json:"lastSuccessTime,omitempty"`
}

type queuedRecord struct {
	record *Record
	sc     SendContext
	msg    Message
}

// QueueTransport hands records to a bounded queue drained by background
// workers that publish to a broker. Send never blocks: a full queue is
// reported as ErrQueueFull so the dispatcher can fall back. Records whose
// publish fails are passed to the dead-letter transport, if any.
type QueueTransport struct {
	publisher  Publisher
	deadLetter Transport
	breaker    *CircuitBreaker
	queue      chan queuedRecord
	config     QueueTransportConfig
	logger     *zap.Logger

	droppedRecords atomic.Int64
	publishedCount atomic.Int64
	failedCount    atomic.Int64
	deadLettered   atomic.Int64

	mu              sync.RWMutex
	lastError       string
	lastErrorTime   time.Time
	lastSuccessTime time.Time

	// closeMu orders Send against Close so no send hits a closed channel.
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewQueueTransport creates a queued transport and starts its workers.
// deadLetter may be nil.
func NewQueueTransport(publisher Publisher, deadLetter Transport, cfg QueueTransportConfig, logger *zap.Logger) *QueueTransport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	qt := &QueueTransport{
		publisher:  publisher,
		deadLetter: deadLetter,
		queue:      make(chan queuedRecord, cfg.QueueSize),
		config:     cfg,
		logger:     logger.Named("queue-transport").With(zap.String("publisher", publisher.Name())),
	}
	if cfg.CircuitBreaker != nil {
		qt.breaker = NewCircuitBreaker(publisher.Name(), *cfg.CircuitBreaker, logger)
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		qt.wg.Add(1)
		go qt.processQueue(i)
	}

	qt.logger.Info("queued audit transport started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("write_timeout", cfg.WriteTimeout),
		zap.Bool("dead_letter", deadLetter != nil))

	return qt
}

// Supports accepts every record.
func (qt *QueueTransport) Supports(*Record) bool {
	return true
}

// Send encodes the record and enqueues it (non-blocking).
func (qt *QueueTransport) Send(_ context.Context, r *Record, sc SendContext) error {
	msg, err := EncodeMessage(r, sc)
	if err != nil {
		metrics.AuditTransportErrors.WithLabelValues(qt.Name(), "serialization").Inc()
		return err
	}

	qt.closeMu.RLock()
	defer qt.closeMu.RUnlock()
	if qt.closed {
		return fmt.Errorf("%s: %w", qt.Name(), ErrTransportClosed)
	}

	select {
	case qt.queue <- queuedRecord{record: r, sc: sc, msg: msg}:
		metrics.AuditQueueDepth.WithLabelValues(qt.Name()).Set(float64(len(qt.queue)))
		return nil
	default:
		qt.droppedRecords.Add(1)
		metrics.AuditQueueDropped.WithLabelValues(qt.Name(), "queue_full").Inc()
		qt.logger.Warn("audit queue full, rejecting record",
			zap.String("entity_class", r.EntityClass()),
			zap.String("entity_id", r.EntityID()))
		return ErrQueueFull
	}
}

// processQueue is the worker goroutine that publishes queued records.
func (qt *QueueTransport) processQueue(workerID int) {
	defer qt.wg.Done()

	for item := range qt.queue {
		metrics.AuditQueueDepth.WithLabelValues(qt.Name()).Set(float64(len(qt.queue)))

		ctx, cancel := context.WithTimeout(context.Background(), qt.config.WriteTimeout)
		start := time.Now()
		err := qt.publish(ctx, item.msg)
		metrics.AuditTransportLatency.WithLabelValues(qt.Name()).Observe(time.Since(start).Seconds())
		cancel()

		if err != nil {
			qt.failedCount.Add(1)
			metrics.AuditTransportErrors.WithLabelValues(qt.Name(), "publish").Inc()

			qt.mu.Lock()
			qt.lastError = err.Error()
			qt.lastErrorTime = time.Now()
			qt.mu.Unlock()

			qt.logger.Error("failed to publish audit record",
				zap.Int("worker", workerID),
				zap.String("entity_class", item.record.EntityClass()),
				zap.String("entity_id", item.record.EntityID()),
				zap.String("error", err.Error()))

			qt.sendDeadLetter(item)
			continue
		}

		qt.publishedCount.Add(1)
		qt.mu.Lock()
		qt.lastSuccessTime = time.Now()
		qt.mu.Unlock()
	}
}

func (qt *QueueTransport) publish(ctx context.Context, msg Message) error {
	if qt.breaker == nil {
		return qt.publisher.Publish(ctx, msg)
	}
	return qt.breaker.Execute(ctx, func(ctx context.Context) error {
		return qt.publisher.Publish(ctx, msg)
	})
}

func (qt *QueueTransport) sendDeadLetter(item queuedRecord) {
	if qt.deadLetter == nil {
		metrics.AuditQueueDropped.WithLabelValues(qt.Name(), "publish_failed").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), qt.config.WriteTimeout)
	defer cancel()
	if err := qt.deadLetter.Send(ctx, item.record, item.sc); err != nil {
		metrics.AuditQueueDropped.WithLabelValues(qt.Name(), "dead_letter_failed").Inc()
		qt.logger.Error("dead-letter delivery failed, audit record lost",
			zap.String("dead_letter", qt.deadLetter.Name()),
			zap.String("entity_class", item.record.EntityClass()),
			zap.String("entity_id", item.record.EntityID()),
			zap.String("error", err.Error()))
		return
	}
	qt.deadLettered.Add(1)
	metrics.AuditFallbackDeliveries.WithLabelValues(qt.Name()).Inc()
}

// Health returns the current health status of this transport.
func (qt *QueueTransport) Health() QueueHealth {
	qt.mu.RLock()
	lastError := qt.lastError
	lastErrorTime := qt.lastErrorTime
	lastSuccessTime := qt.lastSuccessTime
	qt.mu.RUnlock()

	queueLen := len(qt.queue)
	queueCap := cap(qt.queue)
	var circuit *CircuitStatus
	if qt.breaker != nil {
		status := qt.breaker.Status()
		circuit = &status
	}
	circuitOpen := circuit != nil && circuit.State == CircuitOpen.String()

	// Consider healthy if:
	// - Circuit is not open
	// - Queue is not > 80% full
	// - Had a recent success (within last minute) OR no errors yet
	healthy := !circuitOpen &&
		float64(queueLen) < float64(queueCap)*0.8 &&
		(lastSuccessTime.After(time.Now().Add(-1*time.Minute)) || lastErrorTime.IsZero())

	return QueueHealth{
		Name:            qt.Name(),
		Healthy:         healthy,
		QueueLength:     queueLen,
		QueueCapacity:   queueCap,
		DroppedRecords:  qt.droppedRecords.Load(),
		PublishedCount:  qt.publishedCount.Load(),
		FailedCount:     qt.failedCount.Load(),
		DeadLettered:    qt.deadLettered.Load(),
		Circuit:         circuit,
		LastError:       lastError,
		LastErrorTime:   lastErrorTime,
		LastSuccessTime: lastSuccessTime,
	}
}

// Close drains the queue, stops the workers and closes the publisher.
func (qt *QueueTransport) Close() error {
	qt.closeMu.Lock()
	if qt.closed {
		qt.closeMu.Unlock()
		return nil
	}
	qt.closed = true
	close(qt.queue)
	qt.closeMu.Unlock()

	qt.wg.Wait()
	return qt.publisher.Close()
}

// Name returns the transport identifier.
func (qt *QueueTransport) Name() string {
	return "queue"
}

// Publisher returns the broker publisher.
func (qt *QueueTransport) Publisher() Publisher {
	return qt.publisher
}
