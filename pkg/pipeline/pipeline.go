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

// Package pipeline assembles a ready-to-use audit pipeline from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/store"
	"github.com/telekom/audit-trail/pkg/telemetry"
)

const (
	BackendKafka = "kafka"
	BackendRedis = "redis"
)

// Option customises Build.
type Option func(*options)

type options struct {
	clock        clock.PassiveClock
	users        audit.UserResolver
	metadata     *audit.MetadataCache
	publisher    audit.Publisher
	spanExporter sdktrace.SpanExporter
}

// WithClock sets the clock used for record timestamps and circuit breakers.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) { o.clock = c }
}

// WithUserResolver sets how the acting user is looked up.
func WithUserResolver(r audit.UserResolver) Option {
	return func(o *options) { o.users = r }
}

// WithMetadata shares an existing metadata cache, e.g. one preloaded at startup.
func WithMetadata(m *audit.MetadataCache) Option {
	return func(o *options) { o.metadata = m }
}

// WithPublisher replaces the broker publisher of the queue transport.
func WithPublisher(p audit.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithSpanExporter replaces the configured trace exporter.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = e }
}

// Pipeline holds the wired audit components.
type Pipeline struct {
	Metadata   *audit.MetadataCache
	Service    *audit.Service
	Scheduler  *audit.ScheduledManager
	Integrity  *audit.IntegrityService
	Dispatcher *audit.Dispatcher
	Processor  *audit.Processor

	// Store is nil unless the database transport or the database fallback
	// is enabled.
	Store *store.Store
	// Transports lists the primary transports in chain order.
	Transports     []audit.Transport
	TracerProvider trace.TracerProvider

	logger          *zap.Logger
	shutdownTracing telemetry.ShutdownFunc
	closeOnce       sync.Once
	closeErr        error
}

// Build validates cfg and wires every enabled transport into a pipeline.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audit configuration: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}

	p := &Pipeline{logger: logger.Named("audit-pipeline")}

	// The dispatcher picks up the global tracer, so tracing comes first.
	tp, shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		SamplingRate: cfg.Tracing.SamplingRate,
		SpanExporter: o.spanExporter,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising tracing: %w", err)
	}
	p.TracerProvider = tp
	p.shutdownTracing = shutdown

	if cfg.Transports.Database.Enabled || cfg.FallbackToDatabase {
		db := cfg.Transports.Database
		retry := store.DefaultRetryConfig()
		retry.MaxRetries = db.ConnectRetries
		s, err := store.OpenWithRetry(ctx, store.Options{
			Driver:      db.Driver,
			DSN:         db.DSN,
			TablePrefix: db.TablePrefix,
			TableSuffix: db.TableSuffix,
		}, retry, logger)
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}
		p.Store = s
		if err := s.Migrate(ctx); err != nil {
			return nil, errors.Join(err, p.Close())
		}
	}

	var dbTransport audit.Transport
	if p.Store != nil {
		dbTransport = store.NewTransport(p.Store, logger)
	}

	transports, err := p.buildTransports(ctx, cfg, dbTransport, o)
	if err != nil {
		return nil, errors.Join(err, p.Close())
	}
	p.Transports = transports

	var fallback audit.Transport
	if cfg.FallbackToDatabase {
		fallback = dbTransport
	}

	p.Metadata = o.metadata
	if p.Metadata == nil {
		p.Metadata = audit.NewMetadataCache(logger)
	}
	serviceOpts := []audit.ServiceOption{audit.WithClock(o.clock)}
	if o.users != nil {
		serviceOpts = append(serviceOpts, audit.WithUserResolver(o.users))
	}
	txid := audit.NewTransactionIDGenerator()
	p.Service = audit.NewService(p.Metadata, txid, logger, serviceOpts...)
	p.Scheduler = audit.NewScheduledManager(p.Service, logger)
	p.Integrity = audit.NewIntegrityService(cfg.Integrity.Enabled, cfg.Integrity.Secret, logger)
	p.Dispatcher = audit.NewDispatcher(
		audit.NewChainTransport(transports, cfg.Chain.FailClosed, logger),
		fallback,
		p.Integrity,
		audit.DispatcherConfig{
			FailOnTransportError: cfg.FailOnTransportError,
			FallbackToDatabase:   cfg.FallbackToDatabase,
		},
		logger,
	)
	p.Processor = audit.NewProcessor(p.Service, p.Scheduler, p.Dispatcher, txid, audit.ProcessorConfig{
		DeferTransportUntilCommit: cfg.DeferTransportUntilCommit,
	}, logger)

	names := make([]string, 0, len(transports))
	for _, t := range transports {
		names = append(names, t.Name())
	}
	p.logger.Info("audit pipeline configured",
		zap.Strings("transports", names),
		zap.Bool("integrity", cfg.Integrity.Enabled),
		zap.Bool("fail_closed", cfg.Chain.FailClosed),
		zap.Bool("fail_on_transport_error", cfg.FailOnTransportError),
		zap.Bool("fallback_to_database", cfg.FallbackToDatabase),
		zap.Bool("defer_transport_until_commit", cfg.DeferTransportUntilCommit))
	return p, nil
}

// buildTransports creates the enabled primary transports. Transports that
// fail to build are skipped; an empty result is an error.
func (p *Pipeline) buildTransports(ctx context.Context, cfg *config.Config, dbTransport audit.Transport, o options) ([]audit.Transport, error) {
	var transports []audit.Transport
	skip := func(name string, err error) {
		p.logger.Warn("failed to build transport, skipping",
			zap.String("transport", name),
			zap.String("error", err.Error()))
	}

	if cfg.Transports.Database.Enabled && dbTransport != nil {
		transports = append(transports, dbTransport)
	}

	if h := cfg.Transports.HTTP; h.Enabled {
		t, err := audit.NewHTTPTransport(audit.HTTPTransportConfig{
			Endpoint:  h.Endpoint,
			APIKey:    h.APIKey,
			Headers:   h.Headers,
			Timeout:   h.Timeout.Std(),
			RateLimit: h.RateLimit,
			Burst:     h.Burst,
		}, p.logger)
		if err != nil {
			skip("http", err)
		} else {
			var transport audit.Transport = t
			if h.CircuitBreaker.Enabled {
				cbCfg := p.circuitBreakerConfig(h.CircuitBreaker, o.clock)
				transport = audit.NewCircuitBreakerTransport(t, cbCfg, p.logger)
				p.logger.Info("wrapped transport with circuit breaker",
					zap.String("transport", t.Name()),
					zap.Int("failure_threshold", cbCfg.FailureThreshold),
					zap.Duration("open_timeout", cbCfg.OpenTimeout))
			}
			transports = append(transports, transport)
		}
	}

	if q := cfg.Transports.Queue; q.Enabled {
		publisher := o.publisher
		var err error
		if publisher == nil {
			publisher, err = p.buildPublisher(ctx, q)
		}
		if err != nil {
			skip("queue", err)
		} else {
			qCfg := audit.QueueTransportConfig{
				QueueSize:    q.QueueSize,
				WorkerCount:  q.Workers,
				WriteTimeout: q.WriteTimeout.Std(),
			}
			if q.CircuitBreaker.Enabled {
				cbCfg := p.circuitBreakerConfig(q.CircuitBreaker, o.clock)
				qCfg.CircuitBreaker = &cbCfg
			}
			transports = append(transports, audit.NewQueueTransport(publisher, dbTransport, qCfg, p.logger))
		}
	}

	if cfg.Transports.Log.Enabled {
		transports = append(transports, audit.NewLogTransport(p.logger))
	}

	if len(transports) == 0 {
		return nil, errors.New("no audit transports could be built")
	}
	return transports, nil
}

func (p *Pipeline) circuitBreakerConfig(c config.CircuitBreaker, clk clock.PassiveClock) audit.CircuitBreakerConfig {
	cfg := audit.DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.OpenTimeout > 0 {
		cfg.OpenTimeout = c.OpenTimeout.Std()
	}
	cfg.Clock = clk
	cfg.OnStateChange = func(from, to audit.CircuitState) {
		p.logger.Info("audit transport circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return cfg
}

func (p *Pipeline) buildPublisher(ctx context.Context, q config.Queue) (audit.Publisher, error) {
	switch q.Backend {
	case BackendKafka:
		return p.buildKafkaPublisher(q.Kafka, q.WriteTimeout.Std())
	case BackendRedis:
		return audit.NewRedisPublisher(ctx, audit.RedisPublisherConfig{
			Addr:     q.Redis.Addr,
			URL:      q.Redis.URL,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Stream:   q.Redis.Stream,
			MaxLen:   q.Redis.MaxLen,
		}, p.logger)
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", q.Backend)
	}
}

func (p *Pipeline) buildKafkaPublisher(k config.Kafka, writeTimeout time.Duration) (audit.Publisher, error) {
	kCfg := audit.KafkaPublisherConfig{
		Brokers:          k.Brokers,
		Topic:            k.Topic,
		BatchSize:        k.BatchSize,
		WriteTimeout:     writeTimeout,
		RequiredAcks:     k.RequiredAcks,
		CompressionCodec: k.Compression,
	}

	if k.TLS.Enabled {
		tlsCfg, err := loadKafkaTLS(k.TLS)
		if err != nil {
			return nil, err
		}
		kCfg.TLS = tlsCfg
	}

	if k.SASL.Mechanism != "" {
		kCfg.SASL = &audit.KafkaSASLConfig{
			Mechanism: k.SASL.Mechanism,
			Username:  k.SASL.Username,
			Password:  k.SASL.Password,
		}
	}

	p.logger.Debug("kafka transport configuration loaded",
		zap.Strings("brokers", k.Brokers),
		zap.String("topic", k.Topic),
		zap.Bool("tls_enabled", k.TLS.Enabled),
		zap.Bool("sasl_enabled", k.SASL.Mechanism != ""),
		zap.Int("batch_size", k.BatchSize))
	return audit.NewKafkaPublisher(kCfg, p.logger)
}

// loadKafkaTLS reads the PEM material referenced by the TLS settings.
func loadKafkaTLS(c config.KafkaTLS) (*audit.KafkaTLSConfig, error) {
	out := &audit.KafkaTLSConfig{
		Enabled:            true,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	read := func(path, what string) ([]byte, error) {
		if path == "" {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading kafka %s: %w", what, err)
		}
		return data, nil
	}

	var err error
	if out.CACert, err = read(c.CAFile, "CA certificate"); err != nil {
		return nil, err
	}
	if out.ClientCert, err = read(c.CertFile, "client certificate"); err != nil {
		return nil, err
	}
	if out.ClientKey, err = read(c.KeyFile, "client key"); err != nil {
		return nil, err
	}
	if (out.ClientCert == nil) != (out.ClientKey == nil) {
		return nil, errors.New("kafka client certificate and key must be set together")
	}
	return out, nil
}

// TransportHealth reports the resilience state of one primary transport.
type TransportHealth struct {
	Transport string               `json:"transport"`
	Circuit   *audit.CircuitStatus `json:"circuit,omitempty"`
	Queue     *audit.QueueHealth   `json:"queue,omitempty"`
}

// Health returns one entry per primary transport, in chain order.
func (p *Pipeline) Health() []TransportHealth {
	out := make([]TransportHealth, 0, len(p.Transports))
	for _, t := range p.Transports {
		h := TransportHealth{Transport: t.Name()}
		switch t := t.(type) {
		case *audit.CircuitBreakerTransport:
			status := t.Status()
			h.Circuit = &status
		case *audit.QueueTransport:
			queue := t.Health()
			h.Queue = &queue
			h.Circuit = queue.Circuit
		}
		out = append(out, h)
	}
	return out
}

// Close stops the dispatcher, then the store, then flushes tracing. It is
// safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.Dispatcher != nil {
			errs = append(errs, p.Dispatcher.Close())
		} else {
			// Build failed before the chain took ownership of the transports.
			for _, t := range p.Transports {
				errs = append(errs, t.Close())
			}
		}
		if p.Store != nil {
			errs = append(errs, p.Store.Close())
		}
		if p.shutdownTracing != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, p.shutdownTracing(ctx))
			cancel()
		}
		p.closeErr = errors.Join(errs...)
		if p.closeErr != nil {
			p.logger.Warn("audit pipeline closed with errors", zap.Error(p.closeErr))
		}
	})
	return p.closeErr
}
