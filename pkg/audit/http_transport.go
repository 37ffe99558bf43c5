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
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telekom/audit-trail/pkg/metrics"
	"github.com/telekom/audit-trail/pkg/version"
)

const (
	// HeaderAPIKey carries the optional API key of the remote endpoint.
	HeaderAPIKey = "X-Audit-Api-Key"
	// HeaderSignature carries the record signature when one is set.
	HeaderSignature = "X-Audit-Signature"
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("audit endpoint %s returned error status: %d", e.Endpoint, e.Code)
}

// Retryable reports whether the status points at the endpoint rather than
// at the record: server errors, timeouts and throttling.
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Headers  map[string]string
	// Timeout is the per-request timeout.
	// Default: 5s
	Timeout time.Duration
	// RateLimit caps requests per second; 0 disables limiting.
	RateLimit float64
	// Burst is the limiter burst size.
	// Default: 1
	Burst int
}

// HTTPTransport posts audit records as JSON to a remote endpoint. It blocks
// on network I/O; route through a QueueTransport for non-blocking delivery.
type HTTPTransport struct {
	name     string
	endpoint string
	client   *resty.Client
	limiter  *rate.Limiter
	logger   *zap.Logger

	recordsSent   atomic.Int64
	recordsFailed atomic.Int64
}

// NewHTTPTransport creates a new HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig, logger *zap.Logger) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http transport endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "http"
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent())
	if cfg.APIKey != "" {
		client.SetHeader(HeaderAPIKey, cfg.APIKey)
	}
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	t := &HTTPTransport{
		name:     name,
		endpoint: cfg.Endpoint,
		client:   client,
		logger:   logger.Named("http-transport"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	t.logger.Info("HTTP audit transport created",
		zap.String("name", name),
		zap.String("endpoint", cfg.Endpoint),
		zap.Duration("timeout", timeout),
		zap.Float64("rate_limit", cfg.RateLimit))

	return t, nil
}

// Supports accepts every record.
func (t *HTTPTransport) Supports(*Record) bool {
	return true
}

// Send posts the record to the endpoint.
func (t *HTTPTransport) Send(ctx context.Context, r *Record, _ SendContext) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			t.recordsFailed.Add(1)
			metrics.AuditTransportErrors.WithLabelValues(t.name, "rate_limit").Inc()
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req := t.client.R().
		SetContext(ctx).
		SetBody(r.Data())
	if sig := r.Signature(); sig != "" {
		req.SetHeader(HeaderSignature, sig)
	}

	resp, err := req.Post(t.endpoint)
	if err != nil {
		t.recordsFailed.Add(1)
		metrics.AuditTransportErrors.WithLabelValues(t.name, "request").Inc()
		t.logger.Debug("audit request failed",
			zap.String("endpoint", t.endpoint),
			zap.String("entity_class", r.EntityClass()),
			zap.String("error", err.Error()))
		return fmt.Errorf("failed to send audit record to %s: %w", t.endpoint, err)
	}

	if resp.IsError() {
		t.recordsFailed.Add(1)
		metrics.AuditTransportErrors.WithLabelValues(t.name, "status").Inc()
		t.logger.Debug("audit endpoint returned error",
			zap.String("endpoint", t.endpoint),
			zap.String("entity_class", r.EntityClass()),
			zap.Int("status_code", resp.StatusCode()))
		return &StatusError{Endpoint: t.endpoint, Code: resp.StatusCode()}
	}

	t.recordsSent.Add(1)
	return nil
}

// Stats returns the number of delivered and failed records.
func (t *HTTPTransport) Stats() (sent, failed int64) {
	return t.recordsSent.Load(), t.recordsFailed.Load()
}

// Close logs the final statistics.
func (t *HTTPTransport) Close() error {
	t.logger.Info("closing HTTP audit transport",
		zap.String("name", t.name),
		zap.Int64("records_sent", t.recordsSent.Load()),
		zap.Int64("records_failed", t.recordsFailed.Load()))
	return nil
}

// Name returns the transport identifier.
func (t *HTTPTransport) Name() string {
	return t.name
}
