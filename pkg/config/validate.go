package config

import (
	"errors"
	"fmt"
)

var validDrivers = map[string]bool{"sqlite": true, "pgx": true}

var validBackends = map[string]bool{"kafka": true, "redis": true}

var validSASLMechanisms = map[string]bool{"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Integrity.Enabled && c.Integrity.Secret == "" {
		add("integrity.secret is required when integrity is enabled")
	}

	db := c.Transports.Database
	if db.Enabled || c.FallbackToDatabase {
		if !validDrivers[db.Driver] {
			add("invalid transports.database.driver %q: must be one of sqlite, pgx", db.Driver)
		}
		if db.DSN == "" {
			add("transports.database.dsn is required")
		}
		if db.ConnectRetries < 0 {
			add("transports.database.connect_retries must be non-negative")
		}
	}

	h := c.Transports.HTTP
	if h.Enabled {
		if h.Endpoint == "" {
			add("transports.http.endpoint is required when the http transport is enabled")
		}
		if h.RateLimit < 0 {
			add("transports.http.rate_limit must be non-negative")
		}
		if h.Timeout < 0 {
			add("transports.http.timeout must be non-negative")
		}
	}

	q := c.Transports.Queue
	if q.Enabled {
		if !validBackends[q.Backend] {
			add("invalid transports.queue.backend %q: must be one of kafka, redis", q.Backend)
		}
		if q.QueueSize < 0 || q.Workers < 0 {
			add("transports.queue.queue_size and workers must be non-negative")
		}
		switch q.Backend {
		case "kafka":
			if len(q.Kafka.Brokers) == 0 {
				add("transports.queue.kafka.brokers is required")
			}
			if q.Kafka.Topic == "" {
				add("transports.queue.kafka.topic is required")
			}
			if m := q.Kafka.SASL.Mechanism; m != "" && !validSASLMechanisms[m] {
				add("invalid transports.queue.kafka.sasl.mechanism %q", m)
			}
		case "redis":
			if q.Redis.Addr == "" && q.Redis.URL == "" {
				add("transports.queue.redis.addr or url is required")
			}
		}
	}

	if !db.Enabled && !h.Enabled && !q.Enabled && !c.Transports.Log.Enabled {
		add("at least one transport must be enabled")
	}
	if c.Tracing.Enabled && (c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1) {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	return errors.Join(errs...)
}
