package config

import "time"

// Defaults returns the configuration used when no file or override sets a key.
func Defaults() *Config {
	return &Config{
		Integrity: Integrity{Enabled: false},
		Transports: Transports{
			Database: Database{
				Enabled:        true,
				Driver:         "sqlite",
				DSN:            "audit.db",
				ConnectRetries: 3,
			},
			HTTP: HTTP{
				Timeout: Duration(5 * time.Second),
				Burst:   1,
				CircuitBreaker: CircuitBreaker{
					Enabled:          true,
					FailureThreshold: 5,
					SuccessThreshold: 2,
					OpenTimeout:      Duration(30 * time.Second),
				},
			},
			Queue: Queue{
				Backend:      "kafka",
				QueueSize:    10000,
				Workers:      2,
				WriteTimeout: Duration(5 * time.Second),
				CircuitBreaker: CircuitBreaker{
					Enabled:          true,
					FailureThreshold: 5,
					SuccessThreshold: 2,
					OpenTimeout:      Duration(30 * time.Second),
				},
				Kafka: Kafka{
					Topic:        "audit-records",
					Compression:  "snappy",
					RequiredAcks: -1,
					BatchSize:    100,
				},
				Redis: Redis{Stream: "audit:records"},
			},
		},
		Tracing: Tracing{Exporter: "otlp", SamplingRate: 1},
	}
}
