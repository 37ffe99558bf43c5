package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv2 "gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with a double underscore: AUDIT_TRANSPORTS__HTTP__ENDPOINT.
const EnvPrefix = "AUDIT_"

// Duration is a time.Duration that reads and writes as "5s" in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Integrity struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Secret  string `koanf:"secret" yaml:"secret"`
}

// Database is the local-store transport and the store read by auditctl.
type Database struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	// Driver is "sqlite" or "pgx".
	Driver      string `koanf:"driver" yaml:"driver"`
	DSN         string `koanf:"dsn" yaml:"dsn"`
	TablePrefix string `koanf:"table_prefix" yaml:"table_prefix"`
	TableSuffix string `koanf:"table_suffix" yaml:"table_suffix"`
	// ConnectRetries is how often an unreachable database is retried at startup.
	ConnectRetries int `koanf:"connect_retries" yaml:"connect_retries"`
}

type CircuitBreaker struct {
	Enabled          bool     `koanf:"enabled" yaml:"enabled"`
	FailureThreshold int      `koanf:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `koanf:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      Duration `koanf:"open_timeout" yaml:"open_timeout"`
}

type HTTP struct {
	Enabled        bool              `koanf:"enabled" yaml:"enabled"`
	Endpoint       string            `koanf:"endpoint" yaml:"endpoint"`
	APIKey         string            `koanf:"api_key" yaml:"api_key"`
	Headers        map[string]string `koanf:"headers" yaml:"headers,omitempty"`
	Timeout        Duration          `koanf:"timeout" yaml:"timeout"`
	RateLimit      float64           `koanf:"rate_limit" yaml:"rate_limit"`
	Burst          int               `koanf:"burst" yaml:"burst"`
	CircuitBreaker CircuitBreaker    `koanf:"circuit_breaker" yaml:"circuit_breaker"`
}

type KafkaTLS struct {
	Enabled            bool   `koanf:"enabled" yaml:"enabled"`
	CAFile             string `koanf:"ca_file" yaml:"ca_file"`
	CertFile           string `koanf:"cert_file" yaml:"cert_file"`
	KeyFile            string `koanf:"key_file" yaml:"key_file"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type KafkaSASL struct {
	Mechanism string `koanf:"mechanism" yaml:"mechanism"`
	Username  string `koanf:"username" yaml:"username"`
	Password  string `koanf:"password" yaml:"password"`
}

type Kafka struct {
	Brokers      []string  `koanf:"brokers" yaml:"brokers"`
	Topic        string    `koanf:"topic" yaml:"topic"`
	Compression  string    `koanf:"compression" yaml:"compression"`
	RequiredAcks int       `koanf:"required_acks" yaml:"required_acks"`
	BatchSize    int       `koanf:"batch_size" yaml:"batch_size"`
	TLS          KafkaTLS  `koanf:"tls" yaml:"tls"`
	SASL         KafkaSASL `koanf:"sasl" yaml:"sasl"`
}

type Redis struct {
	Addr     string `koanf:"addr" yaml:"addr"`
	URL      string `koanf:"url" yaml:"url"`
	Password string `koanf:"password" yaml:"password"`
	DB       int    `koanf:"db" yaml:"db"`
	Stream   string `koanf:"stream" yaml:"stream"`
	MaxLen   int64  `koanf:"max_len" yaml:"max_len"`
}

// Queue is the asynchronous transport backed by a message broker.
type Queue struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	// Backend is "kafka" or "redis".
	Backend        string         `koanf:"backend" yaml:"backend"`
	QueueSize      int            `koanf:"queue_size" yaml:"queue_size"`
	Workers        int            `koanf:"workers" yaml:"workers"`
	WriteTimeout   Duration       `koanf:"write_timeout" yaml:"write_timeout"`
	CircuitBreaker CircuitBreaker `koanf:"circuit_breaker" yaml:"circuit_breaker"`
	Kafka          Kafka          `koanf:"kafka" yaml:"kafka"`
	Redis          Redis          `koanf:"redis" yaml:"redis"`
}

type Log struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

type Transports struct {
	Database Database `koanf:"database" yaml:"database"`
	HTTP     HTTP     `koanf:"http" yaml:"http"`
	Queue    Queue    `koanf:"queue" yaml:"queue"`
	Log      Log      `koanf:"log" yaml:"log"`
}

type Chain struct {
	// FailClosed requires every transport to succeed.
	FailClosed bool `koanf:"fail_closed" yaml:"fail_closed"`
}

type Logging struct {
	Debug bool `koanf:"debug" yaml:"debug"`
}

type Tracing struct {
	Enabled      bool    `koanf:"enabled" yaml:"enabled"`
	Exporter     string  `koanf:"exporter" yaml:"exporter"`
	Endpoint     string  `koanf:"endpoint" yaml:"endpoint"`
	Insecure     bool    `koanf:"insecure" yaml:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate" yaml:"sampling_rate"`
}

// Config is the audit trail configuration.
type Config struct {
	Integrity                 Integrity  `koanf:"integrity" yaml:"integrity"`
	Transports                Transports `koanf:"transports" yaml:"transports"`
	Chain                     Chain      `koanf:"chain" yaml:"chain"`
	FailOnTransportError      bool       `koanf:"fail_on_transport_error" yaml:"fail_on_transport_error"`
	FallbackToDatabase        bool       `koanf:"fallback_to_database" yaml:"fallback_to_database"`
	DeferTransportUntilCommit bool       `koanf:"defer_transport_until_commit" yaml:"defer_transport_until_commit"`
	Logging                   Logging    `koanf:"logging" yaml:"logging"`
	Tracing                   Tracing    `koanf:"tracing" yaml:"tracing"`
}

// Load reads the YAML file at path over the defaults, then applies AUDIT_*
// environment overrides. An empty or missing path yields defaults plus
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// envKey maps AUDIT_TRANSPORTS__HTTP__API_KEY to transports.http.api_key.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Marshal renders the configuration as YAML. Secrets are masked unless
// showSecrets is set.
func (c *Config) Marshal(showSecrets bool) ([]byte, error) {
	out := *c
	if !showSecrets {
		out.Integrity.Secret = redact(out.Integrity.Secret)
		out.Transports.HTTP.APIKey = redact(out.Transports.HTTP.APIKey)
		out.Transports.Database.DSN = redactDSN(out.Transports.Database.DSN)
		out.Transports.Queue.Kafka.SASL.Password = redact(out.Transports.Queue.Kafka.SASL.Password)
		out.Transports.Queue.Redis.Password = redact(out.Transports.Queue.Redis.Password)
		out.Transports.Queue.Redis.URL = redactDSN(out.Transports.Queue.Redis.URL)
	}
	data, err := yamlv2.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return data, nil
}

const redacted = "********"

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// redactDSN masks the password of a URL-style DSN and leaves anything else
// untouched.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return dsn
	}
	return scheme + "://" + user + ":" + redacted + "@" + host
}
