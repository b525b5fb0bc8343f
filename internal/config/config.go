// Package config loads and validates the process configuration.
//
// Configuration is a JSON file loaded once at startup. The server command
// watches the file and re-applies it on change; the populator decides which
// parts of a new config actually require rebuilding (see Populator.ApplyConfig).
//
// Semantic validation lives here; components trust a validated Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"bucketstream/internal/secrets"
)

// Defaults applied by Validate when fields are unset.
const (
	DefaultBatchMaxRead       = 10000
	DefaultCronRule           = "*/5 * * * * *"
	DefaultMaxParallelReaders = 5
	DefaultConcurrency        = 10
)

// Config is the full process configuration.
type Config struct {
	QueuePopulator QueuePopulator `json:"queuePopulator"`
	Zookeeper      Zookeeper      `json:"zookeeper"`
	Kafka          Kafka          `json:"kafka"`
	Sources        []Source       `json:"sources"`
}

// QueuePopulator configures the ingestion pipeline.
type QueuePopulator struct {
	// ZookeeperPath is the coordinator root for all pipeline state.
	ZookeeperPath string `json:"zookeeperPath"`

	// Topic receives the canonical event stream.
	Topic string `json:"topic"`

	// BatchMaxRead bounds records read per tail batch.
	BatchMaxRead int `json:"batchMaxRead,omitempty"`

	// CronRule fires batch ticks; 6-field (second-level) syntax supported.
	CronRule string `json:"cronRule,omitempty"`

	// MaxParallelReaders bounds how many buckets run a batch concurrently.
	MaxParallelReaders int `json:"maxParallelReaders,omitempty"`

	// Concurrency bounds metadata fetch fan-out within one snapshot.
	Concurrency int `json:"concurrency,omitempty"`

	// PublishTimeout bounds one bus publish call. Go duration format.
	PublishTimeout string `json:"publishTimeout,omitempty"`
}

// Zookeeper configures the coordinator connection.
type Zookeeper struct {
	Servers        []string `json:"servers"`
	SessionTimeout string   `json:"sessionTimeout,omitempty"`
}

// Kafka configures the bus connection.
type Kafka struct {
	Brokers []string `json:"brokers"`
	TLS     bool     `json:"tls,omitempty"`
}

// Source describes one ingested bucket.
type Source struct {
	// Name is the logical target name; it prefixes every emitted bucket.
	Name string `json:"name"`

	// Bucket is the source bucket to ingest.
	Bucket string `json:"bucket"`

	Host               string `json:"host"`
	Port               int    `json:"port"`
	HTTPS              bool   `json:"https,omitempty"`
	LocationConstraint string `json:"locationConstraint,omitempty"`

	Auth Auth `json:"auth"`
}

// Auth carries source credentials. SecretKey is ciphertext at rest (see
// package secrets) and is decrypted only at the reader boundary.
type Auth struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks semantics and fills defaults in place.
func (c *Config) Validate() error {
	qp := &c.QueuePopulator
	if qp.ZookeeperPath == "" {
		return fmt.Errorf("queuePopulator.zookeeperPath is required")
	}
	if qp.Topic == "" {
		return fmt.Errorf("queuePopulator.topic is required")
	}
	if qp.BatchMaxRead == 0 {
		qp.BatchMaxRead = DefaultBatchMaxRead
	}
	if qp.BatchMaxRead < 0 {
		return fmt.Errorf("queuePopulator.batchMaxRead must be positive")
	}
	if qp.CronRule == "" {
		qp.CronRule = DefaultCronRule
	}
	if err := validateCron(qp.CronRule); err != nil {
		return fmt.Errorf("queuePopulator.cronRule: %w", err)
	}
	if qp.MaxParallelReaders == 0 {
		qp.MaxParallelReaders = DefaultMaxParallelReaders
	}
	if qp.Concurrency == 0 {
		qp.Concurrency = DefaultConcurrency
	}
	if qp.PublishTimeout != "" {
		if _, err := time.ParseDuration(qp.PublishTimeout); err != nil {
			return fmt.Errorf("queuePopulator.publishTimeout: %w", err)
		}
	}

	if len(c.Zookeeper.Servers) == 0 {
		return fmt.Errorf("zookeeper.servers is required")
	}
	if c.Zookeeper.SessionTimeout != "" {
		if _, err := time.ParseDuration(c.Zookeeper.SessionTimeout); err != nil {
			return fmt.Errorf("zookeeper.sessionTimeout: %w", err)
		}
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" || s.Bucket == "" {
			return fmt.Errorf("sources[%d]: name and bucket are required", i)
		}
		if s.Host == "" || s.Port == 0 {
			return fmt.Errorf("source %s: host and port are required", s.Name)
		}
		if s.Auth.AccessKey == "" || s.Auth.SecretKey == "" {
			return fmt.Errorf("source %s: auth.accessKey and auth.secretKey are required", s.Name)
		}
		id := s.Name + "/" + s.Bucket
		if seen[id] {
			return fmt.Errorf("source %s: duplicate name/bucket pair", s.Name)
		}
		seen[id] = true
	}
	return nil
}

// PublishTimeoutDuration returns the parsed publish timeout, or the given
// fallback when unset. Validate has already rejected malformed values.
func (qp QueuePopulator) PublishTimeoutDuration(fallback time.Duration) time.Duration {
	if qp.PublishTimeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(qp.PublishTimeout)
	if err != nil {
		return fallback
	}
	return d
}

// SessionTimeoutDuration returns the parsed zookeeper session timeout, or
// zero when unset.
func (z Zookeeper) SessionTimeoutDuration() time.Duration {
	if z.SessionTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(z.SessionTimeout)
	if err != nil {
		return 0
	}
	return d
}

// DecryptSecret resolves a source's secret key using the process key.
func (s Source) DecryptSecret(key secrets.Key) (string, error) {
	plain, err := secrets.Decrypt(s.Auth.SecretKey, key)
	if err != nil {
		return "", fmt.Errorf("source %s: decrypt secret: %w", s.Name, err)
	}
	return plain, nil
}

func validateCron(expr string) error {
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
