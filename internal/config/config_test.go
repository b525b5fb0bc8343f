package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		QueuePopulator: QueuePopulator{
			ZookeeperPath: "/bucketstream/populator",
			Topic:         "bucketstream-ingestion",
		},
		Zookeeper: Zookeeper{Servers: []string{"localhost:2181"}},
		Kafka:     Kafka{Brokers: []string{"localhost:9092"}},
		Sources: []Source{{
			Name:   "zenkobucket",
			Bucket: "bucket1",
			Host:   "127.0.0.1",
			Port:   9000,
			Auth:   Auth{AccessKey: "ak", SecretKey: "c2VjcmV0"},
		}},
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	qp := cfg.QueuePopulator
	if qp.BatchMaxRead != DefaultBatchMaxRead {
		t.Errorf("batchMaxRead = %d", qp.BatchMaxRead)
	}
	if qp.CronRule != DefaultCronRule {
		t.Errorf("cronRule = %q", qp.CronRule)
	}
	if qp.MaxParallelReaders != DefaultMaxParallelReaders {
		t.Errorf("maxParallelReaders = %d", qp.MaxParallelReaders)
	}
	if qp.Concurrency != DefaultConcurrency {
		t.Errorf("concurrency = %d", qp.Concurrency)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing zookeeperPath", func(c *Config) { c.QueuePopulator.ZookeeperPath = "" }, "zookeeperPath"},
		{"missing topic", func(c *Config) { c.QueuePopulator.Topic = "" }, "topic"},
		{"bad cron", func(c *Config) { c.QueuePopulator.CronRule = "not a cron" }, "cronRule"},
		{"bad publish timeout", func(c *Config) { c.QueuePopulator.PublishTimeout = "5 parsecs" }, "publishTimeout"},
		{"no zookeeper servers", func(c *Config) { c.Zookeeper.Servers = nil }, "zookeeper.servers"},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"source missing bucket", func(c *Config) { c.Sources[0].Bucket = "" }, "bucket"},
		{"source missing host", func(c *Config) { c.Sources[0].Host = "" }, "host"},
		{"source missing credentials", func(c *Config) { c.Sources[0].Auth.AccessKey = "" }, "accessKey"},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }, "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"queuePopulator": {
			"zookeeperPath": "/bucketstream/populator",
			"topic": "events",
			"batchMaxRead": 500,
			"cronRule": "*/10 * * * * *"
		},
		"zookeeper": {"servers": ["zk1:2181", "zk2:2181"]},
		"kafka": {"brokers": ["kafka1:9092"]},
		"sources": [{
			"name": "zenkobucket",
			"bucket": "bucket1",
			"host": "src.example",
			"port": 9000,
			"https": true,
			"locationConstraint": "us-east-1",
			"auth": {"accessKey": "AK", "secretKey": "encrypted"}
		}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueuePopulator.BatchMaxRead != 500 {
		t.Errorf("batchMaxRead = %d", cfg.QueuePopulator.BatchMaxRead)
	}
	if len(cfg.Sources) != 1 || !cfg.Sources[0].HTTPS {
		t.Errorf("sources = %+v", cfg.Sources)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
