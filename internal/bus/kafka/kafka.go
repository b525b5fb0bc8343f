// Package kafka implements the bus contracts on Kafka using franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"bucketstream/internal/bus"
	"bucketstream/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka connection parameters.
type Config struct {
	Brokers []string
	TLS     bool
	SASL    *SASLConfig
	Logger  *slog.Logger
}

// Client is a Kafka-backed bus.Producer and bus.OffsetClient.
type Client struct {
	kc     *kgo.Client
	adm    *kadm.Client
	logger *slog.Logger
}

// New connects to the brokers and returns a ready client. Records are
// partitioned by message key, which gives the per-key ordering the canonical
// event stream relies on.
func New(cfg Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if cfg.SASL != nil {
		mech, err := saslMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	kc, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}

	return &Client{
		kc:     kc,
		adm:    kadm.NewClient(kc),
		logger: logging.Default(cfg.Logger).With("component", "bus", "type", "kafka"),
	}, nil
}

func saslMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToLower(cfg.Mechanism) {
	case "plain":
		return plain.Auth{User: cfg.User, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("kafka: unsupported sasl mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", cfg.Mechanism)
	}
}

// Publish implements bus.Producer. It blocks until the whole batch is
// acknowledged; the first failed record fails the call.
func (c *Client) Publish(ctx context.Context, topic string, msgs []bus.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	records := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		records[i] = &kgo.Record{Topic: topic, Key: m.Key, Value: m.Value}
	}

	results := c.kc.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka: publish %d records to %s: %w", len(msgs), topic, err)
	}
	return nil
}

// EndOffsets implements bus.OffsetClient.
func (c *Client) EndOffsets(ctx context.Context, topic string) (map[int32]int64, error) {
	listed, err := c.adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("kafka: list end offsets of %s: %w", topic, err)
	}

	offsets := make(map[int32]int64)
	var inner error
	listed.Each(func(lo kadm.ListedOffset) {
		if lo.Err != nil {
			inner = fmt.Errorf("kafka: end offset of %s[%d]: %w", lo.Topic, lo.Partition, lo.Err)
			return
		}
		offsets[lo.Partition] = lo.Offset
	})
	if inner != nil {
		return nil, inner
	}
	return offsets, nil
}

// CommittedOffsets implements bus.OffsetClient.
func (c *Client) CommittedOffsets(ctx context.Context, topic, groupID string) (map[int32]int64, error) {
	resp, err := c.adm.FetchOffsetsForTopics(ctx, groupID, topic)
	if err != nil {
		return nil, fmt.Errorf("kafka: fetch offsets of group %s: %w", groupID, err)
	}

	offsets := make(map[int32]int64)
	var inner error
	resp.Each(func(o kadm.OffsetResponse) {
		if o.Err != nil {
			inner = fmt.Errorf("kafka: committed offset of %s[%d] for %s: %w", o.Topic, o.Partition, groupID, o.Err)
			return
		}
		if o.At >= 0 {
			offsets[o.Partition] = o.At
		}
	})
	if inner != nil {
		return nil, inner
	}
	return offsets, nil
}

// Close implements bus.Producer. Buffered records are flushed first.
func (c *Client) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.kc.Flush(ctx); err != nil {
		c.logger.Warn("flush on close failed", "error", err)
	}
	c.kc.Close()
	return nil
}
