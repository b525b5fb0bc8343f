// Package backlog records published-versus-consumed bus offsets on the
// coordinator and answers consumer-lag and snapshot-progress queries.
//
// Layout under <root>/backlog/<topic>:
//
//	<partition>                        topic high-watermark
//	consumers/<partition>/<groupID>    last committed consumer offset
//	snapshots/<partition>/<name>       named topic-offset snapshot
//
// The topic offset is always written before the consumer offset, so a
// reader never observes a consumer offset newer than its topic offset.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"bucketstream/internal/bus"
	"bucketstream/internal/coord"
	"bucketstream/internal/logging"
)

// Consumer exposes a live bus consumer's assignment and positions.
type Consumer interface {
	// Assignments returns the partitions of the topic this consumer
	// currently owns.
	Assignments(ctx context.Context, topic string) ([]int32, error)

	// Position returns the consumer's next-read offset on a partition.
	Position(ctx context.Context, topic string, partition int32) (int64, error)
}

// Config holds the metrics collaborators.
type Config struct {
	Coordinator coord.Coordinator
	Offsets     bus.OffsetClient

	// Root is the coordinator path metrics live under; the same root the
	// populator uses.
	Root string

	Logger *slog.Logger
}

// Metrics maintains the backlog bookkeeping.
type Metrics struct {
	coordinator coord.Coordinator
	offsets     bus.OffsetClient
	root        string
	logger      *slog.Logger
}

// New builds a Metrics over the given coordinator and offset source.
func New(cfg Config) *Metrics {
	return &Metrics{
		coordinator: cfg.Coordinator,
		offsets:     cfg.Offsets,
		root:        cfg.Root,
		logger:      logging.Default(cfg.Logger).With("component", "backlog"),
	}
}

// Lag describes one partition exceeding a lag or progress threshold.
type Lag struct {
	Topic     string
	Partition int32
	Lag       int64
}

func (m *Metrics) topicBase(topic string) string {
	return coord.Join(m.root, "backlog", topic)
}

func (m *Metrics) partitionNode(topic string, partition int32) string {
	return coord.Join(m.topicBase(topic), strconv.Itoa(int(partition)))
}

func (m *Metrics) consumerNode(topic string, partition int32, groupID string) string {
	return coord.Join(m.topicBase(topic), "consumers", strconv.Itoa(int(partition)), groupID)
}

func (m *Metrics) snapshotNode(topic string, partition int32, name string) string {
	return coord.Join(m.topicBase(topic), "snapshots", strconv.Itoa(int(partition)), name)
}

func (m *Metrics) writeOffset(ctx context.Context, path string, offset int64) error {
	return coord.SetOrCreate(ctx, m.coordinator, path, []byte(strconv.FormatInt(offset, 10)))
}

// readOffset returns (offset, true) when the node exists and parses.
func (m *Metrics) readOffset(ctx context.Context, path string) (int64, bool, error) {
	data, _, err := m.coordinator.Get(ctx, path)
	if errors.Is(err, coord.ErrNoNode) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	offset, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("backlog: malformed offset at %s: %w", path, err)
	}
	return offset, true, nil
}

// PublishConsumerBacklog records, for every partition the consumer is
// assigned, the topic high-watermark and the consumer's current position.
func (m *Metrics) PublishConsumerBacklog(ctx context.Context, consumer Consumer, topic, groupID string) error {
	partitions, err := consumer.Assignments(ctx, topic)
	if err != nil {
		return fmt.Errorf("backlog: assignments of %s: %w", topic, err)
	}
	if len(partitions) == 0 {
		return nil
	}

	watermarks, err := m.offsets.EndOffsets(ctx, topic)
	if err != nil {
		return fmt.Errorf("backlog: end offsets of %s: %w", topic, err)
	}

	for _, partition := range partitions {
		position, err := consumer.Position(ctx, topic, partition)
		if err != nil {
			return fmt.Errorf("backlog: position of %s[%d]: %w", topic, partition, err)
		}

		// Topic offset first: a crash between the two writes must never
		// leave a consumer offset ahead of its topic offset.
		if hwm, ok := watermarks[partition]; ok {
			if err := m.writeOffset(ctx, m.partitionNode(topic, partition), hwm); err != nil {
				return fmt.Errorf("backlog: write topic offset %s[%d]: %w", topic, partition, err)
			}
		}
		if err := m.writeOffset(ctx, m.consumerNode(topic, partition, groupID), position); err != nil {
			return fmt.Errorf("backlog: write consumer offset %s[%d]/%s: %w", topic, partition, groupID, err)
		}
	}
	return nil
}

// PublishGroupBacklog is the committed-offset variant for groups not running
// in this process: it reads the group's committed offsets from the bus
// instead of a live consumer's positions.
func (m *Metrics) PublishGroupBacklog(ctx context.Context, topic, groupID string) error {
	watermarks, err := m.offsets.EndOffsets(ctx, topic)
	if err != nil {
		return fmt.Errorf("backlog: end offsets of %s: %w", topic, err)
	}
	committed, err := m.offsets.CommittedOffsets(ctx, topic, groupID)
	if err != nil {
		return fmt.Errorf("backlog: committed offsets of %s/%s: %w", topic, groupID, err)
	}

	for partition, offset := range committed {
		if hwm, ok := watermarks[partition]; ok {
			if err := m.writeOffset(ctx, m.partitionNode(topic, partition), hwm); err != nil {
				return fmt.Errorf("backlog: write topic offset %s[%d]: %w", topic, partition, err)
			}
		}
		if err := m.writeOffset(ctx, m.consumerNode(topic, partition, groupID), offset); err != nil {
			return fmt.Errorf("backlog: write consumer offset %s[%d]/%s: %w", topic, partition, groupID, err)
		}
	}
	return nil
}

// SnapshotTopicOffsets records the topic's current high-watermarks under a
// named snapshot.
func (m *Metrics) SnapshotTopicOffsets(ctx context.Context, topic, name string) error {
	watermarks, err := m.offsets.EndOffsets(ctx, topic)
	if err != nil {
		return fmt.Errorf("backlog: end offsets of %s: %w", topic, err)
	}
	for partition, hwm := range watermarks {
		if err := m.writeOffset(ctx, m.snapshotNode(topic, partition, name), hwm); err != nil {
			return fmt.Errorf("backlog: write snapshot %s of %s[%d]: %w", name, topic, partition, err)
		}
	}
	return nil
}

// recordedPartitions lists the numeric partition nodes under the topic base.
func (m *Metrics) recordedPartitions(ctx context.Context, topic string) ([]int32, error) {
	names, err := m.coordinator.Children(ctx, m.topicBase(topic))
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var partitions []int32
	for _, name := range names {
		n, err := strconv.Atoi(name)
		if err != nil {
			continue // consumers/, snapshots/
		}
		partitions = append(partitions, int32(n))
	}
	return partitions, nil
}

// consumerOffsets returns the recorded offsets on a partition, for one group
// or for all groups when groupID is empty.
func (m *Metrics) consumerOffsets(ctx context.Context, topic string, partition int32, groupID string) (map[string]int64, error) {
	offsets := make(map[string]int64)

	if groupID != "" {
		offset, ok, err := m.readOffset(ctx, m.consumerNode(topic, partition, groupID))
		if err != nil {
			return nil, err
		}
		if ok {
			offsets[groupID] = offset
		}
		return offsets, nil
	}

	base := coord.Join(m.topicBase(topic), "consumers", strconv.Itoa(int(partition)))
	groups, err := m.coordinator.Children(ctx, base)
	if errors.Is(err, coord.ErrNoNode) {
		return offsets, nil
	}
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		offset, ok, err := m.readOffset(ctx, coord.Join(base, group))
		if err != nil {
			return nil, err
		}
		if ok {
			offsets[group] = offset
		}
	}
	return offsets, nil
}

// CheckConsumerLag reports the first partition whose recorded lag
// (topicOffset − consumerOffset, floored at zero) exceeds maxLag. A nil
// result means every partition is within bounds. An empty groupID checks
// every group with a recorded offset; a group with no recorded offset on a
// partition counts as fully lagging.
func (m *Metrics) CheckConsumerLag(ctx context.Context, topic, groupID string, maxLag int64) (*Lag, error) {
	partitions, err := m.recordedPartitions(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("backlog: partitions of %s: %w", topic, err)
	}

	for _, partition := range partitions {
		topicOffset, ok, err := m.readOffset(ctx, m.partitionNode(topic, partition))
		if err != nil || !ok {
			if err != nil {
				return nil, err
			}
			continue
		}

		offsets, err := m.consumerOffsets(ctx, topic, partition, groupID)
		if err != nil {
			return nil, err
		}
		if len(offsets) == 0 {
			if topicOffset > maxLag {
				return &Lag{Topic: topic, Partition: partition, Lag: topicOffset}, nil
			}
			continue
		}
		for _, consumerOffset := range offsets {
			lag := max(0, topicOffset-consumerOffset)
			if lag > maxLag {
				return &Lag{Topic: topic, Partition: partition, Lag: lag}, nil
			}
		}
	}
	return nil, nil
}

// CheckConsumerProgress reports the first partition whose consumers have not
// reached the named snapshot's offset. A partition without a snapshot node
// counts as progressed: nothing was ever produced to chase.
func (m *Metrics) CheckConsumerProgress(ctx context.Context, topic, groupID, name string) (*Lag, error) {
	partitions, err := m.recordedPartitions(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("backlog: partitions of %s: %w", topic, err)
	}

	for _, partition := range partitions {
		target, ok, err := m.readOffset(ctx, m.snapshotNode(topic, partition, name))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		offsets, err := m.consumerOffsets(ctx, topic, partition, groupID)
		if err != nil {
			return nil, err
		}
		if len(offsets) == 0 {
			if target > 0 {
				return &Lag{Topic: topic, Partition: partition, Lag: target}, nil
			}
			continue
		}
		for _, consumerOffset := range offsets {
			if consumerOffset < target {
				return &Lag{Topic: topic, Partition: partition, Lag: target - consumerOffset}, nil
			}
		}
	}
	return nil, nil
}
