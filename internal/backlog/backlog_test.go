package backlog

import (
	"context"
	"errors"
	"testing"

	"bucketstream/internal/coord/memory"
)

// fakeOffsets implements bus.OffsetClient.
type fakeOffsets struct {
	end       map[int32]int64
	committed map[int32]int64
	endErr    error
}

func (f *fakeOffsets) EndOffsets(_ context.Context, topic string) (map[int32]int64, error) {
	if f.endErr != nil {
		return nil, f.endErr
	}
	return f.end, nil
}

func (f *fakeOffsets) CommittedOffsets(_ context.Context, topic, groupID string) (map[int32]int64, error) {
	return f.committed, nil
}

// fakeConsumer implements Consumer.
type fakeConsumer struct {
	assigned  []int32
	positions map[int32]int64
}

func (f *fakeConsumer) Assignments(_ context.Context, topic string) ([]int32, error) {
	return f.assigned, nil
}

func (f *fakeConsumer) Position(_ context.Context, topic string, partition int32) (int64, error) {
	pos, ok := f.positions[partition]
	if !ok {
		return 0, errors.New("fake consumer: partition not assigned")
	}
	return pos, nil
}

func newMetrics(offsets *fakeOffsets) *Metrics {
	return New(Config{
		Coordinator: memory.New(),
		Offsets:     offsets,
		Root:        "/populator",
	})
}

func TestPublishConsumerBacklogAndLagCheck(t *testing.T) {
	// Scenario: topic T partitions {0,1}, high-watermarks {100,200},
	// group G offsets {90,195}. With maxLag 5, partition 0 (lag 10)
	// must be reported.
	ctx := context.Background()
	m := newMetrics(&fakeOffsets{end: map[int32]int64{0: 100, 1: 200}})
	consumer := &fakeConsumer{
		assigned:  []int32{0, 1},
		positions: map[int32]int64{0: 90, 1: 195},
	}

	if err := m.PublishConsumerBacklog(ctx, consumer, "T", "G"); err != nil {
		t.Fatalf("PublishConsumerBacklog: %v", err)
	}

	lag, err := m.CheckConsumerLag(ctx, "T", "G", 5)
	if err != nil {
		t.Fatalf("CheckConsumerLag: %v", err)
	}
	if lag == nil {
		t.Fatal("expected partition 0 to exceed maxLag")
	}
	if lag.Partition != 0 || lag.Lag != 10 {
		t.Errorf("lag = %+v, want partition 0 lag 10", lag)
	}

	// With a generous threshold both partitions pass.
	lag, err = m.CheckConsumerLag(ctx, "T", "G", 10)
	if err != nil {
		t.Fatal(err)
	}
	if lag != nil {
		t.Errorf("lag = %+v, want nil", lag)
	}
}

func TestCheckConsumerLagConsumerAhead(t *testing.T) {
	// A consumer offset ahead of a stale topic offset floors at zero lag.
	ctx := context.Background()
	m := newMetrics(&fakeOffsets{end: map[int32]int64{0: 50}})
	consumer := &fakeConsumer{assigned: []int32{0}, positions: map[int32]int64{0: 60}}

	if err := m.PublishConsumerBacklog(ctx, consumer, "T", "G"); err != nil {
		t.Fatal(err)
	}
	lag, err := m.CheckConsumerLag(ctx, "T", "G", 0)
	if err != nil {
		t.Fatal(err)
	}
	if lag != nil {
		t.Errorf("lag = %+v, want nil", lag)
	}
}

func TestCheckConsumerLagNoRecordedGroup(t *testing.T) {
	ctx := context.Background()
	m := newMetrics(&fakeOffsets{end: map[int32]int64{0: 42}})
	consumer := &fakeConsumer{assigned: []int32{0}, positions: map[int32]int64{0: 42}}

	if err := m.PublishConsumerBacklog(ctx, consumer, "T", "G"); err != nil {
		t.Fatal(err)
	}

	// An unknown group never committed anything: the whole topic offset
	// counts as lag.
	lag, err := m.CheckConsumerLag(ctx, "T", "stranger", 5)
	if err != nil {
		t.Fatal(err)
	}
	if lag == nil || lag.Lag != 42 {
		t.Errorf("lag = %+v, want lag 42", lag)
	}
}

func TestSnapshotProgress(t *testing.T) {
	// Scenario: snapshot S of T recorded {100,200}; group G offsets
	// {100,199}. Partition 1 has not progressed (199 < 200).
	ctx := context.Background()
	offsets := &fakeOffsets{end: map[int32]int64{0: 100, 1: 200}}
	m := newMetrics(offsets)
	consumer := &fakeConsumer{
		assigned:  []int32{0, 1},
		positions: map[int32]int64{0: 100, 1: 199},
	}

	if err := m.SnapshotTopicOffsets(ctx, "T", "S"); err != nil {
		t.Fatalf("SnapshotTopicOffsets: %v", err)
	}
	if err := m.PublishConsumerBacklog(ctx, consumer, "T", "G"); err != nil {
		t.Fatal(err)
	}

	lag, err := m.CheckConsumerProgress(ctx, "T", "G", "S")
	if err != nil {
		t.Fatalf("CheckConsumerProgress: %v", err)
	}
	if lag == nil || lag.Partition != 1 || lag.Lag != 1 {
		t.Errorf("lag = %+v, want partition 1 lag 1", lag)
	}

	// Once the consumer catches up, progress passes.
	consumer.positions[1] = 200
	if err := m.PublishConsumerBacklog(ctx, consumer, "T", "G"); err != nil {
		t.Fatal(err)
	}
	lag, err = m.CheckConsumerProgress(ctx, "T", "G", "S")
	if err != nil {
		t.Fatal(err)
	}
	if lag != nil {
		t.Errorf("lag = %+v, want nil", lag)
	}
}

func TestCheckConsumerProgressMissingSnapshot(t *testing.T) {
	// No snapshot node means nothing was ever produced: progressed.
	ctx := context.Background()
	m := newMetrics(&fakeOffsets{end: map[int32]int64{0: 10}})
	consumer := &fakeConsumer{assigned: []int32{0}, positions: map[int32]int64{0: 0}}

	if err := m.PublishConsumerBacklog(ctx, consumer, "T", "G"); err != nil {
		t.Fatal(err)
	}

	lag, err := m.CheckConsumerProgress(ctx, "T", "G", "never-taken")
	if err != nil {
		t.Fatal(err)
	}
	if lag != nil {
		t.Errorf("lag = %+v, want nil for missing snapshot", lag)
	}
}

func TestCheckConsumerLagUnknownTopic(t *testing.T) {
	m := newMetrics(&fakeOffsets{})
	lag, err := m.CheckConsumerLag(context.Background(), "never-published", "G", 0)
	if err != nil {
		t.Fatalf("unknown topic must not error: %v", err)
	}
	if lag != nil {
		t.Errorf("lag = %+v, want nil", lag)
	}
}

func TestPublishGroupBacklog(t *testing.T) {
	ctx := context.Background()
	m := newMetrics(&fakeOffsets{
		end:       map[int32]int64{0: 100},
		committed: map[int32]int64{0: 80},
	})

	if err := m.PublishGroupBacklog(ctx, "T", "G"); err != nil {
		t.Fatalf("PublishGroupBacklog: %v", err)
	}

	lag, err := m.CheckConsumerLag(ctx, "T", "G", 19)
	if err != nil {
		t.Fatal(err)
	}
	if lag == nil || lag.Lag != 20 {
		t.Errorf("lag = %+v, want 20", lag)
	}
}
