package populator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"bucketstream/internal/bucketapi"
	"bucketstream/internal/config"
	"bucketstream/internal/coord/memory"
	"bucketstream/internal/secrets"
)

func testSecretKey() secrets.Key {
	var k secrets.Key
	for i := range k {
		k[i] = byte(i * 3)
	}
	return k
}

func encryptedSecret(t *testing.T, key secrets.Key) string {
	t.Helper()
	ct, err := secrets.Encrypt("the-secret", key)
	if err != nil {
		t.Fatal(err)
	}
	return ct
}

type countingFactory struct {
	mu     sync.Mutex
	builds int
	source *fakeSource
}

func (f *countingFactory) build(cfg bucketapi.Config) SourceClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	return f.source
}

func (f *countingFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func newTestPopulator(t *testing.T, factory *countingFactory) *Populator {
	t.Helper()
	p, err := New(Config{
		Settings: config.QueuePopulator{
			ZookeeperPath:      "/populator",
			Topic:              "ingestion",
			BatchMaxRead:       100,
			MaxParallelReaders: 2,
			Concurrency:        2,
			CronRule:           "*/5 * * * * *",
		},
		Coordinator:   memory.New(),
		Producer:      &fakeProducer{},
		SecretKey:     testSecretKey(),
		ClientFactory: factory.build,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func testSource(t *testing.T, name, bucket, host string) config.Source {
	t.Helper()
	return config.Source{
		Name:   name,
		Bucket: bucket,
		Host:   host,
		Port:   9000,
		Auth:   config.Auth{AccessKey: "AK", SecretKey: encryptedSecret(t, testSecretKey())},
	}
}

func TestApplyConfigLifecycle(t *testing.T) {
	factory := &countingFactory{source: &fakeSource{raftID: 1, readLog: emptyLog(0)}}
	p := newTestPopulator(t, factory)

	src := testSource(t, "zenko", "b1", "host-a")
	if err := p.ApplyConfig([]config.Source{src}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if len(p.Readers()) != 1 {
		t.Fatalf("readers = %d, want 1", len(p.Readers()))
	}
	if factory.buildCount() != 1 {
		t.Fatalf("builds = %d, want 1", factory.buildCount())
	}

	// Unchanged config: no rebuild.
	if err := p.ApplyConfig([]config.Source{src}); err != nil {
		t.Fatal(err)
	}
	if factory.buildCount() != 1 {
		t.Errorf("builds after no-op apply = %d, want 1", factory.buildCount())
	}

	// Changed host: client rebuilt, reader kept.
	before := p.Readers()[0]
	moved := src
	moved.Host = "host-b"
	if err := p.ApplyConfig([]config.Source{moved}); err != nil {
		t.Fatal(err)
	}
	if factory.buildCount() != 2 {
		t.Errorf("builds after host change = %d, want 2", factory.buildCount())
	}
	if len(p.Readers()) != 1 || p.Readers()[0] != before {
		t.Error("refresh must keep the existing reader (and its progress)")
	}

	// Removed source: reader dropped.
	if err := p.ApplyConfig(nil); err != nil {
		t.Fatal(err)
	}
	if len(p.Readers()) != 0 {
		t.Errorf("readers after removal = %d, want 0", len(p.Readers()))
	}
}

func TestApplyConfigBadSecret(t *testing.T) {
	factory := &countingFactory{source: &fakeSource{raftID: 1, readLog: emptyLog(0)}}
	p := newTestPopulator(t, factory)

	good := testSource(t, "zenko", "good", "h")
	bad := testSource(t, "zenko", "bad", "h")
	bad.Auth.SecretKey = "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0IGF0IGFsbCE="

	err := p.ApplyConfig([]config.Source{good, bad})
	if err == nil {
		t.Fatal("expected error for undecryptable secret")
	}
	if len(p.Readers()) != 1 {
		t.Errorf("readers = %d, want only the good source", len(p.Readers()))
	}
}

func TestProcessAllPublishes(t *testing.T) {
	source := &fakeSource{
		raftID:    1,
		listPages: []bucketapi.ListResult{{Contents: []bucketapi.ObjectEntry{{Key: "o1"}}}},
		metadata:  map[string]json.RawMessage{"o1": json.RawMessage(`{}`)},
		readLog:   emptyLog(4),
	}
	factory := &countingFactory{source: source}
	p := newTestPopulator(t, factory)
	if err := p.ApplyConfig([]config.Source{testSource(t, "zenko", "b1", "h")}); err != nil {
		t.Fatal(err)
	}

	p.ProcessAll(context.Background())

	producer := p.producer.(*fakeProducer)
	if producer.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", producer.batchCount())
	}
	events := decodeEvents(t, producer.batch(0))
	if len(events) != 1 || events[0].Bucket != "zenko-b1" {
		t.Errorf("events = %+v", events)
	}
}
