package populator

import (
	"testing"

	"bucketstream/internal/event"
)

func TestBatchPreservesArrivalOrder(t *testing.T) {
	b := NewBatch()
	b.Add("t-a", event.Event{Type: event.Put, Bucket: "t-a", Key: "1"})
	b.Add("t-b", event.Event{Type: event.Put, Bucket: "t-b", Key: "2"})
	b.Add("t-a", event.Event{Type: event.Del, Bucket: "t-a", Key: "3"})

	events := b.Events()
	if len(events) != 3 {
		t.Fatalf("len = %d", len(events))
	}
	for i, want := range []string{"1", "2", "3"} {
		if events[i].Key != want {
			t.Errorf("events[%d].Key = %q, want %q", i, events[i].Key, want)
		}
	}

	perBucket := b.Bucket("t-a")
	if len(perBucket) != 2 || perBucket[0].Key != "1" || perBucket[1].Key != "3" {
		t.Errorf("Bucket(t-a) = %+v", perBucket)
	}
}

func TestIngestionExtensionStagesOnlyDuringBatch(t *testing.T) {
	x := NewIngestionExtension()
	ev := event.Event{Type: event.Put, Bucket: "t-b", Key: "k"}

	// Before SetEntryBatch nothing is staged (and nothing panics).
	x.Filter(ev)

	b := NewBatch()
	x.SetEntryBatch(b)
	x.Filter(ev)
	x.UnsetEntryBatch()

	// After UnsetEntryBatch the extension stages nowhere.
	x.Filter(ev)

	if b.Len() != 1 {
		t.Errorf("staged = %d, want 1", b.Len())
	}
}

func TestIngestionExtensionDropsInvalid(t *testing.T) {
	x := NewIngestionExtension()
	b := NewBatch()
	x.SetEntryBatch(b)
	defer x.UnsetEntryBatch()

	x.Filter(event.Event{Type: event.Put, Key: "no-bucket"})
	x.Filter(event.Event{Type: "bogus", Bucket: "b", Key: "k"})
	x.Filter(event.Event{Type: event.Del, Bucket: "b", Key: "k"})

	if b.Len() != 1 {
		t.Fatalf("staged = %d, want 1", b.Len())
	}
	if b.Events()[0].Type != event.Del {
		t.Errorf("staged event = %+v", b.Events()[0])
	}
}
