package populator

import (
	"bucketstream/internal/event"
)

// Batch is the per-cycle staging area extensions publish into. It keeps both
// the per-target grouping and the global arrival order, because the bus batch
// must preserve the order in which the source log produced the entries.
//
// A Batch is owned by exactly one reader for exactly one cycle; extensions
// only see it between SetEntryBatch and UnsetEntryBatch, which guarantees no
// state leaks across batches.
type Batch struct {
	byBucket map[string][]event.Event
	ordered  []event.Event
}

// NewBatch returns an empty staging area.
func NewBatch() *Batch {
	return &Batch{byBucket: make(map[string][]event.Event)}
}

// Add stages an event under a target bucket.
func (b *Batch) Add(targetBucket string, ev event.Event) {
	b.byBucket[targetBucket] = append(b.byBucket[targetBucket], ev)
	b.ordered = append(b.ordered, ev)
}

// Events returns all staged events in arrival order.
func (b *Batch) Events() []event.Event {
	return b.ordered
}

// Bucket returns the events staged for one target bucket, in arrival order.
func (b *Batch) Bucket(targetBucket string) []event.Event {
	return b.byBucket[targetBucket]
}

// Len reports how many events are staged.
func (b *Batch) Len() int {
	return len(b.ordered)
}

// Extension is a plug-in filter over the canonical entry stream. The reader
// calls SetEntryBatch before iterating a cycle's records, Filter once per
// surviving entry, and UnsetEntryBatch when the cycle's iteration is done.
type Extension interface {
	SetEntryBatch(*Batch)
	Filter(ev event.Event)
	UnsetEntryBatch()
}

// IngestionExtension is the built-in extension: it stages every valid entry
// for the main ingestion topic, keyed by its target bucket.
type IngestionExtension struct {
	batch *Batch
}

// NewIngestionExtension returns the default ingestion extension.
func NewIngestionExtension() *IngestionExtension {
	return &IngestionExtension{}
}

// SetEntryBatch implements Extension.
func (x *IngestionExtension) SetEntryBatch(b *Batch) { x.batch = b }

// UnsetEntryBatch implements Extension.
func (x *IngestionExtension) UnsetEntryBatch() { x.batch = nil }

// Filter implements Extension. Invalid entries are dropped silently; the
// reader has already applied the phase-specific drop rules.
func (x *IngestionExtension) Filter(ev event.Event) {
	if x.batch == nil {
		return
	}
	if err := ev.Validate(); err != nil {
		return
	}
	x.batch.Add(ev.Bucket, ev)
}
