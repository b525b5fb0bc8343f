package populator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bucketstream/internal/bus"
	"bucketstream/internal/coord"
	"bucketstream/internal/event"
	"bucketstream/internal/logging"
	"bucketstream/internal/logstream"
)

// ReaderConfig configures one bucket's ingestion reader.
type ReaderConfig struct {
	// SourceBucket is the bucket ingested from the source cluster.
	SourceBucket string

	// TargetName prefixes every emitted bucket name.
	TargetName string

	Client      SourceClient
	Coordinator coord.Coordinator
	Producer    bus.Producer

	// Topic receives the canonical event stream.
	Topic string

	// Root is the coordinator path all progress lives under.
	Root string

	// Extensions filter and stage entries. The built-in ingestion
	// extension is used when none are given.
	Extensions []Extension

	// BatchMaxRead bounds records per tail batch. Defaults to 10000.
	BatchMaxRead int

	// Concurrency bounds snapshot metadata fan-out. Defaults to 10.
	Concurrency int

	// PublishTimeout bounds one bus publish call. Defaults to 30s.
	PublishTimeout time.Duration

	Logger *slog.Logger
}

type readerState int

const (
	stateUninitialized readerState = iota
	stateReady
)

// Reader is the per-bucket ingestion state machine: snapshot phase until the
// bucket's current content is fully republished, then tail phase forever.
// One batch cycle runs per tick; cycles for the same bucket never overlap.
type Reader struct {
	id           uuid.UUID
	sourceBucket string
	targetName   string
	targetBucket string

	coordinator    coord.Coordinator
	producer       bus.Producer
	topic          string
	root           string
	extensions     []Extension
	batchMaxRead   int
	concurrency    int
	publishTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex // guards client, producers, state, raftID, progress
	client   SourceClient
	snapshot *snapshotProducer
	tail     *tailProducer
	progress *progressStore
	raftID   int
	state    readerState

	batchInProgress atomic.Bool
}

// NewReader builds a reader in the uninitialized state. Setup runs lazily on
// the first batch.
func NewReader(cfg ReaderConfig) *Reader {
	extensions := cfg.Extensions
	if len(extensions) == 0 {
		extensions = []Extension{NewIngestionExtension()}
	}
	batchMaxRead := cfg.BatchMaxRead
	if batchMaxRead == 0 {
		batchMaxRead = 10000
	}
	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = 10
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout == 0 {
		publishTimeout = 30 * time.Second
	}

	id := uuid.New()
	return &Reader{
		id:             id,
		sourceBucket:   cfg.SourceBucket,
		targetName:     cfg.TargetName,
		targetBucket:   event.TargetBucket(cfg.TargetName, cfg.SourceBucket),
		coordinator:    cfg.Coordinator,
		producer:       cfg.Producer,
		topic:          cfg.Topic,
		root:           cfg.Root,
		extensions:     extensions,
		batchMaxRead:   batchMaxRead,
		concurrency:    concurrency,
		publishTimeout: publishTimeout,
		client:         cfg.Client,
		logger: logging.Default(cfg.Logger).With(
			"component", "reader",
			"reader", id.String(),
			"bucket", cfg.SourceBucket),
	}
}

// TargetBucket returns the logical bucket this reader publishes as.
func (r *Reader) TargetBucket() string { return r.targetBucket }

// Setup resolves the bucket's raft partition and derives the coordinator
// paths. The partition id is persisted implicitly by the logState path, so a
// restarted process reuses the original assignment instead of looking it up
// again.
func (r *Reader) Setup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(ctx)
}

func (r *Reader) setupLocked(ctx context.Context) error {
	if r.state == stateReady {
		return nil
	}

	raftID, found, err := persistedRaftID(ctx, r.coordinator, r.root, r.targetBucket)
	if err != nil {
		return fmt.Errorf("reader %s: restore raft id: %w", r.sourceBucket, err)
	}
	if !found {
		raftID, err = r.client.LookupRaftID(ctx, r.sourceBucket)
		if err != nil {
			return fmt.Errorf("reader %s: resolve raft id: %w", r.sourceBucket, err)
		}
	}

	r.raftID = raftID
	r.progress = newProgressStore(r.coordinator, r.root, r.targetBucket, raftID)
	if err := r.progress.EnsureRaftPath(ctx); err != nil {
		r.progress = nil
		return fmt.Errorf("reader %s: %w", r.sourceBucket, err)
	}
	r.rebuildProducersLocked()
	r.state = stateReady
	r.logger.Info("reader ready", "method", "Reader.Setup", "raftId", raftID)
	return nil
}

func (r *Reader) rebuildProducersLocked() {
	r.snapshot = &snapshotProducer{
		client:       r.client,
		sourceBucket: r.sourceBucket,
		targetName:   r.targetName,
		concurrency:  r.concurrency,
		logger:       r.logger,
	}
	r.tail = &tailProducer{client: r.client, maxRead: r.batchMaxRead}
}

// RefreshClient swaps in a source client built from refreshed credentials.
// Progress is untouched; only the transport changes.
func (r *Reader) RefreshClient(client SourceClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = client
	if r.state == stateReady {
		r.rebuildProducersLocked()
	}
	r.logger.Info("source client refreshed", "method", "Reader.RefreshClient")
}

// Idle reports whether no batch is currently running.
func (r *Reader) Idle() bool {
	return !r.batchInProgress.Load()
}

// batchContext threads one cycle's intermediate state through the four
// phases: read, prepare, publish, checkpoint.
type batchContext struct {
	initState     *InitState // non-nil only when the cycle passed through snapshot
	start         *uint64    // tail read's info.start; nil when nothing was read
	nbRecordsRead uint64
	nbEntriesRead int
	batch         *Batch
	nextOffset    uint64
	haveNext      bool
}

// ProcessBatch runs one batch cycle. Overlapping ticks are skipped: at most
// one batch runs per bucket at any time. An error aborts the whole cycle
// without advancing progress; the next tick retries from the durable state.
func (r *Reader) ProcessBatch(ctx context.Context) error {
	if !r.batchInProgress.CompareAndSwap(false, true) {
		return nil
	}
	defer r.batchInProgress.Store(false)

	r.mu.Lock()
	if err := r.setupLocked(ctx); err != nil {
		r.mu.Unlock()
		return err
	}
	snapshot, tail, progress, raftID := r.snapshot, r.tail, r.progress, r.raftID
	r.mu.Unlock()

	return r.runBatch(ctx, snapshot, tail, progress, raftID)
}

func (r *Reader) runBatch(ctx context.Context, snapshot *snapshotProducer, tail *tailProducer, progress *progressStore, raftID int) error {
	st, err := progress.ReadInit(ctx)
	if err != nil {
		return fmt.Errorf("reader %s: %w", r.sourceBucket, err)
	}

	bc := &batchContext{batch: NewBatch()}
	if st.IsStatusComplete {
		err = r.tailBatch(ctx, tail, progress, raftID, bc)
	} else {
		err = r.snapshotBatch(ctx, snapshot, raftID, st, bc)
	}
	if err != nil {
		return fmt.Errorf("reader %s: %w", r.sourceBucket, err)
	}

	if bc.batch.Len() > 0 {
		if err := r.publish(ctx, bc); err != nil {
			return fmt.Errorf("reader %s: %w", r.sourceBucket, err)
		}
	}

	if err := r.checkpoint(ctx, progress, bc); err != nil {
		return fmt.Errorf("reader %s: %w", r.sourceBucket, err)
	}

	r.logger.Debug("batch complete",
		"method", "Reader.ProcessBatch",
		"records", bc.nbRecordsRead,
		"entries", bc.nbEntriesRead,
		"published", bc.batch.Len(),
		"offset", bc.nextOffset)
	return nil
}

// snapshotBatch republishes one page of the bucket's current content.
func (r *Reader) snapshotBatch(ctx context.Context, snapshot *snapshotProducer, raftID int, st InitState, bc *batchContext) error {
	res, err := snapshot.run(ctx, raftID, st)
	if err != nil {
		return err
	}

	bc.initState = &res.state
	bc.nbRecordsRead = res.nbRecordsRead
	bc.nbEntriesRead = res.nbEntriesRead

	r.setEntryBatch(bc.batch)
	defer r.unsetEntryBatch()
	for _, ev := range res.events {
		if ev.Key == "" {
			continue
		}
		r.filter(ev)
	}

	// The captured cseq becomes the tail's starting point, so mutations
	// that raced the snapshot are replayed, never skipped.
	if res.state.CSeq != 0 {
		bc.nextOffset = res.state.CSeq
		bc.haveNext = true
	}
	return nil
}

// tailBatch reads one bounded window of the record log.
func (r *Reader) tailBatch(ctx context.Context, tail *tailProducer, progress *progressStore, raftID int, bc *batchContext) error {
	offset, err := progress.ReadLogOffset(ctx)
	if err != nil {
		return err
	}

	stream, err := tail.read(ctx, raftID, offset)
	if err != nil {
		return err
	}
	defer stream.Close()

	info, err := stream.Header()
	if err != nil {
		return err
	}
	bc.start = info.Start

	r.setEntryBatch(bc.batch)
	defer r.unsetEntryBatch()
	for {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		r.prepareTailRecord(bc, rec)
	}

	if bc.start != nil {
		bc.nextOffset = *bc.start + bc.nbRecordsRead
		bc.haveNext = true
	}
	return nil
}

// prepareTailRecord applies the container rewrite rules and feeds surviving
// entries to the extensions. Every record read advances the offset,
// including records that produce no events.
func (r *Reader) prepareTailRecord(bc *batchContext, rec logstream.Record) {
	bc.nbRecordsRead++

	for _, entry := range rec.Entries {
		bc.nbEntriesRead++
		if entry.Key == "" && entry.Type == "" {
			continue
		}

		ev, ok := r.rewriteEntry(rec.DB, entry)
		if !ok {
			continue
		}
		r.filter(ev)
	}
}

// rewriteEntry maps one raw log entry onto the canonical namespace. The
// rewrite happens before filtering: extensions only ever see rewritten keys.
func (r *Reader) rewriteEntry(db string, entry logstream.Entry) (event.Event, bool) {
	switch db {
	case event.UsersBucket:
		// Bucket-ownership records for other buckets are not ours.
		ownerID, bucket, ok := event.SplitUsersBucketKey(entry.Key)
		if !ok || bucket != r.sourceBucket {
			return event.Event{}, false
		}
		return event.Event{
			Type:   entry.EventType(),
			Bucket: event.UsersBucket,
			Key:    event.UsersBucketKey(ownerID, r.targetBucket),
			Value:  entry.ValueString(),
		}, true

	case event.Metastore:
		prefix, bucket, ok := splitMetastoreKey(entry.Key)
		if !ok || bucket != r.sourceBucket {
			return event.Event{}, false
		}
		return event.Event{
			Type:   entry.EventType(),
			Bucket: event.Metastore,
			Key:    prefix + "/" + r.targetBucket,
			Value:  entry.ValueString(),
		}, true

	case r.sourceBucket, "":
		// Object mutation; an absent db marks a legacy put-style record
		// against the source bucket itself.
		return event.Event{
			Type:   entry.EventType(),
			Bucket: r.targetBucket,
			Key:    entry.Key,
			Value:  entry.ValueString(),
		}, true

	default:
		return event.Event{}, false
	}
}

func splitMetastoreKey(key string) (prefix, bucket string, ok bool) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func (r *Reader) setEntryBatch(b *Batch) {
	for _, ext := range r.extensions {
		ext.SetEntryBatch(b)
	}
}

func (r *Reader) unsetEntryBatch() {
	for _, ext := range r.extensions {
		ext.UnsetEntryBatch()
	}
}

func (r *Reader) filter(ev event.Event) {
	for _, ext := range r.extensions {
		ext.Filter(ev)
	}
}

// publish sends the staged events as one all-or-nothing bus batch. A failure
// leaves the coordinator untouched, so the next cycle re-reads and
// re-publishes the same records: duplicates are possible, loss is not.
func (r *Reader) publish(ctx context.Context, bc *batchContext) error {
	events := bc.batch.Events()
	msgs := make([]bus.Message, len(events))
	for i, ev := range events {
		value, err := ev.Encode()
		if err != nil {
			return fmt.Errorf("encode event %q: %w", ev.Key, err)
		}
		msgs[i] = bus.Message{Key: []byte(ev.Key), Value: value}
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	if err := r.producer.Publish(pubCtx, r.topic, msgs); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	return nil
}

// checkpoint persists the cycle's progress. Init state first, then the log
// offset; offset writes that do not strictly increase are skipped.
func (r *Reader) checkpoint(ctx context.Context, progress *progressStore, bc *batchContext) error {
	if bc.initState != nil {
		if err := progress.WriteInit(ctx, *bc.initState); err != nil {
			return err
		}
	}
	if bc.haveNext {
		if err := progress.WriteLogOffset(ctx, bc.nextOffset); err != nil {
			return err
		}
	}
	return nil
}
