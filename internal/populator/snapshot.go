package populator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"bucketstream/internal/bucketapi"
	"bucketstream/internal/event"
	"bucketstream/internal/logstream"
)

// snapshotResult is one snapshot batch: synthetic put events covering a page
// of the bucket's current content, plus the init state to persist.
type snapshotResult struct {
	events        []event.Event
	state         InitState
	nbRecordsRead uint64 // versioned keys seen
	nbEntriesRead int
}

// snapshotProducer turns the current content of a source bucket into
// synthetic put events, as if that content had been written fresh into the
// target. One run handles one listing page; continuation markers in the
// returned state resume the next page on the next cycle.
type snapshotProducer struct {
	client       SourceClient
	sourceBucket string
	targetName   string
	concurrency  int
	logger       *slog.Logger
}

// captureCSeq probes the raft log for its current head. The value anchors
// the snapshot-to-tail handoff: any mutation logged during the snapshot has
// a sequence at or after it, so starting the tail there loses nothing.
func (s *snapshotProducer) captureCSeq(ctx context.Context, raftID int) (uint64, error) {
	rc, err := s.client.ReadRaftLog(ctx, raftID, 1, 1, false)
	switch {
	case errors.Is(err, bucketapi.ErrNoSuchRaftSession),
		errors.Is(err, bucketapi.ErrLogRangeNotSatisfiable):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("snapshot: capture cseq: %w", err)
	}

	stream := logstream.New(rc)
	defer stream.Close()
	info, err := stream.Header()
	if err != nil {
		return 0, fmt.Errorf("snapshot: capture cseq: %w", err)
	}
	return info.CSeq, nil
}

// run produces one snapshot batch, resuming from the markers in prev. The
// cseq in prev is preserved when already captured; otherwise it is captured
// now, before the listing begins.
func (s *snapshotProducer) run(ctx context.Context, raftID int, prev InitState) (snapshotResult, error) {
	state := prev
	if state.CSeq == 0 {
		cseq, err := s.captureCSeq(ctx, raftID)
		if err != nil {
			return snapshotResult{}, err
		}
		state.CSeq = cseq
	}

	listing, err := s.client.ListObjects(ctx, s.sourceBucket, state.KeyMarker, state.VersionMarker)
	if err != nil {
		return snapshotResult{}, fmt.Errorf("snapshot: list %s: %w", s.sourceBucket, err)
	}

	// Fetch metadata with bounded fan-out, reassembled in list order.
	metadata := make([][]byte, len(listing.Contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, entry := range listing.Contents {
		g.Go(func() error {
			md, err := s.client.GetObjectMetadata(gctx, s.sourceBucket, entry.Key)
			if errors.Is(err, bucketapi.ErrObjectNotFound) {
				// Deleted between listing and fetch; the tail phase
				// carries the delete.
				s.logger.Info("object disappeared during snapshot",
					"method", "snapshotProducer.run",
					"bucket", s.sourceBucket, "key", entry.Key)
				return nil
			}
			if err != nil {
				return err
			}
			metadata[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return snapshotResult{}, fmt.Errorf("snapshot: fetch metadata for %s: %w", s.sourceBucket, err)
	}

	res := snapshotResult{state: state}
	for i, entry := range listing.Contents {
		if metadata[i] == nil {
			continue
		}
		res.events = append(res.events, event.NewObjectPut(s.sourceBucket, entry.Key, s.targetName, metadata[i]))
		res.nbEntriesRead++
		if event.IsVersionedKey(entry.Key) {
			res.nbRecordsRead++
		}
	}

	if listing.IsTruncated {
		res.state.KeyMarker = listing.NextKeyMarker
		res.state.VersionMarker = listing.NextVersionIDMarker
	} else {
		res.state.IsStatusComplete = true
		res.state.KeyMarker = ""
		res.state.VersionMarker = ""
	}
	return res, nil
}
