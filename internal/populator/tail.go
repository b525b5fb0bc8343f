package populator

import (
	"context"
	"errors"
	"fmt"

	"bucketstream/internal/bucketapi"
	"bucketstream/internal/logstream"
)

// tailProducer reads the bucket's record log in bounded windows and hands
// back a lazy record stream.
type tailProducer struct {
	client  SourceClient
	maxRead int
}

// read opens a stream over [startSeq, startSeq+maxRead-1]. The source's
// "no such partition" and "range not yet available" answers both come back
// as an empty stream; everything else is a fault for the tick scheduler to
// retry.
func (t *tailProducer) read(ctx context.Context, raftID int, startSeq uint64) (*logstream.Stream, error) {
	end := startSeq + uint64(t.maxRead) - 1

	rc, err := t.client.ReadRaftLog(ctx, raftID, startSeq, end, false)
	switch {
	case errors.Is(err, bucketapi.ErrNoSuchRaftSession),
		errors.Is(err, bucketapi.ErrLogRangeNotSatisfiable):
		return logstream.Empty(), nil
	case err != nil:
		return nil, fmt.Errorf("tail: read log %d from %d: %w", raftID, startSeq, err)
	}
	return logstream.New(rc), nil
}
