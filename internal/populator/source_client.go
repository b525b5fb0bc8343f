package populator

import (
	"context"
	"encoding/json"
	"io"

	"bucketstream/internal/bucketapi"
)

// SourceClient is the slice of the source cluster API a reader depends on.
// bucketapi.Client implements it; tests substitute fakes.
type SourceClient interface {
	// LookupRaftID resolves the partition carrying the bucket's log.
	LookupRaftID(ctx context.Context, bucket string) (int, error)

	// ListObjects returns one page of current object keys.
	ListObjects(ctx context.Context, bucket, keyMarker, versionMarker string) (bucketapi.ListResult, error)

	// GetObjectMetadata fetches one object's serialized metadata.
	GetObjectMetadata(ctx context.Context, bucket, key string) (json.RawMessage, error)

	// ReadRaftLog streams the partition's record log over [begin, end].
	ReadRaftLog(ctx context.Context, raftID int, begin, end uint64, targetLeader bool) (io.ReadCloser, error)
}
