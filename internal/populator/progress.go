package populator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bucketstream/internal/coord"
)

// InitState is the snapshot-phase progress tuple. CSeq is the tail-log head
// captured when the snapshot originally started; it survives snapshot
// resumption so the tail phase begins exactly where the snapshot anchored.
type InitState struct {
	IsStatusComplete bool
	KeyMarker        string
	VersionMarker    string
	CSeq             uint64
}

// progressStore persists one bucket's ingestion progress on the coordinator
// under
//
//	<root>/<targetBucket>/init/{isStatusComplete,keyMarker,versionMarker,cseq}
//	<root>/<targetBucket>/logState/raft_<id>/logOffset
//
// Nodes are created lazily and never deleted by the reader. The log offset
// is written with compare-and-set and only when strictly increasing; a lost
// race surfaces as an error and the next batch cycle retries.
type progressStore struct {
	coord    coord.Coordinator
	initPath string
	raftPath string
	logPath  string
}

const initialLogOffset = 1

func newProgressStore(c coord.Coordinator, root, targetBucket string, raftID int) *progressStore {
	base := coord.Join(root, targetBucket)
	raftPath := coord.Join(base, "logState", fmt.Sprintf("raft_%d", raftID))
	return &progressStore{
		coord:    c,
		initPath: coord.Join(base, "init"),
		raftPath: raftPath,
		logPath:  coord.Join(raftPath, "logOffset"),
	}
}

// EnsureRaftPath records the bucket's partition assignment. Creating the
// raft_<id> node is what makes the assignment durable: later setups restore
// it instead of asking the source again.
func (p *progressStore) EnsureRaftPath(ctx context.Context) error {
	if err := p.coord.EnsurePath(ctx, p.raftPath); err != nil {
		return fmt.Errorf("progress: ensure raft path: %w", err)
	}
	return nil
}

// persistedRaftID inspects the bucket's logState children for a previously
// recorded partition id. Returns found=false on a fresh bucket.
func persistedRaftID(ctx context.Context, c coord.Coordinator, root, targetBucket string) (int, bool, error) {
	path := coord.Join(root, targetBucket, "logState")
	names, err := c.Children(ctx, path)
	if errors.Is(err, coord.ErrNoNode) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	for _, name := range names {
		if rest, ok := strings.CutPrefix(name, "raft_"); ok {
			id, err := strconv.Atoi(rest)
			if err != nil {
				return 0, false, fmt.Errorf("progress: malformed raft node %q under %s", name, path)
			}
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (p *progressStore) initNode(field string) string {
	return coord.Join(p.initPath, field)
}

// readField returns a node's string content, creating an empty node if
// absent.
func (p *progressStore) readField(ctx context.Context, path string) (string, error) {
	data, _, err := p.coord.Get(ctx, path)
	if errors.Is(err, coord.ErrNoNode) {
		if err := p.coord.EnsurePath(ctx, path); err != nil {
			return "", err
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadInit returns the snapshot progress tuple, creating absent nodes with
// empty values.
func (p *progressStore) ReadInit(ctx context.Context) (InitState, error) {
	var st InitState

	complete, err := p.readField(ctx, p.initNode("isStatusComplete"))
	if err != nil {
		return InitState{}, fmt.Errorf("progress: read init: %w", err)
	}
	st.IsStatusComplete = complete == "true"

	if st.KeyMarker, err = p.readField(ctx, p.initNode("keyMarker")); err != nil {
		return InitState{}, fmt.Errorf("progress: read init: %w", err)
	}
	if st.VersionMarker, err = p.readField(ctx, p.initNode("versionMarker")); err != nil {
		return InitState{}, fmt.Errorf("progress: read init: %w", err)
	}

	raw, err := p.readField(ctx, p.initNode("cseq"))
	if err != nil {
		return InitState{}, fmt.Errorf("progress: read init: %w", err)
	}
	if raw != "" {
		if st.CSeq, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return InitState{}, fmt.Errorf("progress: malformed cseq %q: %w", raw, err)
		}
	}
	return st, nil
}

// WriteInit persists the snapshot progress tuple.
func (p *progressStore) WriteInit(ctx context.Context, st InitState) error {
	fields := map[string]string{
		"isStatusComplete": strconv.FormatBool(st.IsStatusComplete),
		"keyMarker":        st.KeyMarker,
		"versionMarker":    st.VersionMarker,
		"cseq":             strconv.FormatUint(st.CSeq, 10),
	}
	for field, value := range fields {
		if err := coord.SetOrCreate(ctx, p.coord, p.initNode(field), []byte(value)); err != nil {
			return fmt.Errorf("progress: write init %s: %w", field, err)
		}
	}
	return nil
}

// ReadLogOffset returns the next tail sequence to read. A fresh bucket
// starts at the log's first sequence number.
func (p *progressStore) ReadLogOffset(ctx context.Context) (uint64, error) {
	data, _, err := p.coord.Get(ctx, p.logPath)
	if errors.Is(err, coord.ErrNoNode) {
		if err := coord.SetOrCreate(ctx, p.coord, p.logPath, []byte(strconv.Itoa(initialLogOffset))); err != nil {
			return 0, fmt.Errorf("progress: init log offset: %w", err)
		}
		return initialLogOffset, nil
	}
	if err != nil {
		return 0, fmt.Errorf("progress: read log offset: %w", err)
	}
	if len(data) == 0 {
		return initialLogOffset, nil
	}
	offset, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("progress: malformed log offset %q: %w", data, err)
	}
	return offset, nil
}

// WriteLogOffset advances the stored offset. Writes that do not strictly
// increase the offset are skipped, which keeps the offset monotonic across
// batch retries and duplicate publishes.
func (p *progressStore) WriteLogOffset(ctx context.Context, offset uint64) error {
	data, version, err := p.coord.Get(ctx, p.logPath)
	if errors.Is(err, coord.ErrNoNode) {
		return coord.SetOrCreate(ctx, p.coord, p.logPath, []byte(strconv.FormatUint(offset, 10)))
	}
	if err != nil {
		return fmt.Errorf("progress: read log offset: %w", err)
	}

	var current uint64
	if len(data) > 0 {
		if current, err = strconv.ParseUint(string(data), 10, 64); err != nil {
			return fmt.Errorf("progress: malformed log offset %q: %w", data, err)
		}
	}
	if offset <= current {
		return nil
	}
	if err := p.coord.Set(ctx, p.logPath, []byte(strconv.FormatUint(offset, 10)), version); err != nil {
		return fmt.Errorf("progress: write log offset %d: %w", offset, err)
	}
	return nil
}
