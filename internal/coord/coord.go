// Package coord abstracts the strongly-consistent hierarchical key-value
// store ("the Coordinator") used for durable progress tracking and backlog
// metrics. The production implementation speaks ZooKeeper (coord/zkcoord);
// an in-memory implementation (coord/memory) backs tests and embedded runs.
//
// Paths are slash-separated, rooted at "/". Writes carry node versions for
// compare-and-set: passing AnyVersion skips the check.
package coord

import (
	"context"
	"errors"
	"strings"
)

// AnyVersion disables the compare-and-set version check on Set.
const AnyVersion int32 = -1

var (
	// ErrNoNode is returned when the addressed node does not exist.
	ErrNoNode = errors.New("coordinator: node does not exist")

	// ErrNodeExists is returned by Create when the node already exists.
	ErrNodeExists = errors.New("coordinator: node already exists")

	// ErrBadVersion is returned by Set when the version check fails.
	// Callers never retry inline; the next batch cycle re-reads and retries.
	ErrBadVersion = errors.New("coordinator: version mismatch")
)

// Coordinator is the minimal contract the ingestion pipeline needs from the
// distributed store: CAS writes, lazy path creation, and child listing.
type Coordinator interface {
	// Get returns a node's data and current version.
	Get(ctx context.Context, path string) (data []byte, version int32, err error)

	// Set overwrites a node's data. version must match the node's current
	// version unless it is AnyVersion.
	Set(ctx context.Context, path string, data []byte, version int32) error

	// Create makes a new node with the given data. The parent path must
	// already exist.
	Create(ctx context.Context, path string, data []byte) error

	// EnsurePath creates the path and any missing ancestors, with empty
	// data. Existing nodes are left untouched.
	EnsurePath(ctx context.Context, path string) error

	// Children lists the names (not full paths) of a node's children.
	Children(ctx context.Context, path string) ([]string, error)

	// Close releases the session.
	Close() error
}

// Join concatenates path segments with "/", collapsing empty segments. The
// result always starts with "/".
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		for _, seg := range strings.Split(p, "/") {
			if seg == "" {
				continue
			}
			b.WriteByte('/')
			b.WriteString(seg)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// SetOrCreate writes data to path, creating the node (and its ancestors) if
// absent. The write is unconditional.
func SetOrCreate(ctx context.Context, c Coordinator, path string, data []byte) error {
	err := c.Set(ctx, path, data, AnyVersion)
	if !errors.Is(err, ErrNoNode) {
		return err
	}
	if err := c.EnsurePath(ctx, path); err != nil {
		return err
	}
	return c.Set(ctx, path, data, AnyVersion)
}
