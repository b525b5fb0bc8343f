// Package memory provides an in-process Coordinator backed by a map. It
// exists for tests and for running the pipeline without a ZooKeeper ensemble;
// it honors the same version (CAS) semantics as the ZooKeeper backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bucketstream/internal/coord"
)

type node struct {
	data    []byte
	version int32
}

// Coordinator is an in-memory coord.Coordinator.
type Coordinator struct {
	mu    sync.Mutex
	nodes map[string]*node
}

// New returns an empty in-memory coordinator with an existing root node.
func New() *Coordinator {
	return &Coordinator{nodes: map[string]*node{"/": {}}}
}

func clean(path string) string {
	return coord.Join(path)
}

func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// Get implements coord.Coordinator.
func (c *Coordinator) Get(_ context.Context, path string) ([]byte, int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[clean(path)]
	if !ok {
		return nil, 0, fmt.Errorf("get %s: %w", path, coord.ErrNoNode)
	}
	data := make([]byte, len(n.data))
	copy(data, n.data)
	return data, n.version, nil
}

// Set implements coord.Coordinator.
func (c *Coordinator) Set(_ context.Context, path string, data []byte, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[clean(path)]
	if !ok {
		return fmt.Errorf("set %s: %w", path, coord.ErrNoNode)
	}
	if version != coord.AnyVersion && version != n.version {
		return fmt.Errorf("set %s (version %d, node at %d): %w", path, version, n.version, coord.ErrBadVersion)
	}
	n.data = make([]byte, len(data))
	copy(n.data, data)
	n.version++
	return nil
}

// Create implements coord.Coordinator.
func (c *Coordinator) Create(_ context.Context, path string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := clean(path)
	if _, ok := c.nodes[p]; ok {
		return fmt.Errorf("create %s: %w", path, coord.ErrNodeExists)
	}
	if _, ok := c.nodes[parent(p)]; !ok {
		return fmt.Errorf("create %s: parent: %w", path, coord.ErrNoNode)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	c.nodes[p] = &node{data: stored}
	return nil
}

// EnsurePath implements coord.Coordinator.
func (c *Coordinator) EnsurePath(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := clean(path)
	if p == "/" {
		return nil
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := ""
	for _, seg := range segs {
		cur += "/" + seg
		if _, ok := c.nodes[cur]; !ok {
			c.nodes[cur] = &node{}
		}
	}
	return nil
}

// Children implements coord.Coordinator.
func (c *Coordinator) Children(_ context.Context, path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := clean(path)
	if _, ok := c.nodes[p]; !ok {
		return nil, fmt.Errorf("children %s: %w", path, coord.ErrNoNode)
	}
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	var names []string
	for other := range c.nodes {
		if other == p || !strings.HasPrefix(other, prefix) {
			continue
		}
		rest := strings.TrimPrefix(other, prefix)
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close implements coord.Coordinator. It is a no-op.
func (c *Coordinator) Close() error { return nil }
