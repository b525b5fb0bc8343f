// Package zkcoord implements coord.Coordinator on a ZooKeeper ensemble.
//
// All pipeline state lives under a configurable chroot-style base path; the
// caller passes full paths and this package only maps the wire protocol.
// Sessions reconnect automatically; individual operations fail fast and the
// tick scheduler retries on the next cycle.
package zkcoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"bucketstream/internal/coord"
	"bucketstream/internal/logging"
)

// Config holds ZooKeeper connection parameters.
type Config struct {
	// Servers is the ensemble address list (host:port).
	Servers []string

	// SessionTimeout is the ZooKeeper session timeout. Defaults to 15s.
	SessionTimeout time.Duration

	// Logger for connection state changes.
	Logger *slog.Logger
}

// Coordinator is a ZooKeeper-backed coord.Coordinator.
type Coordinator struct {
	conn   *zk.Conn
	logger *slog.Logger
}

// Connect dials the ensemble and returns a ready coordinator. The connection
// keeps itself alive across transient failures.
func Connect(cfg Config) (*Coordinator, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zkcoord: no servers configured")
	}
	timeout := cfg.SessionTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	logger := logging.Default(cfg.Logger).With("component", "coordinator")

	conn, events, err := zk.Connect(cfg.Servers, timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zkcoord: connect %v: %w", cfg.Servers, err)
	}

	go func() {
		for ev := range events {
			if ev.State == zk.StateHasSession || ev.State == zk.StateDisconnected {
				logger.Info("session state changed", "state", ev.State.String())
			}
		}
	}()

	return &Coordinator{conn: conn, logger: logger}, nil
}

// Get implements coord.Coordinator.
func (c *Coordinator) Get(_ context.Context, path string) ([]byte, int32, error) {
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, 0, mapErr("get", path, err)
	}
	return data, stat.Version, nil
}

// Set implements coord.Coordinator.
func (c *Coordinator) Set(_ context.Context, path string, data []byte, version int32) error {
	if _, err := c.conn.Set(path, data, version); err != nil {
		return mapErr("set", path, err)
	}
	return nil
}

// Create implements coord.Coordinator.
func (c *Coordinator) Create(_ context.Context, path string, data []byte) error {
	_, err := c.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
	if err != nil {
		return mapErr("create", path, err)
	}
	return nil
}

// EnsurePath implements coord.Coordinator. Concurrent creators are tolerated:
// a node that springs into existence between the probe and the create is
// treated as success.
func (c *Coordinator) EnsurePath(_ context.Context, path string) error {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		cur += "/" + seg
		_, err := c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return mapErr("ensure", cur, err)
		}
	}
	return nil
}

// Children implements coord.Coordinator.
func (c *Coordinator) Children(_ context.Context, path string) ([]string, error) {
	names, _, err := c.conn.Children(path)
	if err != nil {
		return nil, mapErr("children", path, err)
	}
	return names, nil
}

// Close implements coord.Coordinator.
func (c *Coordinator) Close() error {
	c.conn.Close()
	return nil
}

func mapErr(op, path string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%s %s: %w", op, path, coord.ErrNoNode)
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%s %s: %w", op, path, coord.ErrNodeExists)
	case errors.Is(err, zk.ErrBadVersion):
		return fmt.Errorf("%s %s: %w", op, path, coord.ErrBadVersion)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}
