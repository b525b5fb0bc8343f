// Package bucketapi is a typed client for the source storage cluster's
// extended S3-compatible metadata API: raft partition lookup, object listing,
// metadata fetch, and raft-log tailing.
//
// The raft extensions are not speakable by any storage SDK, so the client is
// built directly on net/http with a shared keep-alive transport. All
// operations are stateless; the connection pool is the only shared state.
package bucketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"bucketstream/internal/logging"
)

var (
	// ErrBucketNotFound is returned when the source knows no such bucket.
	ErrBucketNotFound = errors.New("bucketapi: bucket not found")

	// ErrObjectNotFound is returned when an object's metadata is gone,
	// typically because it was deleted between listing and fetch.
	ErrObjectNotFound = errors.New("bucketapi: object not found")

	// ErrNoSuchRaftSession is returned by ReadRaftLog when the partition
	// does not exist (HTTP 404). Callers treat it as an empty log.
	ErrNoSuchRaftSession = errors.New("bucketapi: no such raft session")

	// ErrLogRangeNotSatisfiable is returned by ReadRaftLog when the
	// requested range is not yet available (HTTP 416). Callers treat it as
	// an empty log.
	ErrLogRangeNotSatisfiable = errors.New("bucketapi: log range not satisfiable")
)

// Config holds source connection parameters for one bucket's cluster
// endpoint.
type Config struct {
	Host      string
	Port      int
	UseTLS    bool
	AccessKey string
	SecretKey string

	// RequestsPerSecond throttles calls to the source; zero means
	// unlimited. Snapshots fan out aggressively, so shared clusters set a
	// budget here.
	RequestsPerSecond float64

	// Timeout bounds non-streaming requests. Log reads are exempt: a raft
	// log response may be arbitrarily large. Defaults to 30s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client talks to one source cluster endpoint.
type Client struct {
	base      string
	accessKey string
	secretKey string
	httpc     *http.Client
	streamc   *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New builds a client with a keep-alive connection pool. The pool is owned
// exclusively by the reader the client is handed to.
func New(cfg Config) *Client {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		base:      fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		httpc:     &http.Client{Transport: transport, Timeout: timeout},
		streamc:   &http.Client{Transport: transport},
		limiter:   limiter,
		logger:    logging.Default(cfg.Logger).With("component", "bucketapi"),
	}
}

// CanonicalConfig returns the string form of the editable connection fields.
// Two clients built from configs with equal canonical forms are
// interchangeable; the populator uses this to decide whether a refresh must
// rebuild the client.
func CanonicalConfig(cfg Config) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%t",
		cfg.AccessKey, cfg.SecretKey, cfg.Host, cfg.Port, cfg.UseTLS)
}

func (c *Client) do(ctx context.Context, httpc *http.Client, path string, query url.Values) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("bucketapi: build request %s: %w", path, err)
	}
	if c.accessKey != "" {
		req.SetBasicAuth(c.accessKey, c.secretKey)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bucketapi: %s: %w", path, err)
	}
	return resp, nil
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// LookupRaftID resolves which raft partition carries the given bucket.
func (c *Client) LookupRaftID(ctx context.Context, bucket string) (int, error) {
	q := url.Values{"raftId": {bucket}}
	resp, err := c.do(ctx, c.httpc, "/", q)
	if err != nil {
		return 0, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, fmt.Errorf("lookup raft id for %q: %w", bucket, ErrBucketNotFound)
	default:
		return 0, fmt.Errorf("bucketapi: lookup raft id for %q: status %d", bucket, resp.StatusCode)
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return 0, fmt.Errorf("bucketapi: decode raft id for %q: %w", bucket, err)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("lookup raft id for %q: empty response: %w", bucket, ErrBucketNotFound)
	}
	return ids[0], nil
}

// ObjectEntry is one listed object.
type ObjectEntry struct {
	Key       string `json:"key"`
	VersionID string `json:"versionId,omitempty"`
}

// ListResult is one page of a bucket listing.
type ListResult struct {
	Contents            []ObjectEntry `json:"Contents"`
	IsTruncated         bool          `json:"IsTruncated"`
	NextKeyMarker       string        `json:"NextKeyMarker,omitempty"`
	NextVersionIDMarker string        `json:"NextVersionIdMarker,omitempty"`
}

// ListObjects returns one page of the bucket's current object keys, starting
// after the given continuation markers (empty markers start at the
// beginning).
func (c *Client) ListObjects(ctx context.Context, bucket, keyMarker, versionMarker string) (ListResult, error) {
	q := url.Values{"list-type": {"2"}}
	if keyMarker != "" {
		q.Set("marker", keyMarker)
	}
	if versionMarker != "" {
		q.Set("versionIdMarker", versionMarker)
	}

	resp, err := c.do(ctx, c.httpc, "/"+bucket, q)
	if err != nil {
		return ListResult{}, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ListResult{}, fmt.Errorf("list %q: %w", bucket, ErrBucketNotFound)
	default:
		return ListResult{}, fmt.Errorf("bucketapi: list %q: status %d", bucket, resp.StatusCode)
	}

	var res ListResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return ListResult{}, fmt.Errorf("bucketapi: decode listing of %q: %w", bucket, err)
	}
	return res, nil
}

// GetObjectMetadata fetches the serialized metadata of one object.
func (c *Client) GetObjectMetadata(ctx context.Context, bucket, key string) (json.RawMessage, error) {
	q := url.Values{"metadata": {"true"}}
	resp, err := c.do(ctx, c.httpc, "/"+bucket+"/"+url.PathEscape(key), q)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("metadata %s/%s: %w", bucket, key, ErrObjectNotFound)
	default:
		return nil, fmt.Errorf("bucketapi: metadata %s/%s: status %d", bucket, key, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bucketapi: read metadata %s/%s: %w", bucket, key, err)
	}
	return json.RawMessage(data), nil
}

// ReadRaftLog opens a streaming read of one partition's record log covering
// sequence numbers [begin, end]. The body is handed to the caller unread; it
// has no client-side timeout because logs may be arbitrarily large, so
// cancellation happens through ctx between records.
//
// HTTP 404 maps to ErrNoSuchRaftSession and 416 to ErrLogRangeNotSatisfiable;
// both mean "nothing to read", not failure.
func (c *Client) ReadRaftLog(ctx context.Context, raftID int, begin, end uint64, targetLeader bool) (io.ReadCloser, error) {
	q := url.Values{
		"logId":        {strconv.Itoa(raftID)},
		"begin":        {strconv.FormatUint(begin, 10)},
		"end":          {strconv.FormatUint(end, 10)},
		"targetLeader": {strconv.FormatBool(targetLeader)},
	}

	resp, err := c.do(ctx, c.streamc, "/_/raftLog", q)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		drainClose(resp.Body)
		return nil, fmt.Errorf("read log %d: %w", raftID, ErrNoSuchRaftSession)
	case http.StatusRequestedRangeNotSatisfiable:
		drainClose(resp.Body)
		return nil, fmt.Errorf("read log %d [%d,%d]: %w", raftID, begin, end, ErrLogRangeNotSatisfiable)
	default:
		status := resp.StatusCode
		drainClose(resp.Body)
		return nil, fmt.Errorf("bucketapi: read log %d [%d,%d]: status %d", raftID, begin, end, status)
	}
}
