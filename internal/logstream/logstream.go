// Package logstream parses a raft-log response incrementally.
//
// The response has the shape
//
//	{ "info": {"start": n, "cseq": n, "prune": n}, "log": [record, ...] }
//
// and may be arbitrarily large, so the log array is never buffered: the
// stream surfaces the info header as soon as it is parsed and then yields
// records one at a time off the wire.
package logstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"bucketstream/internal/event"
)

// Info is the log read header. Start is nil when the read produced no
// records (the source answered 404 or 416); CSeq is the log's current head.
type Info struct {
	Start *uint64 `json:"start"`
	CSeq  uint64  `json:"cseq"`
	Prune uint64  `json:"prune"`
}

// Entry is one mutation inside a record. An absent type means put.
type Entry struct {
	Type  string          `json:"type,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// EventType returns the canonical event type for the entry, defaulting to
// put when the source omitted the field.
func (e Entry) EventType() event.Type {
	if e.Type == "" {
		return event.Put
	}
	return event.Type(e.Type)
}

// ValueString renders the entry value for the canonical event: JSON strings
// are unquoted, everything else passes through verbatim.
func (e Entry) ValueString() string {
	if len(e.Value) == 0 {
		return ""
	}
	if e.Value[0] == '"' {
		var s string
		if err := json.Unmarshal(e.Value, &s); err == nil {
			return s
		}
	}
	return string(e.Value)
}

// Record is one batch of entries against a single source container.
// An absent DB marks a legacy put-style record.
type Record struct {
	DB      string  `json:"db,omitempty"`
	Entries []Entry `json:"entries"`
}

// Stream is a lazy, forward-only sequence of records. It lives for exactly
// one batch cycle.
type Stream struct {
	rc         io.ReadCloser
	dec        *json.Decoder
	info       Info
	infoParsed bool
	done       bool
	err        error
}

// New wraps a raft-log response body.
func New(rc io.ReadCloser) *Stream {
	return &Stream{rc: rc, dec: json.NewDecoder(rc)}
}

// Empty returns a stream that reports a nil start and no records. It stands
// in for the source's 404/416 answers, which mean "nothing to read".
func Empty() *Stream {
	return &Stream{infoParsed: true, done: true}
}

func (s *Stream) fail(err error) error {
	s.err = err
	s.done = true
	return err
}

// advance consumes tokens until the info header is parsed and the decoder is
// positioned inside the log array (or the object is exhausted).
func (s *Stream) advance() error {
	tok, err := s.dec.Token()
	if err != nil {
		return s.fail(fmt.Errorf("logstream: read header: %w", err))
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return s.fail(fmt.Errorf("logstream: expected object, got %v", tok))
	}

	for {
		tok, err := s.dec.Token()
		if err != nil {
			return s.fail(fmt.Errorf("logstream: read key: %w", err))
		}
		if delim, ok := tok.(json.Delim); ok && delim == '}' {
			// No log array in the response.
			s.infoParsed = true
			s.done = true
			return nil
		}

		key, ok := tok.(string)
		if !ok {
			return s.fail(fmt.Errorf("logstream: expected key, got %v", tok))
		}
		switch key {
		case "info":
			if err := s.dec.Decode(&s.info); err != nil {
				return s.fail(fmt.Errorf("logstream: decode info: %w", err))
			}
			s.infoParsed = true
		case "log":
			if !s.infoParsed {
				return s.fail(errors.New("logstream: log array precedes info header"))
			}
			tok, err := s.dec.Token()
			if err != nil {
				return s.fail(fmt.Errorf("logstream: open log: %w", err))
			}
			if tok == nil {
				// "log": null — an empty read.
				s.done = true
				return nil
			}
			if delim, ok := tok.(json.Delim); !ok || delim != '[' {
				return s.fail(fmt.Errorf("logstream: expected log array, got %v", tok))
			}
			return nil
		default:
			var skip json.RawMessage
			if err := s.dec.Decode(&skip); err != nil {
				return s.fail(fmt.Errorf("logstream: skip %q: %w", key, err))
			}
		}
	}
}

// Header returns the info header, parsing up to it if necessary.
func (s *Stream) Header() (Info, error) {
	if s.err != nil {
		return Info{}, s.err
	}
	if !s.infoParsed && !s.done {
		if err := s.advance(); err != nil {
			return Info{}, err
		}
		if !s.infoParsed {
			return Info{}, s.fail(errors.New("logstream: response carries no info header"))
		}
	}
	return s.info, nil
}

// Next returns the next record, or io.EOF when the log is exhausted.
func (s *Stream) Next() (Record, error) {
	if s.err != nil {
		return Record{}, s.err
	}
	if !s.infoParsed && !s.done {
		if _, err := s.Header(); err != nil {
			return Record{}, err
		}
	}
	if s.done {
		return Record{}, io.EOF
	}

	if s.dec.More() {
		var rec Record
		if err := s.dec.Decode(&rec); err != nil {
			return Record{}, s.fail(fmt.Errorf("logstream: decode record: %w", err))
		}
		return rec, nil
	}

	// Close the array; the remainder of the envelope is irrelevant.
	if _, err := s.dec.Token(); err != nil {
		return Record{}, s.fail(fmt.Errorf("logstream: close log: %w", err))
	}
	s.done = true
	return Record{}, io.EOF
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	if s.rc == nil {
		return nil
	}
	return s.rc.Close()
}
