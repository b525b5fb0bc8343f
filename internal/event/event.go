// Package event defines the canonical event record published on the message
// bus, along with the naming conventions tying source buckets to their
// logical targets.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type enumerates the canonical event kinds.
type Type string

const (
	// Put records a created or mutated entry.
	Put Type = "put"
	// Del records a deleted entry. Delete events carry no value.
	Del Type = "del"
)

const (
	// VIDSep separates an object key from its version id in composite keys.
	VIDSep = "\x00"

	// UsersBucket is the source container whose records describe bucket
	// ownership rather than object content.
	UsersBucket = "users..bucket"

	// Metastore is the source container holding bucket metadata records.
	Metastore = "metastore"

	// usersBucketSep joins owner id and bucket name in UsersBucket keys.
	usersBucketSep = "..|.."
)

// Event is a single canonical record on the bus.
type Event struct {
	Type   Type   `json:"type"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
}

// TargetBucket returns the logical bucket name a source bucket maps to on the
// bus. Prefixing with the configured target name keeps tenants that share one
// catalog out of each other's namespace.
func TargetBucket(targetName, bucket string) string {
	return targetName + "-" + bucket
}

// UsersBucketKey builds a UsersBucket key from an owner id and a target
// bucket name.
func UsersBucketKey(ownerID, targetBucket string) string {
	return ownerID + usersBucketSep + targetBucket
}

// SplitUsersBucketKey splits a UsersBucket key into owner id and bucket name.
// Returns false if the key does not contain the separator.
func SplitUsersBucketKey(key string) (ownerID, bucket string, ok bool) {
	ownerID, bucket, ok = strings.Cut(key, usersBucketSep)
	return ownerID, bucket, ok
}

// IsVersionedKey reports whether key carries a version id suffix.
func IsVersionedKey(key string) bool {
	return strings.Contains(key, VIDSep)
}

// NewObjectPut builds the synthetic put event for an object discovered during
// a snapshot or read from the tail log. metadata is the serialized object
// metadata as returned by the source.
func NewObjectPut(sourceBucket, key, targetName string, metadata []byte) Event {
	return Event{
		Type:   Put,
		Bucket: TargetBucket(targetName, sourceBucket),
		Key:    key,
		Value:  string(metadata),
	}
}

// NewBucketListingPut builds the UsersBucket lifecycle event announcing that
// a bucket exists for an owner.
func NewBucketListingPut(bucket, ownerID, creationDate, targetName string) Event {
	return Event{
		Type:   Put,
		Bucket: UsersBucket,
		Key:    UsersBucketKey(ownerID, TargetBucket(targetName, bucket)),
		Value:  creationDate,
	}
}

// NewBucketMetadataPut builds the bucket-metadata event carrying the
// serialized bucket metadata under the target bucket's own name.
func NewBucketMetadataPut(bucket, targetName string, metadata []byte) Event {
	tb := TargetBucket(targetName, bucket)
	return Event{
		Type:   Put,
		Bucket: tb,
		Key:    tb,
		Value:  string(metadata),
	}
}

// Validate checks the event invariants: a non-empty bucket and an enumerated
// type.
func (e Event) Validate() error {
	if e.Bucket == "" {
		return fmt.Errorf("event %q: empty bucket", e.Key)
	}
	switch e.Type {
	case Put, Del:
		return nil
	default:
		return fmt.Errorf("event %q: invalid type %q", e.Key, e.Type)
	}
}

// Encode serializes the event for the bus.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
