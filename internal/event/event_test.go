package event

import (
	"encoding/json"
	"testing"
)

func TestNewObjectPut(t *testing.T) {
	ev := NewObjectPut("bucket1", "object1", "zenkobucket", []byte(`{"size":42}`))

	if ev.Type != Put {
		t.Errorf("type = %q, want put", ev.Type)
	}
	if ev.Bucket != "zenkobucket-bucket1" {
		t.Errorf("bucket = %q, want zenkobucket-bucket1", ev.Bucket)
	}
	if ev.Key != "object1" {
		t.Errorf("key = %q, want object1", ev.Key)
	}
	if ev.Value != `{"size":42}` {
		t.Errorf("value = %q", ev.Value)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNewBucketListingPut(t *testing.T) {
	ev := NewBucketListingPut("b1", "owner42", "2026-01-01T00:00:00Z", "zenko")

	if ev.Bucket != UsersBucket {
		t.Errorf("bucket = %q, want %q", ev.Bucket, UsersBucket)
	}
	if ev.Key != "owner42..|..zenko-b1" {
		t.Errorf("key = %q", ev.Key)
	}
	if ev.Value != "2026-01-01T00:00:00Z" {
		t.Errorf("value = %q", ev.Value)
	}
}

func TestNewBucketMetadataPut(t *testing.T) {
	ev := NewBucketMetadataPut("b1", "zenko", []byte(`{"acl":{}}`))

	if ev.Bucket != "zenko-b1" || ev.Key != "zenko-b1" {
		t.Errorf("bucket/key = %q/%q, want zenko-b1 for both", ev.Bucket, ev.Key)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"put", Event{Type: Put, Bucket: "b", Key: "k"}, false},
		{"del without value", Event{Type: Del, Bucket: "b", Key: "k"}, false},
		{"empty bucket", Event{Type: Put, Key: "k"}, true},
		{"bad type", Event{Type: "merge", Bucket: "b", Key: "k"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestEncodeOmitsEmptyValue(t *testing.T) {
	ev := Event{Type: Del, Bucket: "b", Key: "k"}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, present := decoded["value"]; present {
		t.Error("delete event should omit value")
	}
	if decoded["type"] != "del" {
		t.Errorf("type = %v", decoded["type"])
	}
}

func TestVersionedKeys(t *testing.T) {
	plain := "object1"
	versioned := "object1" + VIDSep + "98765"

	if IsVersionedKey(plain) {
		t.Error("plain key reported as versioned")
	}
	if !IsVersionedKey(versioned) {
		t.Error("versioned key not detected")
	}
}

func TestSplitUsersBucketKey(t *testing.T) {
	owner, bucket, ok := SplitUsersBucketKey("owner42..|..zenko-b1")
	if !ok || owner != "owner42" || bucket != "zenko-b1" {
		t.Errorf("got (%q, %q, %v)", owner, bucket, ok)
	}

	if _, _, ok := SplitUsersBucketKey("no-separator"); ok {
		t.Error("expected ok=false for key without separator")
	}
}
