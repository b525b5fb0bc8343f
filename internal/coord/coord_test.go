package coord_test

import (
	"context"
	"testing"

	"bucketstream/internal/coord"
	"bucketstream/internal/coord/memory"
)

func TestJoin(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"a", "b"}, "/a/b"},
		{[]string{"/root", "bucket/init"}, "/root/bucket/init"},
		{[]string{"", "/a//b/"}, "/a/b"},
		{[]string{}, "/"},
		{[]string{"/"}, "/"},
	}
	for _, tc := range cases {
		if got := coord.Join(tc.parts...); got != tc.want {
			t.Errorf("Join(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestSetOrCreateCreatesAncestors(t *testing.T) {
	ctx := context.Background()
	c := memory.New()

	if err := coord.SetOrCreate(ctx, c, "/root/bucket/init", []byte("x")); err != nil {
		t.Fatalf("SetOrCreate: %v", err)
	}

	data, _, err := c.Get(ctx, "/root/bucket/init")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "x" {
		t.Errorf("data = %q, want x", data)
	}

	// Overwrite without error.
	if err := coord.SetOrCreate(ctx, c, "/root/bucket/init", []byte("y")); err != nil {
		t.Fatalf("SetOrCreate overwrite: %v", err)
	}
	data, _, _ = c.Get(ctx, "/root/bucket/init")
	if string(data) != "y" {
		t.Errorf("data = %q, want y", data)
	}
}
