package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled at any level")
	}
	// Must not panic.
	logger.Info("hello")
	logger.Error("boom")
}

func TestDefault(t *testing.T) {
	if logger := Default(nil); logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Default(nil) should discard")
	}

	var buf bytes.Buffer
	real := slog.New(slog.NewTextHandler(&buf, nil))
	if got := Default(real); got != real {
		t.Error("Default should pass a non-nil logger through unchanged")
	}
}
