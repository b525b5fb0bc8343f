// Package logging provides structured logging helpers.
//
// Loggers are dependency-injected, never global: each component receives an
// optional *slog.Logger at construction, scopes it once with its own
// attributes, and logs against that. Output format and level are configured
// only in main(). Components that receive no logger log nowhere.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. It is the
// standard guard for optional logger parameters:
//
//	logger = logging.Default(cfg.Logger).With("component", "reader")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
