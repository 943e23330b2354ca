// Package logging provides package-level loggers that follow slog.SetDefault.
//
// A logger built from slog.Default() at package init keeps the handler that was default
// at that moment, so a later SetDefault (the CLI's --verbose, log.format) would never
// reach it. Loggers from Component resolve the default handler on every record instead.
package logging

import (
	"context"
	"io"
	"log/slog"
)

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return slog.New(&handler{}).With("component", name)
}

// Setup installs a text or json handler at level as the process default.
func Setup(w io.Writer, level slog.Level, format string) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// handler replays its With* calls on top of the current default handler.
type handler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *handler) current() slog.Handler {
	out := slog.Default().Handler()
	for _, op := range h.ops {
		out = op(out)
	}
	return out
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *handler) with(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &handler{ops: append(ops, op)}
}
