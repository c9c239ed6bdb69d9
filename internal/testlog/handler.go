// Package testlog provides a slog.Handler for tests that renders records
// without timestamps, so log output can be compared exactly.
package testlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/clinicsync/clinicsync/pkg/logger"
)

// Handler numbers every record from 0 and keeps the rendered lines:
//
//	[0] WARN: outbox drain halted sequence=3, table=patients
type Handler struct {
	state  *state
	attrs  []slog.Attr
	groups []string

	ignoreDebug bool
}

// state is shared by a handler and every handler derived from it.
type state struct {
	mu    sync.Mutex
	index int
	lines []string
	out   io.Writer
}

type Option func(*Handler)

// WithOutput also writes every line to w, e.g. os.Stdout in examples.
func WithOutput(w io.Writer) Option {
	return func(h *Handler) {
		h.state.out = w
	}
}

func WithIgnoreDebug() Option {
	return func(h *Handler) {
		h.ignoreDebug = true
	}
}

func New(opts ...Option) *Handler {
	h := &Handler{state: &state{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Logger wraps a new Handler in a logger.Logger.
func Logger(opts ...Option) (logger.Logger, *Handler) {
	h := New(opts...)
	return logger.New(h), h
}

// Lines returns every line rendered so far.
func (h *Handler) Lines() []string {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return append([]string(nil), h.state.lines...)
}

// Contains reports whether some line at level has message msg.
func (h *Handler) Contains(level slog.Level, msg string) bool {
	want := fmt.Sprintf("] %s: %s", level, msg)
	for _, l := range h.Lines() {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}

//nolint:gocritic
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	attrs := h.attrsToString(&r)

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	line := fmt.Sprintf("[%d] %s: %s", h.state.index, r.Level, r.Message)
	if attrs != "" {
		line += " " + attrs
	}
	h.state.index++
	h.state.lines = append(h.state.lines, line)
	if h.state.out != nil {
		_, _ = fmt.Fprintln(h.state.out, line)
	}
	return nil
}

func (h *Handler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *Handler) attrsToString(r *slog.Record) string {
	var parts []string
	for _, a := range h.attrs {
		parts = append(parts, formatAttr(a, ""))
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, formatAttr(a, prefix))
		return true
	})
	return strings.Join(parts, ", ")
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		var parts []string
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, prefix+a.Key+"."))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *Handler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix()
	next := *h
	next.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		a.Key = prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &next
}
