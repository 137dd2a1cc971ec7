package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// TestLogHandler is a slog.Handler that prints message index (starting from 0),
// level, and message content, without the timestamp.
// This allows test log output to be deterministic.
//
// Handlers derived with WithAttrs and WithGroup share the index and the
// output, so records from concurrent goroutines never interleave.
type TestLogHandler struct {
	out                 *output
	attrs               []slog.Attr
	groups              []string
	ignoreErrorPrefixes []string
	ignoreDebug         bool
}

type output struct {
	mu    sync.Mutex
	w     io.Writer
	index int
}

// TestLogHandlerOption is a function that configures a TestLogHandler
type TestLogHandlerOption func(*TestLogHandler)

func NewTestLogHandler(opts ...TestLogHandlerOption) *TestLogHandler {
	h := &TestLogHandler{out: &output{w: os.Stdout}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithWriter sends output to w instead of stdout.
func WithWriter(w io.Writer) TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.out.w = w
	}
}

// WithIgnoreErrorPrefixes sets prefixes for error messages that should be ignored
func WithIgnoreErrorPrefixes(prefixes ...string) TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.ignoreErrorPrefixes = append(h.ignoreErrorPrefixes, prefixes...)
	}
}

// WithIgnoreDebug configures the handler to ignore DEBUG level messages
func WithIgnoreDebug() TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.ignoreDebug = true
	}
}

//nolint:gocritic
func (h *TestLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	if r.Level == slog.LevelError {
		for _, prefix := range h.ignoreErrorPrefixes {
			if strings.HasPrefix(r.Message, prefix) {
				return nil
			}
		}
	}

	attrs := h.attrsToString(&r)

	h.out.mu.Lock()
	defer h.out.mu.Unlock()

	var err error
	if attrs != "" {
		_, err = fmt.Fprintf(h.out.w, "[%d] %s: %s %s\n", h.out.index, r.Level, r.Message, attrs)
	} else {
		_, err = fmt.Fprintf(h.out.w, "[%d] %s: %s\n", h.out.index, r.Level, r.Message)
	}
	h.out.index++
	return err
}

func (h *TestLogHandler) attrsToString(r *slog.Record) string {
	var sb strings.Builder

	for i, attr := range h.attrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(attr, ""))
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(a, prefix))
		return true
	})
	return sb.String()
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		parts := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *TestLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return !(level == slog.LevelDebug && h.ignoreDebug)
}

func (h *TestLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	newAttrs := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if prefix != "" {
			attr = slog.Attr{Key: prefix + attr.Key, Value: attr.Value}
		}
		newAttrs = append(newAttrs, attr)
	}

	c := h.clone()
	c.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], newAttrs...)
	return c
}

func (h *TestLogHandler) WithGroup(name string) slog.Handler {
	// If the name is empty, return the receiver as per slog documentation
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return c
}

func (h *TestLogHandler) clone() *TestLogHandler {
	return &TestLogHandler{
		out:                 h.out,
		attrs:               h.attrs,
		groups:              h.groups,
		ignoreErrorPrefixes: h.ignoreErrorPrefixes,
		ignoreDebug:         h.ignoreDebug,
	}
}
