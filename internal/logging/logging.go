// Package logging builds the process logger: a charmbracelet/log sink exposed
// through log/slog, gated by a slog.LevelVar and decorated by logctx.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	charm "github.com/charmbracelet/log"

	"github.com/mcp-examples/calculator-go/internal/logctx"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is one of text, json, logfmt. Empty means text.
	Format string
	// Prefix is printed before every line by the text formatter.
	Prefix string
}

// New returns a slog.Logger writing to w and the LevelVar controlling it. The
// LevelVar can be handed to mcpservice.NewSlogLevelVarLogging so that
// logging/setLevel requests adjust verbosity at runtime.
func New(w io.Writer, opts Options) (*slog.Logger, *slog.LevelVar, error) {
	lv := new(slog.LevelVar)
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	lv.Set(level)

	formatter, err := parseFormatter(opts.Format)
	if err != nil {
		return nil, nil, err
	}

	sink := charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		Level:           charm.DebugLevel,
		Formatter:       formatter,
		Prefix:          opts.Prefix,
	})

	h := logctx.Handler{Handler: &levelHandler{lv: lv, next: sink}}
	return slog.New(h), lv, nil
}

// ParseLevel maps a textual level to its slog equivalent.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		s = "warn"
	}
	lvl, err := charm.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return slog.Level(lvl), nil
}

func parseFormatter(s string) (charm.Formatter, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return charm.TextFormatter, nil
	case "json":
		return charm.JSONFormatter, nil
	case "logfmt":
		return charm.LogfmtFormatter, nil
	default:
		return 0, fmt.Errorf("invalid log format %q", s)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type levelHandler struct {
	lv   *slog.LevelVar
	next slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.lv.Level() && h.next.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{lv: h.lv, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{lv: h.lv, next: h.next.WithGroup(name)}
}
