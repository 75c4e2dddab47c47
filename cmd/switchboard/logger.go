// ABOUTME: slog setup for the switchboard binary
// ABOUTME: JSON output for machines, colorized single-line output for terminals

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/switchboard-gateway/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(os.Stdout, level)
	}
	return slog.New(handler)
}

// colorHandler writes one colorized line per record. Handlers derived through
// WithAttrs and WithGroup share the writer lock.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newColorHandler(out io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	write := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		a.Key = prefix + a.Key
		write(a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(h.out, buf.String())
	return err
}

// prefix qualifies keys with the open groups.
func (h *colorHandler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// WithAttrs qualifies attrs with the groups open at the time of the call.
func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix()
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}
