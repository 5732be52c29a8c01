package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// VolumeLogHandler wraps an slog.Handler and additionally appends records
// carrying a "volume_id" attribute to that volume's history file, so an
// operator can read one volume's lifecycle without grepping the daemon log.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type VolumeLogHandler struct {
	slog.Handler
	logPathFunc func(volumeID string) string
	preAttrs    []slog.Attr
}

// NewVolumeLogHandler creates a handler writing per-volume history files.
// logPathFunc returns the file for a volume ID, or "" to skip it.
func NewVolumeLogHandler(wrapped slog.Handler, logPathFunc func(volumeID string) string) *VolumeLogHandler {
	return &VolumeLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
	}
}

// Handle passes the record on and copies it to the volume's history file.
func (h *VolumeLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var volumeID string
	for _, a := range h.preAttrs {
		if a.Key == "volume_id" {
			volumeID = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "volume_id" {
			volumeID = a.Value.String()
			return false
		}
		return true
	})

	if volumeID != "" {
		h.writeToVolumeLog(volumeID, r)
	}
	return nil
}

// writeToVolumeLog opens, appends and closes on every record so no file
// handles outlive the call.
func (h *VolumeLogHandler) writeToVolumeLog(volumeID string, r slog.Record) {
	logPath := h.logPathFunc(volumeID)
	if logPath == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, a := range h.preAttrs {
		if a.Key != "volume_id" {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "volume_id" {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
		return true
	})
	b.WriteByte('\n')

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		// Package-level slog has no volume_id, so this cannot recurse.
		slog.Warn("failed to create volume log directory", "path", dir, "error", err)
		return
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open volume log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		slog.Warn("failed to write volume log file", "path", logPath, "error", err)
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *VolumeLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs tracks attrs locally so "volume_id" bound via With() is found.
func (h *VolumeLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)

	return &VolumeLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		preAttrs:    pre,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *VolumeLogHandler) WithGroup(name string) slog.Handler {
	return &VolumeLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		preAttrs:    h.preAttrs,
	}
}
