// Package logging configures the daemon's structured logging and keeps the
// ARP inspection event log (deny/permit records with syslog forwarding).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects log level, format and outputs.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	File       string // optional rotated log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Syslog     string // optional "host:port" for forwarding warnings and errors
}

// Setup installs the default slog logger. The returned close function
// flushes the file writer and closes syslog clients.
func Setup(opts Options) (func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}

	hopts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		base = slog.NewTextHandler(out, hopts)
	case "json":
		base = slog.NewJSONHandler(out, hopts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", opts.Format)
	}

	handler := NewSyslogSlogHandler(base)
	if opts.Syslog != "" {
		c, err := NewSyslogClient(opts.Syslog, SevWarning)
		if err != nil {
			return nil, err
		}
		handler.SetClients([]*SyslogClient{c})
	}
	slog.SetDefault(slog.New(handler))

	return func() error {
		handler.Close()
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}, nil
}

// ParseLevel converts a level name to an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", s)
	}
}

// SyslogSlogHandler forwards log records to syslog clients in addition to
// a wrapped base handler.
type SyslogSlogHandler struct {
	base   slog.Handler
	shared *syslogTargets
	attrs  []slog.Attr
	groups []string
}

type syslogTargets struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// NewSyslogSlogHandler wraps a base slog.Handler with syslog forwarding.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, shared: &syslogTargets{}}
}

// SetClients replaces the set of syslog clients. Old clients are closed.
// Handlers derived with WithAttrs/WithGroup see the new set too.
func (h *SyslogSlogHandler) SetClients(clients []*SyslogClient) {
	h.shared.mu.Lock()
	old := h.shared.clients
	h.shared.clients = clients
	h.shared.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

// Close closes all syslog clients.
func (h *SyslogSlogHandler) Close() {
	h.SetClients(nil)
}

// Enabled implements slog.Handler.
func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.shared.mu.RLock()
	clients := h.shared.clients
	h.shared.mu.RUnlock()

	if len(clients) > 0 {
		sev := levelSeverity(r.Level)
		msg := formatRecord(r, h.attrs, h.groups)
		for _, c := range clients {
			c.SendLog(sev, msg)
		}
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		shared: h.shared,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		shared: h.shared,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func levelSeverity(level slog.Level) Severity {
	switch {
	case level >= slog.LevelError:
		return SevError
	case level >= slog.LevelWarn:
		return SevWarning
	default:
		return SevInfo
	}
}

func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})
	return b.String()
}
