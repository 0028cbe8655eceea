package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"bandalign/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(NewTraditionalHandler(w, parseLevel(level)))
}

// Setup builds the process logger: stdout plus, when enabled, a rotated log
// file. The caller decides whether to install it with slog.SetDefault.
func Setup(cfg config.Logging, verbose bool) (*slog.Logger, io.Closer, error) {
	level := cfg.Level
	if verbose {
		level = "debug"
	}

	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}
	if cfg.FileOutput {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rot := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "bandalign.log"),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		writers = append(writers, rot)
		closer = rot
	}

	logger := NewWriter(io.MultiWriter(writers...), level, cfg.Format)
	logger.Debug("logging initialized",
		"level", level,
		"format", cfg.Format,
		"file_output", cfg.FileOutput,
		"log_dir", cfg.LogDir,
	)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with traditional log formatting:
// [LEVEL] message [k=v ...]
type TraditionalHandler struct {
	mu     *sync.Mutex
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{mu: &sync.Mutex{}, logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		name = c.group + "." + name
	}
	c.group = name
	return &c
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogGroupStart logs the beginning of a band group or image pair.
func LogGroupStart(logger *slog.Logger, kind, name string, bands int, options map[string]any) {
	logger.Info("group started",
		"type", kind,
		"group", name,
		"bands", bands,
		"options", options,
	)
}

// LogGroupComplete logs a successfully written group.
func LogGroupComplete(logger *slog.Logger, kind, name, output string, duration time.Duration, methods []string) {
	logger.Info("group completed successfully",
		"type", kind,
		"group", name,
		"output", output,
		"duration_ms", duration.Milliseconds(),
		"methods", strings.Join(methods, ","),
	)
}

// LogGroupError logs a group failure.
func LogGroupError(logger *slog.Logger, kind, name string, duration time.Duration, err error) {
	logger.Error("group failed",
		"type", kind,
		"group", name,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogBandRegistered logs the transform chosen for one band.
func LogBandRegistered(logger *slog.Logger, group string, band int, method string, inlierRatio float64) {
	logger.Info("band registered",
		"group", group,
		"band", band,
		"method", method,
		"inlier_ratio", fmt.Sprintf("%.3f", inlierRatio),
	)
}

// LogAdapterStatus logs which primitives adapter and codecs are active.
func LogAdapterStatus(logger *slog.Logger, adapter string, codecs []string) {
	logger.Debug("adapters ready",
		"primitives", adapter,
		"codecs", strings.Join(codecs, ","),
	)
}
