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
	"time"

	"swimalign/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// NewTraditional returns a logger writing `[LEVEL] msg [k=v ...]` lines to w.
func NewTraditional(w io.Writer, level string) *slog.Logger {
	return slog.New(&TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  parseLevel(level),
	})
}

// Setup configures global logging with optional daily file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	// Always include stderr so stdout stays clean for command output
	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("swimalign-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "swimalign-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var slogLogger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		slogLogger = slog.New(slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}))
	} else {
		slogLogger = NewTraditional(io.MultiWriter(writers...), cfg.Logging.Level)
	}
	slog.SetDefault(slogLogger)

	slogLogger.Debug("swimalign logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
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

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value.Resolve())
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
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

// LogRunStart logs the beginning of a batch run
func LogRunStart(logger *slog.Logger, runType, runID, project, level string, sections int) {
	logger.Info("run started",
		"type", runType,
		"id", runID,
		"project", project,
		"level", level,
		"sections", sections,
	)
}

// LogRunComplete logs batch completion
func LogRunComplete(logger *slog.Logger, runType, runID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("run completed",
		"type", runType,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogRunError logs batch failures
func LogRunError(logger *slog.Logger, runType, runID string, duration time.Duration, err error) {
	logger.Error("run failed",
		"type", runType,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogSectionStart logs dispatch of one section to a worker
func LogSectionStart(logger *slog.Logger, runID string, index int, method string, worker int) {
	logger.Debug("section dispatched",
		"run_id", runID,
		"section", index,
		"method", method,
		"worker", worker,
	)
}

// LogSectionError logs a section whose result could not be recorded
func LogSectionError(logger *slog.Logger, runID string, index int, err error) {
	logger.Error("section failed",
		"run_id", runID,
		"section", index,
		"error", err.Error(),
	)
}

// LogSectionComplete logs one section result
func LogSectionComplete(logger *slog.Logger, runID string, index int, complete, cached bool, snrMean float64, duration time.Duration) {
	lvl := slog.LevelInfo
	if !complete {
		lvl = slog.LevelWarn
	}
	logger.Log(context.Background(), lvl, "section aligned",
		"run_id", runID,
		"section", index,
		"complete", complete,
		"cached", cached,
		"snr_mean", fmt.Sprintf("%.3f", snrMean),
		"duration_ms", duration.Milliseconds(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Warn("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
