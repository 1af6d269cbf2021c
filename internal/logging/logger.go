package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coldbell/dex/drift-sdk/internal/config"
)

// New builds the service logger. The returned func flushes and closes the log
// file when file output is enabled.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", "text":
		handler = slog.NewTextHandler(writer, handlerOptions)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOptions)
	default:
		_ = closeWriter()
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	switch output := strings.ToLower(strings.TrimSpace(cfg.Output)); output {
	case "", "console":
		return os.Stdout, func() error { return nil }, nil
	case "file":
		file, err := rotatingFile(serviceName, cfg)
		if err != nil {
			return nil, nil, err
		}
		return file, file.Close, nil
	case "both":
		file, err := rotatingFile(serviceName, cfg)
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

func rotatingFile(serviceName string, cfg config.LogConfig) (*lumberjack.Logger, error) {
	logPath := strings.TrimSpace(cfg.FilePath)
	if logPath == "" {
		logPath = filepath.Join("logs", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
