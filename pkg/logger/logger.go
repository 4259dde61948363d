// Package logger configures the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup installs a text logger writing to stdout, stderr or an append-mode
// file and makes it the slog default. The returned closer releases the file.
func Setup(logLevel string, logFile string) (*slog.Logger, io.Closer, error) {
	var logWriter io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	var handlerOptions = &slog.HandlerOptions{Level: getLogLevel(logLevel)}

	switch logFile {
	case "", "stdout", "stderr":
		if logFile == "stderr" {
			logWriter = os.Stderr
		}
		// No timestamps on terminal output.
		handlerOptions.ReplaceAttr = func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		}
	default:
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- log path comes from configuration.
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logWriter = file
		closer = file
	}

	logger := slog.New(slog.NewTextHandler(logWriter, handlerOptions))
	slog.SetDefault(logger)
	return logger, closer, nil
}

func getLogLevel(logLevel string) slog.Level {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return level
}
