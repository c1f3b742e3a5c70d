package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation describes the optional rotating file sink. A zero value
// logs to stdout only.
type Rotation struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup configures the default slog logger to emit structured JSON to
// stdout and returns it. All log lines carry the service name and, when
// provided, the environment.
func Setup(service, env string) *slog.Logger {
	return SetupRotating(service, env, Rotation{})
}

// SetupRotating is Setup with log lines mirrored to a size rotated file.
func SetupRotating(service, env string, rotate Rotation) *slog.Logger {
	var sink io.Writer = os.Stdout
	if strings.TrimSpace(rotate.File) != "" {
		sink = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   rotate.File,
			MaxSize:    max(rotate.MaxSizeMB, 1),
			MaxBackups: rotate.MaxBackups,
			MaxAge:     rotate.MaxAgeDays,
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so dependencies keep working.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
