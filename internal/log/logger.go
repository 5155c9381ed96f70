package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Options controls the global logger. Zero values mean INFO, JSON, stdout.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// Setup initializes the global logger writing JSON to stdout. Unknown
// levels mean INFO.
func Setup(level string) {
	Configure(Options{Level: level})
}

// Configure initializes the global logger once. Worker processes pass
// os.Stderr as Output because their stdout carries the event channel.
func Configure(opts Options) {
	once.Do(func() {
		logger = New(opts)
		slog.SetDefault(logger)
	})
}

// New builds a logger without touching the global one.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, hopts)
	} else {
		handler = slog.NewJSONHandler(out, hopts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, falling back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger, configuring defaults on first use.
func Get() *slog.Logger {
	Configure(Options{})
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithInstance returns a logger scoped to one supervised worker.
func WithInstance(platform, id string) *slog.Logger {
	return Get().With(slog.String("platform", platform), slog.String("instance", id))
}

// WithJob returns a logger with the job title field set.
func WithJob(title string) *slog.Logger {
	return Get().With(slog.String("job", title))
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
