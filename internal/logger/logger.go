package logger

import (
	"io"
	"log/slog"
	"os"
)

// Init installs the process-wide slog handler. Level is one of
// debug/info/warn/error; logFile, when set, receives a copy of everything
// written to stdout. Packages attach their own component loggers via
// slog.Default().
func Init(level string, logFile string) error {
	out := io.Writer(os.Stdout)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Info logs through the default handler.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs through the default handler.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}
