// Package logging builds the process-wide *slog.Logger backed by zerolog,
// the pairing the reference corpus uses for its own SIP proxy example.
package logging

import (
	"log/slog"
	"os"

	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	"github.com/sipcore/proxy/internal/config"
)

// New builds a *slog.Logger whose records are rendered through zerolog.
// level controls the minimum emitted level per the Configuration Contract.
func New(level config.LogLevel) *slog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerologLevel(level))

	handler := slogzerolog.Option{
		Level:     slogLevel(level),
		Logger:    &zl,
	}.NewZerologHandler()

	return slog.New(handler)
}

func zerologLevel(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LogDebug:
		return zerolog.DebugLevel
	case config.LogWarning:
		return zerolog.WarnLevel
	case config.LogError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarning:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
