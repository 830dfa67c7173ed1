package internal

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger that is handed to every component, so that
// library code never reaches for a global logger. format is "console" for
// human-readable output or "json" for one object per line.
func NewLogger(out io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level %q: %w\nUse one of debug, info, warn, error", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q\nUse console or json", format)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
