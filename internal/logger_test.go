package internal_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ryanmoran/gitgate/internal"
)

func TestNewLogger(t *testing.T) {
	t.Run("json format writes one object per line", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := internal.NewLogger(&buf, "info", "json")
		require.NoError(t, err)

		logger.Info().Str("repo", "demo").Msg("hello")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		require.Equal(t, "hello", line["message"])
		require.Equal(t, "demo", line["repo"])
		require.Equal(t, "info", line["level"])
		require.Contains(t, line, "time")
	})

	t.Run("console format is human readable", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := internal.NewLogger(&buf, "debug", "console")
		require.NoError(t, err)

		logger.Debug().Msg("visible")
		require.Contains(t, buf.String(), "visible")
		require.Equal(t, zerolog.DebugLevel, logger.GetLevel())
	})

	t.Run("filters below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := internal.NewLogger(&buf, "WARN", "json")
		require.NoError(t, err)

		logger.Info().Msg("hidden")
		require.Empty(t, buf.String())
	})

	t.Run("rejects unknown levels", func(t *testing.T) {
		_, err := internal.NewLogger(&bytes.Buffer{}, "chatty", "json")
		require.ErrorContains(t, err, "failed to parse log level")
	})

	t.Run("rejects unknown formats", func(t *testing.T) {
		_, err := internal.NewLogger(&bytes.Buffer{}, "info", "xml")
		require.ErrorContains(t, err, "unknown log format")
	})
}
