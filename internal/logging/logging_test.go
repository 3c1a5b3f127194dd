package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLevelForVerbosity(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, LevelForVerbosity(0))
	assert.Equal(t, zerolog.InfoLevel, LevelForVerbosity(1))
	assert.Equal(t, zerolog.DebugLevel, LevelForVerbosity(2))
	assert.Equal(t, zerolog.TraceLevel, LevelForVerbosity(3))
	assert.Equal(t, zerolog.TraceLevel, LevelForVerbosity(7))
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel(" Debug ")
	assert.True(t, ok)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, ok = ParseLevel("")
	assert.False(t, ok)

	_, ok = ParseLevel("loud")
	assert.False(t, ok)
}

func TestInitWithWriter(t *testing.T) {
	t.Run("verbosity", func(t *testing.T) {
		t.Setenv(EnvLogLevel, "")
		buf := &bytes.Buffer{}
		logger := InitWithWriter(buf, "wardend", 1)

		logger.Debug().Msg("hidden")
		logger.Info().Str("workload", "validator").Msg("visible")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
		assert.Contains(t, buf.String(), "wardend")
		assert.Contains(t, buf.String(), "validator")
	})

	t.Run("env override", func(t *testing.T) {
		t.Setenv(EnvLogLevel, "error")
		buf := &bytes.Buffer{}
		logger := InitWithWriter(buf, "wardend", 3)

		logger.Warn().Msg("hidden")
		assert.Empty(t, buf.String())
	})
}
