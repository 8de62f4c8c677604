package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"INFO":  zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestInit_JSONFormatAndLevel(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	require.NoError(t, initTo(&buf, Config{Level: "warn", Format: "json"}))

	log.Info().Msg("hidden")
	log.Warn().Str("thread_id", "t1").Msg("shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "shown", rec["message"])
	require.Equal(t, "t1", rec["thread_id"])
	require.Equal(t, "warn", rec["level"])
}

func TestInit_FileSink(t *testing.T) {
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "copilot.log")
	var buf bytes.Buffer
	require.NoError(t, initTo(&buf, Config{Level: "debug", Format: "text", File: path}))

	log.Debug().Msg("turn transition")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "turn transition")
	require.Contains(t, buf.String(), "turn transition")
}

func TestInit_RejectsUnknownValues(t *testing.T) {
	restoreGlobals(t)
	require.Error(t, initTo(&bytes.Buffer{}, Config{Format: "xml"}))
	require.Error(t, initTo(&bytes.Buffer{}, Config{Level: "loud"}))
}
