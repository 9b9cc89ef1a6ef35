package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToConsoleAndFile(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "pdfsqueeze.log")
	require.NoError(t, Init(Options{Level: "debug", File: file, MaxSizeMB: 1, Console: &buf}))
	defer Close()

	log.Info().Str("job_id", "j1").Msg("hello")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "hello", ev["message"])
	assert.Equal(t, "j1", ev["job_id"])

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"j1"`)
}

func TestInitFallsBackToInfoLevel(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "chatty", Console: &buf}))
	assert.Equal(t, zerolog.InfoLevel, log.Logger.GetLevel())

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
}
