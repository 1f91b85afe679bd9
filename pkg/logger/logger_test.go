package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagekv.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	log.Debug("opened store")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "opened store", entry["msg"])
	require.Equal(t, "pagekv", entry["service"])
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagekv.log")
	log, err := New(Config{Level: "WARN", OutputFile: path})
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), "kept")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)

	_, err = New(Config{Format: "xml"})
	require.Error(t, err)

	_, err = New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}

func TestSamplingIsOptIn(t *testing.T) {
	zc, err := Config{}.zapConfig()
	require.NoError(t, err)
	require.Nil(t, zc.Sampling)
	require.Equal(t, []string{"stdout"}, zc.OutputPaths)

	zc, err = Config{Sampling: true, Format: "Console"}.zapConfig()
	require.NoError(t, err)
	require.NotNil(t, zc.Sampling)
	require.Equal(t, "console", zc.Encoding)
}
