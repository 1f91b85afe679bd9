package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Store.CreateIfMissing)
	require.False(t, cfg.Telemetry.Enabled)
}

func TestLoad(t *testing.T) {
	t.Setenv("PAGEKV_DIR", "/var/lib/pagekv")
	path := filepath.Join(t.TempDir(), "pagekv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: ${PAGEKV_DIR}/main.db
  password_env: PAGEKV_TEST_PASSWORD
  cache_size: 1024
logger:
  level: debug
  format: json
telemetry:
  enabled: true
  prometheus_port: 9464
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/pagekv/main.db", cfg.Store.Path)
	require.Equal(t, 1024, cfg.Store.CacheSize)
	require.True(t, cfg.Store.CreateIfMissing, "defaults survive partial files")
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "stderr", cfg.Logger.OutputFile)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9464, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "pagekv", cfg.Telemetry.ServiceName)

	require.Equal(t, "", cfg.Store.ResolvePassword())
	t.Setenv("PAGEKV_TEST_PASSWORD", "from-env")
	require.Equal(t, "from-env", cfg.Store.ResolvePassword())
	cfg.Store.Password = "inline"
	require.Equal(t, "inline", cfg.Store.ResolvePassword())
}

func TestOnlyPathsAreExpanded(t *testing.T) {
	t.Setenv("PAGEKV_LOGS", "/var/log/pagekv")
	t.Setenv("HOME_DB", "should-not-appear")
	cfg, err := Parse([]byte(`
store:
  path: data/$HOME_DB.db
  password: "pa$HOME_DB${HOME_DB}word"
logger:
  output_file: ${PAGEKV_LOGS}/pagekv.log
`))
	require.NoError(t, err)
	require.Equal(t, "data/should-not-appear.db", cfg.Store.Path)
	require.Equal(t, "pa$HOME_DB${HOME_DB}word", cfg.Store.Password)
	require.Equal(t, "pa$HOME_DB${HOME_DB}word", cfg.Store.ResolvePassword())
	require.Equal(t, "/var/log/pagekv/pagekv.log", cfg.Logger.OutputFile)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":    "store:\n  paht: x\n",
		"bad yaml":       "store: [\n",
		"empty path":     "store:\n  path: \"\"\n",
		"negative cache": "store:\n  cache_size: -1\n",
		"port range":     "telemetry:\n  prometheus_port: 70000\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
