package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/rsopctl/pkg/rserrors"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"OVERLAY_NETWORK_NAME": "mongo-net",
		"MONGO_SERVICE_NAME":   "mongo",
		"REPLICASET_NAME":      "rs0",
		"MONGO_ROOT_USERNAME":  "root",
		"MONGO_ROOT_PASSWORD":  "toor",
		"INITDB_DATABASE":      "appdb",
		"INITDB_USER":          "appuser",
		"INITDB_PASSWORD":      "appsecret",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoad_MissingRequiredFieldIsConfigError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MONGO_ROOT_PASSWORD", "")

	_, err := Load()
	var cfgErr *rserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint16(27017), cfg.MongoPort)
	assert.Equal(t, 30*time.Second, cfg.CycleInterval)
	assert.Equal(t, 1, cfg.ScaleDownHysteresis)
}

func TestLoad_FileOverlaySuppliesDefaultsEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rsopctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
overlay_network_name: file-net
mongo_service_name: file-mongo
replicaset_name: rs0
cycle_interval_sec: 15
scale_down_hysteresis_cycles: 3
`), 0o644))

	setRequiredEnv(t)
	t.Setenv("OVERLAY_NETWORK_NAME", "") // let the file value through
	t.Setenv("RSOPCTL_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file-net", cfg.OverlayNetworkName)
	assert.Equal(t, 15*time.Second, cfg.CycleInterval)
	assert.Equal(t, 3, cfg.ScaleDownHysteresis)

	// env var still wins over the file when both are set.
	t.Setenv("MONGO_SERVICE_NAME", "env-mongo")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "env-mongo", cfg.MongoServiceName)
}

func TestLoad_MissingFileOverlayIsConfigError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RSOPCTL_CONFIG_FILE", "/nonexistent/rsopctl.yaml")

	_, err := Load()
	var cfgErr *rserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCycleDeadline_IsThreeTimesInterval(t *testing.T) {
	cfg := &Config{CycleInterval: 10 * time.Second}
	assert.Equal(t, 30*time.Second, cfg.CycleDeadline())
}
