package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, settings map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()
	data, err := yaml.Marshal(settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644))
	return dir
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, 64*1024, cfg.Hub.MaxFrameBytes)
	assert.Equal(t, 20, cfg.Hub.PingSeconds)
	assert.Equal(t, 3, cfg.Hub.MaxMissedPong)
	assert.Equal(t, "claude-sdk", cfg.Engine.Default)
	assert.Equal(t, 30, cfg.Lifecycle.CheckinTimeout)
	assert.Equal(t, 15*time.Second, cfg.Runtime.HeartbeatDuration())
}

func TestConfigFileOverrides(t *testing.T) {
	dir := writeConfigFile(t, map[string]interface{}{
		"server": map[string]interface{}{"port": 9090},
		"hub":    map[string]interface{}{"maxFrameBytes": 128 * 1024},
		"runtime": map[string]interface{}{
			"spaceId":    "sp",
			"name":       "worker-1",
			"credential": "secret",
		},
		"engine": map[string]interface{}{
			"binaries": map[string]string{"claude-sdk": "/usr/local/bin/claude-engine"},
		},
	})

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 128*1024, cfg.Hub.MaxFrameBytes)
	assert.Equal(t, "sp", cfg.Runtime.SpaceID)
	assert.Equal(t, "worker-1", cfg.Runtime.Name)
	assert.Equal(t, "/usr/local/bin/claude-engine", cfg.Engine.Binaries["claude-sdk"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TYMBAL_SERVER_PORT", "7070")
	t.Setenv("TYMBAL_RUNTIME_CREDENTIAL", "from-env")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Runtime.Credential)
}

func TestValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
	}{
		{"bad port", map[string]interface{}{"server": map[string]interface{}{"port": 0}}},
		{"small frame limit", map[string]interface{}{"hub": map[string]interface{}{"maxFrameBytes": 1024}}},
		{"unknown driver", map[string]interface{}{"database": map[string]interface{}{"driver": "oracle"}}},
		{"bad log level", map[string]interface{}{"logging": map[string]interface{}{"level": "verbose"}}},
		{"zero checkin timeout", map[string]interface{}{"lifecycle": map[string]interface{}{"checkinTimeout": 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithPath(writeConfigFile(t, tt.settings))
			assert.Error(t, err)
		})
	}
}

func TestPostgresRequiresHostAndName(t *testing.T) {
	dir := writeConfigFile(t, map[string]interface{}{
		"database": map[string]interface{}{"driver": "postgres", "host": "", "dbName": ""},
	})
	_, err := LoadWithPath(dir)
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "tymbal", Password: "pw", DBName: "tymbal", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=tymbal password=pw dbname=tymbal sslmode=disable", d.DSN())
}
