package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

const sampleYAML = `
pubsub_system: channel
default_timeout: 5s
circuit:
  failure_threshold: 2
  recovery_time: 1m
replay_strategy: reject
policy:
  enabled: true
  allowed_kinds: [command, query]
  allowed_schemas:
    memory: [memory.store, memory.query]
  expressions:
    no-admin: 'envelope.source_module != "admin"'
handlers:
  - module: memory
    version: memory@1.0.0
    schemas: [memory.store]
    reply: stored
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "omegawire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "channel", cfg.PubSubSystem)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 2, cfg.Circuit.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Circuit.RecoveryTime)
	assert.Equal(t, DefaultSuccessThreshold, cfg.Circuit.SuccessThreshold)
	assert.Equal(t, "reject", cfg.ReplayStrategy)
	assert.True(t, cfg.Policy.Enabled)
	assert.Equal(t, []string{"command", "query"}, cfg.Policy.AllowedKinds)
	assert.Equal(t, []string{"memory.store", "memory.query"}, cfg.Policy.AllowedSchemas["memory"])
	assert.Contains(t, cfg.Policy.Expressions, "no-admin")
	require.Len(t, cfg.Handlers, 1)
	assert.Equal(t, "memory@1.0.0", cfg.Handlers[0].Version)
	assert.Equal(t, DefaultConsumeTopic, cfg.ConsumeTopic)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OMEGAWIRE_DEFAULT_TIMEOUT", "750ms")
	t.Setenv("OMEGAWIRE_CIRCUIT_SUCCESS_THRESHOLD", "4")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.DefaultTimeout)
	assert.Equal(t, 4, cfg.Circuit.SuccessThreshold)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "channel", cfg.PubSubSystem)
	assert.Equal(t, DefaultTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultAdminPort, cfg.AdminPort)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "pubsub_system: kafka\n"))
	require.Error(t, err)

	var cfgErr rterrors.ConfigValidationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "kafka: brokers are required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
