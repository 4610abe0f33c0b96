package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAdaptersFile_Valid(t *testing.T) {
	path := writeFile(t, "adapters.yaml", `schema_version: v1
instances:
  - name: suzieq
    type: telemetry
    enabled: true
    config:
      url: "http://suzieq:8000"
      timeout: 10s
  - name: netconf
    type: netconf
    enabled: true
devices:
  - id: R1
    address: 10.0.0.1:830
    username: ops
    password_env: R1_PASSWORD
    platform: junos
selection:
  - kind: write
    adapters: [netconf]
  - kind: read
    operation: "show_*"
    adapters: [suzieq, netconf]
`)

	cfg, err := LoadAdaptersFile(path)
	require.NoError(t, err)

	require.Len(t, cfg.Instances, 2)
	assert.Equal(t, "telemetry", cfg.Instances[0].Type)
	assert.True(t, cfg.Instances[0].Enabled)
	assert.Equal(t, "http://suzieq:8000", cfg.Instances[0].Config["url"])

	dev, ok := cfg.Device("R1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:830", dev.Address)
	assert.Equal(t, "R1_PASSWORD", dev.PasswordEnv)
	_, ok = cfg.Device("R9")
	assert.False(t, ok)

	require.Len(t, cfg.Selection, 2)
	assert.Equal(t, "show_*", cfg.Selection[1].Operation)
	assert.Equal(t, []string{"suzieq", "netconf"}, cfg.Selection[1].Adapters)
}

func TestLoadAdaptersFile_Errors(t *testing.T) {
	_, err := LoadAdaptersFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadAdaptersFile(writeFile(t, "bad.yaml", "schema_version: [v1"))
	assert.Error(t, err)

	_, err = LoadAdaptersFile(writeFile(t, "old.yaml", "schema_version: v0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema_version")
}
