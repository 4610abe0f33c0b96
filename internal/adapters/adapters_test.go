package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func labFile() *config.AdaptersFile {
	return &config.AdaptersFile{
		SchemaVersion: "v1",
		Instances: []config.AdapterConfig{
			{Name: "lab", Type: "scripted", Enabled: true, Config: map[string]interface{}{
				"responses": []interface{}{
					map[string]interface{}{"kind": "read", "output": "lab read"},
				},
			}},
			{Name: "fallback", Type: "scripted", Enabled: true, Config: map[string]interface{}{
				"responses": []interface{}{
					map[string]interface{}{"output": "fallback"},
				},
			}},
			{Name: "suzieq", Type: "telemetry", Enabled: false, Config: map[string]interface{}{"url": "http://suzieq:8000"}},
		},
		Devices: []config.DeviceConfig{{ID: "SW1", Address: "10.0.0.1"}},
		Selection: []config.SelectionConfig{
			{Kind: "write", Adapters: []string{"fallback"}},
			{Kind: "read", Operation: "show_*", Adapters: []string{"suzieq", "lab"}},
		},
	}
}

func TestBuild(t *testing.T) {
	set, err := Build(labFile())
	require.NoError(t, err)

	names := make([]string, 0, len(set.Adapters))
	for _, a := range set.Adapters {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"lab", "fallback"}, names, "disabled instances are skipped")

	require.Len(t, set.Policy.Rules, 2)
	assert.Equal(t, dispatch.SelectionRule{Kind: types.TaskWrite, Adapters: []string{"fallback"}}, set.Policy.Rules[0])

	exec := dispatch.NewExecutor(set.Adapters...)
	exec.SetPolicy(set.Policy)

	res := exec.Execute(context.Background(), read("SW1", "show_vlans"))
	require.True(t, res.Success)
	assert.Equal(t, "lab", res.Adapter)
	assert.Equal(t, []string{"adapter suzieq is not configured"}, res.Notes)

	res = exec.Execute(context.Background(), types.DeviceTask{TaskID: "w", DeviceID: "SW1", Kind: types.TaskWrite, Operation: "add_vlan"})
	require.True(t, res.Success)
	assert.Equal(t, "fallback", res.Adapter)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *config.AdaptersFile)
		errMsg string
	}{
		{
			name:   "unknown type",
			mutate: func(f *config.AdaptersFile) { f.Instances[0].Type = "snmp" },
			errMsg: `unknown type "snmp"`,
		},
		{
			name:   "factory error",
			mutate: func(f *config.AdaptersFile) { f.Instances[2].Enabled = true; f.Instances[2].Config = nil },
			errMsg: "adapter suzieq: telemetry adapter requires 'url'",
		},
		{
			name: "missing password env",
			mutate: func(f *config.AdaptersFile) {
				f.Devices[0].PasswordEnv = "FAULTLINE_TEST_UNSET_PASSWORD"
			},
			errMsg: "FAULTLINE_TEST_UNSET_PASSWORD is not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := labFile()
			tt.mutate(f)
			_, err := Build(f)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestFactoryRegistry(t *testing.T) {
	reg := NewFactoryRegistry()
	require.NoError(t, reg.Register("scripted", NewScriptedAdapter))
	assert.Error(t, reg.Register("scripted", NewScriptedAdapter), "duplicate")
	assert.Error(t, reg.Register("", NewScriptedAdapter), "empty type")

	_, ok := reg.Get("scripted")
	assert.True(t, ok)
	_, ok = reg.Get("cli")
	assert.False(t, ok)

	_, err := BuildWith(reg, &config.AdaptersFile{
		SchemaVersion: "v1",
		Instances:     []config.AdapterConfig{{Name: "cli", Type: "cli", Enabled: true}},
	})
	assert.Error(t, err)

	assert.Equal(t, []string{"cli", "cmdb", "netconf", "scripted", "telemetry"}, ListFactories())
}

func TestInventory(t *testing.T) {
	t.Setenv("FAULTLINE_SW1_PASSWORD", "from-env")
	inv, err := NewInventory([]config.DeviceConfig{
		{ID: "SW1", Address: "10.0.0.1", Username: "ops", Password: "ignored", PasswordEnv: "FAULTLINE_SW1_PASSWORD"},
	})
	require.NoError(t, err)

	d, ok := inv.Lookup("sw1")
	require.True(t, ok)
	assert.Equal(t, "SW1", d.ID)
	assert.Equal(t, "from-env", d.Password)

	var nilInv *Inventory
	_, ok = nilInv.Lookup("SW1")
	assert.False(t, ok)
}

func TestInterpreter(t *testing.T) {
	in, err := newInterpreter(nil)
	require.NoError(t, err)

	output := "Gi0/1 connected 100 full\nGi0/2 err-disabled\n\nGi0/3 notconnect\n  12 input errors, 0 CRC\n"
	task := read("SW1", "show_interfaces")
	obs, err := in.observe(task, output, types.SourceRealtime, testNow)
	require.NoError(t, err)
	assert.True(t, obs.Anomaly)
	assert.Equal(t, []string{"Gi0/2 err-disabled", "Gi0/3 notconnect", "12 input errors, 0 CRC"}, obs.Findings)

	task.Parameters = map[string]interface{}{"anomaly_pattern": `full$`}
	obs, err = in.observe(task, output, types.SourceRealtime, testNow)
	require.NoError(t, err)
	assert.Contains(t, obs.Findings, "Gi0/1 connected 100 full")

	task.Parameters = map[string]interface{}{"anomaly_pattern": `(`}
	_, err = in.observe(task, output, types.SourceRealtime, testNow)
	assert.Error(t, err)

	_, err = newInterpreter([]string{`[`})
	assert.Error(t, err)
}
