package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdaptersFileValidate(t *testing.T) {
	base := func() AdaptersFile {
		return AdaptersFile{
			SchemaVersion: "v1",
			Instances: []AdapterConfig{
				{Name: "netconf", Type: "netconf", Enabled: true},
				{Name: "cli", Type: "cli", Enabled: true},
			},
			Devices:   []DeviceConfig{{ID: "R1", Address: "10.0.0.1:22"}},
			Selection: []SelectionConfig{{Kind: "write", Adapters: []string{"netconf", "cli"}}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(f *AdaptersFile)
		wantErr string
	}{
		{name: "valid", mutate: func(*AdaptersFile) {}},
		{name: "schema", mutate: func(f *AdaptersFile) { f.SchemaVersion = "v2" }, wantErr: "unsupported schema_version"},
		{name: "missing name", mutate: func(f *AdaptersFile) { f.Instances[0].Name = "" }, wantErr: "name is required"},
		{name: "missing type", mutate: func(f *AdaptersFile) { f.Instances[1].Type = "" }, wantErr: "type is required"},
		{name: "duplicate name", mutate: func(f *AdaptersFile) { f.Instances[1].Name = "netconf" }, wantErr: "duplicate instance name"},
		{name: "device id", mutate: func(f *AdaptersFile) { f.Devices[0].ID = "" }, wantErr: "id is required"},
		{name: "device address", mutate: func(f *AdaptersFile) { f.Devices[0].Address = "" }, wantErr: "address is required"},
		{name: "duplicate device", mutate: func(f *AdaptersFile) { f.Devices = append(f.Devices, f.Devices[0]) }, wantErr: "duplicate device id"},
		{name: "bad kind", mutate: func(f *AdaptersFile) { f.Selection[0].Kind = "delete" }, wantErr: "kind must be"},
		{name: "bad glob", mutate: func(f *AdaptersFile) { f.Selection[0].Operation = "show_[" }, wantErr: "invalid operation glob"},
		{name: "no adapters", mutate: func(f *AdaptersFile) { f.Selection[0].Adapters = nil }, wantErr: "at least one adapter"},
		{name: "unknown adapter", mutate: func(f *AdaptersFile) { f.Selection[0].Adapters = []string{"snmp"} }, wantErr: "unknown adapter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
