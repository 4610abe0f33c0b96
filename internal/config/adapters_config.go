package config

import (
	"fmt"
	"path"
)

// AdaptersFile represents the top-level structure of the adapters config file.
// It defines tool adapter instances, the device inventory they connect to,
// and the ordered rules that select adapters per task.
//
// Example YAML structure:
//
//	schema_version: v1
//	instances:
//	  - name: suzieq
//	    type: telemetry
//	    enabled: true
//	    config:
//	      url: "http://suzieq:8000"
//	  - name: netconf
//	    type: netconf
//	    enabled: true
//	devices:
//	  - id: R1
//	    address: 10.0.0.1:830
//	    username: ops
//	    password_env: R1_PASSWORD
//	selection:
//	  - kind: write
//	    adapters: [netconf, cli]
//	  - kind: read
//	    operation: "show_*"
//	    adapters: [suzieq, netconf, cli]
type AdaptersFile struct {
	// SchemaVersion is the explicit config schema version (e.g., "v1")
	SchemaVersion string `yaml:"schema_version"`

	// Instances is the list of adapter instances to build
	Instances []AdapterConfig `yaml:"instances"`

	// Devices is the inventory shared by the device session adapters
	Devices []DeviceConfig `yaml:"devices"`

	// Selection is evaluated top to bottom; the first matching rule wins
	Selection []SelectionConfig `yaml:"selection"`
}

// AdapterConfig represents a single adapter instance configuration.
type AdapterConfig struct {
	// Name is the unique instance name referenced by selection rules
	Name string `yaml:"name"`

	// Type is the adapter type (telemetry, cmdb, netconf, cli, scripted)
	Type string `yaml:"type"`

	// Enabled indicates whether this instance should be built
	Enabled bool `yaml:"enabled"`

	// Config holds type-specific configuration
	Config map[string]interface{} `yaml:"config"`
}

// DeviceConfig describes how to reach one device.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Username string `yaml:"username"`

	// Password is used verbatim; PasswordEnv names an environment variable holding it
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	KeyPath     string `yaml:"key_path,omitempty"`

	// Platform is informational (e.g., "ios-xe", "junos") and passed to CLI templates
	Platform string `yaml:"platform,omitempty"`
}

// SelectionConfig maps tasks to adapters in fallback order.
type SelectionConfig struct {
	// Kind is read, write, or empty for both
	Kind string `yaml:"kind"`

	// Operation is a glob over the task operation; empty matches all
	Operation string `yaml:"operation"`

	Adapters []string `yaml:"adapters"`
}

// Validate checks that the AdaptersFile is valid.
// Returns descriptive errors for validation failures.
func (f *AdaptersFile) Validate() error {
	if f.SchemaVersion != "v1" {
		return NewConfigError(fmt.Sprintf(
			"unsupported schema_version: %q (expected \"v1\")",
			f.SchemaVersion,
		))
	}

	seenNames := make(map[string]bool)
	for i, instance := range f.Instances {
		if instance.Name == "" {
			return NewConfigError(fmt.Sprintf("instance[%d]: name is required", i))
		}
		if instance.Type == "" {
			return NewConfigError(fmt.Sprintf("instance[%d] (%s): type is required", i, instance.Name))
		}
		if seenNames[instance.Name] {
			return NewConfigError(fmt.Sprintf("instance[%d]: duplicate instance name %q", i, instance.Name))
		}
		seenNames[instance.Name] = true
	}

	seenDevices := make(map[string]bool)
	for i, d := range f.Devices {
		if d.ID == "" {
			return NewConfigError(fmt.Sprintf("device[%d]: id is required", i))
		}
		if d.Address == "" {
			return NewConfigError(fmt.Sprintf("device[%d] (%s): address is required", i, d.ID))
		}
		if seenDevices[d.ID] {
			return NewConfigError(fmt.Sprintf("device[%d]: duplicate device id %q", i, d.ID))
		}
		seenDevices[d.ID] = true
	}

	for i, rule := range f.Selection {
		if rule.Kind != "" && rule.Kind != "read" && rule.Kind != "write" {
			return NewConfigError(fmt.Sprintf("selection[%d]: kind must be read, write or empty, got %q", i, rule.Kind))
		}
		if _, err := path.Match(rule.Operation, ""); err != nil {
			return NewConfigError(fmt.Sprintf("selection[%d]: invalid operation glob %q", i, rule.Operation))
		}
		if len(rule.Adapters) == 0 {
			return NewConfigError(fmt.Sprintf("selection[%d]: at least one adapter is required", i))
		}
		for _, name := range rule.Adapters {
			if !seenNames[name] {
				return NewConfigError(fmt.Sprintf("selection[%d]: unknown adapter %q", i, name))
			}
		}
	}

	return nil
}

// Device returns the inventory entry for id.
func (f *AdaptersFile) Device(id string) (DeviceConfig, bool) {
	for _, d := range f.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
