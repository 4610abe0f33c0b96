// Package adapters implements the tool adapters the device executor
// dispatches to: historical telemetry and CMDB lookups over HTTP, live
// NETCONF and CLI sessions over SSH, and a scripted adapter for labs and
// tests.
//
// Adapter types register a Factory at init time; Build turns an adapters
// file into adapter instances and a selection policy for the executor.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Factory creates an adapter instance.
// name: unique instance name (e.g., "suzieq-prod")
// cfg: instance-specific configuration from the adapters file
// inv: device inventory for adapters that open device sessions
type Factory func(name string, cfg map[string]interface{}, inv *Inventory) (dispatch.ToolAdapter, error)

// FactoryRegistry stores adapter factories by type.
type FactoryRegistry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

var defaultRegistry = NewFactoryRegistry()

func init() {
	for typ, f := range map[string]Factory{
		"telemetry": NewTelemetryAdapter,
		"cmdb":      NewCMDBAdapter,
		"netconf":   NewNetconfAdapter,
		"cli":       NewCLIAdapter,
		"scripted":  NewScriptedAdapter,
	} {
		if err := RegisterFactory(typ, f); err != nil {
			panic(err)
		}
	}
}

// NewFactoryRegistry creates a new empty factory registry
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given adapter type.
// Returns error if the type is empty or already registered.
func (r *FactoryRegistry) Register(adapterType string, factory Factory) error {
	if adapterType == "" {
		return fmt.Errorf("adapter type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[adapterType]; exists {
		return fmt.Errorf("adapter type %q is already registered", adapterType)
	}
	r.factories[adapterType] = factory
	return nil
}

// Get retrieves the factory for the given adapter type.
func (r *FactoryRegistry) Get(adapterType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[adapterType]
	return f, ok
}

// List returns a sorted list of all registered adapter types.
func (r *FactoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RegisterFactory registers a factory with the default registry.
func RegisterFactory(adapterType string, factory Factory) error {
	return defaultRegistry.Register(adapterType, factory)
}

// ListFactories returns all adapter types of the default registry.
func ListFactories() []string {
	return defaultRegistry.List()
}

// Set is the result of building an adapters file.
type Set struct {
	Adapters []dispatch.ToolAdapter
	Policy   dispatch.SelectionPolicy
}

// Build instantiates every enabled adapter of file and derives the
// selection policy. Rules naming disabled adapters keep them; the executor
// records them as not configured and falls through.
func Build(file *config.AdaptersFile) (*Set, error) {
	return BuildWith(defaultRegistry, file)
}

// BuildWith is Build with an explicit registry.
func BuildWith(reg *FactoryRegistry, file *config.AdaptersFile) (*Set, error) {
	inv, err := NewInventory(file.Devices)
	if err != nil {
		return nil, err
	}

	set := &Set{Policy: Policy(file)}
	for _, instance := range file.Instances {
		if !instance.Enabled {
			continue
		}
		factory, ok := reg.Get(instance.Type)
		if !ok {
			return nil, fmt.Errorf("adapter %s: unknown type %q (known: %v)", instance.Name, instance.Type, reg.List())
		}
		a, err := factory(instance.Name, instance.Config, inv)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", instance.Name, err)
		}
		set.Adapters = append(set.Adapters, a)
	}
	return set, nil
}

// Policy converts the selection rules of file.
func Policy(file *config.AdaptersFile) dispatch.SelectionPolicy {
	rules := make([]dispatch.SelectionRule, 0, len(file.Selection))
	for _, s := range file.Selection {
		rules = append(rules, dispatch.SelectionRule{
			Kind:      types.TaskKind(s.Kind),
			Operation: s.Operation,
			Adapters:  append([]string(nil), s.Adapters...),
		})
	}
	return dispatch.SelectionPolicy{Rules: rules}
}

// decodeConfig maps an instance's free-form config onto a typed struct.
func decodeConfig(cfg map[string]interface{}, out interface{}) error {
	if len(cfg) == 0 {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("invalid adapter config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid adapter config: %w", err)
	}
	return nil
}
