// Package planner contains Planner implementations: a deterministic
// playbook and a language-model planner.
package planner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moolen/faultline/internal/diagnosis/confidence"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Step is one operation the playbook runs on a device.
type Step struct {
	Operation  string                 `yaml:"operation"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
	Timeout    time.Duration          `yaml:"timeout,omitempty"`
	Rollback   string                 `yaml:"rollback,omitempty"`
}

// Playbook maps layers to diagnostic reads and optional remediation.
type Playbook struct {
	// Layers holds read steps per layer.
	Layers map[types.Layer][]Step `yaml:"layers"`

	// Remediation holds write steps proposed once, on the devices that
	// reported an anomaly on the layer.
	Remediation map[types.Layer][]Step `yaml:"remediation,omitempty"`

	// Conclusions are root cause hints per layer used when concluding.
	Conclusions map[types.Layer]string `yaml:"conclusions,omitempty"`
}

// LoadPlaybook reads a playbook YAML file.
func LoadPlaybook(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook %s: %w", path, err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Validate checks layer names and steps.
func (pb *Playbook) Validate() error {
	check := func(section string, m map[types.Layer][]Step) error {
		for l, steps := range m {
			if !l.Valid() {
				return &types.ValidationError{Field: section, Message: fmt.Sprintf("unknown layer %q", l)}
			}
			for i, s := range steps {
				if s.Operation == "" {
					return &types.ValidationError{Field: section, Message: fmt.Sprintf("%s step %d has no operation", l, i)}
				}
			}
		}
		return nil
	}
	if len(pb.Layers) == 0 {
		return &types.ValidationError{Field: "layers", Message: "playbook has no layers"}
	}
	if err := check("layers", pb.Layers); err != nil {
		return err
	}
	return check("remediation", pb.Remediation)
}

// DefaultPlaybook is a vendor-neutral read-only playbook.
func DefaultPlaybook() *Playbook {
	return &Playbook{
		Layers: map[types.Layer][]Step{
			types.LayerPhysical: {{Operation: "show_interfaces"}},
			types.LayerLink:     {{Operation: "show_lldp"}, {Operation: "show_vlans"}},
			types.LayerNetwork:  {{Operation: "show_routes"}, {Operation: "show_bgp"}},
			types.LayerPolicy:   {{Operation: "show_acl"}},
		},
	}
}

// Operations returns the sorted, de-duplicated operations of pb.
func (pb *Playbook) Operations() []string {
	seen := make(map[string]bool)
	var ops []string
	for _, section := range []map[types.Layer][]Step{pb.Layers, pb.Remediation} {
		for _, steps := range section {
			for _, s := range steps {
				if !seen[s.Operation] {
					seen[s.Operation] = true
					ops = append(ops, s.Operation)
				}
			}
		}
	}
	sort.Strings(ops)
	return ops
}

// PlaybookPlanner proposes playbook reads for the highest-priority gap
// layer on every path device not yet covered there. It is stateless: all
// progress is read back from the state snapshot.
type PlaybookPlanner struct {
	pb *Playbook
}

// NewPlaybookPlanner creates a planner for pb.
func NewPlaybookPlanner(pb *Playbook) *PlaybookPlanner {
	if pb == nil {
		pb = DefaultPlaybook()
	}
	return &PlaybookPlanner{pb: pb}
}

// Next implements the supervisor's Planner.
func (p *PlaybookPlanner) Next(ctx context.Context, req types.PlanRequest) (types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return types.Proposal{}, err
	}
	state := req.State
	round := state.Round + 1

	if layer, ok := confirmedAnomaly(state, req.Threshold); ok {
		if tasks := p.remediation(state, layer, round); len(tasks) > 0 {
			return types.Proposal{
				Tasks:     tasks,
				Rationale: fmt.Sprintf("%s layer anomaly confirmed, proposing remediation", layer),
			}, nil
		}
		return types.Proposal{
			Conclude:       true,
			RootCauseHint:  p.pb.Conclusions[layer],
			RootCauseLayer: layer,
			Rationale:      fmt.Sprintf("%s layer anomaly reached confidence %.2f", layer, state.Layers[layer].Confidence),
		}, nil
	}

	for _, layer := range req.Gaps {
		steps := p.pb.Layers[layer]
		if len(steps) == 0 {
			continue
		}
		covered := coveredDevices(state.Layers[layer].Findings)
		var tasks []types.DeviceTask
		for _, dev := range state.TargetPath {
			if covered[dev] {
				continue
			}
			for i, s := range steps {
				tasks = append(tasks, stepTask(s, types.TaskRead, layer, dev, fmt.Sprintf("r%d-%s-%s-%d", round, layer, dev, i)))
			}
		}
		if len(tasks) > 0 {
			return types.Proposal{
				Tasks:     tasks,
				Rationale: fmt.Sprintf("checking the %s layer on %d devices", layer, len(tasks)/len(steps)),
			}, nil
		}
	}

	return types.Proposal{Conclude: true, Rationale: "playbook exhausted"}, nil
}

func (p *PlaybookPlanner) remediation(state types.InvestigationState, layer types.Layer, round int) []types.DeviceTask {
	steps := p.pb.Remediation[layer]
	if len(steps) == 0 {
		return nil
	}
	for _, note := range state.Notes {
		if strings.Contains(note, "approval denied") {
			return nil
		}
	}
	for _, lines := range state.PerDevice {
		for _, line := range lines {
			for _, s := range steps {
				if strings.HasPrefix(line, s.Operation+":") {
					return nil
				}
			}
		}
	}

	var tasks []types.DeviceTask
	for _, dev := range state.Layers[layer].AnomalousDevices {
		for i, s := range steps {
			tasks = append(tasks, stepTask(s, types.TaskWrite, layer, dev, fmt.Sprintf("w%d-%s-%s-%d", round, layer, dev, i)))
		}
	}
	return tasks
}

func stepTask(s Step, kind types.TaskKind, layer types.Layer, dev, id string) types.DeviceTask {
	t := types.DeviceTask{
		TaskID:    id,
		DeviceID:  dev,
		Kind:      kind,
		Operation: s.Operation,
		Layer:     layer,
		Timeout:   s.Timeout,
		Rollback:  s.Rollback,
	}
	if len(s.Parameters) > 0 {
		t.Parameters = make(map[string]interface{}, len(s.Parameters))
		for k, v := range s.Parameters {
			t.Parameters[k] = v
		}
	}
	return t
}

// confirmedAnomaly returns the most confident anomalous layer at or above
// threshold.
func confirmedAnomaly(state types.InvestigationState, threshold float64) (types.Layer, bool) {
	var best types.Layer
	found := false
	for _, l := range types.AllLayers {
		s := state.Layers[l]
		if !s.Anomalous || s.Confidence < threshold {
			continue
		}
		if !found || s.Confidence > state.Layers[best].Confidence {
			best, found = l, true
		}
	}
	return best, found
}

// coveredDevices reads the "DEVICE: finding" prefix of each finding.
func coveredDevices(findings []string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range findings {
		if dev, ok := confidence.FindingDevice(f); ok {
			out[dev] = true
		}
	}
	return out
}
