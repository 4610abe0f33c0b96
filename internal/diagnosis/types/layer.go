// Package types defines the data model shared by the diagnosis engine:
// layers and their confidence, device tasks and results, investigation
// state, change plans, retrieved cases and reports.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Layer is one of the ordered diagnostic categories used to isolate a fault.
type Layer string

const (
	LayerPhysical Layer = "physical"
	LayerLink     Layer = "link"
	LayerNetwork  Layer = "network"
	LayerPolicy   Layer = "policy"
)

// AllLayers is the canonical bottom-up order of layers.
var AllLayers = []Layer{LayerPhysical, LayerLink, LayerNetwork, LayerPolicy}

// Index returns the position of l in AllLayers, or -1.
func (l Layer) Index() int {
	for i, known := range AllLayers {
		if known == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	return l.Index() >= 0
}

// ParseLayer converts a case-insensitive name into a Layer.
func ParseLayer(s string) (Layer, error) {
	l := Layer(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown layer %q", s)
	}
	return l, nil
}

// SourceKind classifies where an observation came from. Real-time sources
// are trusted more than historical ones.
type SourceKind string

const (
	SourceRealtime   SourceKind = "realtime"
	SourceHistorical SourceKind = "historical"
)

// Trust orders source kinds; higher is more trusted.
func (s SourceKind) Trust() int {
	switch s {
	case SourceRealtime:
		return 2
	case SourceHistorical:
		return 1
	default:
		return 0
	}
}

// LayerStatus is the tracked state of one diagnostic layer.
//
// Invariant: Checked == false implies Confidence == 0.
type LayerStatus struct {
	Checked bool `json:"checked"`

	// Confidence is in [0,1] and never decreases within an investigation.
	Confidence float64 `json:"confidence"`

	// Source is the trust level of the observation holding Confidence.
	Source SourceKind `json:"source,omitempty"`

	// Anomalous is set once any observation on this layer reported an anomaly.
	Anomalous bool `json:"anomalous"`

	// AnomalousDevices lists, sorted, the devices that reported an anomaly.
	AnomalousDevices []string `json:"anomalous_devices,omitempty"`

	// Findings is kept sorted and de-duplicated so merge order does not matter.
	Findings []string `json:"findings,omitempty"`

	LastChecked *time.Time `json:"last_checked,omitempty"`
}

// Clone returns a deep copy.
func (s LayerStatus) Clone() LayerStatus {
	out := s
	out.Findings = append([]string(nil), s.Findings...)
	out.AnomalousDevices = append([]string(nil), s.AnomalousDevices...)
	if s.LastChecked != nil {
		t := *s.LastChecked
		out.LastChecked = &t
	}
	return out
}
