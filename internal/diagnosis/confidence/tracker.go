// Package confidence tracks per-layer confidence for one investigation.
//
// Merging is commutative and associative per layer: confidence is the max
// over observations (ties go to the more trusted source), findings form a
// sorted set, the anomaly flag is an OR and LastChecked is the latest time.
// Replaying a batch's results in any order therefore yields the same state.
package confidence

import (
	"sort"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Tracker owns the LayerStatus map of an investigation. It is not safe for
// concurrent use; the supervisor is its only writer.
type Tracker struct {
	layers map[types.Layer]types.LayerStatus
}

// NewTracker returns a tracker with every known layer unchecked.
func NewTracker() *Tracker {
	layers := make(map[types.Layer]types.LayerStatus, len(types.AllLayers))
	for _, l := range types.AllLayers {
		layers[l] = types.LayerStatus{}
	}
	return &Tracker{layers: layers}
}

// FromLayers rebuilds a tracker from persisted state.
func FromLayers(layers map[types.Layer]types.LayerStatus) *Tracker {
	t := NewTracker()
	for l, s := range layers {
		t.layers[l] = s.Clone()
	}
	return t
}

// Update is one merge input.
type Update struct {
	Layer      types.Layer
	Device     string
	Findings   []string
	Confidence float64
	Source     types.SourceKind
	Anomaly    bool
	At         time.Time
}

// Merge folds an observation into its layer and marks the layer checked.
// A lower-trust source never replaces a higher-trust value with a lower one,
// and confidence never decreases.
func (t *Tracker) Merge(u Update) {
	cur := t.layers[u.Layer]
	cur.Checked = true

	c := clamp(u.Confidence)
	if c > cur.Confidence || (c == cur.Confidence && c > 0 && u.Source.Trust() > cur.Source.Trust()) {
		cur.Confidence = c
		cur.Source = u.Source
	}
	cur.Anomalous = cur.Anomalous || u.Anomaly
	if u.Anomaly && u.Device != "" {
		cur.AnomalousDevices = mergeFindings(cur.AnomalousDevices, []string{u.Device})
	}
	cur.Findings = mergeFindings(cur.Findings, u.Findings)
	if !u.At.IsZero() && (cur.LastChecked == nil || u.At.After(*cur.LastChecked)) {
		at := u.At
		cur.LastChecked = &at
	}
	t.layers[u.Layer] = cur
}

// Reset clears a layer back to unchecked.
func (t *Tracker) Reset(layer types.Layer) {
	t.layers[layer] = types.LayerStatus{}
}

// Status returns a copy of one layer's status.
func (t *Tracker) Status(layer types.Layer) types.LayerStatus {
	return t.layers[layer].Clone()
}

// Layers returns a deep copy of all layer statuses.
func (t *Tracker) Layers() map[types.Layer]types.LayerStatus {
	out := make(map[types.Layer]types.LayerStatus, len(t.layers))
	for l, s := range t.layers {
		out[l] = s.Clone()
	}
	return out
}

// Gaps returns the layers with confidence below threshold. Layers named in
// priority come first in that order, then the rest in canonical order.
func (t *Tracker) Gaps(threshold float64, priority []types.Layer) []types.Layer {
	var out []types.Layer
	seen := make(map[types.Layer]bool)
	add := func(l types.Layer) {
		if seen[l] {
			return
		}
		seen[l] = true
		if s, ok := t.layers[l]; ok && s.Confidence < threshold {
			out = append(out, l)
		}
	}
	for _, l := range priority {
		add(l)
	}
	for _, l := range types.AllLayers {
		add(l)
	}
	return out
}

// Satisfied reports whether every required layer reached threshold.
func (t *Tracker) Satisfied(threshold float64, required []types.Layer) bool {
	if len(required) == 0 {
		required = types.AllLayers
	}
	for _, l := range required {
		if t.layers[l].Confidence < threshold {
			return false
		}
	}
	return true
}

// mergeFindings returns the sorted union of two string sets.
func mergeFindings(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, f := range existing {
		set[f] = struct{}{}
	}
	for _, f := range incoming {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
