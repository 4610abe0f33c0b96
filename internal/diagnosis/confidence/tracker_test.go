package confidence

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMergeSetsCheckedAndConfidence(t *testing.T) {
	tr := NewTracker()
	tr.Merge(Update{Layer: types.LayerLink, Confidence: 0.7, Source: types.SourceRealtime, Findings: []string{"R1: lacp up"}, At: t0})

	s := tr.Status(types.LayerLink)
	assert.True(t, s.Checked)
	assert.Equal(t, 0.7, s.Confidence)
	assert.Equal(t, types.SourceRealtime, s.Source)
	assert.Equal(t, []string{"R1: lacp up"}, s.Findings)
	require.NotNil(t, s.LastChecked)
	assert.Equal(t, t0, *s.LastChecked)
}

func TestMergeNeverDecreasesConfidence(t *testing.T) {
	tr := NewTracker()
	tr.Merge(Update{Layer: types.LayerNetwork, Confidence: 0.9, Source: types.SourceRealtime})
	tr.Merge(Update{Layer: types.LayerNetwork, Confidence: 0.4, Source: types.SourceHistorical})
	tr.Merge(Update{Layer: types.LayerNetwork, Confidence: 0.2, Source: types.SourceRealtime})

	s := tr.Status(types.LayerNetwork)
	assert.Equal(t, 0.9, s.Confidence)
	assert.Equal(t, types.SourceRealtime, s.Source)
}

func TestMergeTieGoesToHigherTrust(t *testing.T) {
	tr := NewTracker()
	tr.Merge(Update{Layer: types.LayerPolicy, Confidence: 0.6, Source: types.SourceHistorical})
	tr.Merge(Update{Layer: types.LayerPolicy, Confidence: 0.6, Source: types.SourceRealtime})
	assert.Equal(t, types.SourceRealtime, tr.Status(types.LayerPolicy).Source)
}

func TestMergeFindingsAreSortedSet(t *testing.T) {
	tr := NewTracker()
	tr.Merge(Update{Layer: types.LayerPhysical, Findings: []string{"b", "a"}})
	tr.Merge(Update{Layer: types.LayerPhysical, Findings: []string{"a", "c", ""}})
	assert.Equal(t, []string{"a", "b", "c"}, tr.Status(types.LayerPhysical).Findings)
}

func TestUncheckedLayerHasZeroConfidence(t *testing.T) {
	tr := NewTracker()
	for _, l := range types.AllLayers {
		s := tr.Status(l)
		assert.False(t, s.Checked)
		assert.Zero(t, s.Confidence)
	}
	tr.Merge(Update{Layer: types.LayerLink, Confidence: 0.8})
	tr.Reset(types.LayerLink)
	assert.Equal(t, types.LayerStatus{}, tr.Status(types.LayerLink))
}

func TestGapsOrdering(t *testing.T) {
	tr := NewTracker()
	tr.Merge(Update{Layer: types.LayerPhysical, Confidence: 0.9})

	gaps := tr.Gaps(0.5, []types.Layer{types.LayerPolicy, types.LayerPhysical})
	assert.Equal(t, []types.Layer{types.LayerPolicy, types.LayerLink, types.LayerNetwork}, gaps)

	assert.Equal(t, []types.Layer{types.LayerLink, types.LayerNetwork, types.LayerPolicy}, tr.Gaps(0.5, nil))
}

func TestSatisfied(t *testing.T) {
	tr := NewTracker()
	required := []types.Layer{types.LayerPhysical, types.LayerNetwork}
	assert.False(t, tr.Satisfied(0.5, required))

	tr.Merge(Update{Layer: types.LayerPhysical, Confidence: 0.6})
	tr.Merge(Update{Layer: types.LayerNetwork, Confidence: 0.5})
	assert.True(t, tr.Satisfied(0.5, required))
	assert.False(t, tr.Satisfied(0.5, nil))
}

func TestFromLayersCopies(t *testing.T) {
	src := map[types.Layer]types.LayerStatus{
		types.LayerLink: {Checked: true, Confidence: 0.3, Findings: []string{"x"}},
	}
	tr := FromLayers(src)
	tr.Merge(Update{Layer: types.LayerLink, Findings: []string{"y"}})

	assert.Equal(t, []string{"x"}, src[types.LayerLink].Findings)
	assert.Len(t, tr.Layers(), len(types.AllLayers))
}

func TestBatchUpdatesCoverage(t *testing.T) {
	p := DefaultDecayPolicy()
	results := []types.DeviceResult{
		{TaskID: "1", DeviceID: "SW1", Layer: types.LayerPhysical, Success: false, Error: types.ErrorTimeout},
		{TaskID: "2", DeviceID: "R1", Layer: types.LayerPhysical, Success: true,
			Observation: &types.Observation{Source: types.SourceRealtime, Confidence: 0.9, Findings: []string{"interfaces up"}, ObservedAt: t0}},
		{TaskID: "3", DeviceID: "R2", Layer: types.LayerPhysical, Success: true,
			Observation: &types.Observation{Source: types.SourceRealtime, Confidence: 0.9, ObservedAt: t0}},
	}

	tr := NewTracker()
	for _, u := range p.BatchUpdates(results, t0) {
		tr.Merge(u)
	}

	s := tr.Status(types.LayerPhysical)
	assert.InDelta(t, 0.6, s.Confidence, 1e-9)
	assert.Contains(t, s.Findings, "SW1: unreachable (timeout)")
	assert.Contains(t, s.Findings, "R1: interfaces up")
	assert.Contains(t, s.Findings, "R2: no issue observed")
}

func TestBatchUpdatesOrderIndependent(t *testing.T) {
	p := DefaultDecayPolicy()
	results := []types.DeviceResult{
		{TaskID: "1", DeviceID: "R1", Layer: types.LayerNetwork, Success: true,
			Observation: &types.Observation{Source: types.SourceRealtime, Confidence: 0.9, Anomaly: true, Findings: []string{"prefix filtered"}, ObservedAt: t0}},
		{TaskID: "2", DeviceID: "R2", Layer: types.LayerNetwork, Success: true,
			Observation: &types.Observation{Source: types.SourceHistorical, ObservedAt: t0.Add(-2 * time.Hour)}},
		{TaskID: "3", DeviceID: "R3", Layer: types.LayerLink, Success: false, Error: types.ErrorTool, ErrorMessage: "eof"},
	}
	reversed := []types.DeviceResult{results[2], results[1], results[0]}

	a, b := NewTracker(), NewTracker()
	for _, u := range p.BatchUpdates(results, t0) {
		a.Merge(u)
	}
	for _, u := range p.BatchUpdates(reversed, t0) {
		b.Merge(u)
	}
	if diff := cmp.Diff(a.Layers(), b.Layers()); diff != "" {
		t.Errorf("merge depends on arrival order (-a +b):\n%s", diff)
	}
	assert.True(t, a.Status(types.LayerNetwork).Anomalous)
}

func TestObservedRealtimeNotDecayed(t *testing.T) {
	p := DefaultDecayPolicy()
	assert.Equal(t, 0.95, p.Observed(types.SourceRealtime, 0, 48*time.Hour))
	assert.Equal(t, 0.9, p.Observed(types.SourceRealtime, 0.9, 48*time.Hour))
	assert.Equal(t, 0.95, p.Observed(types.SourceRealtime, 1.5, 0), "reported confidence is capped at the base")
}

func TestObservedHistoricalDecaysToFloor(t *testing.T) {
	p := DefaultDecayPolicy()
	assert.Equal(t, 0.60, p.Observed(types.SourceHistorical, 0, 0))
	assert.Less(t, p.Observed(types.SourceHistorical, 0, time.Hour), 0.60)
	assert.InDelta(t, 0.25, p.Observed(types.SourceHistorical, 0, 1000*time.Hour), 1e-9)
	assert.GreaterOrEqual(t, p.Observed(types.SourceHistorical, 0.3, 10*time.Hour), 0.25)
}
