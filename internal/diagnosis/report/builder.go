// Package report turns a finished investigation into a DiagnosisReport.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moolen/faultline/internal/diagnosis/confidence"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Config tunes root cause synthesis.
type Config struct {
	// CaseSimilarity is the minimum similarity for a prior case to be
	// cross-checked against live evidence.
	CaseSimilarity float64
	// Threshold is the confidence a layer needs to count as confirmed.
	Threshold float64
}

// DefaultConfig returns the report defaults.
func DefaultConfig() Config {
	return Config{CaseSimilarity: 0.7, Threshold: 0.5}
}

// Builder synthesizes reports. It never fails: every terminal state
// produces a report.
type Builder struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithIDs overrides report ID generation.
func WithIDs(newID func() string) Option {
	return func(b *Builder) { b.newID = newID }
}

// NewBuilder creates a builder.
func NewBuilder(cfg Config, opts ...Option) *Builder {
	def := DefaultConfig()
	if cfg.CaseSimilarity <= 0 {
		cfg.CaseSimilarity = def.CaseSimilarity
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	b := &Builder{
		cfg:   cfg,
		now:   time.Now,
		newID: func() string { return "rep-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the report for a terminal investigation state.
func (b *Builder) Build(state *types.InvestigationState) types.DiagnosisReport {
	rep := types.DiagnosisReport{
		ReportID:         b.newID(),
		InvestigationID:  state.ID,
		Status:           status(state),
		Terminal:         state.Terminal,
		FaultDescription: state.Query,
		FaultPath:        append([]string(nil), state.TargetPath...),
		PerDeviceSummary: perDevice(state),
		Rounds:           state.Round,
		Execution:        state.Execution,
		GeneratedAt:      b.now(),
	}

	layer, found := rootCauseLayer(state.Layers)
	if found {
		ls := state.Layers[layer]
		rep.RootCauseLayer = layer
		rep.Confidence = ls.Confidence
		rep.RootCause = rootCauseStatement(state, layer, ls)
	} else {
		rep.RootCause = types.NoAnomalyLocated
		rep.Confidence = noAnomalyConfidence(state.Layers)
	}

	rep.EvidenceChain = evidence(state)
	if state.RootCause != "" && rep.RootCause != state.RootCause {
		rep.EvidenceChain = append(rep.EvidenceChain, "planner proposed: "+state.RootCause)
	}
	matched := b.crossCheck(state, &rep, found)
	rep.RecommendedAction = b.recommend(state, rep, matched)

	tags := []string{string(rep.Status)}
	if found {
		tags = append(tags, string(layer))
	}
	if state.Terminal != types.TerminalNone {
		tags = append(tags, string(state.Terminal))
	}
	if matched != nil {
		tags = append(tags, "matched-case")
	}
	rep.Tags = types.TagSet(tags...)
	return rep
}

func status(state *types.InvestigationState) types.ReportStatus {
	switch {
	case state.Terminal == types.TerminalApprovalRejected:
		return types.ReportRejected
	case state.Inconclusive:
		return types.ReportInconclusive
	default:
		return types.ReportConcluded
	}
}

// rootCauseLayer picks the anomalous layer with the highest confidence.
// Ties go to the more trusted source, then to the lower layer.
func rootCauseLayer(layers map[types.Layer]types.LayerStatus) (types.Layer, bool) {
	var best types.Layer
	found := false
	for _, l := range types.AllLayers {
		s, ok := layers[l]
		if !ok || !s.Anomalous || !s.Checked {
			continue
		}
		if !found {
			best, found = l, true
			continue
		}
		cur := layers[best]
		if s.Confidence > cur.Confidence ||
			(s.Confidence == cur.Confidence && s.Source.Trust() > cur.Source.Trust()) {
			best = l
		}
	}
	return best, found
}

func rootCauseStatement(state *types.InvestigationState, layer types.Layer, ls types.LayerStatus) string {
	if state.RootCause != "" && (state.RootCauseLayer == "" || state.RootCauseLayer == layer) {
		return state.RootCause
	}
	anomalous := make(map[string]bool, len(ls.AnomalousDevices))
	for _, d := range ls.AnomalousDevices {
		anomalous[d] = true
	}
	for _, f := range ls.Findings {
		if dev, ok := confidence.FindingDevice(f); ok && anomalous[dev] {
			return fmt.Sprintf("%s layer anomaly: %s", layer, f)
		}
	}
	return fmt.Sprintf("%s layer anomaly", layer)
}

// noAnomalyConfidence is how sure we are nothing is wrong: the weakest
// checked layer.
func noAnomalyConfidence(layers map[types.Layer]types.LayerStatus) float64 {
	lowest := -1.0
	for _, l := range types.AllLayers {
		s, ok := layers[l]
		if !ok || !s.Checked {
			continue
		}
		if lowest < 0 || s.Confidence < lowest {
			lowest = s.Confidence
		}
	}
	if lowest < 0 {
		return 0
	}
	return lowest
}

func evidence(state *types.InvestigationState) []string {
	var out []string
	for _, l := range types.AllLayers {
		s, ok := state.Layers[l]
		if !ok {
			continue
		}
		if !s.Checked {
			out = append(out, fmt.Sprintf("%s: not checked", l))
			continue
		}
		mark := ""
		if s.Anomalous {
			mark = ", anomalous"
		}
		out = append(out, fmt.Sprintf("%s: confidence %.2f (%s%s)", l, s.Confidence, s.Source, mark))
		for _, f := range s.Findings {
			out = append(out, fmt.Sprintf("%s: %s", l, f))
		}
	}
	for _, e := range state.Events {
		out = append(out, fmt.Sprintf("event %s %s: %s", e.Time.UTC().Format(time.RFC3339), e.DeviceID, e.Message))
	}
	out = append(out, state.Notes...)
	return out
}

// crossCheck compares the evidence-based root cause with similar prior
// cases. Live evidence always wins over case text; a case only confirms.
func (b *Builder) crossCheck(state *types.InvestigationState, rep *types.DiagnosisReport, found bool) *types.SimilarCase {
	cases := append([]types.SimilarCase(nil), state.Cases...)
	sort.SliceStable(cases, func(i, j int) bool { return cases[i].SimilarityScore > cases[j].SimilarityScore })

	var matched *types.SimilarCase
	for i := range cases {
		c := cases[i]
		if c.SimilarityScore < b.cfg.CaseSimilarity {
			continue
		}
		switch {
		case !found:
			rep.EvidenceChain = append(rep.EvidenceChain, fmt.Sprintf(
				"case %s (similarity %.2f) suggested %q but no anomaly was observed", c.CaseID, c.SimilarityScore, c.RootCause))
		case c.RootCauseLayer == rep.RootCauseLayer:
			if matched == nil {
				matched = &c
				rep.MatchedCase = c.CaseID
			}
			rep.EvidenceChain = append(rep.EvidenceChain, fmt.Sprintf(
				"consistent with case %s (similarity %.2f): %s", c.CaseID, c.SimilarityScore, c.RootCause))
		default:
			rep.EvidenceChain = append(rep.EvidenceChain, fmt.Sprintf(
				"case %s (similarity %.2f) pointed at the %s layer; live evidence at the %s layer takes precedence",
				c.CaseID, c.SimilarityScore, c.RootCauseLayer, rep.RootCauseLayer))
		}
	}
	return matched
}

func (b *Builder) recommend(state *types.InvestigationState, rep types.DiagnosisReport, matched *types.SimilarCase) string {
	switch rep.Status {
	case types.ReportRejected:
		return "change plan was rejected; review the proposed changes and start a new investigation if they are still needed"
	case types.ReportInconclusive:
		var gaps []string
		for _, l := range types.AllLayers {
			if s, ok := state.Layers[l]; ok && s.Confidence < b.cfg.Threshold {
				gaps = append(gaps, string(l))
			}
		}
		if len(gaps) == 0 {
			return fmt.Sprintf("investigation stopped after %d rounds (%s); review the evidence chain", state.Round, state.Terminal)
		}
		return fmt.Sprintf("investigation stopped after %d rounds (%s); continue with the %s layers",
			state.Round, state.Terminal, strings.Join(gaps, ", "))
	}

	if rep.RootCause == types.NoAnomalyLocated {
		return "no fault isolated on the target path; verify the endpoints or widen the path"
	}
	if matched != nil && matched.Resolution != "" {
		return matched.Resolution
	}
	devices := state.Layers[rep.RootCauseLayer].AnomalousDevices
	if len(devices) == 0 {
		return fmt.Sprintf("inspect the %s layer on %s", rep.RootCauseLayer, strings.Join(state.TargetPath, ", "))
	}
	return fmt.Sprintf("inspect the %s layer on %s", rep.RootCauseLayer, strings.Join(devices, ", "))
}

func perDevice(state *types.InvestigationState) map[string]string {
	out := make(map[string]string, len(state.TargetPath))
	for _, dev := range state.TargetPath {
		out[dev] = "not queried"
	}
	for dev, lines := range state.PerDevice {
		if len(lines) > 0 {
			out[dev] = strings.Join(lines, "; ")
		}
	}
	return out
}
