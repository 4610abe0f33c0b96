package types

import "time"

// TerminalReason records why an investigation stopped.
type TerminalReason string

const (
	TerminalNone              TerminalReason = ""
	TerminalPlannerConcluded  TerminalReason = "planner_concluded"
	TerminalConfidenceReached TerminalReason = "confidence_reached"
	TerminalMaxRounds         TerminalReason = "max_rounds"
	TerminalPlannerFailure    TerminalReason = "planner_failure"
	TerminalApprovalRejected  TerminalReason = "approval_rejected"
	TerminalApprovalError     TerminalReason = "approval_error"
	TerminalCancelled         TerminalReason = "cancelled"
)

// ExecutionCounts tallies device task outcomes over an investigation or batch.
type ExecutionCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// Add folds a dispatched batch into the counters.
func (c *ExecutionCounts) Add(results []DeviceResult) {
	for _, r := range results {
		if r.Success {
			c.Succeeded++
		} else {
			c.Failed++
		}
	}
}

// InvestigationState is owned by exactly one supervisor for the lifetime of
// one investigation. It round-trips through JSON without loss so it can be
// checkpointed while an approval is pending.
type InvestigationState struct {
	ID         string   `json:"id"`
	Query      string   `json:"query"`
	TargetPath []string `json:"target_path"`

	Layers map[Layer]LayerStatus `json:"layers"`

	Round     int `json:"round"`
	MaxRounds int `json:"max_rounds"`

	Concluded      bool           `json:"concluded"`
	Inconclusive   bool           `json:"inconclusive"`
	Terminal       TerminalReason `json:"terminal,omitempty"`
	RootCause      string         `json:"root_cause,omitempty"`
	RootCauseLayer Layer          `json:"root_cause_layer,omitempty"`

	// Hints orders layers for gap reporting; it never sets confidence.
	Hints  []Layer       `json:"hints,omitempty"`
	Cases  []SimilarCase `json:"cases,omitempty"`
	Events []EventHint   `json:"events,omitempty"`

	// Notes are investigation-level findings not tied to a layer.
	Notes []string `json:"notes,omitempty"`

	// PerDevice keeps the latest result summary per device for the report.
	PerDevice map[string][]string `json:"per_device,omitempty"`

	Execution ExecutionCounts `json:"execution"`
	StartedAt time.Time       `json:"started_at"`
}

// NewInvestigationState returns a state with every known layer unchecked.
func NewInvestigationState(id, query string, targetPath []string, maxRounds int, now time.Time) *InvestigationState {
	layers := make(map[Layer]LayerStatus, len(AllLayers))
	for _, l := range AllLayers {
		layers[l] = LayerStatus{}
	}
	return &InvestigationState{
		ID:         id,
		Query:      query,
		TargetPath: append([]string(nil), targetPath...),
		Layers:     layers,
		MaxRounds:  maxRounds,
		PerDevice:  make(map[string][]string),
		StartedAt:  now,
	}
}

// AddNote appends an investigation-level finding.
func (s *InvestigationState) AddNote(note string) {
	s.Notes = append(s.Notes, note)
}

// RecordDevice appends a one-line summary for a device.
func (s *InvestigationState) RecordDevice(deviceID, summary string) {
	if s.PerDevice == nil {
		s.PerDevice = make(map[string][]string)
	}
	s.PerDevice[deviceID] = append(s.PerDevice[deviceID], summary)
}

// Snapshot is the read-only copy handed to planners.
func (s *InvestigationState) Snapshot() InvestigationState {
	out := *s
	out.TargetPath = append([]string(nil), s.TargetPath...)
	out.Layers = make(map[Layer]LayerStatus, len(s.Layers))
	for k, v := range s.Layers {
		out.Layers[k] = v.Clone()
	}
	out.Hints = append([]Layer(nil), s.Hints...)
	out.Cases = append([]SimilarCase(nil), s.Cases...)
	out.Events = append([]EventHint(nil), s.Events...)
	out.Notes = append([]string(nil), s.Notes...)
	out.PerDevice = make(map[string][]string, len(s.PerDevice))
	for k, v := range s.PerDevice {
		out.PerDevice[k] = append([]string(nil), v...)
	}
	return out
}
