package types

// PlanRequest is what the supervisor hands a planner each round.
type PlanRequest struct {
	// State is a snapshot; planners must not retain or mutate it.
	State InvestigationState `json:"state"`

	// Gaps are layers below Threshold, hinted layers first.
	Gaps      []Layer `json:"gaps"`
	Threshold float64 `json:"threshold"`
}

// Proposal is a planner's answer: either a non-empty task batch or a
// conclusion with an optional root cause hint.
type Proposal struct {
	Tasks []DeviceTask `json:"tasks,omitempty"`

	Conclude       bool   `json:"conclude,omitempty"`
	RootCauseHint  string `json:"root_cause_hint,omitempty"`
	RootCauseLayer Layer  `json:"root_cause_layer,omitempty"`

	// Rationale is a short free-text explanation recorded in the audit log.
	Rationale string `json:"rationale,omitempty"`
}

// Validate checks that a proposal is either a conclusion or a valid batch
// with unique task IDs.
func (p Proposal) Validate() error {
	if p.Conclude {
		if len(p.Tasks) > 0 {
			return &ValidationError{Field: "tasks", Message: "a concluding proposal carries no tasks"}
		}
		return nil
	}
	if len(p.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Message: "proposal has neither tasks nor a conclusion"}
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.TaskID] {
			return &ValidationError{Field: "task_id", Message: "duplicate task id " + t.TaskID}
		}
		seen[t.TaskID] = true
	}
	return nil
}
