package types

import (
	"fmt"
	"time"
)

// PlanStatus is the approval state of a BatchChangePlan.
type PlanStatus string

const (
	PlanPending  PlanStatus = "pending"
	PlanApproved PlanStatus = "approved"
	PlanEdited   PlanStatus = "edited"
	PlanRejected PlanStatus = "rejected"
)

// Decision is a human verdict covering an entire plan.
type Decision struct {
	Status PlanStatus `json:"status"`

	// Edits overrides task parameters keyed by TaskID. Only valid with PlanEdited.
	Edits map[string]map[string]interface{} `json:"edits,omitempty"`

	Comment   string    `json:"comment,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// BatchChangePlan is the single authority on whether the write tasks of one
// batch may run. Partial approval is not supported.
type BatchChangePlan struct {
	PlanID          string       `json:"plan_id"`
	InvestigationID string       `json:"investigation_id,omitempty"`
	Round           int          `json:"round"`
	Tasks           []DeviceTask `json:"tasks"`
	Status          PlanStatus   `json:"status"`
	Decision        *Decision    `json:"decision,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// NewBatchChangePlan builds a pending plan from the write tasks of a batch.
func NewBatchChangePlan(planID, investigationID string, round int, tasks []DeviceTask, now time.Time) (*BatchChangePlan, error) {
	_, writes := SplitByKind(tasks)
	if len(writes) == 0 {
		return nil, &ValidationError{Field: "tasks", Message: "a change plan needs at least one write task"}
	}
	cloned := make([]DeviceTask, len(writes))
	for i, t := range writes {
		cloned[i] = t.Clone()
	}
	return &BatchChangePlan{
		PlanID:          planID,
		InvestigationID: investigationID,
		Round:           round,
		Tasks:           cloned,
		Status:          PlanPending,
		CreatedAt:       now,
	}, nil
}

// Devices returns the distinct devices touched by the plan in task order.
func (p *BatchChangePlan) Devices() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range p.Tasks {
		if !seen[t.DeviceID] {
			seen[t.DeviceID] = true
			out = append(out, t.DeviceID)
		}
	}
	return out
}

// ValidateDecision checks that d is a whole-plan verdict for p.
func (p *BatchChangePlan) ValidateDecision(d Decision) error {
	switch d.Status {
	case PlanApproved, PlanRejected:
		if len(d.Edits) > 0 {
			return &ValidationError{Field: "edits", Message: fmt.Sprintf("edits are only allowed with status %q", PlanEdited)}
		}
	case PlanEdited:
		if len(d.Edits) == 0 {
			return &ValidationError{Field: "edits", Message: "an edited decision must carry at least one edit"}
		}
		known := make(map[string]bool, len(p.Tasks))
		for _, t := range p.Tasks {
			known[t.TaskID] = true
		}
		for id := range d.Edits {
			if !known[id] {
				return &ValidationError{Field: "edits", Message: fmt.Sprintf("task %q is not part of plan %s", id, p.PlanID)}
			}
		}
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("decision status must be approved, edited or rejected, got %q", d.Status)}
	}
	return nil
}

// Resolve records d on the plan and returns the tasks cleared to run. A
// rejected plan returns no tasks. The plan's own tasks are never modified.
func (p *BatchChangePlan) Resolve(d Decision) ([]DeviceTask, error) {
	if p.Status != PlanPending {
		return nil, fmt.Errorf("%w: plan %s already resolved as %s", ErrPlanConflict, p.PlanID, p.Status)
	}
	if err := p.ValidateDecision(d); err != nil {
		return nil, err
	}

	p.Status = d.Status
	p.Decision = &d
	if d.Status == PlanRejected {
		return nil, nil
	}

	out := make([]DeviceTask, len(p.Tasks))
	for i, t := range p.Tasks {
		task := t.Clone()
		if edits, ok := d.Edits[task.TaskID]; ok {
			if task.Parameters == nil {
				task.Parameters = make(map[string]interface{}, len(edits))
			}
			for k, v := range edits {
				task.Parameters[k] = v
			}
		}
		out[i] = task
	}
	return out, nil
}
