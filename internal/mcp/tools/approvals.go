package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// PlanSummary is one entry of list_pending_approvals.
type PlanSummary struct {
	PlanID          string   `json:"plan_id"`
	InvestigationID string   `json:"investigation_id,omitempty"`
	Mode            string   `json:"mode"`
	Round           int      `json:"round,omitempty"`
	Devices         []string `json:"devices"`
	WriteTasks      int      `json:"write_tasks"`
	ReadTasks       int      `json:"read_tasks"`
	CreatedAt       string   `json:"created_at"`
}

// ListPendingApprovalsOutput represents the output of list_pending_approvals
type ListPendingApprovalsOutput struct {
	Plans []PlanSummary `json:"plans"`
	Count int           `json:"count"`
}

// ListPendingApprovalsTool implements the list_pending_approvals MCP tool
type ListPendingApprovalsTool struct {
	approvals Approvals
}

// NewListPendingApprovalsTool creates a new list_pending_approvals tool
func NewListPendingApprovalsTool(approvals Approvals) *ListPendingApprovalsTool {
	return &ListPendingApprovalsTool{approvals: approvals}
}

// Execute lists undecided change plans, oldest first.
func (t *ListPendingApprovalsTool) Execute(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	pending, err := t.approvals.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending plans: %w", err)
	}
	out := ListPendingApprovalsOutput{Plans: make([]PlanSummary, 0, len(pending))}
	for _, cp := range pending {
		out.Plans = append(out.Plans, PlanSummary{
			PlanID:          cp.PlanID,
			InvestigationID: cp.Plan.InvestigationID,
			Mode:            string(cp.Mode),
			Round:           cp.Plan.Round,
			Devices:         cp.Plan.Devices(),
			WriteTasks:      len(cp.Plan.Tasks),
			ReadTasks:       len(cp.ReadTasks),
			CreatedAt:       FormatTimestamp(cp.CreatedAt),
		})
	}
	out.Count = len(out.Plans)
	return out, nil
}

// GetChangePlanInput represents the input for get_change_plan
type GetChangePlanInput struct {
	PlanID string `json:"plan_id"`
}

// GetChangePlanOutput is the full plan a reviewer decides on.
type GetChangePlanOutput struct {
	Plan      types.BatchChangePlan `json:"plan"`
	Mode      string                `json:"mode"`
	Query     string                `json:"query,omitempty"`
	Path      []string              `json:"path,omitempty"`
	ReadTasks []types.DeviceTask    `json:"read_tasks,omitempty"`
}

// GetChangePlanTool implements the get_change_plan MCP tool
type GetChangePlanTool struct {
	approvals Approvals
}

// NewGetChangePlanTool creates a new get_change_plan tool
func NewGetChangePlanTool(approvals Approvals) *GetChangePlanTool {
	return &GetChangePlanTool{approvals: approvals}
}

func (t *GetChangePlanTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params GetChangePlanInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.PlanID == "" {
		return nil, fmt.Errorf("plan_id is required")
	}
	cp, err := t.approvals.Load(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	out := GetChangePlanOutput{Plan: cp.Plan, Mode: string(cp.Mode), ReadTasks: cp.ReadTasks}
	if cp.State != nil {
		out.Query = cp.State.Query
		out.Path = cp.State.TargetPath
	}
	return out, nil
}

// DecideChangePlanInput represents the input for decide_change_plan
type DecideChangePlanInput struct {
	PlanID string `json:"plan_id"`

	// Status is approved, edited or rejected.
	Status string `json:"status"`

	// Edits overrides task parameters keyed by task ID; requires status edited.
	Edits     map[string]map[string]interface{} `json:"edits,omitempty"`
	Comment   string                            `json:"comment,omitempty"`
	DecidedBy string                            `json:"decided_by,omitempty"`
}

// DecideChangePlanTool implements the decide_change_plan MCP tool. The
// suspended run continues in the same call.
type DecideChangePlanTool struct {
	investigator Investigator
}

// NewDecideChangePlanTool creates a new decide_change_plan tool
func NewDecideChangePlanTool(investigator Investigator) *DecideChangePlanTool {
	return &DecideChangePlanTool{investigator: investigator}
}

func (t *DecideChangePlanTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params DecideChangePlanInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.PlanID == "" {
		return nil, fmt.Errorf("plan_id is required")
	}
	decidedBy := params.DecidedBy
	if decidedBy == "" {
		decidedBy = "mcp"
	}
	decision := types.Decision{
		Status:    types.PlanStatus(params.Status),
		Edits:     params.Edits,
		Comment:   params.Comment,
		DecidedBy: decidedBy,
	}

	out, err := t.investigator.Resume(ctx, params.PlanID, &decision)
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) || errors.Is(err, types.ErrPlanConflict) {
			return nil, fmt.Errorf("decision refused: %w", err)
		}
		return nil, err
	}
	return outcomeResult(out), nil
}
