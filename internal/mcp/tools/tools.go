// Package tools implements the MCP tools of the faultline server: starting
// investigations and answering the approval gate.
package tools

import (
	"context"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/supervisor"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Investigator is the part of the supervisor the tools drive.
type Investigator interface {
	Run(ctx context.Context, query string, path []string) (supervisor.Outcome, error)
	Resume(ctx context.Context, planID string, decision *types.Decision) (supervisor.Outcome, error)
}

// Approvals reads checkpoints waiting at the approval gate.
type Approvals interface {
	Pending(ctx context.Context) ([]types.Checkpoint, error)
	Load(ctx context.Context, planID string) (types.Checkpoint, error)
}

// OutcomeResult is the tool view of a supervisor outcome.
type OutcomeResult struct {
	// State is the report status, the batch status or "suspended".
	State   string                 `json:"state"`
	PlanID  string                 `json:"plan_id,omitempty"`
	Report  *types.DiagnosisReport `json:"report,omitempty"`
	Batch   *types.BatchReport     `json:"batch,omitempty"`
	Message string                 `json:"message,omitempty"`
}

func outcomeResult(o supervisor.Outcome) OutcomeResult {
	switch {
	case o.Suspended:
		return OutcomeResult{
			State:   "suspended",
			PlanID:  o.PlanID,
			Message: "write tasks await approval; decide with decide_change_plan",
		}
	case o.Report != nil:
		return OutcomeResult{State: string(o.Report.Status), Report: o.Report}
	case o.Batch != nil:
		return OutcomeResult{State: string(o.Batch.Status), PlanID: o.Batch.PlanID, Batch: o.Batch}
	default:
		return OutcomeResult{State: "unknown"}
	}
}

// FormatTimestamp renders t as RFC3339 in UTC, or "" for the zero time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
