package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// RunBatch executes a fixed task list, such as a bulk configuration
// change, under a single approval decision. Reads-only batches run
// directly.
func (s *Supervisor) RunBatch(ctx context.Context, tasks []types.DeviceTask) (Outcome, error) {
	if len(tasks) == 0 {
		return Outcome{}, &types.ValidationError{Field: "tasks", Message: "batch is empty"}
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return Outcome{}, err
		}
		if seen[t.TaskID] {
			return Outcome{}, &types.ValidationError{Field: "task_id", Message: "duplicate task id " + t.TaskID}
		}
		seen[t.TaskID] = true
	}

	batchID := s.newID("batch")
	ctx, span := s.tracer.Start(ctx, "batch")
	defer span.End()
	logger := s.logger.WithContext(ctx).WithField("batch_id", batchID)

	reads, writes := types.SplitByKind(tasks)
	if len(writes) == 0 {
		results := s.dispatcher.Dispatch(ctx, reads)
		return s.batchReport(ctx, batchID, "", len(tasks), results, nil), nil
	}

	plan, err := types.NewBatchChangePlan(s.newID("plan"), batchID, 1, tasks, s.now())
	if err != nil {
		return Outcome{}, err
	}
	cp := types.Checkpoint{
		SchemaVersion: types.CheckpointSchemaVersion,
		PlanID:        plan.PlanID,
		Mode:          types.ModeBatch,
		Plan:          *plan,
		ReadTasks:     reads,
		CreatedAt:     plan.CreatedAt,
	}
	_ = s.audit.LogApprovalPending(batchID, *plan)
	logger.Info("Batch of %d tasks (%d writes) submitted for approval as %s", len(tasks), len(writes), plan.PlanID)

	out, err := s.gate.Submit(ctx, cp)
	switch {
	case errors.Is(err, types.ErrDecisionDeferred):
		if s.metrics != nil {
			s.metrics.Suspended.Inc()
		}
		return Outcome{Suspended: true, PlanID: plan.PlanID}, nil
	case err != nil:
		_ = s.audit.LogError(batchID, "approval", err)
		return Outcome{}, fmt.Errorf("approval gate failed: %w", err)
	}
	return s.finishBatch(ctx, batchID, len(tasks), out), nil
}

// finishBatch runs (or discards) a decided batch. A rejected batch is
// discarded whole: no task of it runs.
func (s *Supervisor) finishBatch(ctx context.Context, batchID string, total int, out approval.Outcome) Outcome {
	plan := out.Checkpoint.Plan
	if plan.Decision != nil {
		_ = s.audit.LogApprovalDecided(batchID, plan.PlanID, *plan.Decision)
	}
	defer s.complete(ctx, plan.PlanID)

	if out.Rejected() {
		rep := types.BatchReport{
			ReportID:    s.newID("rep"),
			PlanID:      plan.PlanID,
			Status:      types.BatchRejected,
			Total:       total,
			Rejected:    len(plan.Tasks),
			Discarded:   len(out.Checkpoint.ReadTasks),
			Decision:    plan.Decision,
			GeneratedAt: s.now(),
		}
		s.logger.WithContext(ctx).Info("Batch %s rejected, %d writes and %d reads discarded",
			batchID, rep.Rejected, rep.Discarded)
		if s.metrics != nil {
			s.metrics.Batches.WithLabelValues(string(rep.Status)).Inc()
		}
		return Outcome{Batch: &rep}
	}

	tasks := append(append([]types.DeviceTask(nil), out.Checkpoint.ReadTasks...), out.Writes...)
	results := s.dispatcher.Dispatch(ctx, tasks)
	return s.batchReport(ctx, batchID, plan.PlanID, total, results, plan.Decision)
}

func (s *Supervisor) batchReport(ctx context.Context, batchID, planID string, total int, results []types.DeviceResult, d *types.Decision) Outcome {
	var counts types.ExecutionCounts
	counts.Add(results)
	rep := types.BatchReport{
		ReportID:    s.newID("rep"),
		PlanID:      planID,
		Status:      types.BatchCompleted,
		Total:       total,
		Succeeded:   counts.Succeeded,
		Failed:      counts.Failed,
		Results:     results,
		Decision:    d,
		GeneratedAt: s.now(),
	}
	_ = s.audit.LogBatchComplete(batchID, 1, results, 0)
	s.logger.WithContext(ctx).Info("Batch %s completed: %d succeeded, %d failed", batchID, counts.Succeeded, counts.Failed)
	if s.metrics != nil {
		s.metrics.Batches.WithLabelValues(string(rep.Status)).Inc()
	}
	return Outcome{Batch: &rep}
}
