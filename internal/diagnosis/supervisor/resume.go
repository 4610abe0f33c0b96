package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// Resume continues a run suspended at the approval gate. With a decision
// the pending plan is decided and claimed first; with nil, planID must
// carry a decision recorded through Gate.Record, which is claimed here.
// A pending plan without a decision returns types.ErrDecisionDeferred. A
// plan another caller decided or claimed first returns
// types.ErrPlanConflict and nothing is dispatched.
func (s *Supervisor) Resume(ctx context.Context, planID string, decision *types.Decision) (Outcome, error) {
	cp, err := s.gate.Load(ctx, planID)
	if err != nil {
		return Outcome{}, err
	}
	if err := cp.CheckCompatible(); err != nil {
		return Outcome{}, err
	}

	var out approval.Outcome
	switch {
	case cp.Plan.Status == types.PlanPending && decision == nil:
		return Outcome{Suspended: true, PlanID: planID}, types.ErrDecisionDeferred
	case cp.Plan.Status == types.PlanPending:
		out, err = s.gate.Decide(ctx, planID, *decision)
	case decision != nil:
		return Outcome{}, fmt.Errorf("%w: plan %s was already %s", types.ErrPlanConflict, planID, cp.Plan.Status)
	default:
		out, err = s.gate.Claim(ctx, planID)
	}
	if err != nil {
		return Outcome{}, err
	}

	if cp.Mode == types.ModeBatch {
		return s.finishBatch(ctx, cp.Plan.InvestigationID, len(cp.ReadTasks)+len(cp.Plan.Tasks), out), nil
	}
	if cp.State == nil {
		return Outcome{}, fmt.Errorf("checkpoint %s has no investigation state", planID)
	}

	st := cp.State
	ctx = logging.WithInvestigationID(ctx, st.ID)
	ctx, span := s.tracer.Start(ctx, "investigation")
	defer span.End()
	s.logger.WithContext(ctx).Info("Resuming investigation at round %d after plan %s was %s",
		out.Checkpoint.Plan.Round, planID, out.Checkpoint.Plan.Status)

	return s.loop(ctx, st, &out)
}

// RecoverDecided resumes every run whose plan was decided through
// Gate.Record but never claimed. Plans claimed by a run that stopped before
// completing are only reported: their writes may have reached devices, so
// they are never dispatched a second time.
func (s *Supervisor) RecoverDecided(ctx context.Context) ([]Outcome, error) {
	if stalled, err := s.gate.Claimed(ctx); err == nil {
		for _, cp := range stalled {
			s.logger.Warn("Plan %s was claimed at %s but its run never completed; check %v and complete it by hand",
				cp.PlanID, cp.ClaimedAt.Format(time.RFC3339), cp.Plan.Devices())
		}
	}

	decided, err := s.gate.Decided(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(decided))
	for _, cp := range decided {
		out, err := s.Resume(ctx, cp.PlanID, nil)
		if errors.Is(err, types.ErrPlanConflict) {
			s.logger.Debug("Plan %s was claimed elsewhere: %v", cp.PlanID, err)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to recover plan %s: %v", cp.PlanID, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
