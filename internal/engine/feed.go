package engine

import (
	"context"
	"errors"

	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/supervisor"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// EventSource streams checkpoint changes made by every process sharing an
// approval store. approval.RedisStore implements it.
type EventSource interface {
	Events(ctx context.Context) (<-chan approval.PlanEvent, error)
}

type resumer interface {
	Resume(ctx context.Context, planID string, decision *types.Decision) (supervisor.Outcome, error)
}

// ApprovalFeed follows a shared approval queue. It keeps the pending gauge
// in step with other processes and runs plans whose decision was recorded
// elsewhere without being claimed.
type ApprovalFeed struct {
	source  EventSource
	gate    *approval.Gate
	resumer resumer
	logger  *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewApprovalFeed returns a feed when the approval store publishes change
// events, and false otherwise.
func (e *Engine) NewApprovalFeed() (*ApprovalFeed, bool) {
	src, ok := e.store.(EventSource)
	if !ok {
		return nil, false
	}
	return newApprovalFeed(src, e.gate, e.supervisor), true
}

func newApprovalFeed(src EventSource, gate *approval.Gate, r resumer) *ApprovalFeed {
	return &ApprovalFeed{
		source:  src,
		gate:    gate,
		resumer: r,
		logger:  logging.GetLogger("engine.feed"),
	}
}

func (f *ApprovalFeed) Name() string { return "approval-feed" }

func (f *ApprovalFeed) Start(ctx context.Context) error {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := f.source.Events(fctx)
	if err != nil {
		cancel()
		return err
	}
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		for ev := range events {
			f.handle(fctx, ev)
		}
	}()
	f.logger.Info("Following approval events")
	return nil
}

func (f *ApprovalFeed) Stop(ctx context.Context) error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ApprovalFeed) handle(ctx context.Context, ev approval.PlanEvent) {
	f.gate.RefreshPending(ctx)
	if ev.Deleted || ev.Stage != types.StageDecided {
		return
	}

	out, err := f.resumer.Resume(ctx, ev.PlanID, nil)
	switch {
	case errors.Is(err, types.ErrPlanConflict), errors.Is(err, types.ErrPlanNotFound):
		f.logger.Debug("Plan %s was taken by another process: %v", ev.PlanID, err)
	case err != nil:
		f.logger.Error("Failed to run decided plan %s: %v", ev.PlanID, err)
	case out.Report != nil:
		f.logger.Info("Plan %s ran; investigation %s", ev.PlanID, out.Report.Status)
	case out.Batch != nil:
		f.logger.Info("Plan %s ran; batch %s (%d succeeded, %d failed)",
			ev.PlanID, out.Batch.Status, out.Batch.Succeeded, out.Batch.Failed)
	case out.Suspended:
		f.logger.Info("Plan %s ran; investigation suspended again at plan %s", ev.PlanID, out.PlanID)
	}
}
