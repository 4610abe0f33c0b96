package approval

import (
	"context"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Channel presents a pending plan to a human. It either returns a decision
// now or types.ErrDecisionDeferred, in which case the plan stays pending in
// the store until someone resolves it through Gate.Decide.
type Channel interface {
	Present(ctx context.Context, plan types.BatchChangePlan) (types.Decision, error)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, plan types.BatchChangePlan) (types.Decision, error)

func (f ChannelFunc) Present(ctx context.Context, plan types.BatchChangePlan) (types.Decision, error) {
	return f(ctx, plan)
}

// DeferredChannel never answers inline. Used by the server and MCP modes,
// where decisions arrive out of band.
type DeferredChannel struct{}

func (DeferredChannel) Present(context.Context, types.BatchChangePlan) (types.Decision, error) {
	return types.Decision{}, types.ErrDecisionDeferred
}

// StaticChannel answers every plan with the same verdict.
type StaticChannel struct {
	Status    types.PlanStatus
	DecidedBy string
	Comment   string
}

func (c StaticChannel) Present(context.Context, types.BatchChangePlan) (types.Decision, error) {
	return types.Decision{Status: c.Status, DecidedBy: c.DecidedBy, Comment: c.Comment}, nil
}
