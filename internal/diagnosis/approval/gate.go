// Package approval implements the human approval gate for write tasks.
//
// Every batch that contains a write task is turned into a BatchChangePlan
// and checkpointed before anyone is asked. The pipeline then either gets an
// inline decision from its Channel or suspends; a suspended plan can be
// decided later, by another process, through Gate.Decide.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// Outcome is a resolved plan together with the write tasks cleared to run.
type Outcome struct {
	Checkpoint types.Checkpoint
	Writes     []types.DeviceTask
}

// Rejected reports whether the plan was rejected.
func (o Outcome) Rejected() bool {
	return o.Checkpoint.Plan.Status == types.PlanRejected
}

// Gate mediates between suspended pipelines, the checkpoint store and the
// channel humans answer on.
type Gate struct {
	store   Store
	channel Channel
	metrics *Metrics
	now     func() time.Time
	logger  *logging.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateMetrics records approval metrics.
func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. A nil channel defers every plan.
func NewGate(store Store, channel Channel, opts ...GateOption) *Gate {
	if channel == nil {
		channel = DeferredChannel{}
	}
	g := &Gate{
		store:   store,
		channel: channel,
		now:     time.Now,
		logger:  logging.GetLogger("diagnosis.approval"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store returns the underlying checkpoint store.
func (g *Gate) Store() Store {
	return g.store
}

// Submit persists cp and presents its plan. It returns
// types.ErrDecisionDeferred when the channel cannot decide now; the
// checkpoint then stays pending and no write task may run.
func (g *Gate) Submit(ctx context.Context, cp types.Checkpoint) (Outcome, error) {
	if cp.Plan.Status == "" {
		cp.Plan.Status = types.PlanPending
	}
	if cp.Plan.Status != types.PlanPending {
		return Outcome{}, fmt.Errorf("plan %s submitted with status %s", cp.PlanID, cp.Plan.Status)
	}
	if cp.SchemaVersion == "" {
		cp.SchemaVersion = types.CheckpointSchemaVersion
	}
	if cp.PlanID == "" {
		cp.PlanID = cp.Plan.PlanID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = g.now()
	}

	if err := g.store.Save(ctx, cp); err != nil {
		return Outcome{}, fmt.Errorf("failed to persist change plan: %w", err)
	}
	g.refreshPending(ctx)
	g.logger.WithContext(ctx).Info("Change plan %s awaits approval (%d write tasks on %v)",
		cp.PlanID, len(cp.Plan.Tasks), cp.Plan.Devices())

	decision, err := g.channel.Present(ctx, cp.Plan)
	if err != nil {
		if !errors.Is(err, types.ErrDecisionDeferred) {
			g.logger.Warn("Approval channel failed for plan %s, leaving it pending: %v", cp.PlanID, err)
			err = fmt.Errorf("%w: %v", types.ErrDecisionDeferred, err)
		}
		return Outcome{Checkpoint: cp}, err
	}
	return g.Decide(ctx, cp.PlanID, decision)
}

// Decide records a decision for a pending plan and claims the writes it
// clears for the caller, in one compare-and-swap on the store. Of several
// concurrent deciders exactly one succeeds; the others get
// types.ErrPlanConflict and must not dispatch anything.
func (g *Gate) Decide(ctx context.Context, planID string, d types.Decision) (Outcome, error) {
	cp, writes, err := g.resolve(ctx, planID, d)
	if err != nil {
		return Outcome{}, err
	}
	claimed := g.now()
	cp.ClaimedAt = &claimed
	if err := g.store.Transition(ctx, cp, types.StagePending); err != nil {
		return Outcome{}, fmt.Errorf("failed to persist decision: %w", err)
	}
	g.decided(ctx, planID, d)
	return Outcome{Checkpoint: cp, Writes: writes}, nil
}

// Record stores a decision without claiming the writes. A later Claim,
// typically by a serve process that can reach the devices, runs them.
func (g *Gate) Record(ctx context.Context, planID string, d types.Decision) (types.Checkpoint, error) {
	cp, _, err := g.resolve(ctx, planID, d)
	if err != nil {
		return types.Checkpoint{}, err
	}
	if err := g.store.Transition(ctx, cp, types.StagePending); err != nil {
		return types.Checkpoint{}, fmt.Errorf("failed to persist decision: %w", err)
	}
	g.decided(ctx, planID, d)
	return cp, nil
}

func (g *Gate) resolve(ctx context.Context, planID string, d types.Decision) (types.Checkpoint, []types.DeviceTask, error) {
	cp, err := g.store.Load(ctx, planID)
	if err != nil {
		return cp, nil, err
	}
	if err := cp.CheckCompatible(); err != nil {
		return cp, nil, err
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = g.now()
	}
	writes, err := cp.Plan.Resolve(d)
	if err != nil {
		return cp, nil, err
	}
	return cp, writes, nil
}

func (g *Gate) decided(ctx context.Context, planID string, d types.Decision) {
	if g.metrics != nil {
		g.metrics.Decisions.WithLabelValues(string(d.Status)).Inc()
	}
	g.refreshPending(ctx)
	g.logger.WithContext(ctx).Info("Change plan %s %s by %q", planID, d.Status, d.DecidedBy)
}

// Claim takes the writes of a plan decided through Record. Only one caller
// can claim a plan; the rest get types.ErrPlanConflict.
func (g *Gate) Claim(ctx context.Context, planID string) (Outcome, error) {
	cp, err := g.store.Load(ctx, planID)
	if err != nil {
		return Outcome{}, err
	}
	if stage := cp.Stage(); stage != types.StageDecided {
		return Outcome{}, conflict(planID, stage)
	}
	replay := cp.Plan
	replay.Status = types.PlanPending
	writes, err := replay.Resolve(*cp.Plan.Decision)
	if err != nil {
		return Outcome{}, err
	}
	claimed := g.now()
	cp.ClaimedAt = &claimed
	if err := g.store.Transition(ctx, cp, types.StageDecided); err != nil {
		return Outcome{}, err
	}
	return Outcome{Checkpoint: cp, Writes: writes}, nil
}

// Load returns the checkpoint for planID.
func (g *Gate) Load(ctx context.Context, planID string) (types.Checkpoint, error) {
	return g.store.Load(ctx, planID)
}

// Complete drops the checkpoint once its pipeline has moved past the gate.
func (g *Gate) Complete(ctx context.Context, planID string) error {
	if err := g.store.Delete(ctx, planID); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", planID, err)
	}
	g.refreshPending(ctx)
	return nil
}

// Pending lists checkpoints whose plan has no decision yet.
func (g *Gate) Pending(ctx context.Context) ([]types.Checkpoint, error) {
	return g.atStage(ctx, types.StagePending)
}

// Decided lists checkpoints with a recorded decision that nobody claimed.
func (g *Gate) Decided(ctx context.Context) ([]types.Checkpoint, error) {
	return g.atStage(ctx, types.StageDecided)
}

// Claimed lists checkpoints whose writes were taken but whose pipeline
// never completed. They need a human to check the devices.
func (g *Gate) Claimed(ctx context.Context) ([]types.Checkpoint, error) {
	return g.atStage(ctx, types.StageClaimed)
}

func (g *Gate) atStage(ctx context.Context, stage types.CheckpointStage) ([]types.Checkpoint, error) {
	all, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Checkpoint
	for _, cp := range all {
		if cp.Stage() == stage {
			out = append(out, cp)
		}
	}
	return out, nil
}

// RefreshPending recomputes the pending gauge, e.g. after another process
// changed the shared store.
func (g *Gate) RefreshPending(ctx context.Context) {
	g.refreshPending(ctx)
}

func (g *Gate) refreshPending(ctx context.Context) {
	if g.metrics == nil {
		return
	}
	pending, err := g.Pending(ctx)
	if err != nil {
		return
	}
	g.metrics.Pending.Set(float64(len(pending)))
}
