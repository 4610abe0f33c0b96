// Package supervisor drives investigations and batch executions.
//
// An investigation is a single-owner control loop:
//
//	INIT -> PLANNING -> DISPATCHING -> MERGING -> (PLANNING | APPROVAL_PENDING | CONCLUDED)
//
// INIT consults the knowledge retriever once. Each round asks the planner
// for a batch, gates it through approval when it contains writes, fans it
// out through the dispatcher and merges the results into the confidence
// tracker. A pending approval suspends the run durably; Resume continues
// it, possibly in another process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/faultline/internal/audit"
	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/confidence"
	"github.com/moolen/faultline/internal/diagnosis/report"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/knowledge"
	"github.com/moolen/faultline/internal/logging"
)

// Planner proposes the next batch of tasks or concludes.
type Planner interface {
	Next(ctx context.Context, req types.PlanRequest) (types.Proposal, error)
}

// Dispatcher runs a batch and returns exactly one result per task.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []types.DeviceTask) []types.DeviceResult
}

// RejectPolicy decides what a rejected change plan does to an investigation.
type RejectPolicy string

const (
	// RejectTerminate ends the investigation with a rejected report.
	RejectTerminate RejectPolicy = "terminate"
	// RejectContinue records the rejection and lets the planner go on.
	RejectContinue RejectPolicy = "continue"
)

// Config holds investigation policy.
type Config struct {
	MaxRounds      int
	Threshold      float64
	RequiredLayers []types.Layer
	OnReject       RejectPolicy
	CaseSimilarity float64
	TopK           int
	EventWindow    time.Duration
	Decay          confidence.DecayPolicy
}

// DefaultConfig returns the investigation defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:      5,
		Threshold:      0.5,
		RequiredLayers: append([]types.Layer(nil), types.AllLayers...),
		OnReject:       RejectTerminate,
		CaseSimilarity: 0.7,
		TopK:           5,
		EventWindow:    24 * time.Hour,
		Decay:          confidence.DefaultDecayPolicy(),
	}
}

// Outcome is the result of Run, Resume or RunBatch. Exactly one of
// Report, Batch or Suspended is set.
type Outcome struct {
	Report *types.DiagnosisReport
	Batch  *types.BatchReport

	// Suspended runs wait at the approval gate for PlanID.
	Suspended bool
	PlanID    string
}

// Deps are the collaborators of a Supervisor. Retriever and Audit are optional.
type Deps struct {
	Planner    Planner
	Dispatcher Dispatcher
	Gate       *approval.Gate
	Retriever  knowledge.Retriever
	Builder    *report.Builder
	Audit      *audit.Logger
	Metrics    *Metrics
}

// Supervisor owns investigations from start to report.
type Supervisor struct {
	cfg        Config
	planner    Planner
	dispatcher Dispatcher
	gate       *approval.Gate
	retriever  knowledge.Retriever
	builder    *report.Builder
	audit      *audit.Logger
	metrics    *Metrics

	tracer trace.Tracer
	logger *logging.Logger
	now    func() time.Time
	newID  func(prefix string) string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithIDs overrides ID generation.
func WithIDs(newID func(prefix string) string) Option {
	return func(s *Supervisor) { s.newID = newID }
}

// New creates a supervisor. Zero config fields take defaults.
func New(cfg Config, deps Deps, opts ...Option) (*Supervisor, error) {
	if deps.Planner == nil || deps.Dispatcher == nil || deps.Gate == nil {
		return nil, errors.New("supervisor needs a planner, a dispatcher and an approval gate")
	}
	def := DefaultConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if len(cfg.RequiredLayers) == 0 {
		cfg.RequiredLayers = def.RequiredLayers
	}
	if cfg.OnReject == "" {
		cfg.OnReject = def.OnReject
	}
	if cfg.CaseSimilarity <= 0 {
		cfg.CaseSimilarity = def.CaseSimilarity
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = def.EventWindow
	}
	if cfg.Decay == (confidence.DecayPolicy{}) {
		cfg.Decay = def.Decay
	}

	s := &Supervisor{
		cfg:        cfg,
		planner:    deps.Planner,
		dispatcher: deps.Dispatcher,
		gate:       deps.Gate,
		retriever:  deps.Retriever,
		builder:    deps.Builder,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("faultline/supervisor"),
		logger:     logging.GetLogger("supervisor"),
		now:        time.Now,
		newID:      func(prefix string) string { return prefix + "-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.builder == nil {
		s.builder = report.NewBuilder(report.Config{CaseSimilarity: cfg.CaseSimilarity, Threshold: cfg.Threshold},
			report.WithClock(s.now), report.WithIDs(func() string { return s.newID("rep") }))
	}
	return s, nil
}

// Gate returns the approval gate.
func (s *Supervisor) Gate() *approval.Gate {
	return s.gate
}

// Run starts an investigation of query along path.
func (s *Supervisor) Run(ctx context.Context, query string, path []string) (Outcome, error) {
	if query == "" {
		return Outcome{}, &types.ValidationError{Field: "query", Message: "fault description is required"}
	}
	if len(path) == 0 {
		return Outcome{}, &types.ValidationError{Field: "target_path", Message: "at least one device is required"}
	}

	st := types.NewInvestigationState(s.newID("inv"), query, path, s.cfg.MaxRounds, s.now())
	ctx = logging.WithInvestigationID(ctx, st.ID)
	ctx, span := s.tracer.Start(ctx, "investigation")
	defer span.End()

	_ = s.audit.LogInvestigationStart(st.ID, query, path, st.MaxRounds)
	s.logger.WithContext(ctx).Info("Investigation started: %q on %v", query, path)

	s.seed(ctx, st)
	return s.loop(ctx, st, nil)
}

// seed consults the knowledge retriever once. Failures only cost hints.
func (s *Supervisor) seed(ctx context.Context, st *types.InvestigationState) {
	if s.retriever == nil {
		return
	}
	logger := s.logger.WithContext(ctx)

	cases, err := s.retriever.Search(ctx, st.Query, s.cfg.TopK)
	if err != nil {
		logger.Warn("Knowledge retriever unavailable, continuing without case hints: %v", err)
		st.AddNote(fmt.Sprintf("%v: %v", types.ErrRetrieverUnavailable, err))
		_ = s.audit.LogError(st.ID, "knowledge", err)
	}
	events, err := s.retriever.RecentEvents(ctx, st.TargetPath, s.cfg.EventWindow)
	if err != nil {
		logger.Warn("Event hints unavailable: %v", err)
	}

	st.Cases = cases
	st.Events = events
	st.Hints = knowledge.Hints(cases, events, s.cfg.CaseSimilarity)
	if len(st.Hints) > 0 {
		logger.Debug("Layer priority hints: %v", st.Hints)
	}
}

// loop runs rounds until a termination condition holds or the run
// suspends. decided, when set, is a round whose approval was already
// decided and must be completed first.
func (s *Supervisor) loop(ctx context.Context, st *types.InvestigationState, decided *approval.Outcome) (Outcome, error) {
	tracker := confidence.FromLayers(st.Layers)
	logger := s.logger.WithContext(ctx)

	if decided != nil {
		if s.completeDecided(ctx, st, tracker, *decided) {
			return s.finish(ctx, st), nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			st.Inconclusive = true
			st.Terminal = types.TerminalCancelled
			st.AddNote("investigation cancelled: " + err.Error())
			return s.finish(ctx, st), nil
		}
		if st.Round >= st.MaxRounds {
			st.Inconclusive = true
			st.Terminal = types.TerminalMaxRounds
			return s.finish(ctx, st), nil
		}

		round := st.Round + 1
		rctx, span := s.tracer.Start(ctx, "investigation.round")

		// PLANNING
		gaps := tracker.Gaps(s.cfg.Threshold, st.Hints)
		_ = s.audit.LogRoundStart(st.ID, round, gaps)
		prop, err := s.planner.Next(rctx, types.PlanRequest{State: st.Snapshot(), Gaps: gaps, Threshold: s.cfg.Threshold})
		if err == nil {
			err = prop.Validate()
		}
		if err != nil {
			span.End()
			logger.Error("Planner failed in round %d: %v", round, err)
			_ = s.audit.LogError(st.ID, "planning", err)
			st.Inconclusive = true
			st.Terminal = types.TerminalPlannerFailure
			st.AddNote(fmt.Sprintf("round %d: planner failure: %v", round, err))
			return s.finish(ctx, st), nil
		}
		if prop.Conclude {
			span.End()
			st.Concluded = true
			st.Terminal = types.TerminalPlannerConcluded
			st.RootCause = prop.RootCauseHint
			st.RootCauseLayer = prop.RootCauseLayer
			return s.finish(ctx, st), nil
		}
		_ = s.audit.LogTasksProposed(st.ID, round, prop.Tasks, prop.Rationale)

		// DISPATCHING
		reads, writes := types.SplitByKind(prop.Tasks)
		if len(writes) > 0 {
			out, err := s.submit(rctx, st, round, prop.Tasks)
			span.End()
			switch {
			case errors.Is(err, types.ErrDecisionDeferred):
				logger.Info("Investigation suspended at round %d waiting for plan %s", round, out.Checkpoint.PlanID)
				if s.metrics != nil {
					s.metrics.Suspended.Inc()
				}
				return Outcome{Suspended: true, PlanID: out.Checkpoint.PlanID}, nil
			case err != nil:
				_ = s.audit.LogError(st.ID, "approval", err)
				st.Inconclusive = true
				st.Terminal = types.TerminalApprovalError
				st.AddNote(fmt.Sprintf("round %d: approval gate failed: %v", round, err))
				return s.finish(ctx, st), nil
			}
			if s.completeDecided(ctx, st, tracker, out) {
				return s.finish(ctx, st), nil
			}
			continue
		}

		// MERGING
		s.dispatchRound(rctx, st, tracker, round, reads)
		span.End()
		if s.satisfied(st, tracker) {
			return s.finish(ctx, st), nil
		}
	}
}

// submit checkpoints the round and asks for approval. The checkpoint
// carries the state as of before this round.
func (s *Supervisor) submit(ctx context.Context, st *types.InvestigationState, round int, tasks []types.DeviceTask) (approval.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "approval.submit")
	defer span.End()

	plan, err := types.NewBatchChangePlan(s.newID("plan"), st.ID, round, tasks, s.now())
	if err != nil {
		return approval.Outcome{}, err
	}
	reads, _ := types.SplitByKind(tasks)
	snapshot := st.Snapshot()
	cp := types.Checkpoint{
		SchemaVersion: types.CheckpointSchemaVersion,
		PlanID:        plan.PlanID,
		Mode:          types.ModeInvestigation,
		State:         &snapshot,
		Plan:          *plan,
		ReadTasks:     reads,
		CreatedAt:     plan.CreatedAt,
	}
	_ = s.audit.LogApprovalPending(st.ID, *plan)
	return s.gate.Submit(ctx, cp)
}

// completeDecided finishes a round whose plan has a decision. It reports
// whether the investigation is over.
func (s *Supervisor) completeDecided(ctx context.Context, st *types.InvestigationState, tracker *confidence.Tracker, out approval.Outcome) bool {
	plan := out.Checkpoint.Plan
	if plan.Decision != nil {
		_ = s.audit.LogApprovalDecided(st.ID, plan.PlanID, *plan.Decision)
	}

	if out.Rejected() {
		st.Round = plan.Round
		st.Execution.Rejected += len(plan.Tasks)
		st.AddNote(fmt.Sprintf("round %d: approval denied for plan %s (%d write tasks on %v discarded)",
			plan.Round, plan.PlanID, len(plan.Tasks), plan.Devices()))
		s.complete(ctx, plan.PlanID)
		if s.cfg.OnReject == RejectTerminate {
			st.Terminal = types.TerminalApprovalRejected
			st.Concluded = true
			return true
		}
		return false
	}

	tasks := append(append([]types.DeviceTask(nil), out.Checkpoint.ReadTasks...), out.Writes...)
	s.dispatchRound(ctx, st, tracker, plan.Round, tasks)
	s.complete(ctx, plan.PlanID)
	return s.satisfied(st, tracker)
}

func (s *Supervisor) complete(ctx context.Context, planID string) {
	if err := s.gate.Complete(context.WithoutCancel(ctx), planID); err != nil {
		s.logger.WithContext(ctx).Warn("Failed to drop checkpoint %s: %v", planID, err)
	}
}

// dispatchRound fans tasks out and merges the results.
func (s *Supervisor) dispatchRound(ctx context.Context, st *types.InvestigationState, tracker *confidence.Tracker, round int, tasks []types.DeviceTask) {
	start := s.now()
	results := s.dispatcher.Dispatch(ctx, tasks)

	byID := make(map[string]types.DeviceTask, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	for _, u := range s.cfg.Decay.BatchUpdates(results, s.now()) {
		tracker.Merge(u)
	}
	for _, r := range results {
		op := byID[r.TaskID].Operation
		if r.Success {
			st.RecordDevice(r.DeviceID, op+": ok")
		} else {
			st.RecordDevice(r.DeviceID, fmt.Sprintf("%s: failed (%s)", op, r.Error))
		}
		for _, n := range r.Notes {
			st.AddNote(fmt.Sprintf("round %d: %s: %s", round, r.DeviceID, n))
		}
	}

	st.Layers = tracker.Layers()
	st.Execution.Add(results)
	st.Round = round
	_ = s.audit.LogBatchComplete(st.ID, round, results, s.now().Sub(start))
}

func (s *Supervisor) satisfied(st *types.InvestigationState, tracker *confidence.Tracker) bool {
	if !tracker.Satisfied(s.cfg.Threshold, s.cfg.RequiredLayers) {
		return false
	}
	st.Concluded = true
	st.Terminal = types.TerminalConfidenceReached
	return true
}

// finish builds the report and indexes it. It never fails.
func (s *Supervisor) finish(ctx context.Context, st *types.InvestigationState) Outcome {
	rep := s.builder.Build(st)
	logger := s.logger.WithContext(ctx)
	logger.InfoWithFields("Investigation finished",
		logging.Field("status", rep.Status),
		logging.Field("terminal", rep.Terminal),
		logging.Field("rounds", rep.Rounds),
		logging.Field("root_cause_layer", rep.RootCauseLayer))

	if s.retriever != nil && rep.Status == types.ReportConcluded {
		if err := s.retriever.Index(context.WithoutCancel(ctx), rep); err != nil {
			logger.Warn("Failed to index report %s: %v", rep.ReportID, err)
		}
	}
	_ = s.audit.LogInvestigationConcluded(st.ID, rep)
	if s.metrics != nil {
		s.metrics.Investigations.WithLabelValues(string(rep.Status)).Inc()
		s.metrics.Rounds.Observe(float64(rep.Rounds))
	}
	return Outcome{Report: &rep}
}
