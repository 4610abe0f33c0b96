package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/knowledge"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type plannerFunc func(ctx context.Context, req types.PlanRequest) (types.Proposal, error)

type recordingPlanner struct {
	fn   plannerFunc
	reqs []types.PlanRequest
}

func (p *recordingPlanner) Next(ctx context.Context, req types.PlanRequest) (types.Proposal, error) {
	p.reqs = append(p.reqs, req)
	return p.fn(ctx, req)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	fn    func(types.DeviceTask) types.DeviceResult
	calls [][]types.DeviceTask
}

func (d *fakeDispatcher) Dispatch(_ context.Context, tasks []types.DeviceTask) []types.DeviceResult {
	d.mu.Lock()
	d.calls = append(d.calls, append([]types.DeviceTask(nil), tasks...))
	d.mu.Unlock()

	out := make([]types.DeviceResult, len(tasks))
	for i, t := range tasks {
		r := types.DeviceResult{Success: true, Observation: &types.Observation{Source: types.SourceRealtime, ObservedAt: t0}}
		if d.fn != nil {
			r = d.fn(t)
		}
		r.TaskID, r.DeviceID, r.Kind, r.Layer = t.TaskID, t.DeviceID, t.Kind, t.Layer
		out[i] = r
	}
	return out
}

func (d *fakeDispatcher) dispatched() []types.DeviceTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []types.DeviceTask
	for _, c := range d.calls {
		all = append(all, c...)
	}
	return all
}

func (d *fakeDispatcher) writes() int {
	n := 0
	for _, t := range d.dispatched() {
		if t.IsWrite() {
			n++
		}
	}
	return n
}

func reads(round int, layer types.Layer, devices ...string) []types.DeviceTask {
	var out []types.DeviceTask
	for _, d := range devices {
		out = append(out, types.DeviceTask{
			TaskID: fmt.Sprintf("r%d-%s-%s", round, layer, d), DeviceID: d, Kind: types.TaskRead,
			Operation: "show_" + string(layer), Layer: layer,
		})
	}
	return out
}

func writes(round, n int) []types.DeviceTask {
	var out []types.DeviceTask
	for i := 0; i < n; i++ {
		out = append(out, types.DeviceTask{
			TaskID: fmt.Sprintf("w%d-%d", round, i), DeviceID: fmt.Sprintf("SW%d", i), Kind: types.TaskWrite,
			Operation: "add_vlan", Parameters: map[string]interface{}{"vlan": 100}, Layer: types.LayerLink,
			Rollback: "remove_vlan 100",
		})
	}
	return out
}

type fixture struct {
	store      approval.Store
	planner    *recordingPlanner
	dispatcher *fakeDispatcher
	metrics    *Metrics
}

func newFixture(t *testing.T, fn plannerFunc) *fixture {
	t.Helper()
	store, err := approval.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return &fixture{
		store:      store,
		planner:    &recordingPlanner{fn: fn},
		dispatcher: &fakeDispatcher{},
		metrics:    NewMetrics(prometheus.NewRegistry()),
	}
}

func (f *fixture) supervisor(t *testing.T, cfg Config, ch approval.Channel, retriever knowledge.Retriever) *Supervisor {
	t.Helper()
	var n int
	var mu sync.Mutex
	ids := func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
	clock := func() time.Time { return t0 }
	s, err := New(cfg, Deps{
		Planner:    f.planner,
		Dispatcher: f.dispatcher,
		Gate:       approval.NewGate(f.store, ch, approval.WithClock(clock)),
		Retriever:  retriever,
		Metrics:    f.metrics,
	}, WithClock(clock), WithIDs(ids))
	require.NoError(t, err)
	return s
}

func TestRun_SessionScenario(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req types.PlanRequest) (types.Proposal, error) {
		switch req.State.Round {
		case 0:
			return types.Proposal{Tasks: reads(1, types.LayerPhysical, "SW1", "R1", "R2")}, nil
		case 1:
			return types.Proposal{Tasks: reads(2, types.LayerNetwork, "R1", "R2")}, nil
		default:
			return types.Proposal{Conclude: true, RootCauseHint: "R1 policy blocks R2 prefix", RootCauseLayer: types.LayerNetwork}, nil
		}
	})
	f.dispatcher.fn = func(task types.DeviceTask) types.DeviceResult {
		if task.DeviceID == "SW1" {
			return types.FailedResult(task, types.ErrorTimeout, types.ErrToolTimeout, 0)
		}
		obs := &types.Observation{Source: types.SourceRealtime, Confidence: 0.9, ObservedAt: t0}
		if task.Layer == types.LayerNetwork {
			obs.Anomaly = true
			obs.Findings = []string{"BGP prefix from peer filtered"}
		}
		return types.DeviceResult{Success: true, Observation: obs}
	}
	library := knowledge.NewMemoryLibrary([]knowledge.Case{{
		ID: "case-1", Fault: "R1 and R2 cannot establish BGP session", RootCause: "route policy",
		RootCauseLayer: types.LayerNetwork, Resolution: "fix prefix-list",
	}}, nil)
	s := f.supervisor(t, Config{}, nil, library)

	out, err := s.Run(context.Background(), "R1 and R2 cannot establish session", []string{"SW1", "R1", "R2"})
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	rep := out.Report

	assert.Equal(t, types.ReportConcluded, rep.Status)
	assert.Equal(t, "R1 policy blocks R2 prefix", rep.RootCause)
	assert.Equal(t, types.LayerNetwork, rep.RootCauseLayer)
	assert.InDelta(t, 0.9, rep.Confidence, 1e-9)
	assert.Equal(t, 2, rep.Rounds)
	assert.Equal(t, types.ExecutionCounts{Succeeded: 4, Failed: 1}, rep.Execution)
	assert.Contains(t, rep.EvidenceChain, "physical: confidence 0.60 (realtime)")
	assert.Contains(t, rep.EvidenceChain, "physical: SW1: unreachable (timeout)")
	assert.Equal(t, "case-1", rep.MatchedCase)

	require.Len(t, f.planner.reqs, 3)
	assert.Equal(t, types.LayerNetwork, f.planner.reqs[0].Gaps[0], "case hints order the gaps")
	assert.InDelta(t, 0.6, f.planner.reqs[1].State.Layers[types.LayerPhysical].Confidence, 1e-9)

	cases, err := library.Search(context.Background(), "R1 R2 session", 5)
	require.NoError(t, err)
	assert.Len(t, cases, 2, "concluded report is indexed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Investigations.WithLabelValues("concluded")))
}

func TestRun_RoundBound(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req types.PlanRequest) (types.Proposal, error) {
		return types.Proposal{Tasks: reads(req.State.Round+1, types.LayerLink, "R1")}, nil
	})
	f.dispatcher.fn = func(types.DeviceTask) types.DeviceResult {
		return types.DeviceResult{Success: true, Observation: &types.Observation{Source: types.SourceRealtime, Confidence: 0.3, ObservedAt: t0}}
	}
	s := f.supervisor(t, Config{MaxRounds: 3}, nil, nil)

	out, err := s.Run(context.Background(), "flaky link", []string{"R1"})
	require.NoError(t, err)
	assert.Len(t, f.planner.reqs, 3, "planning never happens for round N+1")
	assert.Equal(t, types.ReportInconclusive, out.Report.Status)
	assert.Equal(t, types.TerminalMaxRounds, out.Report.Terminal)
	assert.Equal(t, 3, out.Report.Rounds)
}

func TestRun_ConfidenceReached(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req types.PlanRequest) (types.Proposal, error) {
		return types.Proposal{Tasks: reads(1, types.LayerPhysical, "R1", "R2")}, nil
	})
	s := f.supervisor(t, Config{RequiredLayers: []types.Layer{types.LayerPhysical}}, nil, nil)

	out, err := s.Run(context.Background(), "link down", []string{"R1", "R2"})
	require.NoError(t, err)
	assert.Len(t, f.planner.reqs, 1)
	assert.Equal(t, types.TerminalConfidenceReached, out.Report.Terminal)
	assert.Equal(t, types.NoAnomalyLocated, out.Report.RootCause)
}

func TestRun_PlannerFailureIsInconclusive(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req types.PlanRequest) (types.Proposal, error) {
		if req.State.Round == 0 {
			return types.Proposal{Tasks: reads(1, types.LayerPhysical, "R1")}, nil
		}
		return types.Proposal{}, fmt.Errorf("%w: model overloaded", types.ErrPlannerFailure)
	})
	s := f.supervisor(t, Config{}, nil, nil)

	out, err := s.Run(context.Background(), "slow", []string{"R1"})
	require.NoError(t, err)
	assert.Equal(t, types.ReportInconclusive, out.Report.Status)
	assert.Equal(t, types.TerminalPlannerFailure, out.Report.Terminal)
	assert.Equal(t, 1, out.Report.Rounds)
}

func TestRun_InvalidProposalIsPlannerFailure(t *testing.T) {
	f := newFixture(t, func(context.Context, types.PlanRequest) (types.Proposal, error) {
		return types.Proposal{}, nil
	})
	s := f.supervisor(t, Config{}, nil, nil)

	out, err := s.Run(context.Background(), "slow", []string{"R1"})
	require.NoError(t, err)
	assert.Equal(t, types.TerminalPlannerFailure, out.Report.Terminal)
}

type brokenRetriever struct{}

func (brokenRetriever) Search(context.Context, string, int) ([]types.SimilarCase, error) {
	return nil, errors.New("index offline")
}

func (brokenRetriever) RecentEvents(context.Context, []string, time.Duration) ([]types.EventHint, error) {
	return nil, errors.New("index offline")
}

func (brokenRetriever) Index(context.Context, types.DiagnosisReport) error {
	return errors.New("index offline")
}

func TestRun_RetrieverFailureDegrades(t *testing.T) {
	f := newFixture(t, func(context.Context, types.PlanRequest) (types.Proposal, error) {
		return types.Proposal{Conclude: true}, nil
	})
	s := f.supervisor(t, Config{}, nil, brokenRetriever{})

	out, err := s.Run(context.Background(), "slow", []string{"R1"})
	require.NoError(t, err)
	assert.Equal(t, types.ReportConcluded, out.Report.Status)
	assert.Contains(t, out.Report.EvidenceChain, "knowledge retriever unavailable: index offline")
}

func TestRun_ValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	s := f.supervisor(t, Config{}, nil, nil)
	_, err := s.Run(context.Background(), "", []string{"R1"})
	assert.Error(t, err)
	_, err = s.Run(context.Background(), "x", nil)
	assert.Error(t, err)
}

func TestRun_CancelledContextStillReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(_ context.Context, req types.PlanRequest) (types.Proposal, error) {
		cancel()
		return types.Proposal{Tasks: reads(1, types.LayerPhysical, "R1")}, nil
	})
	s := f.supervisor(t, Config{}, nil, nil)

	out, err := s.Run(ctx, "slow", []string{"R1"})
	require.NoError(t, err)
	assert.Equal(t, types.TerminalCancelled, out.Report.Terminal)
	assert.Equal(t, types.ReportInconclusive, out.Report.Status)
}

func remediationPlanner(round1 []types.DeviceTask) plannerFunc {
	return func(_ context.Context, req types.PlanRequest) (types.Proposal, error) {
		switch req.State.Round {
		case 0:
			return types.Proposal{Tasks: round1}, nil
		case 1:
			return types.Proposal{Tasks: reads(2, types.LayerLink, "SW0")}, nil
		default:
			return types.Proposal{Conclude: true}, nil
		}
	}
}

func TestRun_RejectionTerminates(t *testing.T) {
	batch := append(reads(1, types.LayerLink, "SW0"), writes(1, 3)...)
	f := newFixture(t, remediationPlanner(batch))
	s := f.supervisor(t, Config{}, approval.StaticChannel{Status: types.PlanRejected, DecidedBy: "alice"}, nil)

	out, err := s.Run(context.Background(), "VLAN 100 missing", []string{"SW0", "SW1", "SW2"})
	require.NoError(t, err)
	rep := out.Report
	assert.Equal(t, types.ReportRejected, rep.Status)
	assert.Equal(t, types.TerminalApprovalRejected, rep.Terminal)
	assert.Equal(t, types.ExecutionCounts{Rejected: 3}, rep.Execution)
	assert.Empty(t, f.dispatcher.dispatched(), "the whole batch is discarded")
	assert.Len(t, f.planner.reqs, 1)

	pending, err := s.Gate().Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRun_RejectionContinues(t *testing.T) {
	f := newFixture(t, remediationPlanner(writes(1, 2)))
	s := f.supervisor(t, Config{OnReject: RejectContinue}, approval.StaticChannel{Status: types.PlanRejected}, nil)

	out, err := s.Run(context.Background(), "VLAN 100 missing", []string{"SW0"})
	require.NoError(t, err)
	rep := out.Report
	assert.Equal(t, types.ReportConcluded, rep.Status)
	assert.Equal(t, 2, rep.Rounds)
	assert.Equal(t, 2, rep.Execution.Rejected)
	assert.Zero(t, f.dispatcher.writes())
	assert.Len(t, f.dispatcher.dispatched(), 1)
	assert.Contains(t, rep.EvidenceChain, "round 1: approval denied for plan plan-2 (2 write tasks on [SW0 SW1] discarded)")
}

func TestRun_ApprovedWritesRunWithReads(t *testing.T) {
	batch := append(reads(1, types.LayerLink, "SW0"), writes(1, 2)...)
	f := newFixture(t, remediationPlanner(batch))
	s := f.supervisor(t, Config{}, approval.StaticChannel{Status: types.PlanApproved}, nil)

	out, err := s.Run(context.Background(), "VLAN 100 missing", []string{"SW0"})
	require.NoError(t, err)
	assert.Equal(t, types.ReportConcluded, out.Report.Status)
	require.Len(t, f.dispatcher.calls, 2)
	assert.Len(t, f.dispatcher.calls[0], 3)
	assert.Equal(t, 2, f.dispatcher.writes())
}

func TestRun_SuspendAndResumeAcrossRestart(t *testing.T) {
	f := newFixture(t, remediationPlanner(writes(1, 2)))
	first := f.supervisor(t, Config{}, approval.DeferredChannel{}, nil)

	out, err := first.Run(context.Background(), "VLAN 100 missing", []string{"SW0", "SW1"})
	require.NoError(t, err)
	require.True(t, out.Suspended)
	assert.Nil(t, out.Report)
	assert.Empty(t, f.dispatcher.dispatched(), "nothing runs while the plan is pending")

	_, err = first.Resume(context.Background(), out.PlanID, nil)
	assert.ErrorIs(t, err, types.ErrDecisionDeferred)

	// A new supervisor sharing only the store picks the run up.
	second := f.supervisor(t, Config{}, approval.DeferredChannel{}, nil)
	resumed, err := second.Resume(context.Background(), out.PlanID, &types.Decision{
		Status: types.PlanEdited,
		Edits:  map[string]map[string]interface{}{"w1-1": {"vlan": 200}},
	})
	require.NoError(t, err)
	require.NotNil(t, resumed.Report)
	assert.Equal(t, "VLAN 100 missing", resumed.Report.FaultDescription)
	assert.Equal(t, 2, resumed.Report.Rounds)

	ran := f.dispatcher.calls[0]
	require.Len(t, ran, 2)
	assert.EqualValues(t, 100, ran[0].Parameters["vlan"])
	assert.EqualValues(t, 200, ran[1].Parameters["vlan"])

	_, err = f.store.Load(context.Background(), out.PlanID)
	assert.ErrorIs(t, err, types.ErrPlanNotFound)
}

func TestRecoverDecided(t *testing.T) {
	f := newFixture(t, remediationPlanner(writes(1, 1)))
	s := f.supervisor(t, Config{}, approval.DeferredChannel{}, nil)

	out, err := s.Run(context.Background(), "VLAN 100 missing", []string{"SW0"})
	require.NoError(t, err)
	require.True(t, out.Suspended)

	// Recorded out of band, e.g. `approvals approve --record-only`.
	_, err = s.Gate().Record(context.Background(), out.PlanID, types.Decision{Status: types.PlanApproved})
	require.NoError(t, err)

	outcomes, err := s.RecoverDecided(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, types.ReportConcluded, outcomes[0].Report.Status)
	assert.Equal(t, 1, f.dispatcher.writes())

	outcomes, err = s.RecoverDecided(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 1, f.dispatcher.writes())
}

func TestRecoverDecided_SkipsClaimedPlans(t *testing.T) {
	f := newFixture(t, remediationPlanner(writes(1, 2)))
	s := f.supervisor(t, Config{}, approval.DeferredChannel{}, nil)

	out, err := s.Run(context.Background(), "VLAN 100 missing", []string{"SW0", "SW1"})
	require.NoError(t, err)
	require.True(t, out.Suspended)

	// A run that claimed the writes and stopped before completing.
	_, err = s.Gate().Decide(context.Background(), out.PlanID, types.Decision{Status: types.PlanApproved})
	require.NoError(t, err)

	outcomes, err := s.RecoverDecided(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Zero(t, f.dispatcher.writes())

	_, err = s.Resume(context.Background(), out.PlanID, nil)
	assert.ErrorIs(t, err, types.ErrPlanConflict)
	assert.Zero(t, f.dispatcher.writes())
}

func TestResume_ConcurrentDecisionsDispatchOnce(t *testing.T) {
	f := newFixture(t, nil)
	s := f.supervisor(t, Config{}, nil, nil)

	out, err := s.RunBatch(context.Background(), writes(1, 2))
	require.NoError(t, err)
	require.True(t, out.Suspended)

	decisions := []types.PlanStatus{types.PlanApproved, types.PlanRejected, types.PlanApproved, types.PlanRejected}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won []types.PlanStatus
	var conflicts int
	for _, status := range decisions {
		wg.Add(1)
		go func(status types.PlanStatus) {
			defer wg.Done()
			_, err := s.Resume(context.Background(), out.PlanID, &types.Decision{Status: status})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, status)
			case errors.Is(err, types.ErrPlanConflict), errors.Is(err, types.ErrPlanNotFound):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(status)
	}
	wg.Wait()

	require.Len(t, won, 1, "exactly one decision wins")
	assert.Equal(t, len(decisions)-1, conflicts)
	if won[0] == types.PlanApproved {
		assert.Equal(t, 2, f.dispatcher.writes())
	} else {
		assert.Zero(t, f.dispatcher.writes())
	}
}

func TestRunBatch_RejectedMixedBatchCountsWritesOnly(t *testing.T) {
	f := newFixture(t, nil)
	s := f.supervisor(t, Config{}, approval.StaticChannel{Status: types.PlanRejected}, nil)

	tasks := append(reads(1, types.LayerPhysical, "R1", "R2"), writes(1, 3)...)
	out, err := s.RunBatch(context.Background(), tasks)
	require.NoError(t, err)
	require.NotNil(t, out.Batch)
	assert.Equal(t, types.BatchRejected, out.Batch.Status)
	assert.Equal(t, 5, out.Batch.Total)
	assert.Equal(t, 3, out.Batch.Rejected)
	assert.Equal(t, 2, out.Batch.Discarded)
	assert.Zero(t, out.Batch.Succeeded)
	assert.Empty(t, f.dispatcher.dispatched())
}

func TestRunBatch_FiftyRejectedWrites(t *testing.T) {
	f := newFixture(t, nil)
	s := f.supervisor(t, Config{}, approval.StaticChannel{Status: types.PlanRejected}, nil)

	out, err := s.RunBatch(context.Background(), writes(1, 50))
	require.NoError(t, err)
	require.NotNil(t, out.Batch)
	assert.Equal(t, types.BatchRejected, out.Batch.Status)
	assert.Equal(t, 0, out.Batch.Succeeded)
	assert.Equal(t, 0, out.Batch.Failed)
	assert.Equal(t, 50, out.Batch.Rejected)
	assert.Empty(t, f.dispatcher.dispatched())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Batches.WithLabelValues("rejected")))
}

func TestRunBatch_ApprovedAndDeferred(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.fn = func(task types.DeviceTask) types.DeviceResult {
		if task.DeviceID == "SW3" {
			return types.FailedResult(task, types.ErrorTool, errors.New("commit failed"), 0)
		}
		return types.DeviceResult{Success: true}
	}
	s := f.supervisor(t, Config{}, approval.StaticChannel{Status: types.PlanApproved}, nil)

	out, err := s.RunBatch(context.Background(), writes(1, 5))
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, out.Batch.Status)
	assert.Equal(t, 4, out.Batch.Succeeded)
	assert.Equal(t, 1, out.Batch.Failed)
	assert.Len(t, out.Batch.Results, 5)

	deferred := f.supervisor(t, Config{}, nil, nil)
	out, err = deferred.RunBatch(context.Background(), writes(2, 3))
	require.NoError(t, err)
	require.True(t, out.Suspended)

	resumed, err := deferred.Resume(context.Background(), out.PlanID, &types.Decision{Status: types.PlanRejected})
	require.NoError(t, err)
	assert.Equal(t, 3, resumed.Batch.Rejected)
	assert.Len(t, f.dispatcher.dispatched(), 5)
}

func TestRunBatch_ReadOnlySkipsGateAndValidates(t *testing.T) {
	f := newFixture(t, nil)
	s := f.supervisor(t, Config{}, approval.StaticChannel{Status: types.PlanRejected}, nil)

	out, err := s.RunBatch(context.Background(), reads(1, types.LayerPhysical, "R1", "R2"))
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, out.Batch.Status)
	assert.Equal(t, 2, out.Batch.Succeeded)

	_, err = s.RunBatch(context.Background(), nil)
	assert.Error(t, err)

	dup := append(reads(1, types.LayerPhysical, "R1"), reads(1, types.LayerPhysical, "R1")...)
	_, err = s.RunBatch(context.Background(), dup)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}
