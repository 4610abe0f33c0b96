package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Approval.Path = filepath.Join(dir, "approvals")
	cfg.Knowledge.LibraryPath = filepath.Join(dir, "cases.yaml")
	cfg.AuditPath = filepath.Join(dir, "audit.jsonl")
	return cfg
}

func labAdapters() *config.AdaptersFile {
	return &config.AdaptersFile{
		SchemaVersion: "v1",
		Instances: []config.AdapterConfig{{
			Name:    "lab",
			Type:    "scripted",
			Enabled: true,
			Config: map[string]interface{}{
				"responses": []interface{}{
					map[string]interface{}{
						"device": "R1", "operation": "show_interfaces", "kind": "read",
						"output": "Ethernet1 is down", "confidence": 0.9, "anomaly": true,
						"findings": []interface{}{"Ethernet1 down"},
					},
					map[string]interface{}{
						"operation": "show_interfaces", "kind": "read",
						"output": "all up", "confidence": 0.9,
					},
					map[string]interface{}{
						"operation": "bounce_interface", "kind": "write",
						"output": "done",
					},
				},
			},
		}},
	}
}

func TestNew_InvestigatesWithScriptedAdapters(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(context.Background(), cfg, Options{Adapters: labAdapters()})
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Supervisor().Run(context.Background(), "SW1 cannot reach R1", []string{"SW1", "R1"})
	require.NoError(t, err)
	require.NotNil(t, out.Report)

	rep := out.Report
	assert.Equal(t, types.ReportConcluded, rep.Status)
	assert.Equal(t, types.LayerPhysical, rep.RootCauseLayer)
	assert.Equal(t, 1, rep.Rounds)
	assert.Equal(t, 2, rep.Execution.Succeeded)

	// concluded reports become cases
	assert.Len(t, e.Library().Cases(), 1)
	_, err = os.Stat(cfg.Knowledge.LibraryPath)
	assert.NoError(t, err)

	audit, err := os.ReadFile(cfg.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "investigation_concluded")
}

func TestNew_SuspendsAndResumesWrites(t *testing.T) {
	cfg := testConfig(t)
	playbook := filepath.Join(t.TempDir(), "playbook.yaml")
	require.NoError(t, os.WriteFile(playbook, []byte(`layers:
  physical:
    - operation: show_interfaces
remediation:
  physical:
    - operation: bounce_interface
      rollback: no shutdown
`), 0o644))
	cfg.Planner.PlaybookPath = playbook

	e, err := New(context.Background(), cfg, Options{Adapters: labAdapters()})
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Supervisor().Run(context.Background(), "SW1 cannot reach R1", []string{"SW1", "R1"})
	require.NoError(t, err)
	require.True(t, out.Suspended)
	require.NotEmpty(t, out.PlanID)

	pending, err := e.Gate().Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.PlanID, pending[0].PlanID)
	require.Len(t, pending[0].Plan.Tasks, 1)
	assert.Equal(t, "R1", pending[0].Plan.Tasks[0].DeviceID)

	resumed, err := e.Supervisor().Resume(context.Background(), out.PlanID, &types.Decision{Status: types.PlanApproved, DecidedBy: "ops"})
	require.NoError(t, err)
	require.NotNil(t, resumed.Report)
	assert.Equal(t, types.ReportConcluded, resumed.Report.Status)
	assert.Equal(t, 3, resumed.Report.Execution.Succeeded)

	pending, err = e.Gate().Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNew_StaticChannelRejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.Store = "sqlite"
	cfg.Approval.Path = filepath.Join(t.TempDir(), "approvals.db")

	e, err := New(context.Background(), cfg, Options{
		Adapters: labAdapters(),
		Channel:  approval.StaticChannel{Status: types.PlanRejected, DecidedBy: "policy"},
	})
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Supervisor().RunBatch(context.Background(), []types.DeviceTask{
		{TaskID: "w1", DeviceID: "R1", Kind: types.TaskWrite, Operation: "bounce_interface", Layer: types.LayerPhysical},
		{TaskID: "w2", DeviceID: "R2", Kind: types.TaskWrite, Operation: "bounce_interface", Layer: types.LayerPhysical},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Batch)
	assert.Equal(t, types.BatchRejected, out.Batch.Status)
	assert.Equal(t, 2, out.Batch.Rejected)
	assert.Zero(t, out.Batch.Succeeded)
}

func TestNew_WithoutAdaptersFailsTasksAsUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Investigation.MaxRounds = 1
	e, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Supervisor().Run(context.Background(), "R1 unreachable", []string{"R1"})
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	assert.Equal(t, types.ReportInconclusive, out.Report.Status)
	assert.Equal(t, 1, out.Report.Execution.Failed)
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Workers = 0
	_, err := New(context.Background(), cfg, Options{})
	assert.ErrorContains(t, err, "dispatch.workers")

	cfg = testConfig(t)
	cfg.AdaptersPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, Options{})
	assert.Error(t, err)

	cfg = testConfig(t)
	bad := labAdapters()
	bad.Instances[0].Type = "snmp"
	_, err = New(context.Background(), cfg, Options{Adapters: bad})
	assert.ErrorContains(t, err, `unknown type "snmp"`)

	cfg = testConfig(t)
	cfg.Planner.PlaybookPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, Options{})
	assert.ErrorContains(t, err, "playbook")
}

func TestApplyAdapters_SwapsAdapterSet(t *testing.T) {
	e, err := New(context.Background(), testConfig(t), Options{Adapters: labAdapters()})
	require.NoError(t, err)
	defer e.Close()

	task := types.DeviceTask{TaskID: "r1", DeviceID: "R1", Kind: types.TaskRead, Operation: "show_interfaces", Layer: types.LayerPhysical}
	assert.True(t, e.Executor().Execute(context.Background(), task).Success)

	next := labAdapters()
	next.Instances[0].Name = "lab2"
	next.Selection = []config.SelectionConfig{{Kind: "read", Adapters: []string{"lab"}}}
	require.NoError(t, e.ApplyAdapters(next))

	res := e.Executor().Execute(context.Background(), task)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorUnavailable, res.Error)
	assert.Contains(t, res.Notes, "adapter lab is not configured")

	broken := labAdapters()
	broken.Instances[0].Type = "snmp"
	assert.Error(t, e.ApplyAdapters(broken))
	assert.Len(t, e.Executor().Policy().Rules, 1)
}

func TestNewAdaptersWatcher(t *testing.T) {
	e, err := New(context.Background(), testConfig(t), Options{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.NewAdaptersWatcher()
	assert.ErrorContains(t, err, "adapters_path")

	dir := t.TempDir()
	path := filepath.Join(dir, "adapters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`schema_version: v1
instances:
  - name: lab
    type: scripted
    enabled: true
    config:
      responses:
        - operation: show_interfaces
          output: up
`), 0o644))
	cfg := testConfig(t)
	cfg.AdaptersPath = path
	e2, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer e2.Close()

	w, err := e2.NewAdaptersWatcher()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	task := types.DeviceTask{TaskID: "r1", DeviceID: "R1", Kind: types.TaskRead, Operation: "show_interfaces", Layer: types.LayerPhysical}
	assert.Equal(t, "lab", e2.Executor().Execute(context.Background(), task).Adapter)
}

func TestSupervisorConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Investigation.RequiredLayers = []string{"physical", "network"}
	cfg.Investigation.OnReject = "continue"

	sc := SupervisorConfig(cfg)
	assert.Equal(t, []types.Layer{types.LayerPhysical, types.LayerNetwork}, sc.RequiredLayers)
	assert.EqualValues(t, "continue", sc.OnReject)
	assert.Equal(t, 5, sc.MaxRounds)
	assert.Equal(t, 5, sc.TopK)
	assert.Equal(t, time.Hour, sc.Decay.DecayTimeConstant)
	assert.Equal(t, 0.25, sc.Decay.Floor)
}

func TestClose_Idempotent(t *testing.T) {
	e, err := New(context.Background(), testConfig(t), Options{})
	require.NoError(t, err)
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}
