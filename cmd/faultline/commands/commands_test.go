package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

func TestParseLogLevelFlags(t *testing.T) {
	def, pkgs, err := parseLogLevelFlags(
		[]string{"debug", "supervisor=warn"},
		[]string{"LOG_LEVEL_DIAGNOSIS_DISPATCH=error", "LOG_LEVEL_SUPERVISOR=debug", "PATH=/bin"},
	)
	require.NoError(t, err)
	assert.Equal(t, "debug", def)
	assert.Equal(t, map[string]string{"diagnosis.dispatch": "error", "supervisor": "warn"}, pkgs)

	def, _, err = parseLogLevelFlags([]string{"default=warn"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", def)

	_, _, err = parseLogLevelFlags([]string{"loud"}, nil)
	assert.Error(t, err)
	_, _, err = parseLogLevelFlags([]string{"adapters=loud"}, nil)
	assert.ErrorContains(t, err, `"adapters"`)
}

func TestLoadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`tasks:
  - device_id: SW1
    task_kind: write
    operation: add_vlan
    parameters: {vlan: 100}
    rollback: no vlan 100
  - task_id: check
    device_id: SW1
    task_kind: read
    operation: show_vlans
    timeout: 5s
`), 0o644))

	tasks, err := loadBatchFile(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-1", tasks[0].TaskID)
	assert.Equal(t, types.TaskWrite, tasks[0].Kind)
	assert.Equal(t, 100, tasks[0].Parameters["vlan"])
	assert.Equal(t, "check", tasks[1].TaskID)
	assert.Equal(t, "5s", tasks[1].Timeout.String())

	_, err = loadBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// writeLab writes an engine config with a scripted lab and returns its path.
func writeLab(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	adapters := filepath.Join(dir, "adapters.yaml")
	require.NoError(t, os.WriteFile(adapters, []byte(`schema_version: v1
instances:
  - name: lab
    type: scripted
    enabled: true
    config:
      responses:
        - device: R1
          operation: show_interfaces
          kind: read
          output: Ethernet1 is down
          confidence: 0.9
          anomaly: true
          findings: [Ethernet1 down]
        - operation: show_*
          kind: read
          output: ok
          confidence: 0.9
        - operation: add_vlan
          kind: write
          output: vlan added
`), 0o644))

	cfgPath := filepath.Join(dir, "faultline.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`adapters_path: `+adapters+`
approval:
  store: file
  path: `+filepath.Join(dir, "approvals")+`
knowledge:
  library_path: `+filepath.Join(dir, "cases.yaml")+`
`), 0o644))
	return cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInvestigateCommand(t *testing.T) {
	cfg := writeLab(t)
	out, err := run(t, "investigate", "--config", cfg, "-q", "SW1 cannot reach R1", "-p", "SW1, R1", "--output", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "(concluded)")
	assert.Contains(t, out, "[physical")
}

func TestBatchApprovalFlow(t *testing.T) {
	cfg := writeLab(t)
	tasks := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(tasks, []byte(`tasks:
  - {task_id: w1, device_id: SW1, task_kind: write, operation: add_vlan, parameters: {vlan: 100}}
  - {task_id: w2, device_id: SW2, task_kind: write, operation: add_vlan, parameters: {vlan: 100}}
`), 0o644))

	// stdin is not a terminal under go test, so the plan is deferred
	out, err := run(t, "batch", "--config", cfg, "--file", tasks, "--output", "text")
	require.NoError(t, err)
	m := regexp.MustCompile(`change plan (\S+)\.`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	planID := m[1]

	out, err = run(t, "approvals", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, planID)
	assert.Contains(t, out, "[SW1 SW2]")

	out, err = run(t, "approvals", "show", planID, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "add_vlan")

	out, err = run(t, "approvals", "edit", planID, "--config", cfg, "--set", "w2.vlan=120", "--by", "alice", "--output", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)
	assert.Contains(t, out, `"succeeded": 2`)

	out, err = run(t, "approvals", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No change plans waiting for approval.")

	_, err = run(t, "approvals", "approve", planID, "--config", cfg)
	assert.ErrorIs(t, err, types.ErrPlanNotFound)
}

func TestBatchRecordOnlyThenRun(t *testing.T) {
	cfg := writeLab(t)
	tasks := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(tasks, []byte(`tasks:
  - {task_id: w1, device_id: SW1, task_kind: write, operation: add_vlan, parameters: {vlan: 100}}
`), 0o644))

	out, err := run(t, "batch", "--config", cfg, "--file", tasks, "--output", "text")
	require.NoError(t, err)
	m := regexp.MustCompile(`change plan (\S+)\.`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	planID := m[1]

	_, err = run(t, "approvals", "run", planID, "--config", cfg, "--output", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no decision yet")

	out, err = run(t, "approvals", "approve", planID, "--config", cfg, "--record-only", "--by", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan "+planID+" approved")
	assert.Contains(t, out, "faultline approvals run "+planID)

	out, err = run(t, "approvals", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No change plans waiting for approval.")

	// the recorded decision stands
	_, err = run(t, "approvals", "reject", planID, "--config", cfg, "--record-only=false")
	assert.ErrorIs(t, err, types.ErrPlanConflict)

	out, err = run(t, "approvals", "run", planID, "--config", cfg, "--output", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)
	assert.Contains(t, out, `"succeeded": 1`)

	_, err = run(t, "approvals", "run", planID, "--config", cfg, "--output", "text")
	assert.ErrorIs(t, err, types.ErrPlanNotFound)
}
