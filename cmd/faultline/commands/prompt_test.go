package commands

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

func vlanPlan() types.BatchChangePlan {
	return types.BatchChangePlan{
		PlanID:          "plan-1",
		InvestigationID: "inv-1",
		Round:           2,
		Status:          types.PlanPending,
		Tasks: []types.DeviceTask{
			{TaskID: "w1", DeviceID: "SW1", Kind: types.TaskWrite, Operation: "add_vlan", Parameters: map[string]interface{}{"vlan": 100}, Rollback: "no vlan 100"},
			{TaskID: "w2", DeviceID: "SW2", Kind: types.TaskWrite, Operation: "add_vlan", Parameters: map[string]interface{}{"vlan": 100}},
		},
	}
}

func present(t *testing.T, input string) (types.Decision, string, error) {
	t.Helper()
	var out bytes.Buffer
	c := newTerminalChannel(strings.NewReader(input), &out, "alice")
	d, err := c.Present(context.Background(), vlanPlan())
	return d, out.String(), err
}

func TestTerminalChannel_Approve(t *testing.T) {
	d, out, err := present(t, "y\n")
	require.NoError(t, err)
	assert.Equal(t, types.PlanApproved, d.Status)
	assert.Equal(t, "alice", d.DecidedBy)
	assert.Contains(t, out, "Change plan plan-1")
	assert.Contains(t, out, "2 write tasks on SW1, SW2")
	assert.Contains(t, out, "rollback: no vlan 100")
}

func TestTerminalChannel_RejectWithComment(t *testing.T) {
	d, _, err := present(t, "maybe\nn\nchange freeze\n")
	require.NoError(t, err)
	assert.Equal(t, types.PlanRejected, d.Status)
	assert.Equal(t, "change freeze", d.Comment)
}

func TestTerminalChannel_Edit(t *testing.T) {
	d, _, err := present(t, "e\nw2.vlan=120\n\n")
	require.NoError(t, err)
	assert.Equal(t, types.PlanEdited, d.Status)
	assert.Equal(t, map[string]map[string]interface{}{"w2": {"vlan": 120}}, d.Edits)
}

func TestTerminalChannel_EditUnknownTaskAsksAgain(t *testing.T) {
	d, out, err := present(t, "e\nw9.vlan=120\n\ny\n")
	require.NoError(t, err)
	assert.Equal(t, types.PlanApproved, d.Status)
	assert.Contains(t, out, `task "w9" is not part of plan plan-1`)
}

func TestTerminalChannel_EOFDefers(t *testing.T) {
	_, _, err := present(t, "")
	assert.ErrorIs(t, err, types.ErrDecisionDeferred)
}

func TestTerminalChannel_ContextCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := newTerminalChannel(r, &bytes.Buffer{}, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Present(ctx, vlanPlan())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseSets(t *testing.T) {
	edits, err := parseSets([]string{"w1.vlan=120", "w1.name=core uplink", "w2.enabled=true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]interface{}{
		"w1": {"vlan": 120, "name": "core uplink"},
		"w2": {"enabled": true},
	}, edits)

	for _, bad := range []string{"w1vlan=1", "w1.vlan", ".vlan=1", "w1.=1"} {
		_, err := parseSets([]string{bad})
		assert.Error(t, err, bad)
	}
}
