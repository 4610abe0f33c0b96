package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/diagnosis/supervisor"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

type stubInvestigator struct {
	decision *types.Decision
}

func (s *stubInvestigator) Run(context.Context, string, []string) (supervisor.Outcome, error) {
	return supervisor.Outcome{Suspended: true, PlanID: "plan-1"}, nil
}

func (s *stubInvestigator) Resume(_ context.Context, planID string, d *types.Decision) (supervisor.Outcome, error) {
	s.decision = d
	return supervisor.Outcome{Report: &types.DiagnosisReport{Status: types.ReportRejected}}, nil
}

type stubApprovals struct{}

func (stubApprovals) Pending(context.Context) ([]types.Checkpoint, error) { return nil, nil }

func (stubApprovals) Load(_ context.Context, planID string) (types.Checkpoint, error) {
	return types.Checkpoint{}, types.ErrPlanNotFound
}

// call sends one JSON-RPC message and returns the decoded result object.
func call(t *testing.T, s *Server, method string, params interface{}) map[string]interface{} {
	t.Helper()
	msg, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp := s.MCPServer().HandleMessage(context.Background(), msg)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		Result map[string]interface{} `json:"result"`
		Error  interface{}            `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Nil(t, decoded.Error, string(raw))
	return decoded.Result
}

func initialize(t *testing.T, s *Server) {
	call(t, s, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]interface{}{"name": "test", "version": "1"},
		"capabilities":    map[string]interface{}{},
	})
}

func toolText(t *testing.T, result map[string]interface{}) (string, bool) {
	t.Helper()
	content, ok := result["content"].([]interface{})
	require.True(t, ok, "result has content")
	require.NotEmpty(t, content)
	text, _ := content[0].(map[string]interface{})["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func TestServer_ListsTools(t *testing.T) {
	s := NewServer(&stubInvestigator{}, stubApprovals{}, "test")
	initialize(t, s)

	result := call(t, s, "tools/list", map[string]interface{}{})
	list, ok := result["tools"].([]interface{})
	require.True(t, ok)

	var names []string
	for _, tool := range list {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	sort.Strings(names)
	assert.Equal(t, []string{"decide_change_plan", "get_change_plan", "list_pending_approvals", "start_investigation"}, names)
}

func TestServer_CallTools(t *testing.T) {
	inv := &stubInvestigator{}
	s := NewServer(inv, stubApprovals{}, "test")
	initialize(t, s)

	text, isError := toolText(t, call(t, s, "tools/call", map[string]interface{}{
		"name":      "start_investigation",
		"arguments": map[string]interface{}{"query": "packet loss", "path": []string{"SW1", "R1"}},
	}))
	require.False(t, isError, text)
	assert.Contains(t, text, `"state": "suspended"`)
	assert.Contains(t, text, `"plan_id": "plan-1"`)

	text, isError = toolText(t, call(t, s, "tools/call", map[string]interface{}{
		"name":      "decide_change_plan",
		"arguments": map[string]interface{}{"plan_id": "plan-1", "status": "rejected", "decided_by": "alice"},
	}))
	require.False(t, isError, text)
	assert.Contains(t, text, `"state": "rejected"`)
	require.NotNil(t, inv.decision)
	assert.Equal(t, "alice", inv.decision.DecidedBy)

	text, isError = toolText(t, call(t, s, "tools/call", map[string]interface{}{
		"name":      "get_change_plan",
		"arguments": map[string]interface{}{"plan_id": "plan-404"},
	}))
	assert.True(t, isError)
	assert.Contains(t, text, "plan not found")
}

func TestServer_Prompts(t *testing.T) {
	s := NewServer(&stubInvestigator{}, stubApprovals{}, "test")
	initialize(t, s)

	result := call(t, s, "prompts/get", map[string]interface{}{
		"name":      "triage_network_fault",
		"arguments": map[string]string{"symptom": "packet loss", "path": "SW1,R1,R2"},
	})
	messages, ok := result["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 1)
	raw, err := json.Marshal(messages[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `start_investigation with query \"packet loss\" and path [SW1,R1,R2]`)
}
