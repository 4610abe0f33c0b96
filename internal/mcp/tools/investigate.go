package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// StartInvestigationTool implements the start_investigation MCP tool
type StartInvestigationTool struct {
	investigator Investigator
}

// NewStartInvestigationTool creates a new start_investigation tool
func NewStartInvestigationTool(investigator Investigator) *StartInvestigationTool {
	return &StartInvestigationTool{investigator: investigator}
}

// StartInvestigationInput represents the input for start_investigation
type StartInvestigationInput struct {
	Query string   `json:"query"`
	Path  []string `json:"path"`
}

// Execute runs an investigation until it concludes or suspends at the
// approval gate.
func (t *StartInvestigationTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params StartInvestigationInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	params.Query = strings.TrimSpace(params.Query)
	path := make([]string, 0, len(params.Path))
	for _, d := range params.Path {
		if d = strings.TrimSpace(d); d != "" {
			path = append(path, d)
		}
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("path must name at least one device")
	}

	out, err := t.investigator.Run(ctx, params.Query, path)
	if err != nil {
		return nil, err
	}
	return outcomeResult(out), nil
}
