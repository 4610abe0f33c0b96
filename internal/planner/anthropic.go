package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 2048
)

// AnthropicConfig configures the language-model planner.
type AnthropicConfig struct {
	Model     string
	MaxTokens int
	// APIKey overrides ANTHROPIC_API_KEY.
	APIKey string
	// Operations lists the operation names adapters understand, offered
	// to the model as its vocabulary.
	Operations []string
}

// completer sends one system+user exchange and returns the text reply.
type completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type anthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func (c *anthropicCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		return "", fmt.Errorf("response truncated at %d tokens", c.maxTokens)
	}
	var parts []string
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, ""), nil
}

// AnthropicPlanner asks Claude for the next batch. Anything other than a
// well-formed proposal is a planner failure; the supervisor then ends the
// investigation as inconclusive.
type AnthropicPlanner struct {
	llm        completer
	operations []string
	logger     *logging.Logger
}

// NewAnthropicPlanner creates a planner backed by the Anthropic API.
func NewAnthropicPlanner(cfg AnthropicConfig) *AnthropicPlanner {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &AnthropicPlanner{
		llm: &anthropicCompleter{
			client:    anthropic.NewClient(opts...),
			model:     cfg.Model,
			maxTokens: cfg.MaxTokens,
		},
		operations: cfg.Operations,
		logger:     logging.GetLogger("planner.anthropic"),
	}
}

const systemPrompt = `You plan network fault investigations one round at a time.
You receive the investigation state as JSON: the fault description, the device path,
per-layer confidence and findings (layers: physical, link, network, policy), the layers
still below the confidence threshold ("gaps", highest priority first), similar past cases
and recent device events.

Reply with exactly one JSON object and nothing else:
{"conclude": bool, "root_cause": string, "root_cause_layer": string, "rationale": string,
 "tasks": [{"device_id": string, "task_kind": "read"|"write", "operation": string,
            "layer": string, "parameters": object, "rollback": string, "timeout_seconds": number}]}

Rules:
- Either conclude (no tasks) or propose at least one task.
- Prefer read tasks. Only propose write tasks to remediate a confirmed anomaly, and always
  describe a rollback. Writes are reviewed by a human as one batch.
- Tasks in one reply run in parallel and must not depend on each other.
- Only use operations from the allowed list when one is given.`

type llmTask struct {
	DeviceID       string                 `json:"device_id"`
	Kind           types.TaskKind         `json:"task_kind"`
	Operation      string                 `json:"operation"`
	Layer          types.Layer            `json:"layer"`
	Parameters     map[string]interface{} `json:"parameters"`
	Rollback       string                 `json:"rollback"`
	TimeoutSeconds float64                `json:"timeout_seconds"`
}

type llmProposal struct {
	Conclude       bool        `json:"conclude"`
	RootCause      string      `json:"root_cause"`
	RootCauseLayer types.Layer `json:"root_cause_layer"`
	Rationale      string      `json:"rationale"`
	Tasks          []llmTask   `json:"tasks"`
}

type promptState struct {
	Query      string                            `json:"query"`
	TargetPath []string                          `json:"target_path"`
	Round      int                               `json:"round"`
	MaxRounds  int                               `json:"max_rounds"`
	Threshold  float64                           `json:"threshold"`
	Layers     map[types.Layer]types.LayerStatus `json:"layers"`
	Gaps       []types.Layer                     `json:"gaps"`
	Cases      []types.SimilarCase               `json:"similar_cases,omitempty"`
	Events     []types.EventHint                 `json:"recent_events,omitempty"`
	Notes      []string                          `json:"notes,omitempty"`
	PerDevice  map[string][]string               `json:"per_device,omitempty"`
	Operations []string                          `json:"allowed_operations,omitempty"`
}

// Next implements the supervisor's Planner.
func (p *AnthropicPlanner) Next(ctx context.Context, req types.PlanRequest) (types.Proposal, error) {
	s := req.State
	payload, err := json.MarshalIndent(promptState{
		Query:      s.Query,
		TargetPath: s.TargetPath,
		Round:      s.Round,
		MaxRounds:  s.MaxRounds,
		Threshold:  req.Threshold,
		Layers:     s.Layers,
		Gaps:       req.Gaps,
		Cases:      s.Cases,
		Events:     s.Events,
		Notes:      s.Notes,
		PerDevice:  s.PerDevice,
		Operations: p.operations,
	}, "", "  ")
	if err != nil {
		return types.Proposal{}, fmt.Errorf("%w: %v", types.ErrPlannerFailure, err)
	}

	reply, err := p.llm.Complete(ctx, systemPrompt, string(payload))
	if err != nil {
		return types.Proposal{}, fmt.Errorf("%w: %v", types.ErrPlannerFailure, err)
	}
	prop, err := parseProposal(reply, s.Round+1)
	if err != nil {
		p.logger.Warn("Discarding malformed planner reply: %v", err)
		return types.Proposal{}, fmt.Errorf("%w: %v", types.ErrPlannerFailure, err)
	}
	return prop, nil
}

// parseProposal decodes the first JSON object in reply.
func parseProposal(reply string, round int) (types.Proposal, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return types.Proposal{}, fmt.Errorf("no JSON object in reply")
	}
	var raw llmProposal
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return types.Proposal{}, fmt.Errorf("invalid proposal JSON: %w", err)
	}

	prop := types.Proposal{
		Conclude:       raw.Conclude,
		RootCauseHint:  strings.TrimSpace(raw.RootCause),
		RootCauseLayer: raw.RootCauseLayer,
		Rationale:      raw.Rationale,
	}
	if prop.RootCauseLayer != "" && !prop.RootCauseLayer.Valid() {
		return types.Proposal{}, fmt.Errorf("unknown root cause layer %q", prop.RootCauseLayer)
	}
	for i, t := range raw.Tasks {
		prefix := "r"
		if t.Kind == types.TaskWrite {
			prefix = "w"
		}
		prop.Tasks = append(prop.Tasks, types.DeviceTask{
			TaskID:     fmt.Sprintf("%s%d-llm-%d", prefix, round, i),
			DeviceID:   t.DeviceID,
			Kind:       t.Kind,
			Operation:  t.Operation,
			Layer:      t.Layer,
			Parameters: t.Parameters,
			Rollback:   t.Rollback,
			Timeout:    time.Duration(t.TimeoutSeconds * float64(time.Second)),
		})
	}
	if err := prop.Validate(); err != nil {
		return types.Proposal{}, err
	}
	return prop, nil
}
