package adapters

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Response is one canned answer of the scripted adapter. Device and
// Operation are path.Match globs; empty matches everything. Kind
// restricts the answer to reads or writes.
type Response struct {
	Device    string         `yaml:"device"`
	Operation string         `yaml:"operation"`
	Kind      types.TaskKind `yaml:"kind"`

	Output     string           `yaml:"output"`
	Source     types.SourceKind `yaml:"source"`
	Confidence float64          `yaml:"confidence"`
	Anomaly    bool             `yaml:"anomaly"`
	Findings   []string         `yaml:"findings"`

	// Age backdates the observation, exercising historical decay.
	Age time.Duration `yaml:"age"`

	// Delay holds the call, honoring cancellation.
	Delay time.Duration `yaml:"delay"`

	// Error fails the call with this kind: timeout, unavailable or tool_error.
	Error   types.ErrorKind `yaml:"error"`
	Message string          `yaml:"message"`
}

func (r Response) matches(task types.DeviceTask) bool {
	if r.Kind != "" && r.Kind != task.Kind {
		return false
	}
	return globMatch(r.Device, task.DeviceID) && globMatch(r.Operation, task.Operation)
}

func globMatch(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(s))
	return err == nil && ok
}

type scriptedConfig struct {
	Responses []Response `yaml:"responses"`
}

// ScriptedAdapter answers from a fixed response list; the first matching
// response wins. It backs lab setups, demos and tests.
type ScriptedAdapter struct {
	name      string
	responses []Response
	now       func() time.Time
}

var _ dispatch.ToolAdapter = (*ScriptedAdapter)(nil)

// NewScriptedAdapter is the Factory for type "scripted".
func NewScriptedAdapter(name string, cfg map[string]interface{}, _ *Inventory) (dispatch.ToolAdapter, error) {
	var c scriptedConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	return NewScripted(name, c.Responses...)
}

// NewScripted creates a scripted adapter from responses.
func NewScripted(name string, responses ...Response) (*ScriptedAdapter, error) {
	for i, r := range responses {
		switch r.Error {
		case types.ErrorNone, types.ErrorTimeout, types.ErrorUnavailable, types.ErrorTool:
		default:
			return nil, fmt.Errorf("response[%d]: unsupported error kind %q", i, r.Error)
		}
		if _, err := path.Match(r.Device, ""); err != nil {
			return nil, fmt.Errorf("response[%d]: invalid device glob %q", i, r.Device)
		}
		if _, err := path.Match(r.Operation, ""); err != nil {
			return nil, fmt.Errorf("response[%d]: invalid operation glob %q", i, r.Operation)
		}
	}
	return &ScriptedAdapter{name: name, responses: responses, now: time.Now}, nil
}

func (a *ScriptedAdapter) Name() string { return a.name }

func (a *ScriptedAdapter) Supports(task types.DeviceTask) bool {
	_, ok := a.lookup(task)
	return ok
}

func (a *ScriptedAdapter) lookup(task types.DeviceTask) (Response, bool) {
	for _, r := range a.responses {
		if r.matches(task) {
			return r, true
		}
	}
	return Response{}, false
}

func (a *ScriptedAdapter) Execute(ctx context.Context, task types.DeviceTask) (types.ToolOutput, error) {
	r, ok := a.lookup(task)
	if !ok {
		return types.ToolOutput{}, types.NewUnavailable(a.name, task.DeviceID, "no scripted response for %s", task.Operation)
	}

	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return types.ToolOutput{}, ctx.Err()
		}
	}

	msg := r.Message
	if msg == "" {
		msg = "scripted " + string(r.Error)
	}
	switch r.Error {
	case types.ErrorTimeout:
		return types.ToolOutput{}, fmt.Errorf("%w: %s", types.ErrToolTimeout, msg)
	case types.ErrorUnavailable:
		return types.ToolOutput{}, types.NewUnavailable(a.name, task.DeviceID, "%s", msg)
	case types.ErrorTool:
		return types.ToolOutput{}, &types.ToolError{Kind: types.ErrorTool, Adapter: a.name, DeviceID: task.DeviceID, Err: fmt.Errorf("%s", msg)}
	}

	out := types.ToolOutput{Output: r.Output}
	if !task.IsWrite() {
		source := r.Source
		if source == "" {
			source = types.SourceRealtime
		}
		out.Observation = &types.Observation{
			Source:     source,
			Confidence: r.Confidence,
			Anomaly:    r.Anomaly,
			Findings:   append([]string(nil), r.Findings...),
			ObservedAt: a.now().Add(-r.Age),
		}
	}
	return out, nil
}
