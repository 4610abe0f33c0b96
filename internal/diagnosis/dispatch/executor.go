package dispatch

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// ToolAdapter executes device tasks against one downstream system
// (historical telemetry, NETCONF, CLI, CMDB). Each call opens its own
// session; adapters must not share a device connection between calls.
type ToolAdapter interface {
	Name() string

	// Supports is a cheap capability check done before Execute.
	Supports(task types.DeviceTask) bool

	// Execute returns an error wrapping types.ErrToolUnavailable when the
	// adapter cannot serve this task, so the executor can fall back.
	Execute(ctx context.Context, task types.DeviceTask) (types.ToolOutput, error)
}

// SelectionRule maps tasks to adapters in fallback order. Empty Kind or
// Operation match everything; Operation is a path.Match glob.
type SelectionRule struct {
	Kind      types.TaskKind
	Operation string
	Adapters  []string
}

// Matches reports whether the rule applies to task.
func (r SelectionRule) Matches(task types.DeviceTask) bool {
	if r.Kind != "" && r.Kind != task.Kind {
		return false
	}
	if r.Operation == "" {
		return true
	}
	ok, err := path.Match(r.Operation, task.Operation)
	return err == nil && ok
}

// SelectionPolicy is an ordered rule list; the first matching rule wins.
type SelectionPolicy struct {
	Rules []SelectionRule
}

// Executor runs a single task by selecting adapters per the current policy
// and falling back on ErrToolUnavailable.
type Executor struct {
	mu       sync.RWMutex
	adapters map[string]ToolAdapter
	order    []string
	policy   atomic.Pointer[SelectionPolicy]
	logger   *logging.Logger
}

// NewExecutor creates an executor with the given adapters registered in order.
func NewExecutor(adapters ...ToolAdapter) *Executor {
	e := &Executor{
		adapters: make(map[string]ToolAdapter),
		logger:   logging.GetLogger("diagnosis.executor"),
	}
	for _, a := range adapters {
		e.Register(a)
	}
	e.policy.Store(&SelectionPolicy{})
	return e
}

// Register adds or replaces an adapter.
func (e *Executor) Register(a ToolAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.adapters[a.Name()]; !exists {
		e.order = append(e.order, a.Name())
	}
	e.adapters[a.Name()] = a
}

// Replace swaps the whole adapter set, e.g. after the adapters file changed.
// Tasks already executing keep the adapter they selected.
func (e *Executor) Replace(adapters ...ToolAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters = make(map[string]ToolAdapter, len(adapters))
	e.order = make([]string, 0, len(adapters))
	for _, a := range adapters {
		if _, exists := e.adapters[a.Name()]; !exists {
			e.order = append(e.order, a.Name())
		}
		e.adapters[a.Name()] = a
	}
}

// SetPolicy swaps the selection policy; in-flight tasks keep the old one.
func (e *Executor) SetPolicy(p SelectionPolicy) {
	e.policy.Store(&p)
	e.logger.Info("Adapter selection policy updated (%d rules)", len(p.Rules))
}

// Policy returns the current selection policy.
func (e *Executor) Policy() SelectionPolicy {
	return *e.policy.Load()
}

// Candidates returns adapter names to try for task, in order.
func (e *Executor) Candidates(task types.DeviceTask) []string {
	for _, rule := range e.policy.Load().Rules {
		if rule.Matches(task) {
			return append([]string(nil), rule.Adapters...)
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// Execute runs task and always returns a result, never an error.
func (e *Executor) Execute(ctx context.Context, task types.DeviceTask) types.DeviceResult {
	start := time.Now()
	var notes []string
	logger := e.logger.WithContext(ctx).WithField("device", task.DeviceID)

	for _, name := range e.Candidates(task) {
		e.mu.RLock()
		adapter, ok := e.adapters[name]
		e.mu.RUnlock()
		if !ok {
			notes = append(notes, fmt.Sprintf("adapter %s is not configured", name))
			continue
		}
		if !adapter.Supports(task) {
			notes = append(notes, fmt.Sprintf("adapter %s does not support %q", name, task.Operation))
			continue
		}

		out, err := adapter.Execute(ctx, task)
		if err != nil {
			kind := types.ClassifyError(err)
			if kind == types.ErrorUnavailable {
				logger.Debug("Adapter %s unavailable for %s, trying next: %v", name, task.TaskID, err)
				notes = append(notes, fmt.Sprintf("%s unavailable: %v", name, err))
				continue
			}
			res := types.FailedResult(task, kind, err, time.Since(start))
			res.Adapter = name
			res.Notes = notes
			return res
		}

		return types.DeviceResult{
			TaskID:      task.TaskID,
			DeviceID:    task.DeviceID,
			Kind:        task.Kind,
			Layer:       task.Layer,
			Success:     true,
			Output:      out.Output,
			Adapter:     name,
			Observation: out.Observation,
			Duration:    time.Since(start),
			Notes:       notes,
		}
	}

	reason := "no adapter matched"
	if len(notes) > 0 {
		reason = strings.Join(notes, "; ")
	}
	res := types.FailedResult(task, types.ErrorUnavailable, fmt.Errorf("%w: %s", types.ErrToolUnavailable, reason), time.Since(start))
	res.Notes = notes
	return res
}
