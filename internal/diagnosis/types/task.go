package types

import (
	"fmt"
	"time"
)

// TaskKind separates read-only queries from mutating changes.
type TaskKind string

const (
	TaskRead  TaskKind = "read"
	TaskWrite TaskKind = "write"
)

// DeviceTask is one unit of work against one device. It is immutable once dispatched.
type DeviceTask struct {
	// TaskID is unique within an investigation or batch.
	TaskID   string   `json:"task_id" yaml:"task_id"`
	DeviceID string   `json:"device_id" yaml:"device_id"`
	Kind     TaskKind `json:"task_kind" yaml:"task_kind"`

	// Operation is adapter-interpreted, e.g. "show interfaces" or "add-vlan".
	Operation  string                 `json:"operation" yaml:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Layer is the diagnostic layer the result contributes to.
	Layer Layer `json:"layer,omitempty" yaml:"layer,omitempty"`

	// Timeout overrides the dispatcher default when > 0.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Rollback describes how to undo a write task; shown by the approval gate.
	Rollback string `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// IsWrite reports whether the task mutates the device.
func (t DeviceTask) IsWrite() bool {
	return t.Kind == TaskWrite
}

// Clone returns a copy with its own parameter map.
func (t DeviceTask) Clone() DeviceTask {
	out := t
	if t.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(t.Parameters))
		for k, v := range t.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// Validate checks the fields every adapter relies on.
func (t DeviceTask) Validate() error {
	if t.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task ID is required"}
	}
	if t.DeviceID == "" {
		return &ValidationError{Field: "device_id", Message: fmt.Sprintf("task %s: device ID is required", t.TaskID)}
	}
	if t.Kind != TaskRead && t.Kind != TaskWrite {
		return &ValidationError{Field: "task_kind", Message: fmt.Sprintf("task %s: kind must be read or write, got %q", t.TaskID, t.Kind)}
	}
	if t.Operation == "" {
		return &ValidationError{Field: "operation", Message: fmt.Sprintf("task %s: operation is required", t.TaskID)}
	}
	if t.Layer != "" && !t.Layer.Valid() {
		return &ValidationError{Field: "layer", Message: fmt.Sprintf("task %s: unknown layer %q", t.TaskID, t.Layer)}
	}
	return nil
}

// ContainsWrite reports whether any task in the batch is a write.
func ContainsWrite(tasks []DeviceTask) bool {
	for _, t := range tasks {
		if t.IsWrite() {
			return true
		}
	}
	return false
}

// SplitByKind partitions a batch preserving order.
func SplitByKind(tasks []DeviceTask) (reads, writes []DeviceTask) {
	for _, t := range tasks {
		if t.IsWrite() {
			writes = append(writes, t)
		} else {
			reads = append(reads, t)
		}
	}
	return reads, writes
}

// Observation is what an adapter learned about a layer on one device.
type Observation struct {
	Source SourceKind `json:"source"`

	// Confidence is the adapter-reported confidence; 0 means "use the source base".
	Confidence float64 `json:"confidence,omitempty"`

	Anomaly  bool     `json:"anomaly"`
	Findings []string `json:"findings,omitempty"`

	// ObservedAt is when the underlying data was collected. For historical
	// sources it drives confidence decay.
	ObservedAt time.Time `json:"observed_at"`
}

// DeviceResult is the outcome of exactly one dispatched DeviceTask.
type DeviceResult struct {
	TaskID   string   `json:"task_id"`
	DeviceID string   `json:"device_id"`
	Kind     TaskKind `json:"task_kind"`
	Layer    Layer    `json:"layer,omitempty"`

	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`

	Error        ErrorKind `json:"error,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Adapter names the tool adapter that produced the result.
	Adapter string `json:"adapter,omitempty"`

	Observation *Observation  `json:"observation,omitempty"`
	Duration    time.Duration `json:"duration"`

	// Notes carries executor-level remarks such as adapter fallbacks.
	Notes []string `json:"notes,omitempty"`
}

// FailedResult builds the result of a task that did not complete.
func FailedResult(task DeviceTask, kind ErrorKind, err error, d time.Duration) DeviceResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DeviceResult{
		TaskID:       task.TaskID,
		DeviceID:     task.DeviceID,
		Kind:         task.Kind,
		Layer:        task.Layer,
		Success:      false,
		Error:        kind,
		ErrorMessage: msg,
		Duration:     d,
	}
}

// ToolOutput is what a tool adapter returns for a successful call.
type ToolOutput struct {
	Output      string
	Observation *Observation
}
