// Package audit writes a JSONL trail of investigation and batch events for
// post-incident review. Every event is flushed as it is written.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventInvestigationStart     EventType = "investigation_start"
	EventRoundStart             EventType = "round_start"
	EventTasksProposed          EventType = "tasks_proposed"
	EventApprovalPending        EventType = "approval_pending"
	EventApprovalDecided        EventType = "approval_decided"
	EventBatchComplete          EventType = "batch_complete"
	EventInvestigationConcluded EventType = "investigation_concluded"
	EventError                  EventType = "error"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	// RunID is the investigation ID, or the batch ID for batch runs.
	RunID string                 `json:"run_id"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Logger writes audit events to a JSONL file. A nil *Logger discards
// everything, so callers never need to check whether auditing is enabled.
type Logger struct {
	file   *os.File
	writer *bufio.Writer
	mutex  sync.Mutex
	now    func() time.Time
}

// NewLogger opens filePath for appending.
func NewLogger(filePath string) (*Logger, error) {
	// #nosec G304 -- audit log path is operator configuration
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &Logger{
		file:   file,
		writer: bufio.NewWriter(file),
		now:    time.Now,
	}, nil
}

func (l *Logger) write(typ EventType, runID string, data map[string]interface{}) error {
	if l == nil {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	line, err := json.Marshal(Event{Timestamp: l.now(), Type: typ, RunID: runID, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	// Flush immediately for crash safety
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	return nil
}

func (l *Logger) LogInvestigationStart(runID, query string, path []string, maxRounds int) error {
	return l.write(EventInvestigationStart, runID, map[string]interface{}{
		"query":      query,
		"path":       path,
		"max_rounds": maxRounds,
	})
}

func (l *Logger) LogRoundStart(runID string, round int, gaps []types.Layer) error {
	return l.write(EventRoundStart, runID, map[string]interface{}{
		"round": round,
		"gaps":  gaps,
	})
}

// LogTasksProposed records a planner proposal. Parameters are left out;
// they are visible in the change plan for writes.
func (l *Logger) LogTasksProposed(runID string, round int, tasks []types.DeviceTask, rationale string) error {
	summary := make([]string, 0, len(tasks))
	for _, t := range tasks {
		summary = append(summary, fmt.Sprintf("%s %s %s", t.Kind, t.DeviceID, t.Operation))
	}
	return l.write(EventTasksProposed, runID, map[string]interface{}{
		"round":     round,
		"tasks":     summary,
		"rationale": truncateString(rationale, 500),
	})
}

func (l *Logger) LogApprovalPending(runID string, plan types.BatchChangePlan) error {
	return l.write(EventApprovalPending, runID, map[string]interface{}{
		"plan_id": plan.PlanID,
		"round":   plan.Round,
		"writes":  len(plan.Tasks),
		"devices": plan.Devices(),
	})
}

func (l *Logger) LogApprovalDecided(runID, planID string, d types.Decision) error {
	return l.write(EventApprovalDecided, runID, map[string]interface{}{
		"plan_id":    planID,
		"status":     d.Status,
		"decided_by": d.DecidedBy,
		"comment":    truncateString(d.Comment, 500),
		"edited":     len(d.Edits),
	})
}

func (l *Logger) LogBatchComplete(runID string, round int, results []types.DeviceResult, duration time.Duration) error {
	var counts types.ExecutionCounts
	counts.Add(results)
	return l.write(EventBatchComplete, runID, map[string]interface{}{
		"round":       round,
		"succeeded":   counts.Succeeded,
		"failed":      counts.Failed,
		"duration_ms": duration.Milliseconds(),
	})
}

func (l *Logger) LogInvestigationConcluded(runID string, rep types.DiagnosisReport) error {
	return l.write(EventInvestigationConcluded, runID, map[string]interface{}{
		"report_id":        rep.ReportID,
		"status":           rep.Status,
		"terminal":         rep.Terminal,
		"root_cause":       truncateString(rep.RootCause, 500),
		"root_cause_layer": rep.RootCauseLayer,
		"confidence":       rep.Confidence,
		"rounds":           rep.Rounds,
	})
}

func (l *Logger) LogError(runID, stage string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return l.write(EventError, runID, map[string]interface{}{
		"stage": stage,
		"error": msg,
	})
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	return l.file.Close()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
