package types

import (
	"sort"
	"time"
)

// SimilarCase is a prior fault retrieved from the knowledge base. It is
// referenced, never owned, by an investigation.
type SimilarCase struct {
	CaseID           string  `json:"case_id" yaml:"case_id"`
	FaultDescription string  `json:"fault_description" yaml:"fault_description"`
	RootCause        string  `json:"root_cause" yaml:"root_cause"`
	RootCauseLayer   Layer   `json:"root_cause_layer,omitempty" yaml:"root_cause_layer,omitempty"`
	Resolution       string  `json:"resolution" yaml:"resolution"`
	SimilarityScore  float64 `json:"similarity_score" yaml:"-"`
}

// EventHint is a recent log or event line relevant to the target path.
type EventHint struct {
	Time     time.Time `json:"time" yaml:"time"`
	DeviceID string    `json:"device_id" yaml:"device_id"`
	Layer    Layer     `json:"layer,omitempty" yaml:"layer,omitempty"`
	Message  string    `json:"message" yaml:"message"`
}

// ReportStatus is the terminal state rendered by a report.
type ReportStatus string

const (
	ReportConcluded    ReportStatus = "concluded"
	ReportInconclusive ReportStatus = "inconclusive"
	ReportRejected     ReportStatus = "rejected"
)

// NoAnomalyLocated is the root cause statement when no layer showed an anomaly.
const NoAnomalyLocated = "no anomaly located"

// DiagnosisReport is created once at the end of an investigation and is
// immutable thereafter.
type DiagnosisReport struct {
	ReportID          string            `json:"report_id" yaml:"report_id"`
	InvestigationID   string            `json:"investigation_id" yaml:"investigation_id"`
	Status            ReportStatus      `json:"status" yaml:"status"`
	Terminal          TerminalReason    `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	FaultDescription  string            `json:"fault_description" yaml:"fault_description"`
	FaultPath         []string          `json:"fault_path" yaml:"fault_path"`
	RootCause         string            `json:"root_cause" yaml:"root_cause"`
	RootCauseLayer    Layer             `json:"root_cause_layer,omitempty" yaml:"root_cause_layer,omitempty"`
	Confidence        float64           `json:"confidence" yaml:"confidence"`
	EvidenceChain     []string          `json:"evidence_chain" yaml:"evidence_chain"`
	PerDeviceSummary  map[string]string `json:"per_device_summary" yaml:"per_device_summary"`
	RecommendedAction string            `json:"recommended_action" yaml:"recommended_action"`
	Tags              []string          `json:"tags" yaml:"tags"`
	MatchedCase       string            `json:"matched_case,omitempty" yaml:"matched_case,omitempty"`
	Rounds            int               `json:"rounds" yaml:"rounds"`
	Execution         ExecutionCounts   `json:"execution" yaml:"execution"`
	GeneratedAt       time.Time         `json:"generated_at" yaml:"generated_at"`
}

// TagSet turns a set of tags into the sorted, de-duplicated slice stored on reports.
func TagSet(tags ...string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// BatchStatus is the terminal state of a batch execution.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchRejected  BatchStatus = "rejected"
)

// BatchReport summarises one run of the batch-execution engine. Rejected
// counts the write tasks of a rejected plan; Discarded counts the read tasks
// dropped with it.
type BatchReport struct {
	ReportID    string         `json:"report_id" yaml:"report_id"`
	PlanID      string         `json:"plan_id,omitempty" yaml:"plan_id,omitempty"`
	Status      BatchStatus    `json:"status" yaml:"status"`
	Total       int            `json:"total" yaml:"total"`
	Succeeded   int            `json:"succeeded" yaml:"succeeded"`
	Failed      int            `json:"failed" yaml:"failed"`
	Rejected    int            `json:"rejected" yaml:"rejected"`
	Discarded   int            `json:"discarded,omitempty" yaml:"discarded,omitempty"`
	Results     []DeviceResult `json:"results,omitempty" yaml:"results,omitempty"`
	Decision    *Decision      `json:"decision,omitempty" yaml:"decision,omitempty"`
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at"`
}
