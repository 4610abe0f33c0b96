package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Format is an output encoding for reports.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatYAML, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, yaml or json)", s)
	}
}

// Render writes a diagnosis report.
func Render(w io.Writer, rep types.DiagnosisReport, format Format) error {
	switch format {
	case FormatJSON:
		return encodeJSON(w, rep)
	case FormatYAML:
		return encodeYAML(w, rep)
	}

	fmt.Fprintf(w, "Diagnosis report %s (%s)\n", rep.ReportID, rep.Status)
	fmt.Fprintf(w, "Fault:       %s\n", rep.FaultDescription)
	fmt.Fprintf(w, "Path:        %s\n", strings.Join(rep.FaultPath, " -> "))
	if rep.RootCauseLayer != "" {
		fmt.Fprintf(w, "Root cause:  %s [%s, confidence %.2f]\n", rep.RootCause, rep.RootCauseLayer, rep.Confidence)
	} else {
		fmt.Fprintf(w, "Root cause:  %s (confidence %.2f)\n", rep.RootCause, rep.Confidence)
	}
	if rep.MatchedCase != "" {
		fmt.Fprintf(w, "Matched:     %s\n", rep.MatchedCase)
	}
	fmt.Fprintf(w, "Action:      %s\n", rep.RecommendedAction)
	fmt.Fprintf(w, "Rounds:      %d (succeeded=%d failed=%d rejected=%d)\n",
		rep.Rounds, rep.Execution.Succeeded, rep.Execution.Failed, rep.Execution.Rejected)

	fmt.Fprintln(w, "\nEvidence:")
	for i, e := range rep.EvidenceChain {
		fmt.Fprintf(w, "  %2d. %s\n", i+1, e)
	}

	fmt.Fprintln(w, "\nDevices:")
	devices := make([]string, 0, len(rep.PerDeviceSummary))
	for d := range rep.PerDeviceSummary {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	for _, d := range devices {
		fmt.Fprintf(w, "  %-10s %s\n", d, rep.PerDeviceSummary[d])
	}
	if len(rep.Tags) > 0 {
		fmt.Fprintf(w, "\nTags: %s\n", strings.Join(rep.Tags, ", "))
	}
	return nil
}

// RenderBatch writes a batch execution report.
func RenderBatch(w io.Writer, rep types.BatchReport, format Format) error {
	switch format {
	case FormatJSON:
		return encodeJSON(w, rep)
	case FormatYAML:
		return encodeYAML(w, rep)
	}

	fmt.Fprintf(w, "Batch report %s (%s)\n", rep.ReportID, rep.Status)
	if rep.PlanID != "" {
		fmt.Fprintf(w, "Plan:      %s\n", rep.PlanID)
	}
	fmt.Fprintf(w, "Total:     %d\n", rep.Total)
	fmt.Fprintf(w, "success=%d failed=%d rejected=%d\n", rep.Succeeded, rep.Failed, rep.Rejected)
	if rep.Discarded > 0 {
		fmt.Fprintf(w, "Discarded: %d read tasks of the rejected batch\n", rep.Discarded)
	}
	if rep.Decision != nil && rep.Decision.Comment != "" {
		fmt.Fprintf(w, "Comment:   %s\n", rep.Decision.Comment)
	}
	for _, r := range rep.Results {
		state := "ok"
		if !r.Success {
			state = string(r.Error)
		}
		fmt.Fprintf(w, "  %-10s %-8s %-12s %s\n", r.DeviceID, r.Kind, state, firstLine(r.Output, r.ErrorMessage))
	}
	return nil
}

func firstLine(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		line, _, _ := strings.Cut(c, "\n")
		return line
	}
	return ""
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
