package adapters

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// defaultAnomalyPatterns flag lines of live device output as anomalous.
var defaultAnomalyPatterns = []string{
	`(?i)\bdown\b`,
	`(?i)err-?disabled`,
	`(?i)\bnotconnect`,
	`(?i)\b(idle|active|connect)\s*$`,
	`(?i)\b[1-9][0-9]* (input|output|crc) errors`,
	`(?i)\bdenied\b`,
}

const maxFindings = 10

// interpreter turns raw device output into an Observation by matching
// anomaly patterns line by line.
type interpreter struct {
	patterns []*regexp.Regexp
}

func newInterpreter(patterns []string) (*interpreter, error) {
	if len(patterns) == 0 {
		patterns = defaultAnomalyPatterns
	}
	in := &interpreter{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid anomaly pattern %q: %w", p, err)
		}
		in.patterns = append(in.patterns, re)
	}
	return in, nil
}

// observe inspects output. A task may add its own pattern through the
// "anomaly_pattern" parameter.
func (in *interpreter) observe(task types.DeviceTask, output string, source types.SourceKind, now time.Time) (*types.Observation, error) {
	patterns := in.patterns
	if p, ok := task.Parameters["anomaly_pattern"].(string); ok && p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("task %s: invalid anomaly_pattern: %w", task.TaskID, err)
		}
		patterns = append(append([]*regexp.Regexp(nil), patterns...), re)
	}

	obs := &types.Observation{Source: source, ObservedAt: now}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, re := range patterns {
			if re.MatchString(line) {
				obs.Findings = append(obs.Findings, line)
				break
			}
		}
		if len(obs.Findings) == maxFindings {
			break
		}
	}
	obs.Anomaly = len(obs.Findings) > 0
	return obs, nil
}
