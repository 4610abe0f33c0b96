package confidence

import (
	"fmt"
	"strings"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// BatchUpdates converts one dispatched batch into merge inputs.
//
// Each successful observation is scaled by the batch coverage of its layer
// (successes / attempts), so a layer where one of three devices timed out
// cannot look fully confirmed. The result depends only on the set of
// results, not on their order.
func (p DecayPolicy) BatchUpdates(results []types.DeviceResult, now time.Time) []Update {
	attempts := make(map[types.Layer]int)
	successes := make(map[types.Layer]int)
	for _, r := range results {
		if r.Layer == "" {
			continue
		}
		attempts[r.Layer]++
		if r.Success {
			successes[r.Layer]++
		}
	}

	updates := make([]Update, 0, len(results))
	for _, r := range results {
		if r.Layer == "" {
			continue
		}
		coverage := float64(successes[r.Layer]) / float64(attempts[r.Layer])

		if !r.Success {
			updates = append(updates, Update{
				Layer:    r.Layer,
				Device:   r.DeviceID,
				Findings: []string{r.DeviceID + ": " + FailureFinding(r)},
				At:       now,
			})
			continue
		}

		obs := r.Observation
		if obs == nil {
			obs = &types.Observation{Source: types.SourceRealtime, ObservedAt: now}
		}
		age := time.Duration(0)
		if !obs.ObservedAt.IsZero() {
			age = now.Sub(obs.ObservedAt)
		}
		findings := make([]string, 0, len(obs.Findings))
		for _, f := range obs.Findings {
			findings = append(findings, r.DeviceID+": "+f)
		}
		if len(findings) == 0 {
			findings = append(findings, r.DeviceID+": no issue observed")
		}
		at := obs.ObservedAt
		if at.IsZero() {
			at = now
		}
		updates = append(updates, Update{
			Layer:      r.Layer,
			Device:     r.DeviceID,
			Findings:   findings,
			Confidence: p.Observed(obs.Source, obs.Confidence, age) * coverage,
			Source:     obs.Source,
			Anomaly:    obs.Anomaly,
			At:         at,
		})
	}
	return updates
}

// FailureFinding renders a failed result as a finding.
func FailureFinding(r types.DeviceResult) string {
	switch r.Error {
	case types.ErrorTimeout:
		return "unreachable (timeout)"
	case types.ErrorUnavailable:
		return fmt.Sprintf("no adapter could serve %q: %s", r.TaskID, r.ErrorMessage)
	case types.ErrorCancelled:
		return "task cancelled"
	default:
		return "tool error: " + r.ErrorMessage
	}
}

// FindingDevice returns the device prefix of a "DEVICE: text" finding.
func FindingDevice(finding string) (string, bool) {
	dev, _, ok := strings.Cut(finding, ": ")
	return dev, ok
}
