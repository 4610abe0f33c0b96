// Package knowledge implements the Knowledge Retriever: prior fault cases
// and recent device events that seed an investigation's layer priorities.
package knowledge

import (
	"context"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Retriever searches prior cases and recent events. Search and
// RecentEvents are pure reads; Index is the best-effort write side.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]types.SimilarCase, error)
	RecentEvents(ctx context.Context, devices []string, window time.Duration) ([]types.EventHint, error)
	Index(ctx context.Context, report types.DiagnosisReport) error
}

// Hints orders layers for gap reporting: root-cause layers of cases at or
// above minSimilarity first (best case first), then layers seen in recent
// events. Each layer appears once.
func Hints(cases []types.SimilarCase, events []types.EventHint, minSimilarity float64) []types.Layer {
	seen := make(map[types.Layer]bool)
	var out []types.Layer
	add := func(l types.Layer) {
		if l.Valid() && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	for _, c := range cases {
		if c.SimilarityScore >= minSimilarity {
			add(c.RootCauseLayer)
		}
	}
	for _, e := range events {
		add(e.Layer)
	}
	return out
}
