package confidence

import (
	"math"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// DecayPolicy turns an observation's source and age into a confidence.
//
// Historical data decays as base - (base-floor)*(1-e^(-age/tau)): strictly
// increasing decay with age that never pushes confidence below Floor.
// Real-time data is not decayed.
type DecayPolicy struct {
	RealtimeBase      float64
	HistoricalBase    float64
	Floor             float64
	DecayTimeConstant time.Duration
}

// DefaultDecayPolicy returns the stock bases and a one hour time constant.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		RealtimeBase:      0.95,
		HistoricalBase:    0.60,
		Floor:             0.25,
		DecayTimeConstant: time.Hour,
	}
}

// Base returns the maximum confidence a source kind can contribute.
func (p DecayPolicy) Base(kind types.SourceKind) float64 {
	switch kind {
	case types.SourceRealtime:
		return p.RealtimeBase
	case types.SourceHistorical:
		return p.HistoricalBase
	default:
		return p.Floor
	}
}

// Decay returns the confidence lost by data of the given age.
func (p DecayPolicy) Decay(kind types.SourceKind, age time.Duration) float64 {
	if kind == types.SourceRealtime || age <= 0 || p.DecayTimeConstant <= 0 {
		return 0
	}
	span := p.Base(kind) - p.Floor
	if span <= 0 {
		return 0
	}
	return span * (1 - math.Exp(-float64(age)/float64(p.DecayTimeConstant)))
}

// Observed returns the confidence of one observation. reported caps at the
// source base; zero means "use the base".
func (p DecayPolicy) Observed(kind types.SourceKind, reported float64, age time.Duration) float64 {
	base := p.Base(kind)
	c := base
	if reported > 0 && reported < base {
		c = reported
	}
	c -= p.Decay(kind, age)
	if kind == types.SourceHistorical && c < p.Floor {
		c = p.Floor
	}
	return clamp(c)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
