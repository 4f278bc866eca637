package ik

import (
	"math"

	"github.com/pkg/errors"
)

// State is the solver's mutable seed plus the bounds every output respects.
type State struct {
	WarmStart []float64
	Lower     []float64
	Upper     []float64
}

// Reset replaces the warm start with home, clamped into bounds.
func (s *State) Reset(home []float64) error {
	if len(home) != len(s.Lower) {
		return errors.Errorf("home vector has %d values, expected %d", len(home), len(s.Lower))
	}
	for _, v := range home {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("home vector contains non-finite value %v", v)
		}
	}
	s.WarmStart = s.clamp(home)
	return nil
}

func (s *State) clamp(q []float64) []float64 {
	out := make([]float64, len(q))
	for i, v := range q {
		out[i] = math.Max(s.Lower[i], math.Min(s.Upper[i], v))
	}
	return out
}

func (s *State) clone() State {
	return State{
		WarmStart: append([]float64(nil), s.WarmStart...),
		Lower:     append([]float64(nil), s.Lower...),
		Upper:     append([]float64(nil), s.Upper...),
	}
}
