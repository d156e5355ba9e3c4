package depthlayer

import (
	"strings"
)

// Arrangement assigns world z positions to count layers. The result has
// exactly count entries in far-to-near order.
type Arrangement interface {
	Positions(count int) []float64
}

// ArrangementFunc adapts a plain function to Arrangement.
type ArrangementFunc func(count int) []float64

func (f ArrangementFunc) Positions(count int) []float64 { return f(count) }

// FixedStep starts at Far and moves Step nearer per layer.
type FixedStep struct {
	Far  float64
	Step float64
}

func (a FixedStep) Positions(count int) []float64 {
	out := make([]float64, max(count, 0))
	for i := range out {
		out[i] = a.Far + float64(i)*a.Step
	}
	return out
}

// FillRange spreads layers evenly over [Far, Near]. A single layer sits on
// the far plane.
type FillRange struct {
	Far  float64
	Near float64
}

func (a FillRange) Positions(count int) []float64 {
	out := make([]float64, max(count, 0))
	if count == 1 {
		out[0] = a.Far
		return out
	}
	for i := range out {
		out[i] = a.Far + (a.Near-a.Far)*float64(i)/float64(count-1)
	}
	return out
}

const (
	ArrangementFixedStep = "fixed-step"
	ArrangementFillRange = "fill-range"
)

func FixedStepArrangement() FixedStep { return FixedStep{Far: FarZ, Step: 50} }

func FillRangeArrangement() FillRange { return FillRange{Far: FarZ, Near: NearZ} }

// ArrangementByName resolves a strategy selector. The empty name is the
// fixed-step default.
func ArrangementByName(name string) (Arrangement, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ArrangementFixedStep, "default":
		return FixedStepArrangement(), nil
	case ArrangementFillRange:
		return FillRangeArrangement(), nil
	default:
		return nil, &ParameterError{Name: "layerArrangement", Value: name, Rule: "must be fixed-step or fill-range"}
	}
}

// ParallaxFactor maps depth in [0,1] to a motion factor in [0.1,1.0]; far
// layers move less.
func ParallaxFactor(depth float64) float64 {
	return 0.1 + 0.9*clamp01(depth)
}
