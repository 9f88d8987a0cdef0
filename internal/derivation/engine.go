// Package derivation computes the derived fields of a specimen from its raw
// measurements. Every function is pure.
package derivation

import (
	"fmt"
	"math"

	"github.com/lemlab/verifier/internal/verification"
)

// Defaults used when an Engine field is zero
const (
	DefaultDensity        = 0.76165 // g/cm³
	DefaultToleranceLimit = 2.0     // percent
	DefaultRatioLimit     = 1.75
)

// Flatness action labels
const (
	LabelNeopreneBottom = "Neoprene, bottom face"
	LabelNeopreneTop    = "Neoprene, top face"
	LabelNoAction       = "—"
	LabelNeopreneBoth   = "Neoprene, both faces"
	LabelCapping        = "Capping"
)

// Engine carries the material and acceptance constants
type Engine struct {
	Density        float64
	ToleranceLimit float64
	RatioLimit     float64
}

// NewEngine returns an Engine with zero values replaced by defaults
func NewEngine(density, toleranceLimit, ratioLimit float64) Engine {
	e := Engine{Density: density, ToleranceLimit: toleranceLimit, RatioLimit: ratioLimit}
	if e.Density <= 0 {
		e.Density = DefaultDensity
	}
	if e.ToleranceLimit <= 0 {
		e.ToleranceLimit = DefaultToleranceLimit
	}
	if e.RatioLimit <= 0 {
		e.RatioLimit = DefaultRatioLimit
	}
	return e
}

// Default returns an Engine with the laboratory defaults
func Default() Engine {
	return NewEngine(0, 0, 0)
}

// Derive returns a copy of s with every derived output recomputed from its
// raw inputs. Conformity and other raw fields are passed through untouched.
func (e Engine) Derive(s verification.Specimen) verification.Specimen {
	out := s.Clone()
	tol, acc := Tolerance(s.Diameter1, s.Diameter2, e.ToleranceLimit)
	ratio, weigh := WeighDecision(s.Diameter1, s.Diameter2, s.Length1, s.Length2, s.Length3, e.RatioLimit)
	out.Derived = verification.Derived{
		TolerancePercent:      tol,
		DiameterAcceptance:    acc,
		LengthToDiameterRatio: ratio,
		MassGrams:             Mass(s.Length1, s.Length2, s.Length3, e.Density),
		WeighAction:           weigh,
		FlatnessAction:        ClassifyFlatness(s.Superior, s.Inferior, s.Depressions),
	}
	return out
}

// DeriveAll recomputes every specimen of r
func (e Engine) DeriveAll(r verification.Record) verification.Record {
	out := r.Clone()
	for i := range out.Specimens {
		out.Specimens[i] = e.Derive(out.Specimens[i])
	}
	return out
}

// Tolerance returns |d1-d2|/d1*100 and whether it is within limit.
// Both outputs are unset when a diameter is missing or d1 is zero.
func Tolerance(d1, d2 *float64, limit float64) (*float64, verification.Acceptance) {
	if d1 == nil || d2 == nil || *d1 == 0 {
		return nil, verification.Unset
	}
	tol := math.Abs(*d1-*d2) / *d1 * 100
	if tol <= limit {
		return &tol, verification.Compliant
	}
	return &tol, verification.NonCompliant
}

// Mass returns l1*l2*l3*density/1000 rounded to one decimal, in grams.
// Lengths are millimetres. Unset when any length is missing.
func Mass(l1, l2, l3 *float64, density float64) *float64 {
	if l1 == nil || l2 == nil || l3 == nil {
		return nil
	}
	mass := RoundTo(*l1**l2**l3*density/1000, 1)
	return &mass
}

// WeighDecision returns the length to diameter ratio and the weighing
// decision. It needs both diameters and all three lengths.
func WeighDecision(d1, d2, l1, l2, l3 *float64, limit float64) (*float64, verification.WeighAction) {
	if d1 == nil || d2 == nil || l1 == nil || l2 == nil || l3 == nil {
		return nil, verification.WeighUnset
	}
	avgDiameter := (*d1 + *d2) / 2
	if avgDiameter == 0 {
		return nil, verification.WeighUnset
	}
	avgLength := (*l1 + *l2 + *l3) / 3
	ratio := avgLength / avgDiameter
	if ratio <= limit {
		return &ratio, verification.Weigh
	}
	return &ratio, verification.DoNotWeigh
}

// ClassifyFlatness maps the (superior, inferior, depressions) acceptances to
// a corrective action. Any unset input leaves the action unset; a combination
// outside the table yields an unrecognized marker.
func ClassifyFlatness(superior, inferior, depressions verification.Acceptance) verification.FlatnessAction {
	if !superior.IsSet() || !inferior.IsSet() || !depressions.IsSet() {
		return verification.FlatnessAction{}
	}

	pattern := patternLetter(superior) + patternLetter(inferior) + patternLetter(depressions)
	switch pattern {
	case "NCC":
		return verification.FlatnessAction{Label: LabelNeopreneBottom}
	case "CNC":
		return verification.FlatnessAction{Label: LabelNeopreneTop}
	case "CCC":
		return verification.FlatnessAction{Label: LabelNoAction}
	case "NNC":
		return verification.FlatnessAction{Label: LabelNeopreneBoth}
	case "NNN":
		return verification.FlatnessAction{Label: LabelCapping}
	default:
		return verification.FlatnessAction{
			Label:        fmt.Sprintf("unrecognized pattern (%s)", pattern),
			Unrecognized: true,
		}
	}
}

func patternLetter(a verification.Acceptance) string {
	if a == verification.Compliant {
		return "C"
	}
	return "N"
}

// RoundTo rounds v to the given number of decimals, half away from zero
func RoundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
