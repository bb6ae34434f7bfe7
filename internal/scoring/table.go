package scoring

import (
	"errors"
	"fmt"
	"math"
)

// Step maps a minimum measure to a band. The measure is a raw mark out of 40
// for Listening and Reading and a words/minimum ratio for Writing.
type Step struct {
	Min  float64 `json:"min" yaml:"min" mapstructure:"min"`
	Band float64 `json:"band" yaml:"band" mapstructure:"band"`
}

// Table is an ordered step function evaluated top-down; the first step whose
// minimum is met wins. Values below every step get Floor.
type Table struct {
	Steps []Step  `json:"steps" yaml:"steps" mapstructure:"steps"`
	Floor float64 `json:"floor" yaml:"floor" mapstructure:"floor"`
}

// Band returns the band for the given measure.
func (t Table) Band(measure float64) float64 {
	for _, s := range t.Steps {
		if measure >= s.Min {
			return s.Band
		}
	}
	return t.Floor
}

// Validate checks that the table is ordered and that every band is a valid
// half-band between 0 and 9.
func (t Table) Validate() error {
	if len(t.Steps) == 0 {
		return errors.New("table has no steps")
	}
	if !validBand(t.Floor) {
		return fmt.Errorf("floor %v is not a valid band", t.Floor)
	}
	for i, s := range t.Steps {
		if !validBand(s.Band) {
			return fmt.Errorf("step %d: band %v is not a valid band", i, s.Band)
		}
		if s.Band < t.Floor {
			return fmt.Errorf("step %d: band %v below floor %v", i, s.Band, t.Floor)
		}
		if i == 0 {
			continue
		}
		prev := t.Steps[i-1]
		if s.Min >= prev.Min {
			return fmt.Errorf("step %d: minimum %v not below previous %v", i, s.Min, prev.Min)
		}
		if s.Band > prev.Band {
			return fmt.Errorf("step %d: band %v above previous %v", i, s.Band, prev.Band)
		}
	}
	return nil
}

// RoundHalf rounds to the nearest half band, with halves rounded up.
func RoundHalf(x float64) float64 {
	return math.Round(x*2) / 2
}

// ValidBand reports whether b is a half band between 0 and 9.
func ValidBand(b float64) bool {
	return validBand(b)
}

func validBand(b float64) bool {
	return b >= 0 && b <= 9 && b*2 == math.Trunc(b*2)
}

// DefaultDiscrete is the Listening and Reading conversion over a raw mark out of 40.
var DefaultDiscrete = Table{
	Steps: []Step{
		{Min: 39, Band: 9.0},
		{Min: 37, Band: 8.5},
		{Min: 35, Band: 8.0},
		{Min: 32, Band: 7.5},
		{Min: 30, Band: 7.0},
		{Min: 26, Band: 6.5},
		{Min: 23, Band: 6.0},
		{Min: 18, Band: 5.5},
		{Min: 16, Band: 5.0},
		{Min: 13, Band: 4.5},
		{Min: 10, Band: 4.0},
		{Min: 8, Band: 3.5},
		{Min: 6, Band: 3.0},
		{Min: 4, Band: 2.5},
	},
	Floor: 2.5,
}

// DefaultWriting is the provisional Writing heuristic over words/minimum.
var DefaultWriting = Table{
	Steps: []Step{
		{Min: 1.0, Band: 7.0},
		{Min: 0.75, Band: 6.0},
		{Min: 0.5, Band: 5.0},
	},
	Floor: 4.0,
}

// DiscreteScale is the raw mark the discrete table is expressed in.
const DiscreteScale = 40
