package fsrs

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameters is returned by Validate for an inconsistent parameter set.
var ErrInvalidParameters = errors.New("fsrs: parameters out of bounds")

// Params holds the coefficients of the reference scheduling model.
// Tables indexed by domain.Rating use the rating's ordinal.
type Params struct {
	DesiredRetention float64 // recall probability an interval aims for, in (0, 1)
	MaxIntervalDays  int     // no card is scheduled further out than this

	InitialStability  [4]float64 // seed stability (days) for a first review
	InitialDifficulty [4]float64 // seed difficulty for a first review

	GrowthGain        [4]float64 // stability growth per passing rating; Again unused
	DifficultyDamping float64    // how much a hard card slows growth, in [0, 1)
	RecallBonus       float64    // extra growth for recalling a half-forgotten card

	DifficultyDelta [4]float64 // signed difficulty step per rating

	LapseDecay            float64 // stability multiplier on Again, in (0, 1)
	LapseDifficultyWeight float64 // how much difficulty deepens a lapse, in [0, 1)

	MinStability, MaxStability   float64
	MinDifficulty, MaxDifficulty float64
}

// DefaultParams provides a tuned-by-hand reference parameter set.
func DefaultParams() *Params {
	return &Params{
		DesiredRetention: 0.9,
		MaxIntervalDays:  36500,

		InitialStability:  [4]float64{0.4, 1.2, 3.2, 8.3},
		InitialDifficulty: [4]float64{0.85, 0.65, 0.45, 0.2},

		GrowthGain:        [4]float64{0, 0.2, 1.2, 2.4},
		DifficultyDamping: 0.7,
		RecallBonus:       1.0,

		DifficultyDelta: [4]float64{0.2, 0.05, -0.05, -0.15},

		LapseDecay:            0.3,
		LapseDifficultyWeight: 0.5,

		MinStability:  0.1,
		MaxStability:  36500,
		MinDifficulty: 0,
		MaxDifficulty: 1,
	}
}

// Validate checks that the parameters produce a model honoring the
// scheduling contract: bounded outputs, growth ordered by rating and
// lapses that shrink stability.
func (p *Params) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
	}

	if !(p.DesiredRetention > 0 && p.DesiredRetention < 1) {
		return bad("desired retention %f outside (0, 1)", p.DesiredRetention)
	}
	if p.MaxIntervalDays < 1 {
		return bad("maximum interval %d must be at least one day", p.MaxIntervalDays)
	}
	if !(p.MinStability > 0 && p.MinStability < p.MaxStability) || math.IsInf(p.MaxStability, 0) {
		return bad("stability range [%f, %f]", p.MinStability, p.MaxStability)
	}
	if !(p.MinDifficulty < p.MaxDifficulty) {
		return bad("difficulty range [%f, %f]", p.MinDifficulty, p.MaxDifficulty)
	}

	for i := range p.InitialStability {
		s, d := p.InitialStability[i], p.InitialDifficulty[i]
		if s < p.MinStability || s > p.MaxStability {
			return bad("initial stability[%d] = %f outside stability range", i, s)
		}
		if d < p.MinDifficulty || d > p.MaxDifficulty {
			return bad("initial difficulty[%d] = %f outside difficulty range", i, d)
		}
		if i > 0 {
			if s < p.InitialStability[i-1] {
				return bad("initial stability must not decrease with rating at %d", i)
			}
			if d > p.InitialDifficulty[i-1] {
				return bad("initial difficulty must not increase with rating at %d", i)
			}
			if p.DifficultyDelta[i] >= p.DifficultyDelta[i-1] {
				return bad("difficulty delta must decrease with rating at %d", i)
			}
		}
	}

	if p.GrowthGain[1] <= 0 || p.GrowthGain[2] <= p.GrowthGain[1] || p.GrowthGain[3] <= p.GrowthGain[2] {
		return bad("growth gains %v must be positive and increasing", p.GrowthGain[1:])
	}
	if p.DifficultyDamping < 0 || p.DifficultyDamping >= 1 {
		return bad("difficulty damping %f outside [0, 1)", p.DifficultyDamping)
	}
	if p.RecallBonus < 0 {
		return bad("recall bonus %f is negative", p.RecallBonus)
	}
	if p.DifficultyDelta[0] <= 0 || p.DifficultyDelta[3] >= 0 {
		return bad("Again must raise difficulty and Easy must lower it")
	}
	if math.Abs(p.DifficultyDelta[0]) > 1 || math.Abs(p.DifficultyDelta[3]) > 1 {
		return bad("difficulty deltas must lie in [-1, 1]")
	}
	if !(p.LapseDecay > 0 && p.LapseDecay < 1) {
		return bad("lapse decay %f outside (0, 1)", p.LapseDecay)
	}
	if p.LapseDifficultyWeight < 0 || p.LapseDifficultyWeight >= 1 {
		return bad("lapse difficulty weight %f outside [0, 1)", p.LapseDifficultyWeight)
	}
	return nil
}
