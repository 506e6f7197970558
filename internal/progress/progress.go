// Package progress summarizes a student's review states. It is a read model:
// nothing in scheduling reads it back.
package progress

import (
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
)

// MatureStability is the stability, in days, from which a card counts as mature.
const MatureStability = 21.0

// Progress aggregates review states as seen at At.
type Progress struct {
	At      time.Time
	Studied int
	Due     int
	Mature  int
	Lapses  int

	// LastRatings counts cards by the rating of their latest review.
	LastRatings [len(domain.Ratings)]int

	stabilitySum  float64
	difficultySum float64
}

// Fold builds progress from scratch over states.
func Fold(states []domain.ReviewState, now time.Time) Progress {
	p := Progress{At: now}
	for i := range states {
		p.Apply(nil, states[i])
	}
	return p
}

// Apply updates p for one state change. prev is nil when next is the
// card's first state. Due counts stay relative to p.At.
func (p *Progress) Apply(prev *domain.ReviewState, next domain.ReviewState) {
	if prev == nil {
		p.Studied++
	} else {
		p.add(*prev, -1)
	}
	p.add(next, 1)
}

func (p *Progress) add(s domain.ReviewState, sign int) {
	if s.DueAt(p.At) {
		p.Due += sign
	}
	if s.Stability >= MatureStability {
		p.Mature += sign
	}
	p.Lapses += sign * s.Lapses
	if s.LastRating.IsValid() {
		p.LastRatings[s.LastRating] += sign
	}
	p.stabilitySum += float64(sign) * s.Stability
	p.difficultySum += float64(sign) * s.Difficulty
}

// MeanStability is the average stability over studied cards, 0 with none.
func (p Progress) MeanStability() float64 {
	if p.Studied == 0 {
		return 0
	}
	return p.stabilitySum / float64(p.Studied)
}

// MeanDifficulty is the average difficulty over studied cards, 0 with none.
func (p Progress) MeanDifficulty() float64 {
	if p.Studied == 0 {
		return 0
	}
	return p.difficultySum / float64(p.Studied)
}
