package fsrs

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
)

// ErrLogMismatch is returned by Replay when a log belongs to another card or student.
var ErrLogMismatch = errors.New("fsrs: review log does not match card")

// curveFactor fixes the forgetting curve so that R(S, S) = 0.9:
// stability is, by definition, the number of days until recall drops to 90%.
const curveFactor = 1.0/0.9 - 1

const day = 24 * time.Hour

// Schedule computes the state that follows rating the card at now.
// prev is nil for the student's first review of the card; in that case the
// identity is taken from key, otherwise it is carried over from prev.
// Schedule has no side effects and never reads the wall clock.
func (p *Params) Schedule(key domain.ReviewKey, prev *domain.ReviewState, rating domain.Rating, now time.Time) (domain.ReviewState, error) {
	if !rating.IsValid() {
		return domain.ReviewState{}, fmt.Errorf("%w: %d", domain.ErrInvalidRating, int(rating))
	}

	var next domain.ReviewState
	if prev == nil {
		next = domain.ReviewState{
			StudentID:   key.StudentID,
			CardID:      key.CardID,
			DeckID:      key.DeckID,
			Stability:   p.clampS(p.InitialStability[rating]),
			Difficulty:  p.clampD(p.InitialDifficulty[rating]),
			ScheduledAt: now,
		}
	} else {
		next = *prev
		if next.DeckID == "" {
			next.DeckID = key.DeckID
		}
		next.ScheduledAt = prev.NextDueAt
		next.Repetitions = max(next.Repetitions, 0)

		if rating == domain.Again {
			next.Repetitions = 0
			next.Lapses++
			next.Stability = p.lapseStability(prev.Stability, prev.Difficulty)
		} else {
			next.Repetitions++
			r := p.retrievability(elapsedDays(prev.ReviewedAt, now), p.clampS(prev.Stability))
			next.Stability = p.recallStability(prev.Stability, prev.Difficulty, r, rating)
		}
		next.Difficulty = p.nextDifficulty(prev.Difficulty, rating)
	}

	next.LastRating = rating
	next.ReviewedAt = now
	next.ElapsedMS = 0
	next.NextDueAt = now.Add(time.Duration(p.Interval(next.Stability)) * day)

	p.checkInvariants(next)
	return next, nil
}

// Preview returns the outcome of each possible rating without committing any.
func (p *Params) Preview(key domain.ReviewKey, prev *domain.ReviewState, now time.Time) map[domain.Rating]domain.ReviewState {
	out := make(map[domain.Rating]domain.ReviewState, len(domain.Ratings))
	for _, r := range domain.Ratings {
		// Valid ratings cannot fail.
		next, _ := p.Schedule(key, prev, r, now)
		out[r] = next
	}
	return out
}

// Replay rebuilds a card's state from its review log, oldest entry first.
// It returns nil when logs is empty.
func (p *Params) Replay(key domain.ReviewKey, logs []domain.ReviewLog) (*domain.ReviewState, error) {
	var state *domain.ReviewState
	for i, l := range logs {
		if l.StudentID != key.StudentID || l.CardID != key.CardID {
			return nil, fmt.Errorf("%w: entry %d is for %s/%s", ErrLogMismatch, i, l.StudentID, l.CardID)
		}
		next, err := p.Schedule(key, state, l.Rating, l.ReviewedAt)
		if err != nil {
			return nil, fmt.Errorf("replay entry %d: %w", i, err)
		}
		next.ElapsedMS = l.ElapsedMS
		state = &next
	}
	return state, nil
}

// Retrievability is the estimated probability that the student recalls the
// card at now. Unreviewed states report 0.
func (p *Params) Retrievability(s domain.ReviewState, now time.Time) float64 {
	if s.ReviewedAt.IsZero() || s.Stability <= 0 {
		return 0
	}
	return p.retrievability(elapsedDays(s.ReviewedAt, now), s.Stability)
}

// Interval maps stability to whole days until the next review so that recall
// is expected to sit at DesiredRetention, clamped to [1, MaxIntervalDays].
func (p *Params) Interval(stability float64) int {
	ivl := stability * ((1/p.DesiredRetention - 1) / curveFactor)
	// Clamp before converting: a tiny retention overflows int.
	ivl = math.Max(1, math.Min(math.Round(ivl), float64(p.MaxIntervalDays)))
	return int(ivl)
}

// retrievability evaluates the power forgetting curve R(t, S) = 1 / (1 + f*t/S).
func (p *Params) retrievability(elapsed, stability float64) float64 {
	return 1 / (1 + curveFactor*elapsed/stability)
}

// recallStability grows stability after a passing rating:
// S' = S * (1 + gain(G) * (1 - damping*D) * (1 + bonus*(1-R))).
// The growth factor is strictly above 1, rises with the rating and falls with difficulty.
func (p *Params) recallStability(s, d, r float64, rating domain.Rating) float64 {
	s = p.clampS(s)
	growth := p.GrowthGain[rating] *
		(1 - p.DifficultyDamping*p.normD(d)) *
		(1 + p.RecallBonus*(1-r))
	return p.clampS(s * (1 + growth))
}

// lapseStability shrinks stability after Again: S' = S * decay * (1 - w*D).
func (p *Params) lapseStability(s, d float64) float64 {
	s = p.clampS(s)
	return p.clampS(s * p.LapseDecay * (1 - p.LapseDifficultyWeight*p.normD(d)))
}

// nextDifficulty moves difficulty by the rating's delta, damped by the
// remaining headroom so the value approaches the bounds without crossing them.
func (p *Params) nextDifficulty(d float64, rating domain.Rating) float64 {
	d = p.clampD(d)
	delta := p.DifficultyDelta[rating]
	if delta > 0 {
		d += delta * (p.MaxDifficulty - d)
	} else {
		d += delta * (d - p.MinDifficulty)
	}
	return p.clampD(d)
}

// normD maps difficulty onto [0, 1].
func (p *Params) normD(d float64) float64 {
	return (p.clampD(d) - p.MinDifficulty) / (p.MaxDifficulty - p.MinDifficulty)
}

func (p *Params) clampS(s float64) float64 {
	if math.IsNaN(s) {
		return p.MinStability
	}
	return math.Min(math.Max(s, p.MinStability), p.MaxStability)
}

func (p *Params) clampD(d float64) float64 {
	if math.IsNaN(d) {
		return p.MaxDifficulty
	}
	return math.Min(math.Max(d, p.MinDifficulty), p.MaxDifficulty)
}

// checkInvariants panics on a state the clamps should have made impossible.
func (p *Params) checkInvariants(s domain.ReviewState) {
	switch {
	case !(s.Stability >= p.MinStability && s.Stability <= p.MaxStability):
		panic(fmt.Sprintf("fsrs: stability %f escaped [%f, %f]", s.Stability, p.MinStability, p.MaxStability))
	case !(s.Difficulty >= p.MinDifficulty && s.Difficulty <= p.MaxDifficulty):
		panic(fmt.Sprintf("fsrs: difficulty %f escaped [%f, %f]", s.Difficulty, p.MinDifficulty, p.MaxDifficulty))
	case s.NextDueAt.Before(s.ReviewedAt):
		panic(fmt.Sprintf("fsrs: next due %v before review %v", s.NextDueAt, s.ReviewedAt))
	case s.Repetitions < 0:
		panic(fmt.Sprintf("fsrs: negative repetitions %d", s.Repetitions))
	}
}

// elapsedDays is the fractional number of days between two reviews, never negative.
func elapsedDays(from, to time.Time) float64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from).Hours() / 24
}
