package domain

import "time"

// ReviewKey identifies the single ReviewState a student holds for a card.
type ReviewKey struct {
	StudentID StudentID
	CardID    CardID
	DeckID    DeckID
}

// ReviewState is the scheduling state of one card for one student.
// Only derived fields are kept; the full history lives in the review log.
type ReviewState struct {
	StudentID StudentID
	CardID    CardID
	DeckID    DeckID

	Repetitions int // consecutive passing ratings since the last lapse
	Lapses      int
	Stability   float64 // days
	Difficulty  float64
	LastRating  Rating

	ScheduledAt time.Time
	ReviewedAt  time.Time
	NextDueAt   time.Time
	ElapsedMS   int64 // telemetry only

	// Version is owned by the store and used for conditional writes.
	Version int64
}

// Key returns the identity of the state.
func (s ReviewState) Key() ReviewKey {
	return ReviewKey{StudentID: s.StudentID, CardID: s.CardID, DeckID: s.DeckID}
}

// DueAt reports whether the card is eligible for review at now.
func (s ReviewState) DueAt(now time.Time) bool {
	return !s.NextDueAt.After(now)
}

// ReviewLog records a single review event for a card.
type ReviewLog struct {
	StudentID  StudentID
	CardID     CardID
	Rating     Rating
	ReviewedAt time.Time
	ElapsedMS  int64
}
