// Package queue orders the cards a student should review now.
package queue

import (
	"cmp"
	"iter"
	"slices"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
)

// Options tune the order and size of a queue.
type Options struct {
	// NewFirst puts never-studied cards ahead of reviews.
	NewFirst bool
	// MaxNew caps never-studied cards in one queue; 0 means no cap.
	MaxNew int
}

// Queue is an immutable, ordered list of due cards.
type Queue struct {
	ids []domain.CardID
}

// Len returns the number of cards in the queue.
func (q Queue) Len() int { return len(q.ids) }

// At returns the card at position i.
func (q Queue) At(i int) domain.CardID { return q.ids[i] }

// IDs returns a copy of the queued card ids in order.
func (q Queue) IDs() []domain.CardID { return slices.Clone(q.ids) }

// All iterates over the queue in order. It can be ranged over any number of times.
func (q Queue) All() iter.Seq2[int, domain.CardID] {
	return slices.All(q.ids)
}

// Build returns the cards due for student at now.
//
// A candidate is due when it has no state yet or its NextDueAt is not after
// now. Reviewed cards come first, soonest due first with ties kept in
// candidate order; never-studied cards follow in candidate order. Duplicate
// candidates count once, and states held by another student are ignored.
// Build has no side effects: the same inputs always give the same queue.
func Build(student domain.StudentID, candidates []domain.CardID, states map[domain.CardID]domain.ReviewState, now time.Time, opts Options) Queue {
	type reviewItem struct {
		id  domain.CardID
		due time.Time
		pos int
	}

	var (
		reviews  []reviewItem
		newCards []domain.CardID
	)
	seen := make(map[domain.CardID]bool, len(candidates))
	for pos, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true

		s, ok := states[id]
		if ok && s.StudentID != "" && s.StudentID != student {
			ok = false
		}
		switch {
		case !ok:
			newCards = append(newCards, id)
		case s.DueAt(now):
			reviews = append(reviews, reviewItem{id: id, due: s.NextDueAt, pos: pos})
		}
	}

	slices.SortStableFunc(reviews, func(a, b reviewItem) int {
		if c := a.due.Compare(b.due); c != 0 {
			return c
		}
		return cmp.Compare(a.pos, b.pos)
	})
	if opts.MaxNew > 0 && len(newCards) > opts.MaxNew {
		newCards = newCards[:opts.MaxNew]
	}

	ids := make([]domain.CardID, 0, len(reviews)+len(newCards))
	if opts.NewFirst {
		ids = append(ids, newCards...)
	}
	for _, r := range reviews {
		ids = append(ids, r.id)
	}
	if !opts.NewFirst {
		ids = append(ids, newCards...)
	}
	return Queue{ids: ids}
}
