package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
	"github.com/conorfennell/knolclass/internal/queue"
)

// Status is where a session is in its lifecycle.
type Status int

const (
	Idle Status = iota
	InProgress
	Completed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Answer is one rating submitted for the current card.
type Answer struct {
	Rating domain.Rating
	// Elapsed is the time the student spent on the card.
	Elapsed time.Duration
}

// Summary describes a session so far.
type Summary struct {
	SessionID string
	StudentID domain.StudentID
	Status    Status
	StartedAt time.Time
	Queued    int
	Reviewed  int
	// Ratings counts submissions per rating, indexed by domain.Rating.
	Ratings [len(domain.Ratings)]int
}

// Session is one bounded run over a queue built at start. A Session is safe
// for concurrent use, but only one submission per card can be in flight.
type Session struct {
	id        string
	coord     *Coordinator
	student   domain.StudentID
	decks     map[domain.CardID]domain.DeckID
	queue     queue.Queue
	maxCards  int
	startedAt time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	pos      int
	reviewed int
	ratings  [len(domain.Ratings)]int
	status   Status
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Current returns the card awaiting a rating, or false once the session is completed.
func (s *Session) Current() (domain.CardID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != InProgress {
		return "", false
	}
	return s.queue.At(s.pos), true
}

// Remaining returns the number of queued cards not yet reviewed.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != InProgress {
		return 0
	}
	return s.queue.Len() - s.pos
}

// Submit rates the current card, stores the new state and advances the
// queue. On any error the current card stays the same so the caller can
// retry. A submission racing another for the same student and card fails
// with domain.ErrConcurrentUpdate.
func (s *Session) Submit(ctx context.Context, answer Answer) (domain.ReviewState, error) {
	if !answer.Rating.IsValid() {
		return domain.ReviewState{}, fmt.Errorf("%w: %d", domain.ErrInvalidRating, int(answer.Rating))
	}

	s.mu.Lock()
	if s.status != InProgress {
		s.mu.Unlock()
		return domain.ReviewState{}, domain.ErrNoActiveCard
	}
	idx := s.pos
	card := s.queue.At(idx)
	s.mu.Unlock()

	c := s.coord
	release, err := s.claim(idx, card)
	if err != nil {
		return domain.ReviewState{}, err
	}
	defer release()

	var prev *domain.ReviewState
	err = c.storeCall(ctx, "load review state", func(ctx context.Context) error {
		var err error
		prev, err = c.store.Get(ctx, s.student, card)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to load review state", "card", card, "error", err)
		return domain.ReviewState{}, err
	}

	key := domain.ReviewKey{StudentID: s.student, CardID: card, DeckID: s.decks[card]}
	next, err := c.params.Schedule(key, prev, answer.Rating, c.clock())
	if err != nil {
		return domain.ReviewState{}, err
	}
	next.ElapsedMS = answer.Elapsed.Milliseconds()

	err = c.storeCall(ctx, "store review state", func(ctx context.Context) error {
		return c.store.Put(ctx, next)
	})
	if err != nil {
		s.logger.Warn("failed to store review state", "card", card, "error", err)
		return domain.ReviewState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == idx && s.status == InProgress {
		s.pos++
		s.reviewed++
		s.ratings[answer.Rating]++
		s.logger.Debug("card reviewed",
			"card", card,
			"rating", answer.Rating,
			"next_due_at", next.NextDueAt,
			"stability", next.Stability,
			"difficulty", next.Difficulty,
		)
		if s.pos >= s.queue.Len() || (s.maxCards > 0 && s.reviewed >= s.maxCards) {
			s.complete()
		}
	}
	return next, nil
}

// claim takes the write slot for card, which sat at position idx when the
// submission began. It fails if another submission holds the slot or has
// already moved the session past idx.
func (s *Session) claim(idx int, card domain.CardID) (func(), error) {
	release, ok := s.coord.acquire(s.student, card)
	if !ok {
		return nil, fmt.Errorf("card %s: submission already in flight: %w", card, domain.ErrConcurrentUpdate)
	}
	s.mu.Lock()
	stale := s.pos != idx || s.status != InProgress
	s.mu.Unlock()
	if stale {
		release()
		return nil, fmt.Errorf("card %s: already reviewed in this session: %w", card, domain.ErrConcurrentUpdate)
	}
	return release, nil
}

// Preview returns the state each rating would produce for the current card.
func (s *Session) Preview(ctx context.Context) (map[domain.Rating]domain.ReviewState, error) {
	card, ok := s.Current()
	if !ok {
		return nil, domain.ErrNoActiveCard
	}
	c := s.coord
	var prev *domain.ReviewState
	err := c.storeCall(ctx, "load review state", func(ctx context.Context) error {
		var err error
		prev, err = c.store.Get(ctx, s.student, card)
		return err
	})
	if err != nil {
		return nil, err
	}
	key := domain.ReviewKey{StudentID: s.student, CardID: card, DeckID: s.decks[card]}
	return c.params.Preview(key, prev, c.clock()), nil
}

// Summary reports progress so far.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		SessionID: s.id,
		StudentID: s.student,
		Status:    s.status,
		StartedAt: s.startedAt,
		Queued:    s.queue.Len(),
		Reviewed:  s.reviewed,
		Ratings:   s.ratings,
	}
}

// complete must be called with s.mu held or before the session is shared.
func (s *Session) complete() {
	s.status = Completed
	s.logger.Info("review session completed",
		"reviewed", s.reviewed,
		"remaining", s.queue.Len()-s.pos,
	)
}
