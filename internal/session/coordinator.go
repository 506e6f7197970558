// Package session runs bounded review sessions: it builds the due queue,
// applies one rating at a time through the scheduler and persists the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
	"github.com/conorfennell/knolclass/internal/fsrs"
	"github.com/conorfennell/knolclass/internal/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Store holds the latest review state per (student, card).
type Store interface {
	// Get returns nil and no error when the card was never reviewed.
	Get(ctx context.Context, student domain.StudentID, card domain.CardID) (*domain.ReviewState, error)
	// Put upserts the state. It fails with domain.ErrConcurrentUpdate when the
	// stored version no longer matches state.Version.
	Put(ctx context.Context, state domain.ReviewState) error
	States(ctx context.Context, student domain.StudentID, cards []domain.CardID) (map[domain.CardID]domain.ReviewState, error)
}

// Roster supplies the cards in a student's scope.
type Roster interface {
	CandidateCards(ctx context.Context, student domain.StudentID) ([]domain.CardRef, error)
}

// Config wires a Coordinator. Store is required; the rest have defaults.
type Config struct {
	Store  Store
	Roster Roster
	Params *fsrs.Params
	Clock  func() time.Time
	Logger *slog.Logger
	// StoreTimeout bounds every store call; 0 leaves it to the caller's context.
	StoreTimeout time.Duration
}

// Coordinator starts sessions and serializes writes per (student, card)
// across all of them. It is safe for concurrent use.
type Coordinator struct {
	store        Store
	roster       Roster
	params       *fsrs.Params
	clock        func() time.Time
	logger       *slog.Logger
	storeTimeout time.Duration

	mu       sync.Mutex
	inflight map[inflightKey]*semaphore.Weighted
}

type inflightKey struct {
	student domain.StudentID
	card    domain.CardID
}

// New returns a Coordinator for cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	c := &Coordinator{
		store:        cfg.Store,
		roster:       cfg.Roster,
		params:       cfg.Params,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		storeTimeout: cfg.StoreTimeout,
		inflight:     make(map[inflightKey]*semaphore.Weighted),
	}
	if c.params == nil {
		c.params = fsrs.DefaultParams()
	}
	if err := c.params.Validate(); err != nil {
		return nil, err
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Options bound and order one session.
type Options struct {
	// MaxCards ends the session after this many submissions; 0 means no cap.
	MaxCards int
	NewFirst bool
	// MaxNew caps never-studied cards in the session; 0 means no cap.
	MaxNew int
}

// Start loads the student's candidate cards from the roster and begins a session.
func (c *Coordinator) Start(ctx context.Context, student domain.StudentID, opts Options) (*Session, error) {
	if c.roster == nil {
		return nil, errors.New("session: no roster configured")
	}
	var refs []domain.CardRef
	err := c.storeCall(ctx, "load candidate cards", func(ctx context.Context) error {
		var err error
		refs, err = c.roster.CandidateCards(ctx, student)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.StartWith(ctx, student, refs, opts)
}

// StartWith begins a session over explicit candidates. The queue is built
// once, against the time at which the session starts.
func (c *Coordinator) StartWith(ctx context.Context, student domain.StudentID, candidates []domain.CardRef, opts Options) (*Session, error) {
	ids := make([]domain.CardID, len(candidates))
	decks := make(map[domain.CardID]domain.DeckID, len(candidates))
	for i, ref := range candidates {
		ids[i] = ref.CardID
		if _, ok := decks[ref.CardID]; !ok {
			decks[ref.CardID] = ref.DeckID
		}
	}

	var states map[domain.CardID]domain.ReviewState
	err := c.storeCall(ctx, "load review states", func(ctx context.Context) error {
		var err error
		states, err = c.store.States(ctx, student, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := c.clock()
	q := queue.Build(student, ids, states, now, queue.Options{NewFirst: opts.NewFirst, MaxNew: opts.MaxNew})

	s := &Session{
		id:        uuid.NewString(),
		coord:     c,
		student:   student,
		decks:     decks,
		queue:     q,
		maxCards:  opts.MaxCards,
		startedAt: now,
		status:    InProgress,
	}
	s.logger = c.logger.With("session_id", s.id, "student", student)
	s.logger.Info("review session started", "candidates", len(ids), "queued", q.Len(), "max_cards", opts.MaxCards)
	if q.Len() == 0 {
		s.complete()
	}
	return s, nil
}

// acquire claims the single write slot for (student, card). It never blocks.
func (c *Coordinator) acquire(student domain.StudentID, card domain.CardID) (release func(), ok bool) {
	key := inflightKey{student: student, card: card}

	c.mu.Lock()
	defer c.mu.Unlock()
	sem, exists := c.inflight[key]
	if !exists {
		sem = semaphore.NewWeighted(1)
		c.inflight[key] = sem
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		sem.Release(1)
		delete(c.inflight, key)
	}, true
}

// storeCall runs fn under the store timeout. Timeouts and cancellation
// surface as domain.ErrStoreUnavailable; other errors pass through unchanged.
func (c *Coordinator) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return err
}
