package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
	"github.com/conorfennell/knolclass/internal/queue"
	"github.com/conorfennell/knolclass/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type stateKey struct {
	student domain.StudentID
	card    domain.CardID
}

// memStore is an in-memory Store with the same version check as the database.
type memStore struct {
	mu     sync.Mutex
	states map[stateKey]domain.ReviewState
	puts   int

	// getHook, when set, runs before every Get.
	getHook func(ctx context.Context) error
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{states: make(map[stateKey]domain.ReviewState)}
}

func (m *memStore) Get(ctx context.Context, student domain.StudentID, card domain.CardID) (*domain.ReviewState, error) {
	if m.getHook != nil {
		if err := m.getHook(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey{student, card}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) Put(_ context.Context, s domain.ReviewState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	key := stateKey{s.StudentID, s.CardID}
	if m.states[key].Version != s.Version {
		return domain.ErrConcurrentUpdate
	}
	s.Version++
	m.states[key] = s
	m.puts++
	return nil
}

func (m *memStore) States(_ context.Context, student domain.StudentID, cards []domain.CardID) (map[domain.CardID]domain.ReviewState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.CardID]domain.ReviewState)
	for _, c := range cards {
		if s, ok := m.states[stateKey{student, c}]; ok {
			out[c] = s
		}
	}
	return out, nil
}

func (m *memStore) seed(student domain.StudentID, card domain.CardID, due time.Time) {
	m.states[stateKey{student, card}] = domain.ReviewState{
		StudentID:   student,
		CardID:      card,
		DeckID:      "deck-1",
		Repetitions: 1,
		Stability:   3,
		Difficulty:  0.5,
		LastRating:  domain.Good,
		ScheduledAt: due.Add(-3 * 24 * time.Hour),
		ReviewedAt:  due.Add(-3 * 24 * time.Hour),
		NextDueAt:   due,
		Version:     1,
	}
}

type staticRoster []domain.CardRef

func (r staticRoster) CandidateCards(context.Context, domain.StudentID) ([]domain.CardRef, error) {
	return r, nil
}

func refs(n int) []domain.CardRef {
	out := make([]domain.CardRef, n)
	for i := range out {
		out[i] = domain.CardRef{CardID: domain.CardID(fmt.Sprintf("card-%02d", i+1)), DeckID: "deck-1"}
	}
	return out
}

func newCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return t0 }
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSessionCap(t *testing.T) {
	store := newMemStore()
	candidates := refs(10)
	for i, r := range candidates {
		store.seed("stu-1", r.CardID, t0.Add(-time.Duration(i+1)*time.Hour))
	}
	c := newCoordinator(t, Config{Store: store, Roster: staticRoster(candidates)})
	ctx := context.Background()

	s, err := c.Start(ctx, "stu-1", Options{MaxCards: 3})
	require.NoError(t, err)
	assert.Equal(t, InProgress, s.Status())
	assert.Equal(t, 10, s.Remaining())

	for range 3 {
		_, err := s.Submit(ctx, Answer{Rating: domain.Good})
		require.NoError(t, err)
	}

	assert.Equal(t, Completed, s.Status())
	_, ok := s.Current()
	assert.False(t, ok)
	_, err = s.Submit(ctx, Answer{Rating: domain.Good})
	assert.ErrorIs(t, err, domain.ErrNoActiveCard)

	// The seven cards not reached are still due for the next session.
	ids := make([]domain.CardID, len(candidates))
	for i, r := range candidates {
		ids[i] = r.CardID
	}
	states, err := store.States(ctx, "stu-1", ids)
	require.NoError(t, err)
	q := queue.Build("stu-1", ids, states, t0, queue.Options{})
	assert.Equal(t, 7, q.Len())

	next, err := c.Start(ctx, "stu-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 7, next.Remaining())

	summary := s.Summary()
	assert.Equal(t, 3, summary.Reviewed)
	assert.Equal(t, 10, summary.Queued)
	assert.Equal(t, 3, summary.Ratings[domain.Good])
	assert.Equal(t, Completed, summary.Status)
}

func TestSubmitWalksQueue(t *testing.T) {
	store := newMemStore()
	store.seed("stu-1", "card-02", t0.Add(-time.Hour))
	c := newCoordinator(t, Config{Store: store})
	ctx := context.Background()

	s, err := c.StartWith(ctx, "stu-1", refs(2), Options{})
	require.NoError(t, err)

	card, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, domain.CardID("card-02"), card, "reviews come before new cards")

	next, err := s.Submit(ctx, Answer{Rating: domain.Easy, Elapsed: 1500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Repetitions)
	assert.Equal(t, int64(1500), next.ElapsedMS)
	assert.Equal(t, domain.DeckID("deck-1"), next.DeckID)

	card, ok = s.Current()
	require.True(t, ok)
	assert.Equal(t, domain.CardID("card-01"), card)

	next, err = s.Submit(ctx, Answer{Rating: domain.Again})
	require.NoError(t, err)
	assert.Equal(t, 0, next.Repetitions)
	assert.True(t, next.NextDueAt.After(t0))

	assert.Equal(t, Completed, s.Status())
	assert.Equal(t, 2, store.puts)
	stored, err := store.Get(ctx, "stu-1", "card-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestEmptyQueueCompletesImmediately(t *testing.T) {
	store := newMemStore()
	store.seed("stu-1", "card-01", t0.Add(time.Hour))
	c := newCoordinator(t, Config{Store: store})

	s, err := c.StartWith(context.Background(), "stu-1", refs(1), Options{})
	require.NoError(t, err)
	assert.Equal(t, Completed, s.Status())
	_, err = s.Submit(context.Background(), Answer{Rating: domain.Good})
	assert.ErrorIs(t, err, domain.ErrNoActiveCard)
	_, err = s.Preview(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoActiveCard)
}

func TestInvalidRatingTouchesNothing(t *testing.T) {
	store := newMemStore()
	store.getHook = func(context.Context) error {
		t.Error("store must not be read for an invalid rating")
		return nil
	}
	c := newCoordinator(t, Config{Store: store})
	s, err := c.StartWith(context.Background(), "stu-1", refs(1), Options{})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), Answer{Rating: domain.Rating(7)})
	assert.ErrorIs(t, err, domain.ErrInvalidRating)
	card, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, domain.CardID("card-01"), card)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	store := newMemStore()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	store.getHook = func(context.Context) error {
		once.Do(func() {
			close(entered)
			<-unblock
		})
		return nil
	}
	c := newCoordinator(t, Config{Store: store})
	ctx := context.Background()

	first, err := c.StartWith(ctx, "stu-1", refs(2), Options{})
	require.NoError(t, err)
	second, err := c.StartWith(ctx, "stu-1", refs(2), Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := first.Submit(ctx, Answer{Rating: domain.Good})
		done <- err
	}()
	<-entered

	// Same session, same card.
	_, err = first.Submit(ctx, Answer{Rating: domain.Hard})
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	// Another session of the same coordinator, same card.
	_, err = second.Submit(ctx, Answer{Rating: domain.Easy})
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	close(unblock)
	require.NoError(t, <-done)

	card, _ := first.Current()
	assert.Equal(t, domain.CardID("card-02"), card, "only the confirmed write advances")
	card, _ = second.Current()
	assert.Equal(t, domain.CardID("card-01"), card, "a rejected submit keeps the current card")

	// Retrying reads the state the first session wrote.
	_, err = second.Submit(ctx, Answer{Rating: domain.Easy})
	require.NoError(t, err)
	stored, err := store.Get(ctx, "stu-1", "card-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Len(t, store.states, 1, "one state per student and card")
}

func TestLateSubmitDoesNotRateTwice(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(t, Config{Store: store})
	ctx := context.Background()

	s, err := c.StartWith(ctx, "stu-1", refs(2), Options{})
	require.NoError(t, err)

	// A submission that read position 0 but reached the write slot only
	// after another submission for card-01 finished.
	_, err = s.Submit(ctx, Answer{Rating: domain.Good})
	require.NoError(t, err)
	_, err = s.claim(0, "card-01")
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	stored, err := store.Get(ctx, "stu-1", "card-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	// The stale claim gave the slot back.
	release, ok := c.acquire("stu-1", "card-01")
	require.True(t, ok)
	release()

	_, err = s.Submit(ctx, Answer{Rating: domain.Easy})
	require.NoError(t, err)
	assert.Equal(t, Completed, s.Status())
	_, err = s.claim(1, "card-02")
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate, "completed sessions accept nothing")
}

func TestStoreConflictKeepsCurrentCard(t *testing.T) {
	store := newMemStore()
	store.putErr = fmt.Errorf("put: %w", domain.ErrConcurrentUpdate)
	c := newCoordinator(t, Config{Store: store})
	ctx := context.Background()

	s, err := c.StartWith(ctx, "stu-1", refs(2), Options{})
	require.NoError(t, err)
	_, err = s.Submit(ctx, Answer{Rating: domain.Good})
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	card, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, domain.CardID("card-01"), card)
	assert.Equal(t, 0, s.Summary().Reviewed)

	// The write slot is released after a failure.
	store.putErr = nil
	_, err = s.Submit(ctx, Answer{Rating: domain.Good})
	require.NoError(t, err)
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("disk on fire")
	store := newMemStore()
	store.putErr = boom
	c := newCoordinator(t, Config{Store: store})

	s, err := c.StartWith(context.Background(), "stu-1", refs(1), Options{})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), Answer{Rating: domain.Good})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestStoreTimeoutIsUnavailable(t *testing.T) {
	store := newMemStore()
	store.getHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := newCoordinator(t, Config{Store: store, StoreTimeout: 10 * time.Millisecond})

	s, err := c.StartWith(context.Background(), "stu-1", refs(1), Options{})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), Answer{Rating: domain.Good})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	card, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, domain.CardID("card-01"), card)
	assert.Zero(t, store.puts)
}

func TestStartWithoutRoster(t *testing.T) {
	c := newCoordinator(t, Config{Store: newMemStore()})
	_, err := c.Start(context.Background(), "stu-1", Options{})
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(t, Config{Store: store})
	s, err := c.StartWith(context.Background(), "stu-1", refs(1), Options{})
	require.NoError(t, err)

	preview, err := s.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, preview, len(domain.Ratings))
	assert.False(t, preview[domain.Easy].NextDueAt.Before(preview[domain.Again].NextDueAt))
	assert.Zero(t, store.puts, "preview never writes")
}

func TestSubmitUsesClockAtSubmission(t *testing.T) {
	store := newMemStore()
	now := t0
	c := newCoordinator(t, Config{Store: store, Clock: func() time.Time { return now }})
	s, err := c.StartWith(context.Background(), "stu-1", refs(1), Options{})
	require.NoError(t, err)

	now = t0.Add(10 * time.Minute)
	next, err := s.Submit(context.Background(), Answer{Rating: domain.Good})
	require.NoError(t, err)
	assert.Equal(t, now, next.ReviewedAt)
	assert.Equal(t, t0, s.Summary().StartedAt)
}

func TestSessionAgainstDatabase(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "knolclass.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	deck, err := db.AddDeck(ctx, "capitals", "/decks/capitals", domain.SourceLocal)
	require.NoError(t, err)
	for i, q := range []string{"France", "Spain", "Italy"} {
		require.NoError(t, db.PutCard(ctx, domain.Card{
			ID: domain.CardID(q), DeckID: deck.ID, Question: q, Answer: "?", Position: i + 1,
		}))
	}
	class, err := db.AddClass(ctx, "geo")
	require.NoError(t, err)
	require.NoError(t, db.Enroll(ctx, class.ID, "stu-1"))
	require.NoError(t, db.AssignToClass(ctx, deck.ID, class.ID, t0))

	c := newCoordinator(t, Config{Store: db, Roster: db})
	s, err := c.Start(ctx, "stu-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Remaining())

	for _, r := range []domain.Rating{domain.Good, domain.Again, domain.Easy} {
		_, err := s.Submit(ctx, Answer{Rating: r})
		require.NoError(t, err)
	}
	assert.Equal(t, Completed, s.Status())

	// Nothing is due again at the same instant.
	again, err := c.Start(ctx, "stu-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, Completed, again.Status())

	// Reviewing the same card twice leaves a single row at version 2.
	later := newCoordinator(t, Config{Store: db, Roster: db, Clock: func() time.Time { return t0.AddDate(1, 0, 0) }})
	s, err = later.StartWith(ctx, "stu-1", []domain.CardRef{{CardID: "Spain", DeckID: deck.ID}}, Options{})
	require.NoError(t, err)
	_, err = s.Submit(ctx, Answer{Rating: domain.Good})
	require.NoError(t, err)

	state, err := db.Get(ctx, "stu-1", "Spain")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, 1, state.Repetitions)
	all, err := db.StudentStates(ctx, "stu-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
