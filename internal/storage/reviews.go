package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conorfennell/knolclass/internal/domain"
)

const reviewStateColumns = `student_id, card_id, deck_id, repetitions, lapses, stability, difficulty,
	last_rating, scheduled_at, reviewed_at, next_due_at, elapsed_ms, version`

// The update only applies when the stored version still matches the one the
// caller read. A fresh insert starts at version 1.
const upsertReviewState = `
	INSERT INTO review_states (` + reviewStateColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (student_id, card_id) DO UPDATE SET
		deck_id = excluded.deck_id,
		repetitions = excluded.repetitions,
		lapses = excluded.lapses,
		stability = excluded.stability,
		difficulty = excluded.difficulty,
		last_rating = excluded.last_rating,
		scheduled_at = excluded.scheduled_at,
		reviewed_at = excluded.reviewed_at,
		next_due_at = excluded.next_due_at,
		elapsed_ms = excluded.elapsed_ms,
		version = excluded.version
	WHERE review_states.version = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReviewState(row rowScanner) (domain.ReviewState, error) {
	var (
		s                                  domain.ReviewState
		rating                             int
		scheduledAt, reviewedAt, nextDueAt int64
	)
	err := row.Scan(
		&s.StudentID,
		&s.CardID,
		&s.DeckID,
		&s.Repetitions,
		&s.Lapses,
		&s.Stability,
		&s.Difficulty,
		&rating,
		&scheduledAt,
		&reviewedAt,
		&nextDueAt,
		&s.ElapsedMS,
		&s.Version,
	)
	if err != nil {
		return domain.ReviewState{}, err
	}
	s.LastRating = domain.Rating(rating)
	s.ScheduledAt = fromMillis(scheduledAt)
	s.ReviewedAt = fromMillis(reviewedAt)
	s.NextDueAt = fromMillis(nextDueAt)
	return s, nil
}

// Get returns the student's state for card, or nil when the card was never reviewed.
func (db *DB) Get(ctx context.Context, student domain.StudentID, card domain.CardID) (*domain.ReviewState, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+reviewStateColumns+`
		FROM review_states WHERE student_id = ? AND card_id = ?
	`, student, card)

	s, err := scanReviewState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr(fmt.Sprintf("get review state %s/%s", student, card), err)
	}
	return &s, nil
}

// Put writes s if the stored version still equals s.Version (0 when the
// state did not exist) and appends the matching review log entry. Both
// happen in one transaction. A version mismatch returns ErrConcurrentUpdate
// and leaves the store untouched.
func (db *DB) Put(ctx context.Context, s domain.ReviewState) error {
	op := fmt.Sprintf("put review state %s/%s", s.StudentID, s.CardID)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, upsertReviewState,
		s.StudentID,
		s.CardID,
		s.DeckID,
		s.Repetitions,
		s.Lapses,
		s.Stability,
		s.Difficulty,
		int(s.LastRating),
		toMillis(s.ScheduledAt),
		toMillis(s.ReviewedAt),
		toMillis(s.NextDueAt),
		s.ElapsedMS,
		s.Version+1,
		s.Version,
	)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s at version %d: %w", op, s.Version, domain.ErrConcurrentUpdate)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (student_id, card_id, rating, reviewed_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?)
	`, s.StudentID, s.CardID, int(s.LastRating), toMillis(s.ReviewedAt), s.ElapsedMS)
	if err != nil {
		return storeErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// maxQueryArgs keeps IN lists well below sqlite's host parameter limit.
const maxQueryArgs = 500

// States returns the student's states for the given cards, keyed by card.
// Cards without a state are absent from the map.
func (db *DB) States(ctx context.Context, student domain.StudentID, cards []domain.CardID) (map[domain.CardID]domain.ReviewState, error) {
	states := make(map[domain.CardID]domain.ReviewState, len(cards))
	for start := 0; start < len(cards); start += maxQueryArgs {
		chunk := cards[start:min(start+maxQueryArgs, len(cards))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, student)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := db.conn.QueryContext(ctx, `
			SELECT `+reviewStateColumns+`
			FROM review_states
			WHERE student_id = ? AND card_id IN (`+placeholders(len(chunk))+`)
		`, args...)
		if err != nil {
			return nil, storeErr(fmt.Sprintf("get review states for %s", student), err)
		}
		if err := collectStates(rows, func(s domain.ReviewState) { states[s.CardID] = s }); err != nil {
			return nil, storeErr(fmt.Sprintf("scan review states for %s", student), err)
		}
	}
	return states, nil
}

// StudentStates returns every state the student holds, soonest due first.
func (db *DB) StudentStates(ctx context.Context, student domain.StudentID) ([]domain.ReviewState, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+reviewStateColumns+`
		FROM review_states WHERE student_id = ?
		ORDER BY next_due_at, card_id
	`, student)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("get review states for %s", student), err)
	}
	var states []domain.ReviewState
	if err := collectStates(rows, func(s domain.ReviewState) { states = append(states, s) }); err != nil {
		return nil, storeErr(fmt.Sprintf("scan review states for %s", student), err)
	}
	return states, nil
}

func collectStates(rows *sql.Rows, add func(domain.ReviewState)) error {
	defer rows.Close()
	for rows.Next() {
		s, err := scanReviewState(rows)
		if err != nil {
			return err
		}
		add(s)
	}
	return rows.Err()
}

// ReviewLogs returns the student's review history for card, oldest first.
func (db *DB) ReviewLogs(ctx context.Context, student domain.StudentID, card domain.CardID) ([]domain.ReviewLog, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT student_id, card_id, rating, reviewed_at, elapsed_ms
		FROM review_logs WHERE student_id = ? AND card_id = ?
		ORDER BY reviewed_at, id
	`, student, card)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("get review logs %s/%s", student, card), err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var (
			l          domain.ReviewLog
			rating     int
			reviewedAt int64
		)
		if err := rows.Scan(&l.StudentID, &l.CardID, &rating, &reviewedAt, &l.ElapsedMS); err != nil {
			return nil, storeErr("scan review log", err)
		}
		l.Rating = domain.Rating(rating)
		l.ReviewedAt = fromMillis(reviewedAt)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan review logs", err)
	}
	return logs, nil
}
