package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
	"github.com/google/uuid"
)

// Class is a named group of students sharing deck assignments.
type Class struct {
	ID   domain.ClassID
	Name string
}

// AddClass creates a class with a fresh id.
func (db *DB) AddClass(ctx context.Context, name string) (Class, error) {
	c := Class{ID: domain.ClassID(uuid.NewString()), Name: name}
	if _, err := db.conn.ExecContext(ctx, `INSERT INTO classes (id, name) VALUES (?, ?)`, c.ID, c.Name); err != nil {
		return Class{}, storeErr(fmt.Sprintf("insert class %s", name), err)
	}
	return c, nil
}

// ClassByName looks a class up by its unique name.
func (db *DB) ClassByName(ctx context.Context, name string) (Class, error) {
	var c Class
	err := db.conn.QueryRowContext(ctx, `SELECT id, name FROM classes WHERE name = ?`, name).Scan(&c.ID, &c.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Class{}, fmt.Errorf("class %q: %w", name, domain.ErrNotFound)
		}
		return Class{}, storeErr(fmt.Sprintf("find class %s", name), err)
	}
	return c, nil
}

// Enroll adds a student to a class. Enrolling twice is a no-op.
func (db *DB) Enroll(ctx context.Context, class domain.ClassID, student domain.StudentID) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO class_members (class_id, student_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, class, student)
	if err != nil {
		return storeErr(fmt.Sprintf("enroll %s in class %s", student, class), err)
	}
	return nil
}

// Unenroll removes a student from a class. Review history is kept so a
// later re-enrollment picks up where the student left off.
func (db *DB) Unenroll(ctx context.Context, class domain.ClassID, student domain.StudentID) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM class_members WHERE class_id = ? AND student_id = ?`, class, student)
	if err != nil {
		return storeErr(fmt.Sprintf("unenroll %s from class %s", student, class), err)
	}
	return nil
}

// Withdraw removes every enrollment and direct assignment of a student
// together with all of the student's review states and logs.
func (db *DB) Withdraw(ctx context.Context, student domain.StudentID) error {
	op := fmt.Sprintf("withdraw student %s", student)
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM class_members WHERE student_id = ?`,
		`DELETE FROM deck_assignments WHERE student_id = ?`,
		`DELETE FROM review_states WHERE student_id = ?`,
		`DELETE FROM review_logs WHERE student_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, student); err != nil {
			return storeErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// AssignToClass makes a deck's cards candidates for every member of a class.
func (db *DB) AssignToClass(ctx context.Context, deck domain.DeckID, class domain.ClassID, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO deck_assignments (id, deck_id, class_id, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, uuid.NewString(), deck, class, toMillis(at))
	if err != nil {
		return storeErr(fmt.Sprintf("assign deck %s to class %s", deck, class), err)
	}
	return nil
}

// AssignToStudent makes a deck's cards candidates for a single student.
func (db *DB) AssignToStudent(ctx context.Context, deck domain.DeckID, student domain.StudentID, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO deck_assignments (id, deck_id, student_id, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, uuid.NewString(), deck, student, toMillis(at))
	if err != nil {
		return storeErr(fmt.Sprintf("assign deck %s to student %s", deck, student), err)
	}
	return nil
}

// CandidateCards returns every card in scope for the student: cards of decks
// assigned to the student directly or to any class the student belongs to.
// Decks are ordered by their earliest assignment, cards by file position.
// A deck reachable through several assignments contributes its cards once.
func (db *DB) CandidateCards(ctx context.Context, student domain.StudentID) ([]domain.CardRef, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, c.deck_id
		FROM cards c
		JOIN (
			SELECT deck_id, MIN(assigned_at) AS first_assigned
			FROM deck_assignments
			WHERE student_id = ?
			   OR class_id IN (SELECT class_id FROM class_members WHERE student_id = ?)
			GROUP BY deck_id
		) a ON a.deck_id = c.deck_id
		ORDER BY a.first_assigned, c.deck_id, c.position, c.id
	`, student, student)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("get candidate cards for %s", student), err)
	}
	defer rows.Close()

	var refs []domain.CardRef
	for rows.Next() {
		var ref domain.CardRef
		if err := rows.Scan(&ref.CardID, &ref.DeckID); err != nil {
			return nil, storeErr(fmt.Sprintf("scan candidate card for %s", student), err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(fmt.Sprintf("scan candidate cards for %s", student), err)
	}
	return refs, nil
}
