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

// AddDeck registers a deck source and returns it with a fresh id.
func (db *DB) AddDeck(ctx context.Context, name, path string, kind domain.SourceKind) (domain.Deck, error) {
	deck := domain.Deck{
		ID:   domain.DeckID(uuid.NewString()),
		Name: name,
		Path: path,
		Kind: kind,
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO decks (id, name, path, kind)
		VALUES (?, ?, ?, ?)
	`, deck.ID, deck.Name, deck.Path, string(deck.Kind))
	if err != nil {
		return domain.Deck{}, storeErr(fmt.Sprintf("insert deck %s", name), err)
	}
	return deck, nil
}

const deckColumns = `id, name, path, kind, last_synced`

func scanDeck(row rowScanner) (domain.Deck, error) {
	var (
		d          domain.Deck
		kind       string
		lastSynced int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Path, &kind, &lastSynced); err != nil {
		return domain.Deck{}, err
	}
	d.Kind = domain.SourceKind(kind)
	d.LastSynced = fromMillis(lastSynced)
	return d, nil
}

// DeckByName looks a deck up by its unique name.
func (db *DB) DeckByName(ctx context.Context, name string) (domain.Deck, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+deckColumns+` FROM decks WHERE name = ?`, name)
	d, err := scanDeck(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Deck{}, fmt.Errorf("deck %q: %w", name, domain.ErrNotFound)
		}
		return domain.Deck{}, storeErr(fmt.Sprintf("find deck %s", name), err)
	}
	return d, nil
}

// Decks returns all registered decks ordered by name.
func (db *DB) Decks(ctx context.Context) ([]domain.Deck, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+deckColumns+` FROM decks ORDER BY name`)
	if err != nil {
		return nil, storeErr("get all decks", err)
	}
	defer rows.Close()

	var decks []domain.Deck
	for rows.Next() {
		d, err := scanDeck(rows)
		if err != nil {
			return nil, storeErr("scan deck row", err)
		}
		decks = append(decks, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan deck rows", err)
	}
	return decks, nil
}

// MarkSynced stamps the deck's last successful sync.
func (db *DB) MarkSynced(ctx context.Context, deck domain.DeckID, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE decks SET last_synced = ? WHERE id = ?`, toMillis(at), deck)
	if err != nil {
		return storeErr(fmt.Sprintf("update last synced for deck %s", deck), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("deck %s: %w", deck, domain.ErrNotFound)
	}
	return nil
}

// PutCard inserts a card or, when its content id already exists, moves it
// to its current position.
func (db *DB) PutCard(ctx context.Context, card domain.Card) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO cards (id, deck_id, question, answer, context, position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET position = excluded.position
	`, card.ID, card.DeckID, card.Question, card.Answer, card.Context, card.Position)
	if err != nil {
		return storeErr(fmt.Sprintf("insert card %s", card.ID), err)
	}
	return nil
}

// CardsByDeck returns a deck's cards in file order.
func (db *DB) CardsByDeck(ctx context.Context, deck domain.DeckID) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, deck_id, question, answer, context, position
		FROM cards WHERE deck_id = ?
		ORDER BY position, id
	`, deck)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("get cards for deck %s", deck), err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.DeckID, &c.Question, &c.Answer, &c.Context, &c.Position); err != nil {
			return nil, storeErr(fmt.Sprintf("scan card row for deck %s", deck), err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(fmt.Sprintf("scan card rows for deck %s", deck), err)
	}
	return cards, nil
}

// Card looks a single card up by id.
func (db *DB) Card(ctx context.Context, id domain.CardID) (domain.Card, error) {
	var c domain.Card
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, deck_id, question, answer, context, position
		FROM cards WHERE id = ?
	`, id).Scan(&c.ID, &c.DeckID, &c.Question, &c.Answer, &c.Context, &c.Position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return domain.Card{}, storeErr(fmt.Sprintf("find card %s", id), err)
	}
	return c, nil
}

// DeleteCard removes a card together with every review state and log entry for it.
func (db *DB) DeleteCard(ctx context.Context, id domain.CardID) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id); err != nil {
		return storeErr(fmt.Sprintf("delete card %s", id), err)
	}
	return nil
}

// CardByPrefix resolves an abbreviated card id. The prefix must match exactly one card.
func (db *DB) CardByPrefix(ctx context.Context, prefix string) (domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, deck_id, question, answer, context, position
		FROM cards WHERE substr(id, 1, ?) = ?
		LIMIT 2
	`, len(prefix), prefix)
	if err != nil {
		return domain.Card{}, storeErr(fmt.Sprintf("find card %s", prefix), err)
	}
	defer rows.Close()

	var found []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.DeckID, &c.Question, &c.Answer, &c.Context, &c.Position); err != nil {
			return domain.Card{}, storeErr(fmt.Sprintf("scan card %s", prefix), err)
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return domain.Card{}, storeErr(fmt.Sprintf("scan card %s", prefix), err)
	}
	switch len(found) {
	case 0:
		return domain.Card{}, fmt.Errorf("card %s: %w", prefix, domain.ErrNotFound)
	case 1:
		return found[0], nil
	}
	return domain.Card{}, fmt.Errorf("card prefix %s is ambiguous", prefix)
}
