package domain

import "time"

// StudentID, CardID and DeckID are opaque identifiers owned by the roster.
type (
	StudentID string
	CardID    string
	DeckID    string
	ClassID   string
)

// Card represents a single question-answer-context entry of a deck.
type Card struct {
	ID       CardID
	DeckID   DeckID
	Question string
	Answer   string
	Context  string
	// Position is the card's order within its deck, as found on disk.
	Position int
}

// CardRef is a card in a student's scope together with the deck it came from.
type CardRef struct {
	CardID CardID
	DeckID DeckID
}

// Deck is a named source of cards: a local directory or a git URL.
type Deck struct {
	ID         DeckID
	Name       string
	Path       string
	Kind       SourceKind
	LastSynced time.Time // zero until the first sync
}

// SourceKind tells sync how to obtain a deck's files.
type SourceKind string

const (
	SourceLocal SourceKind = "local"
	SourceGit   SourceKind = "git"
)
