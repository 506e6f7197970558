package sync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
	"github.com/conorfennell/knolclass/internal/gitsource"
	"github.com/conorfennell/knolclass/internal/knol"
	"github.com/conorfennell/knolclass/internal/parser"
)

// Store is the part of the database sync needs.
type Store interface {
	Decks(ctx context.Context) ([]domain.Deck, error)
	CardsByDeck(ctx context.Context, deck domain.DeckID) ([]domain.Card, error)
	PutCard(ctx context.Context, card domain.Card) error
	DeleteCard(ctx context.Context, id domain.CardID) error
	MarkSynced(ctx context.Context, deck domain.DeckID, at time.Time) error
}

// Syncer reconciles stored cards with the markdown files of each deck.
type Syncer struct {
	Store    Store
	ReposDir string // checkout root for git decks
	Logger   *slog.Logger
	Now      func() time.Time
	Progress io.Writer // git progress output, may be nil
}

// Report summarizes one deck's reconciliation.
type Report struct {
	Deck    domain.Deck
	Parsed  int
	Added   int
	Removed int
	Errors  []error
}

// SyncAll reconciles every registered deck. A failing deck is logged and
// reported; it does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) ([]Report, error) {
	s.Logger.Info("starting sync for all decks")
	decks, err := s.Store.Decks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get decks: %w", err)
	}
	if len(decks) == 0 {
		s.Logger.Info("no decks configured, add one with deck-add")
		return nil, nil
	}

	reports := make([]Report, 0, len(decks))
	for _, deck := range decks {
		report, err := s.SyncDeck(ctx, deck)
		if err != nil {
			s.Logger.Error("deck sync failed", "deck", deck.Name, "error", err)
			report.Errors = append(report.Errors, err)
		}
		reports = append(reports, report)
	}
	s.Logger.Info("sync complete", "decks", len(decks))
	return reports, nil
}

// SyncDeck fetches a git deck if needed, then parses every .md file below the
// deck root. New cards are inserted, moved cards get their new position and
// cards no longer on disk are deleted together with their review history.
// Deletion is skipped when any file failed to parse.
func (s *Syncer) SyncDeck(ctx context.Context, deck domain.Deck) (Report, error) {
	report := Report{Deck: deck}
	logger := s.Logger.With("deck", deck.Name, "kind", deck.Kind)

	root := deck.Path
	if deck.Kind == domain.SourceGit {
		localPath, err := gitsource.LocalPath(s.ReposDir, deck.Path)
		if err != nil {
			return report, err
		}
		if err := gitsource.Sync(ctx, logger, deck.Path, localPath, s.Progress); err != nil {
			return report, err
		}
		root = localPath
	}

	cards, parseErrors, err := s.parseDeck(deck.ID, root)
	if err != nil {
		return report, fmt.Errorf("error walking directory %s: %w", root, err)
	}
	report.Parsed = len(cards)
	report.Errors = parseErrors

	existing, err := s.Store.CardsByDeck(ctx, deck.ID)
	if err != nil {
		return report, fmt.Errorf("failed to get cards for deck %s: %w", deck.Name, err)
	}
	known := make(map[domain.CardID]bool, len(existing))
	for _, c := range existing {
		known[c.ID] = true
	}

	found := make(map[domain.CardID]bool, len(cards))
	for _, card := range cards {
		found[card.ID] = true
		if err := s.Store.PutCard(ctx, card); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if !known[card.ID] {
			logger.Debug("new card found", "card", card.ID, "position", card.Position)
			report.Added++
		}
	}

	if len(report.Errors) == 0 {
		for _, c := range existing {
			if found[c.ID] {
				continue
			}
			logger.Info("orphaned card, deleting", "card", c.ID)
			if err := s.Store.DeleteCard(ctx, c.ID); err != nil {
				logger.Warn("failed to delete orphaned card", "card", c.ID, "error", err)
				report.Errors = append(report.Errors, err)
				continue
			}
			report.Removed++
		}
	} else {
		logger.Warn("skipping orphan removal after errors", "errors", len(report.Errors))
	}

	if err := s.Store.MarkSynced(ctx, deck.ID, s.Now()); err != nil {
		logger.Warn("failed to update last synced", "error", err)
	}

	logger.Info("reconciliation complete",
		"path", root,
		"parsed_cards", report.Parsed,
		"added", report.Added,
		"orphaned_deleted", report.Removed,
		"errors", len(report.Errors),
	)
	return report, nil
}

// parseDeck collects the cards of every markdown file below root in lexical
// file order. Positions run across files; a card repeated verbatim keeps its
// first position.
func (s *Syncer) parseDeck(deck domain.DeckID, root string) ([]domain.Card, []error, error) {
	var (
		cards       []domain.Card
		parseErrors []error
	)
	seen := make(map[domain.CardID]bool)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		fileCards, err := parser.ParseFile(path)
		if err != nil {
			parseErrors = append(parseErrors, err)
			return nil
		}
		for _, card := range fileCards {
			card.DeckID = deck
			card.ID = knol.CardID(deck, card)
			if seen[card.ID] {
				continue
			}
			seen[card.ID] = true
			card.Position = len(cards) + 1
			cards = append(cards, card)
		}
		return nil
	})
	return cards, parseErrors, walkErr
}
