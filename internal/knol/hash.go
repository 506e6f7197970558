package knol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conorfennell/knolclass/internal/domain"
)

// Normalize concatenates the card's content after cleaning each part.
// Whitespace at the edges, letter case and line endings do not change a card's identity.
func Normalize(card domain.Card) string {
	normalizePart := func(part string) string {
		p := strings.ReplaceAll(part, "\r\n", "\n")
		p = strings.ToLower(p)
		return strings.TrimSpace(p)
	}

	// Newline separators keep "ab"+"c" and "a"+"bc" apart.
	return strings.Join([]string{
		normalizePart(card.Question),
		normalizePart(card.Answer),
		normalizePart(card.Context),
	}, "\n")
}

// CardID derives a stable identifier for a card within a deck. Review
// history survives re-syncs as long as the card's text is unchanged.
func CardID(deck domain.DeckID, card domain.Card) domain.CardID {
	h := sha256.New()
	h.Write([]byte(deck))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(card)))
	return domain.CardID(hex.EncodeToString(h.Sum(nil)))
}
