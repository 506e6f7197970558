package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/knolclass/internal/domain"
)

// field is the card part a prefixed line starts.
type field int

const (
	fieldNone field = iota
	fieldQuestion
	fieldAnswer
	fieldContext
)

var prefixes = []struct {
	prefix string
	field  field
}{
	{"Q:", fieldQuestion},
	{"A:", fieldAnswer},
	{"C:", fieldContext},
}

const (
	separator = "---"
	fence     = "```"
)

// ParseFile reads a markdown file and extracts all cards in file order.
func ParseFile(path string) ([]domain.Card, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cards, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cards, nil
}

// Parse extracts cards from r. A card starts at a "Q:" line and collects the
// following "A:" and "C:" blocks; continuation lines belong to the most recent
// block. A "---" line or the next "Q:" ends a card. Prefixes inside fenced
// code blocks are treated as plain text. Blocks without a question are dropped.
// Positions are 1-based in order of appearance.
func Parse(r io.Reader) ([]domain.Card, error) {
	p := &cardParser{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.line(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	p.finishCard()
	return p.cards, nil
}

type cardParser struct {
	cards   []domain.Card
	current domain.Card
	target  field
	block   []string
	inFence bool
}

func (p *cardParser) line(line string) {
	if p.target != fieldNone && strings.HasPrefix(strings.TrimSpace(line), fence) {
		p.inFence = !p.inFence
		p.block = append(p.block, line)
		return
	}
	if p.inFence {
		p.block = append(p.block, line)
		return
	}

	if line == separator {
		p.finishCard()
		return
	}

	for _, pf := range prefixes {
		if !strings.HasPrefix(line, pf.prefix) {
			continue
		}
		p.flushBlock()
		if pf.field == fieldQuestion && p.target != fieldNone {
			p.finishCard()
		}
		p.target = pf.field
		p.block = append(p.block, strings.TrimPrefix(line[len(pf.prefix):], " "))
		return
	}

	if p.target != fieldNone {
		p.block = append(p.block, line)
	}
}

// flushBlock stores the collected lines into the field being read.
func (p *cardParser) flushBlock() {
	if len(p.block) == 0 {
		return
	}
	content := strings.TrimRight(strings.Join(p.block, "\n"), "\n")
	switch p.target {
	case fieldQuestion:
		p.current.Question = content
	case fieldAnswer:
		p.current.Answer = content
	case fieldContext:
		p.current.Context = content
	}
	p.block = nil
}

func (p *cardParser) finishCard() {
	p.flushBlock()
	if p.current.Question != "" {
		p.current.Position = len(p.cards) + 1
		p.cards = append(p.cards, p.current)
	}
	p.current = domain.Card{}
	p.target = fieldNone
	p.inFence = false
}
