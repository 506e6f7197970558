package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/conorfennell/knolclass/internal/domain"
	"github.com/conorfennell/knolclass/internal/gitsource"
	"github.com/conorfennell/knolclass/internal/progress"
	"github.com/conorfennell/knolclass/internal/queue"
	"github.com/conorfennell/knolclass/internal/session"
	decksync "github.com/conorfennell/knolclass/internal/sync"
)

func deckAdd(ctx context.Context, a *app, args []string) error {
	name, path := args[0], args[1]
	kind := domain.SourceLocal
	if gitsource.IsRemote(path) {
		kind = domain.SourceGit
		if _, err := gitsource.LocalPath(a.cfg.ReposDir, path); err != nil {
			return err
		}
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		path = abs
	}

	deck, err := a.db.AddDeck(ctx, name, path, kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %s deck %q (%s). Run sync to load its cards.\n", deck.Kind, deck.Name, deck.Path)
	return nil
}

func syncDecks(ctx context.Context, a *app, _ []string) error {
	s := &decksync.Syncer{
		Store:    a.db,
		ReposDir: a.cfg.ReposDir,
		Logger:   a.logger,
		Now:      now,
	}
	reports, err := s.SyncAll(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(a.out, "No decks configured.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DECK\tCARDS\tADDED\tREMOVED\tERRORS")
	failed := 0
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Deck.Name, r.Parsed, r.Added, r.Removed, len(r.Errors))
		if len(r.Errors) > 0 {
			failed++
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range reports {
		for _, e := range r.Errors {
			fmt.Fprintf(a.out, "- %s: %v\n", r.Deck.Name, e)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d decks had errors", failed, len(reports))
	}
	return nil
}

func classAdd(ctx context.Context, a *app, args []string) error {
	class, err := a.db.AddClass(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created class %q.\n", class.Name)
	return nil
}

func enroll(ctx context.Context, a *app, args []string) error {
	class, err := a.db.ClassByName(ctx, args[0])
	if err != nil {
		return err
	}
	student := domain.StudentID(args[1])
	if err := a.db.Enroll(ctx, class.ID, student); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Enrolled %s in %q.\n", student, class.Name)
	return nil
}

func unenroll(ctx context.Context, a *app, args []string) error {
	class, err := a.db.ClassByName(ctx, args[0])
	if err != nil {
		return err
	}
	student := domain.StudentID(args[1])
	if err := a.db.Unenroll(ctx, class.ID, student); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed %s from %q.\n", student, class.Name)
	return nil
}

func withdraw(ctx context.Context, a *app, args []string) error {
	student := domain.StudentID(args[0])
	if err := a.db.Withdraw(ctx, student); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Withdrew %s and deleted their review history.\n", student)
	return nil
}

func assign(ctx context.Context, a *app, args []string) error {
	deck, err := a.db.DeckByName(ctx, args[0])
	if err != nil {
		return err
	}
	switch args[1] {
	case "class":
		class, err := a.db.ClassByName(ctx, args[2])
		if err != nil {
			return err
		}
		if err := a.db.AssignToClass(ctx, deck.ID, class.ID, now()); err != nil {
			return err
		}
	case "student":
		if err := a.db.AssignToStudent(ctx, deck.ID, domain.StudentID(args[2]), now()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("assign target must be class or student, got %q", args[1])
	}
	fmt.Fprintf(a.out, "Assigned %q to %s %s.\n", deck.Name, args[1], args[2])
	return nil
}

func showQueue(ctx context.Context, a *app, args []string) error {
	student := domain.StudentID(args[0])
	refs, err := a.db.CandidateCards(ctx, student)
	if err != nil {
		return err
	}
	ids := make([]domain.CardID, len(refs))
	for i, r := range refs {
		ids[i] = r.CardID
	}
	states, err := a.db.States(ctx, student, ids)
	if err != nil {
		return err
	}

	opts := a.cfg.SessionOptions()
	q := queue.Build(student, ids, states, now(), queue.Options{NewFirst: opts.NewFirst, MaxNew: opts.MaxNew})
	if q.Len() == 0 {
		fmt.Fprintf(a.out, "Nothing due for %s.\n", student)
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCARD\tDUE\tQUESTION")
	for i, id := range q.All() {
		card, err := a.db.Card(ctx, id)
		if err != nil {
			return err
		}
		due := "new"
		if s, ok := states[id]; ok {
			due = s.NextDueAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, shortID(id), due, firstLine(card.Question))
	}
	return tw.Flush()
}

func review(ctx context.Context, a *app, args []string) error {
	student := domain.StudentID(args[0])
	params, err := a.cfg.Params()
	if err != nil {
		return err
	}
	coord, err := session.New(session.Config{
		Store:        a.db,
		Roster:       a.db,
		Params:       params,
		Clock:        now,
		Logger:       a.logger,
		StoreTimeout: a.cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	s, err := coord.Start(ctx, student, a.cfg.SessionOptions())
	if err != nil {
		return err
	}

	in := bufio.NewScanner(a.in)
	for {
		id, ok := s.Current()
		if !ok {
			break
		}
		card, err := a.db.Card(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "\n[%d left] %s\n", s.Remaining(), card.Question)
		fmt.Fprint(a.out, "(press enter to reveal) ")
		shown := time.Now()
		if !in.Scan() {
			break
		}

		fmt.Fprintf(a.out, "%s\n", card.Answer)
		if card.Context != "" {
			fmt.Fprintf(a.out, "(%s)\n", card.Context)
		}
		preview, err := s.Preview(ctx)
		if err != nil {
			return err
		}
		rating, quit, err := promptRating(a.out, in, preview)
		if err != nil {
			return err
		}
		if quit {
			break
		}

		if _, err := s.Submit(ctx, session.Answer{Rating: rating, Elapsed: time.Since(shown)}); err != nil {
			if errors.Is(err, domain.ErrConcurrentUpdate) || errors.Is(err, domain.ErrStoreUnavailable) {
				fmt.Fprintf(a.out, "Could not save this review (%v). Showing the card again.\n", err)
				continue
			}
			return err
		}
	}
	if err := in.Err(); err != nil {
		return err
	}

	sum := s.Summary()
	fmt.Fprintf(a.out, "\nReviewed %d of %d queued cards.", sum.Reviewed, sum.Queued)
	for _, r := range domain.Ratings {
		fmt.Fprintf(a.out, " %s: %d", r, sum.Ratings[r])
	}
	fmt.Fprintln(a.out)
	return nil
}

// promptRating reads ratings until a valid one or "q" is entered.
func promptRating(out io.Writer, in *bufio.Scanner, preview map[domain.Rating]domain.ReviewState) (domain.Rating, bool, error) {
	choices := make([]string, 0, len(domain.Ratings))
	for _, r := range domain.Ratings {
		choices = append(choices, fmt.Sprintf("%d) %s %s", int(r), r, interval(preview[r])))
	}
	for {
		fmt.Fprintf(out, "%s  q) quit: ", strings.Join(choices, "  "))
		if !in.Scan() {
			return 0, true, in.Err()
		}
		text := strings.TrimSpace(in.Text())
		if strings.EqualFold(text, "q") {
			return 0, true, nil
		}
		rating, err := domain.ParseRating(text)
		if err == nil {
			return rating, false, nil
		}
		fmt.Fprintf(out, "%v\n", err)
	}
}

func interval(s domain.ReviewState) string {
	days := int(s.NextDueAt.Sub(s.ReviewedAt).Hours() / 24)
	switch {
	case days >= 365:
		return fmt.Sprintf("%.1fy", float64(days)/365)
	case days >= 30:
		return fmt.Sprintf("%.1fmo", float64(days)/30)
	}
	return fmt.Sprintf("%dd", days)
}

func showProgress(ctx context.Context, a *app, args []string) error {
	student := domain.StudentID(args[0])
	refs, err := a.db.CandidateCards(ctx, student)
	if err != nil {
		return err
	}
	states, err := a.db.StudentStates(ctx, student)
	if err != nil {
		return err
	}

	studied := make(map[domain.CardID]bool, len(states))
	for _, s := range states {
		studied[s.CardID] = true
	}
	unseen := 0
	for _, r := range refs {
		if !studied[r.CardID] {
			unseen++
		}
	}

	p := progress.Fold(states, now())
	fmt.Fprintf(a.out, "Student %s\n", student)
	fmt.Fprintf(a.out, "  cards in scope:   %d\n", len(refs))
	fmt.Fprintf(a.out, "  new:              %d\n", unseen)
	fmt.Fprintf(a.out, "  studied:          %d\n", p.Studied)
	fmt.Fprintf(a.out, "  reviews due:      %d\n", p.Due)
	fmt.Fprintf(a.out, "  mature:           %d\n", p.Mature)
	fmt.Fprintf(a.out, "  lapses:           %d\n", p.Lapses)
	fmt.Fprintf(a.out, "  mean stability:   %.1f days\n", p.MeanStability())
	fmt.Fprintf(a.out, "  mean difficulty:  %.2f\n", p.MeanDifficulty())
	for _, r := range domain.Ratings {
		fmt.Fprintf(a.out, "  last rated %-6s %d\n", r.String()+":", p.LastRatings[r])
	}
	return nil
}

func replay(ctx context.Context, a *app, args []string) error {
	student := domain.StudentID(args[0])
	params, err := a.cfg.Params()
	if err != nil {
		return err
	}
	card, err := a.db.CardByPrefix(ctx, args[1])
	if err != nil {
		return err
	}
	cardID := card.ID
	logs, err := a.db.ReviewLogs(ctx, student, cardID)
	if err != nil {
		return err
	}
	stored, err := a.db.Get(ctx, student, cardID)
	if err != nil {
		return err
	}

	key := domain.ReviewKey{StudentID: student, CardID: cardID, DeckID: card.DeckID}
	replayed, err := params.Replay(key, logs)
	if err != nil {
		return err
	}
	if replayed == nil {
		fmt.Fprintf(a.out, "%s has not reviewed %s.\n", student, shortID(cardID))
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\tSTORED\tREPLAYED (%d reviews)\n", len(logs))
	row := func(name string, f func(domain.ReviewState) string) {
		v := "-"
		if stored != nil {
			v = f(*stored)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, v, f(*replayed))
	}
	row("repetitions", func(s domain.ReviewState) string { return fmt.Sprint(s.Repetitions) })
	row("lapses", func(s domain.ReviewState) string { return fmt.Sprint(s.Lapses) })
	row("stability", func(s domain.ReviewState) string { return fmt.Sprintf("%.2f", s.Stability) })
	row("difficulty", func(s domain.ReviewState) string { return fmt.Sprintf("%.3f", s.Difficulty) })
	row("next due", func(s domain.ReviewState) string { return s.NextDueAt.Local().Format(time.DateTime) })
	row("retrievability", func(s domain.ReviewState) string {
		return fmt.Sprintf("%.0f%%", 100*params.Retrievability(s, now()))
	})
	return tw.Flush()
}

func shortID(id domain.CardID) string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
