package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/conorfennell/knolclass/internal/config"
	"github.com/conorfennell/knolclass/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

// now is the clock every command reads.
var now = time.Now

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "knolclass: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg    config.Config
	db     *storage.DB
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
}

type command struct {
	args []string
	help string
	run  func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"deck-add":  {args: []string{"name", "path-or-url"}, help: "register a deck directory or git repository", run: deckAdd},
	"sync":      {help: "reconcile stored cards with every deck's files", run: syncDecks},
	"class-add": {args: []string{"name"}, help: "create a class", run: classAdd},
	"enroll":    {args: []string{"class", "student"}, help: "add a student to a class", run: enroll},
	"unenroll":  {args: []string{"class", "student"}, help: "remove a student from a class, keeping history", run: unenroll},
	"withdraw":  {args: []string{"student"}, help: "remove a student and all review history", run: withdraw},
	"assign":    {args: []string{"deck", "class|student", "target"}, help: "assign a deck to a class or a single student", run: assign},
	"queue":     {args: []string{"student"}, help: "list the cards due now", run: showQueue},
	"review":    {args: []string{"student"}, help: "run an interactive review session", run: review},
	"progress":  {args: []string{"student"}, help: "summarize a student's review states", run: showProgress},
	"replay":    {args: []string{"student", "card"}, help: "rebuild a card's state from its review log", run: replay},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, rest, err := config.Load("knolclass", args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			usage(stderr)
		}
		return err
	}
	if len(rest) == 0 {
		usage(stderr)
		return errors.New("missing command")
	}

	name, args := rest[0], rest[1:]
	cmd, ok := commands[name]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", name)
	}
	if len(args) != len(cmd.args) {
		return fmt.Errorf("usage: knolclass %s %s", name, argList(cmd.args))
	}
	for i, arg := range args {
		if err := validate.Var(arg, "required,printascii,max=256"); err != nil {
			return fmt.Errorf("invalid %s %q: %w", cmd.args[i], arg, err)
		}
	}

	logger := cfg.Logger(stderr)
	db, err := storage.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Debug("database opened", "path", cfg.DB)

	a := &app{cfg: cfg, db: db, logger: logger, in: stdin, out: stdout}
	return cmd.run(ctx, a, args)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: knolclass [flags] <command> [args]")
	fmt.Fprintln(w, "\nCommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-10s %-28s %s\n", name, argList(cmd.args), cmd.help)
	}
	fmt.Fprintln(w, "\nFlags:")
	fmt.Fprint(w, config.FlagSet("knolclass").FlagUsages())
}

func argList(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = "<" + a + ">"
	}
	return strings.Join(parts, " ")
}
