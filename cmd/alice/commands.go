package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/alice/internal/habits"
	"github.com/nugget/alice/internal/patterns"
)

// runAsk handles "alice ask <text>": one dialog turn against the
// persistent history, printing the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, flags globalFlags, text string) error {
	a, err := newApp(ctx, stderr, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	reply, err := a.dialog.Respond(ctx, text)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// trackArgs are the parsed arguments of "alice track".
type trackArgs struct {
	name     string
	missed   bool
	at       string
	backfill bool
	trigger  string
}

func parseTrackArgs(args []string) (trackArgs, error) {
	var ta trackArgs
	var words []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-missed":
			ta.missed = true
		case args[i] == "-backfill":
			ta.backfill = true
		case args[i] == "-at" && i+1 < len(args):
			ta.at = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-at="):
			ta.at = strings.TrimPrefix(args[i], "-at=")
		case args[i] == "-trigger" && i+1 < len(args):
			ta.trigger = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-trigger="):
			ta.trigger = strings.TrimPrefix(args[i], "-trigger=")
		case strings.HasPrefix(args[i], "-"):
			return ta, fmt.Errorf("unknown track flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}

	ta.name = strings.Join(words, " ")
	if ta.name == "" {
		return ta, errors.New("usage: alice track <habit> [-missed] [-at YYYY-MM-DD] [-backfill] [-trigger name]")
	}
	return ta, nil
}

// runTrack handles "alice track". A storage failure still records the
// entry in memory for this process, so it is reported as a warning.
func runTrack(ctx context.Context, stdout, stderr io.Writer, flags globalFlags, args []string) error {
	ta, err := parseTrackArgs(args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, stderr, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	var opts []habits.TrackOption
	if ta.at != "" {
		when, err := habits.ParseWhen(ta.at, a.ledger.Location())
		if err != nil {
			return err
		}
		opts = append(opts, habits.At(when))
	}
	if ta.backfill {
		opts = append(opts, habits.Backfill())
	}
	if ta.trigger != "" {
		opts = append(opts, habits.WithTrigger(ta.trigger))
	}

	h, err := a.ledger.Track(ctx, ta.name, !ta.missed, opts...)
	if err != nil {
		var se *habits.StorageError
		if !errors.As(err, &se) || h == nil {
			return fmt.Errorf("track %s: %w", ta.name, err)
		}
		fmt.Fprintf(stderr, "warning: %v\n", err)
	}

	if flags.outputFmt == "json" {
		return writeJSON(stdout, h)
	}
	fmt.Fprintf(stdout, "%s: streak %d %s\n", h.Name, h.Streak, days(h.Streak))
	return nil
}

// runBadHabit handles "alice bad-habit <name> <trigger>...".
func runBadHabit(ctx context.Context, stdout, stderr io.Writer, flags globalFlags, name string, triggers []string) error {
	a, err := newApp(ctx, stderr, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	h, err := a.ledger.RegisterBadHabit(ctx, name, triggers)
	if err != nil {
		var se *habits.StorageError
		if !errors.As(err, &se) || h == nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		fmt.Fprintf(stderr, "warning: %v\n", err)
	}

	if flags.outputFmt == "json" {
		return writeJSON(stdout, h)
	}
	fmt.Fprintf(stdout, "%s: bad habit, triggers %s\n", h.Name, strings.Join(h.Triggers, ", "))
	return nil
}

// habitRow is one line of "alice habits".
type habitRow struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Streak        int      `json:"streak"`
	Entries       int      `json:"entries"`
	LastCompleted string   `json:"last_completed,omitempty"`
	Triggers      []string `json:"triggers,omitempty"`
}

// runHabits handles "alice habits".
func runHabits(ctx context.Context, stdout, stderr io.Writer, flags globalFlags) error {
	a, err := newApp(ctx, stderr, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	loc := a.ledger.Location()
	snap := a.ledger.Snapshot()
	slices.SortFunc(snap, func(x, y habits.Habit) int { return strings.Compare(x.Name, y.Name) })

	rows := make([]habitRow, 0, len(snap))
	for _, h := range snap {
		row := habitRow{
			Name:     h.Name,
			Kind:     string(h.Kind),
			Streak:   h.Streak,
			Entries:  len(h.History),
			Triggers: h.Triggers,
		}
		if day, ok := h.LastCompletedDay(loc); ok {
			row.LastCompleted = day.Format(time.DateOnly)
		}
		rows = append(rows, row)
	}

	if flags.outputFmt == "json" {
		return writeJSON(stdout, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No habits tracked yet.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSTREAK\tLAST\tTRIGGERS")
	for _, r := range rows {
		last := r.LastCompleted
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Name, r.Kind, r.Streak, last, strings.Join(r.Triggers, ","))
	}
	return tw.Flush()
}

// previewLedger lets the analyzer run without recording milestones, so
// previewing suggestions does not consume them before the next turn.
type previewLedger struct {
	patterns.Ledger
}

func (previewLedger) MarkMilestone(context.Context, string, int) error { return nil }

// runSuggest handles "alice suggest": the suggestions the next dialog
// turn would surface, plus today's streak-risk reminders.
func runSuggest(ctx context.Context, stdout, stderr io.Writer, flags globalFlags) error {
	a, err := newApp(ctx, stderr, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ledger := previewLedger{Ledger: a.ledger}
	suggestions := a.analyzer.Analyze(ctx, ledger)
	suggestions = append(suggestions, a.analyzer.AtRisk(ledger, time.Now())...)

	if flags.outputFmt == "json" {
		if suggestions == nil {
			suggestions = []patterns.Suggestion{}
		}
		return writeJSON(stdout, suggestions)
	}
	if len(suggestions) == 0 {
		fmt.Fprintln(stdout, "Nothing to suggest right now.")
		return nil
	}
	for _, s := range suggestions {
		fmt.Fprintf(stdout, "[%s] %s\n", s.Kind, s.Text)
	}
	return nil
}

func days(n int) string {
	if n == 1 {
		return "day"
	}
	return "days"
}
