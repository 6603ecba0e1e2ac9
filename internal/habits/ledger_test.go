package habits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/alice/internal/database"
	"github.com/nugget/alice/internal/events"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func day(n int) time.Time { return base.AddDate(0, 0, n) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(opts ...Option) *Ledger {
	opts = append([]Option{
		WithLocation(time.UTC),
		WithLogger(discardLogger()),
		WithClock(func() time.Time { return base }),
	}, opts...)
	return NewLedger(opts...)
}

func testRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "alice.db"), discardLogger())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db)
}

func mustTrack(t *testing.T, l *Ledger, name string, completed bool, opts ...TrackOption) *Habit {
	t.Helper()
	h, err := l.Track(context.Background(), name, completed, opts...)
	if err != nil {
		t.Fatalf("Track(%q, %v): %v", name, completed, err)
	}
	return h
}

func TestTrack_ConsecutiveDays(t *testing.T) {
	for _, n := range []int{1, 2, 7, 30} {
		l := newTestLedger()
		for i := 0; i < n; i++ {
			mustTrack(t, l, "meditate", true, At(day(i)))
		}
		got, err := l.GetStreak("meditate")
		if err != nil {
			t.Fatal(err)
		}
		if got != n {
			t.Errorf("streak after %d days = %d", n, got)
		}
	}
}

func TestTrack_StreakRules(t *testing.T) {
	type step struct {
		offset    int
		hour      int
		completed bool
	}
	tests := []struct {
		name  string
		steps []step
		want  int
	}{
		{"first completion", []step{{0, 8, true}}, 1},
		{"first miss", []step{{0, 8, false}}, 0},
		{"miss resets", []step{{0, 8, true}, {1, 8, true}, {2, 8, false}}, 0},
		{"same day counted once", []step{{0, 8, true}, {0, 12, true}, {0, 20, true}}, 1},
		{"same day after run", []step{{0, 8, true}, {1, 8, true}, {1, 21, true}}, 2},
		{"skipped day restarts", []step{{0, 8, true}, {1, 8, true}, {3, 8, true}}, 1},
		{"recover after miss", []step{{0, 8, true}, {1, 8, false}, {2, 8, true}, {3, 8, true}}, 2},
		{"miss then completion same day", []step{{0, 8, true}, {1, 8, false}, {1, 9, true}}, 1},
		{"earlier-clock miss after completion", []step{{0, 20, true}, {1, 20, true}, {1, 12, false}}, 0},
		{"earlier-clock completion after miss", []step{{0, 8, true}, {1, 20, false}, {1, 9, true}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger()
			var h *Habit
			for _, s := range tt.steps {
				at := day(s.offset).Add(time.Duration(s.hour-8) * time.Hour)
				h = mustTrack(t, l, "run", s.completed, At(at))
			}
			if h.Streak != tt.want {
				t.Errorf("streak = %d, want %d", h.Streak, tt.want)
			}
			if len(h.History) != len(tt.steps) {
				t.Errorf("history length = %d, want %d", len(h.History), len(tt.steps))
			}
		})
	}
}

func TestTrack_MissResetsRegardlessOfTime(t *testing.T) {
	l := newTestLedger()
	for i := 0; i < 5; i++ {
		mustTrack(t, l, "meditate", true, At(day(i).Add(12*time.Hour)))
	}
	if got, _ := l.GetStreak("meditate"); got != 5 {
		t.Fatalf("streak before miss = %d, want 5", got)
	}

	h := mustTrack(t, l, "meditate", false, At(day(4).Add(4*time.Hour)))
	if h.Streak != 0 {
		t.Errorf("streak after miss = %d, want 0", h.Streak)
	}
	if last := h.History[len(h.History)-1]; last.Completed {
		t.Error("latest entry is not the miss")
	}
}

func TestTrack_DayBoundaryUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	l := newTestLedger(WithLocation(loc))

	// 23:30 and 00:30 local on consecutive local days, same UTC day.
	first := time.Date(2026, 5, 4, 23, 30, 0, 0, loc)
	second := first.Add(time.Hour)
	mustTrack(t, l, "journal", true, At(first))
	h := mustTrack(t, l, "journal", true, At(second))

	if h.Streak != 2 {
		t.Errorf("streak = %d, want 2", h.Streak)
	}
}

func TestTrack_OutOfOrder(t *testing.T) {
	l := newTestLedger()
	mustTrack(t, l, "smoking", false, At(day(3)))

	_, err := l.Track(context.Background(), "smoking", false, At(day(1)))
	var ooe *OutOfOrderError
	if !errors.As(err, &ooe) {
		t.Fatalf("Track error = %v, want *OutOfOrderError", err)
	}
	if ooe.Name != "smoking" {
		t.Errorf("OutOfOrderError.Name = %q", ooe.Name)
	}

	h, _ := l.Get("smoking")
	if len(h.History) != 1 {
		t.Errorf("history length = %d, want 1 (rejected entry not recorded)", len(h.History))
	}
}

func TestTrack_Backfill(t *testing.T) {
	l := newTestLedger()
	mustTrack(t, l, "stretch", true, At(day(5)))
	mustTrack(t, l, "stretch", true, At(day(6)))

	h := mustTrack(t, l, "stretch", false, At(day(2)), Backfill())
	if h.Streak != 2 {
		t.Errorf("streak after backfilled miss = %d, want 2", h.Streak)
	}
	if len(h.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(h.History))
	}
	if !h.History[0].Backfill || !h.History[0].At.Equal(day(2)) {
		t.Errorf("backfilled entry not inserted in time order: %+v", h.History[0])
	}

	// Backfilled completions never extend the streak either.
	h = mustTrack(t, l, "stretch", true, At(day(4)), Backfill())
	if h.Streak != 2 {
		t.Errorf("streak after backfilled completion = %d, want 2", h.Streak)
	}
}

func TestTrack_EmptyName(t *testing.T) {
	l := newTestLedger()
	if _, err := l.Track(context.Background(), "   ", true); !errors.Is(err, ErrEmptyName) {
		t.Errorf("Track(blank) error = %v, want ErrEmptyName", err)
	}
}

func TestTrack_NormalizesName(t *testing.T) {
	l := newTestLedger()
	mustTrack(t, l, "Morning  Walk", true, At(day(0)))
	mustTrack(t, l, "morning walk", true, At(day(1)))

	got, err := l.GetStreak("MORNING WALK")
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("streak = %d, want 2", got)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestGetStreak_NotFound(t *testing.T) {
	l := newTestLedger()
	_, err := l.GetStreak("flossing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("GetStreak error = %v, want *NotFoundError", err)
	}
	if nf.Name != "flossing" {
		t.Errorf("NotFoundError.Name = %q", nf.Name)
	}
}

func TestRegisterBadHabit_Idempotent(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	h1, err := l.RegisterBadHabit(ctx, "smoking", []string{"Stress", "coffee", "stress"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := l.RegisterBadHabit(ctx, "smoking", []string{"coffee", "stress"})
	if err != nil {
		t.Fatal(err)
	}

	if h1.ID != h2.ID {
		t.Error("re-registration created a new habit")
	}
	if h2.Kind != KindBad {
		t.Errorf("kind = %q, want bad", h2.Kind)
	}
	want := []string{"coffee", "stress"}
	if len(h2.Triggers) != len(want) || h2.Triggers[0] != want[0] || h2.Triggers[1] != want[1] {
		t.Errorf("triggers = %v, want %v", h2.Triggers, want)
	}

	h3, err := l.RegisterBadHabit(ctx, "smoking", []string{"boredom"})
	if err != nil {
		t.Fatal(err)
	}
	if len(h3.Triggers) != 1 || h3.Triggers[0] != "boredom" {
		t.Errorf("triggers after replace = %v, want [boredom]", h3.Triggers)
	}
}

func TestRegisterBadHabit_ConvertsExisting(t *testing.T) {
	l := newTestLedger()
	mustTrack(t, l, "snacking", true, At(day(0)))

	h, err := l.RegisterBadHabit(context.Background(), "snacking", []string{"boredom"})
	if err != nil {
		t.Fatal(err)
	}
	if h.Kind != KindBad || len(h.History) != 1 {
		t.Errorf("got kind %q with %d entries", h.Kind, len(h.History))
	}
}

func TestMarkMilestone_ClearedOnReset(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		mustTrack(t, l, "meditate", true, At(day(i)))
	}
	if err := l.MarkMilestone(ctx, "meditate", 7); err != nil {
		t.Fatal(err)
	}

	h, _ := l.Get("meditate")
	if h.LastSurfacedMilestone != 7 {
		t.Fatalf("LastSurfacedMilestone = %d, want 7", h.LastSurfacedMilestone)
	}

	h2 := mustTrack(t, l, "meditate", false, At(day(7)))
	if h2.LastSurfacedMilestone != 0 {
		t.Errorf("LastSurfacedMilestone after reset = %d, want 0", h2.LastSurfacedMilestone)
	}

	var nf *NotFoundError
	if err := l.MarkMilestone(ctx, "unknown", 7); !errors.As(err, &nf) {
		t.Errorf("MarkMilestone(unknown) = %v, want *NotFoundError", err)
	}
}

func TestMarkMilestone_IgnoredAfterReset(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		mustTrack(t, l, "meditate", true, At(day(i)))
	}

	// A reader saw streak 7, then the streak reset before it marked.
	seen, _ := l.Get("meditate")
	mustTrack(t, l, "meditate", false, At(day(7)))
	if err := l.MarkMilestone(ctx, "meditate", seen.Streak); err != nil {
		t.Fatal(err)
	}

	h, _ := l.Get("meditate")
	if h.LastSurfacedMilestone != 0 {
		t.Errorf("LastSurfacedMilestone = %d, want 0 after stale mark", h.LastSurfacedMilestone)
	}
}

func TestSnapshot_DeepCopy(t *testing.T) {
	l := newTestLedger()
	mustTrack(t, l, "b-habit", true, At(day(0)))
	mustTrack(t, l, "a-habit", true, At(day(0)))
	l.RegisterBadHabit(context.Background(), "c-habit", []string{"stress"})

	snap := l.Snapshot()
	if len(snap) != 3 || snap[0].Name != "a-habit" || snap[2].Name != "c-habit" {
		t.Fatalf("snapshot order = %v", snap)
	}

	snap[0].History[0].Completed = false
	snap[0].Streak = 99
	snap[2].Triggers[0] = "mutated"

	h, _ := l.Get("a-habit")
	if h.Streak != 1 || !h.History[0].Completed {
		t.Error("snapshot mutation leaked into ledger")
	}
	c, _ := l.Get("c-habit")
	if c.Triggers[0] != "stress" {
		t.Error("trigger mutation leaked into ledger")
	}
}

func TestTrack_PublishesEvent(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	l := newTestLedger(WithEventBus(bus))
	mustTrack(t, l, "water", true, At(day(0)))

	select {
	case e := <-ch:
		if e.Kind != events.KindHabitTracked || e.Data["habit"] != "water" || e.Data["streak"] != 1 {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	l := newTestLedger(WithRepository(repo))
	for i := 0; i < 3; i++ {
		mustTrack(t, l, "meditate", true, At(day(i)))
	}
	mustTrack(t, l, "meditate", false, At(day(0)), Backfill())
	if _, err := l.RegisterBadHabit(ctx, "smoking", []string{"stress", "coffee"}); err != nil {
		t.Fatal(err)
	}
	mustTrack(t, l, "smoking", false, At(day(2)), WithTrigger("Stress"))
	if err := l.MarkMilestone(ctx, "meditate", 3); err != nil {
		t.Fatal(err)
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := newTestLedger(WithRepository(repo))
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := l.Snapshot()
	got := reloaded.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("reloaded %d habits, want %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if g.ID != w.ID || g.Name != w.Name || g.Kind != w.Kind || g.Streak != w.Streak ||
			g.LastSurfacedMilestone != w.LastSurfacedMilestone {
			t.Errorf("habit %d = %+v, want %+v", i, g, w)
		}
		if len(g.History) != len(w.History) {
			t.Fatalf("habit %s history = %d entries, want %d", w.Name, len(g.History), len(w.History))
		}
		for j := range w.History {
			we, ge := w.History[j], g.History[j]
			if ge.ID != we.ID || !ge.At.Equal(we.At) || ge.Completed != we.Completed ||
				ge.Backfill != we.Backfill || ge.Trigger != we.Trigger {
				t.Errorf("habit %s entry %d = %+v, want %+v", w.Name, j, ge, we)
			}
		}
	}

	s, _ := reloaded.Get("smoking")
	if !s.HasTrigger("coffee") || s.History[0].Trigger != "stress" {
		t.Errorf("smoking = %+v", s)
	}
}

func TestPersistence_ReloadKeepsTrackingOrder(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	l := newTestLedger(WithRepository(repo))
	mustTrack(t, l, "stretch", true, At(day(0).Add(12*time.Hour)))
	mustTrack(t, l, "stretch", true, At(day(1).Add(12*time.Hour)))
	mustTrack(t, l, "stretch", false, At(day(1)))

	reloaded := newTestLedger(WithRepository(repo))
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := reloaded.GetStreak("stretch")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("reloaded streak = %d, want 0", got)
	}
}

// failingRepo fails every write.
type failingRepo struct {
	writes int
}

func (r *failingRepo) LoadHabits(context.Context) ([]Habit, error) { return nil, nil }

func (r *failingRepo) UpsertHabit(context.Context, Habit) error {
	r.writes++
	return errors.New("database is locked")
}

func (r *failingRepo) AppendEntry(context.Context, string, Entry) error {
	r.writes++
	return errors.New("database is locked")
}

func TestPersistence_DegradesOnFailure(t *testing.T) {
	repo := &failingRepo{}
	l := newTestLedger(WithRepository(repo))

	h, err := l.Track(context.Background(), "read", true, At(day(0)))
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("Track error = %v, want *StorageError", err)
	}
	if h == nil || h.Streak != 1 {
		t.Fatalf("habit not updated in memory: %+v", h)
	}
	if !l.Degraded() {
		t.Error("ledger not degraded")
	}

	writes := repo.writes
	if _, err := l.Track(context.Background(), "read", true, At(day(1))); err != nil {
		t.Fatalf("Track in degraded mode: %v", err)
	}
	if repo.writes != writes {
		t.Error("repository written after degrading")
	}
	if got, _ := l.GetStreak("read"); got != 2 {
		t.Errorf("streak = %d, want 2", got)
	}
}

func TestComputeStreak_IgnoresBackfillGaps(t *testing.T) {
	history := []Entry{
		{At: day(0), Completed: true},
		{At: day(1), Completed: false, Backfill: true},
		{At: day(1), Completed: true},
		{At: day(2), Completed: true},
	}
	if got := ComputeStreak(history, time.UTC); got != 3 {
		t.Errorf("ComputeStreak = %d, want 3", got)
	}
}

func TestParseWhen(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-03-04", time.Date(2026, 3, 4, 12, 0, 0, 0, loc), false},
		{" 2026-03-04 ", time.Date(2026, 3, 4, 12, 0, 0, 0, loc), false},
		{"2026-03-04T07:30:00Z", time.Date(2026, 3, 4, 7, 30, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
		{"", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseWhen(tt.in, loc)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWhen(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("ParseWhen(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
