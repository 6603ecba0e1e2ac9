package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/alice/internal/connwatch"
	"github.com/nugget/alice/internal/habits"
	"github.com/nugget/alice/internal/memory"
	"github.com/nugget/alice/internal/patterns"
	"github.com/nugget/alice/internal/scheduler"
	"github.com/nugget/alice/internal/situation"
)

var testNow = time.Date(2026, 7, 15, 18, 0, 0, 0, time.UTC)

type fixture struct {
	srv     *httptest.Server
	ledger  *habits.Ledger
	history *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := habits.NewLedger(
		habits.WithLocation(time.UTC),
		habits.WithClock(func() time.Time { return testNow }),
	)
	for d := 2; d >= 0; d-- {
		if _, err := ledger.Track(ctx, "meditate", true, habits.At(testNow.AddDate(0, 0, -d))); err != nil {
			t.Fatal(err)
		}
	}

	history := memory.NewStore("test")
	history.Append(ctx, memory.RoleUser, "hi")
	history.Append(ctx, memory.RoleAssistant, "hello!")
	history.Append(ctx, memory.RoleUser, "how's my streak?")

	builder := situation.NewBuilder(
		situation.WithLocationProvider(situation.Static("home")),
		situation.WithClockProvider(situation.Static(testNow)),
	)

	sched := scheduler.New(logger, time.UTC, 0)
	sched.Add("digest", "0 8 * * *", func(context.Context) error { return nil })

	s := NewServer("127.0.0.1", 0, Deps{
		Habits:    ledger,
		History:   history,
		Situation: builder,
		Analyzer:  patterns.New(patterns.DefaultConfig()),
		Jobs:      sched,
	}, logger)
	s.nowFunc = func() time.Time { return testNow }

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ledger: ledger, history: history}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	storage := body["storage"].(map[string]any)
	if storage["conversation"] != "ok" || storage["habits"] != "ok" {
		t.Errorf("storage = %v", storage)
	}
	jobs := body["jobs"].([]any)
	if len(jobs) != 1 || jobs[0].(map[string]any)["name"] != "digest" {
		t.Errorf("jobs = %v", jobs)
	}
}

type fakeServices map[string]connwatch.ServiceStatus

func (f fakeServices) Status() map[string]connwatch.ServiceStatus { return f }

func TestHealth_ServiceDown(t *testing.T) {
	s := NewServer("", 0, Deps{Services: fakeServices{
		"ollama":        {Name: "ollama", Ready: true},
		"homeassistant": {Name: "homeassistant", LastError: "401 Unauthorized"},
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	f := &fixture{srv: srv}

	_, body := f.do(t, http.MethodGet, "/health", "")
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
	services := body["services"].(map[string]any)
	ha := services["homeassistant"].(map[string]any)
	if ha["ready"] != false || ha["last_error"] != "401 Unauthorized" {
		t.Errorf("homeassistant = %v", ha)
	}
	if services["ollama"].(map[string]any)["ready"] != true {
		t.Errorf("ollama = %v", services["ollama"])
	}
}

func TestPingAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ping = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), "alice_") {
		t.Errorf("/metrics does not expose alice metrics")
	}
}

func TestHabitList(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/habits", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	list := body["habits"].([]any)
	if len(list) != 1 {
		t.Fatalf("habits = %v", list)
	}
	h := list[0].(map[string]any)
	if h["name"] != "meditate" || h["streak"] != float64(3) || h["last_completed"] != "2026-07-15" {
		t.Errorf("habit = %v", h)
	}
	if _, ok := h["history"]; ok {
		t.Error("list view should not include history")
	}
}

func TestHabitGet(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/habits/Meditate", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if hist := body["history"].([]any); len(hist) != 3 {
		t.Errorf("history = %v", hist)
	}

	code, body = f.do(t, http.MethodGet, "/v1/habits/juggling", "")
	if code != http.StatusNotFound {
		t.Errorf("unknown habit status = %d, want 404", code)
	}
	if !strings.Contains(body["error"].(string), "juggling") {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHabitTrack(t *testing.T) {
	tests := []struct {
		name       string
		habit      string
		body       string
		wantCode   int
		wantStreak float64
	}{
		{"default completed", "meditate", "", http.StatusOK, 3},
		{"missed", "meditate", `{"completed": false}`, http.StatusOK, 0},
		{"new habit with date", "read", `{"at": "2026-07-15"}`, http.StatusOK, 1},
		{"out of order", "meditate", `{"at": "2026-07-10"}`, http.StatusConflict, 0},
		{"backfill accepted", "meditate", `{"at": "2026-07-10", "backfill": true}`, http.StatusOK, 3},
		{"bad date", "meditate", `{"at": "last week"}`, http.StatusBadRequest, 0},
		{"bad body", "meditate", `{`, http.StatusBadRequest, 0},
		{"blank name", "%20", `{}`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			code, body := f.do(t, http.MethodPost, "/v1/habits/"+tt.habit+"/track", tt.body)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%v)", code, tt.wantCode, body)
			}
			if code == http.StatusOK && body["streak"] != tt.wantStreak {
				t.Errorf("streak = %v, want %v", body["streak"], tt.wantStreak)
			}
		})
	}
}

func TestHabitTrack_WithTrigger(t *testing.T) {
	f := newFixture(t)

	if code, body := f.do(t, http.MethodPost, "/v1/habits/smoking/bad", `{"triggers": ["Stress", "coffee"]}`); code != http.StatusOK {
		t.Fatalf("register status = %d (%v)", code, body)
	}
	code, _ := f.do(t, http.MethodPost, "/v1/habits/smoking/track", `{"completed": true, "trigger": "stress"}`)
	if code != http.StatusOK {
		t.Fatalf("track status = %d", code)
	}

	h, err := f.ledger.Get("smoking")
	if err != nil {
		t.Fatal(err)
	}
	if h.Kind != habits.KindBad || len(h.Triggers) != 2 {
		t.Errorf("habit = %+v", h)
	}
	if h.History[0].Trigger != "stress" {
		t.Errorf("trigger = %q", h.History[0].Trigger)
	}
}

func TestTrends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.RegisterBadHabit(ctx, "smoking", []string{"stress"})
	for d := 2; d >= 0; d-- {
		f.ledger.Track(ctx, "smoking", true, habits.At(testNow.AddDate(0, 0, -d)), habits.WithTrigger("stress"))
	}

	code, body := f.do(t, http.MethodGet, "/v1/trends", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	trends := body["trends"].([]any)
	if len(trends) != 1 {
		t.Fatalf("trends = %v", trends)
	}
	tr := trends[0].(map[string]any)
	if tr["trigger"] != "stress" || tr["span_count"] != float64(3) || tr["active"] != true {
		t.Errorf("trend = %v", tr)
	}
}

func TestHistory(t *testing.T) {
	tests := []struct {
		query    string
		wantCode int
		wantLen  int
	}{
		{"", http.StatusOK, 3},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=0", http.StatusOK, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := newFixture(t)
			code, body := f.do(t, http.MethodGet, "/v1/history"+tt.query, "")
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if code != http.StatusOK {
				return
			}
			msgs := body["messages"].([]any)
			if len(msgs) != tt.wantLen {
				t.Errorf("messages = %d, want %d", len(msgs), tt.wantLen)
			}
			if body["total"] != float64(3) {
				t.Errorf("total = %v", body["total"])
			}
			if tt.wantLen == 2 && msgs[1].(map[string]any)["content"] != "how's my streak?" {
				t.Errorf("last message = %v", msgs[1])
			}
		})
	}
}

func TestContext(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/context", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	ctx := body["context"].(map[string]any)
	if ctx["location"] != "home" {
		t.Errorf("location = %v", ctx["location"])
	}
	if _, ok := ctx["mood"]; ok {
		t.Error("absent mood should be omitted")
	}
	if !strings.Contains(body["formatted"].(string), "Mood: unknown") {
		t.Errorf("formatted = %q", body["formatted"])
	}
}

type failingRepo struct{}

func (failingRepo) LoadHabits(context.Context) ([]habits.Habit, error) { return nil, nil }
func (failingRepo) UpsertHabit(context.Context, habits.Habit) error {
	return errors.New("disk full")
}
func (failingRepo) AppendEntry(context.Context, string, habits.Entry) error {
	return errors.New("disk full")
}

func TestHabitTrack_StorageFailureDegrades(t *testing.T) {
	ledger := habits.NewLedger(habits.WithRepository(failingRepo{}), habits.WithLocation(time.UTC))
	s := NewServer("", 0, Deps{Habits: ledger}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	f := &fixture{srv: srv, ledger: ledger}

	code, body := f.do(t, http.MethodPost, "/v1/habits/walk/track", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body["warning"].(string), "disk full") {
		t.Errorf("warning = %v", body["warning"])
	}

	_, health := f.do(t, http.MethodGet, "/health", "")
	if health["status"] != "degraded" {
		t.Errorf("health status = %v, want degraded", health["status"])
	}
}
