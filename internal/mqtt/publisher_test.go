package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/alice/internal/config"
	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/habits"
)

// fakeBroker records everything published to it.
type fakeBroker struct {
	mu   sync.Mutex
	msgs map[string][]byte
	seq  []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{msgs: make(map[string][]byte)}
}

func (f *fakeBroker) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[p.Topic] = p.Payload
	f.seq = append(f.seq, p.Topic)
	return &paho.PublishResponse{}, nil
}

func (f *fakeBroker) get(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.msgs[topic]
	return string(v), ok
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "alice",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func trackedLedger(t *testing.T) *habits.Ledger {
	t.Helper()
	l := habits.NewLedger(habits.WithLocation(time.UTC))
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for d := range 3 {
		if _, err := l.Track(context.Background(), "Morning Run", true, habits.At(base.AddDate(0, 0, d))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.RegisterBadHabit(context.Background(), "smoking", []string{"stress", "coffee"}); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "inst-1", habits.NewLedger(), nil, nil)

	tests := []struct {
		got, want string
	}{
		{p.availabilityTopic(), "alice/alice/availability"},
		{p.stateTopic("turns_today"), "alice/alice/turns_today/state"},
		{p.attributesTopic("habit_run"), "alice/alice/habit_run/attributes"},
		{p.discoveryTopic("habit_run"), "homeassistant/sensor/alice/habit_run/config"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPublisher_AnnounceOnConnect(t *testing.T) {
	l := trackedLedger(t)
	p := New(testConfig(), "inst-1", l, nil, nil)
	broker := newFakeBroker()

	p.setClient(broker)
	p.announce(context.Background())

	for _, entity := range []string{"version", "uptime", "turns_today", "failed_turns_today", "habit_entries_today", "last_turn", "habit_morning_run", "habit_smoking"} {
		if _, ok := broker.get(p.discoveryTopic(entity)); !ok {
			t.Errorf("no discovery config for %s", entity)
		}
	}

	raw, _ := broker.get(p.discoveryTopic("habit_morning_run"))
	var cfg SensorConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	h, _ := l.Get("morning run")
	if cfg.UniqueID != "inst-1_habit_"+h.ID {
		t.Errorf("UniqueID = %q", cfg.UniqueID)
	}
	if cfg.StateTopic != "alice/alice/habit_morning_run/state" {
		t.Errorf("StateTopic = %q", cfg.StateTopic)
	}
	if cfg.JsonAttributesTopic != "alice/alice/habit_morning_run/attributes" {
		t.Errorf("JsonAttributesTopic = %q", cfg.JsonAttributesTopic)
	}
	if cfg.UnitOfMeasurement != "days" || cfg.Device.Identifiers[0] != "inst-1" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestPublisher_HabitEventPublishesStreak(t *testing.T) {
	l := trackedLedger(t)
	p := New(testConfig(), "inst-1", l, nil, nil)
	broker := newFakeBroker()
	p.setClient(broker)

	p.handleEvent(context.Background(), events.Event{
		Source: events.SourceHabits,
		Kind:   events.KindHabitTracked,
		Data:   map[string]any{"habit": "morning run", "completed": true, "streak": 3},
	})

	if got, _ := broker.get(p.stateTopic("habit_morning_run")); got != "3" {
		t.Errorf("streak state = %q, want 3", got)
	}
	raw, ok := broker.get(p.attributesTopic("habit_morning_run"))
	if !ok {
		t.Fatal("no attributes published")
	}
	var attrs habitAttributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		t.Fatal(err)
	}
	if attrs.Kind != "good" || attrs.Entries != 3 || attrs.LastCompleted != "2026-05-03" {
		t.Errorf("attributes = %+v", attrs)
	}
	if got, _ := broker.get(p.stateTopic("habit_entries_today")); got != "1" {
		t.Errorf("habit_entries_today = %q, want 1", got)
	}

	// Discovery for a habit is only sent once per session.
	p.handleEvent(context.Background(), events.Event{Kind: events.KindHabitTracked, Data: map[string]any{"habit": "morning run"}})
	count := 0
	for _, topic := range broker.seq {
		if topic == p.discoveryTopic("habit_morning_run") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("discovery sent %d times, want 1", count)
	}
}

func TestPublisher_BadHabitAttributes(t *testing.T) {
	l := trackedLedger(t)
	p := New(testConfig(), "inst-1", l, nil, nil)
	broker := newFakeBroker()
	p.setClient(broker)

	p.publishStates(context.Background())

	raw, _ := broker.get(p.attributesTopic("habit_smoking"))
	var attrs habitAttributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		t.Fatal(err)
	}
	if attrs.Kind != "bad" || strings.Join(attrs.Triggers, ",") != "coffee,stress" {
		t.Errorf("attributes = %+v", attrs)
	}
	if got, _ := broker.get(p.stateTopic("habit_smoking")); got != "0" {
		t.Errorf("streak = %q, want 0", got)
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	p := New(testConfig(), "inst-1", habits.NewLedger(), nil, nil)
	if err := p.publish(context.Background(), "x", []byte("y"), 0); err == nil {
		t.Error("publish without a client should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestDailyActivity_CountsAndResets(t *testing.T) {
	now := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	d := NewDailyActivity(time.UTC)
	d.nowFunc = func() time.Time { return now }
	d.day = d.today()

	turnAt := now.Add(-time.Minute)
	d.Observe(events.Event{Kind: events.KindTurnComplete, Timestamp: turnAt})
	d.Observe(events.Event{Kind: events.KindTurnFailed, Timestamp: now})
	d.Observe(events.Event{Kind: events.KindHabitTracked})
	d.Observe(events.Event{Kind: events.KindSuggestion})

	s := d.Snapshot()
	if s.Turns != 1 || s.FailedTurns != 1 || s.HabitEntries != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if !s.LastTurn.Equal(now) {
		t.Errorf("LastTurn = %v, want %v", s.LastTurn, now)
	}

	now = now.Add(2 * time.Hour)
	s = d.Snapshot()
	if s.Turns != 0 || s.FailedTurns != 0 || s.HabitEntries != 0 {
		t.Errorf("after midnight = %+v, want zeros", s)
	}
	if s.LastTurn.IsZero() {
		t.Error("LastTurn should survive the daily reset")
	}
}

func TestEntitySlug(t *testing.T) {
	tests := map[string]string{
		"meditate":        "meditate",
		"Morning Run":     "morning_run",
		"no sugar!!":      "no_sugar",
		"  read -- books": "read_books",
		"café":            "caf",
	}
	for in, want := range tests {
		if got := entitySlug(in); got != want {
			t.Errorf("entitySlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q, want %q", data, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("inst-1", "kitchen alice")
	if info.Name != "kitchen alice" || len(info.Identifiers) != 1 || info.Identifiers[0] != "inst-1" {
		t.Errorf("DeviceInfo = %+v", info)
	}
	if info.Manufacturer != "Alice" {
		t.Errorf("Manufacturer = %q", info.Manufacturer)
	}
}
