package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/alice/internal/buildinfo"
	"github.com/nugget/alice/internal/config"
	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/habits"
)

// HabitSource is the view of the habit ledger the publisher reads.
type HabitSource interface {
	Snapshot() []habits.Habit
	Location() *time.Location
}

// messagePublisher is satisfied by *autopaho.ConnectionManager.
type messagePublisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection and keeps HA in sync with the
// habit ledger.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	habits     HabitSource
	activity   *DailyActivity
	bus        *events.Bus
	logger     *slog.Logger

	cm *autopaho.ConnectionManager

	mu        sync.Mutex
	client    messagePublisher
	announced map[string]bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, source HabitSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		habits:     source,
		activity:   NewDailyActivity(source.Location()),
		bus:        bus,
		logger:     logger,
		announced:  make(map[string]bool),
	}
}

// Start connects to the broker and publishes until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no habit event is missed.
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.setClient(cm)
			p.announce(ctx)
			p.publishAvailability(ctx, "online")
			p.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "alice-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, ch)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) setClient(c messagePublisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = c
	// A fresh session needs every discovery config again.
	p.announced = make(map[string]bool)
}

// run reacts to bus events and republishes on a ticker.
func (p *Publisher) run(ctx context.Context, ch <-chan events.Event) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			p.handleEvent(ctx, e)
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	p.activity.Observe(e)

	switch e.Kind {
	case events.KindHabitTracked, events.KindBadHabitRegistered:
		name, _ := e.Data["habit"].(string)
		for _, h := range p.habits.Snapshot() {
			if h.Name == name {
				p.publishHabit(ctx, h)
				break
			}
		}
		p.publishActivity(ctx)
	case events.KindTurnComplete, events.KindTurnFailed:
		p.publishActivity(ctx)
	}
}

// --- Topics ---

func (p *Publisher) baseTopic() string {
	return "alice/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              p.device.Name + " " + name,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

// diagnosticSensors are the fixed sensors describing dialog activity.
func (p *Publisher) diagnosticSensors() []sensorDef {
	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	turns := p.sensor("turns_today", "Turns Today", "mdi:chat-processing")
	turns.StateClass = "total_increasing"

	failed := p.sensor("failed_turns_today", "Failed Turns Today", "mdi:chat-alert")
	failed.StateClass = "total_increasing"
	failed.EntityCategory = "diagnostic"

	entries := p.sensor("habit_entries_today", "Habit Entries Today", "mdi:checkbox-marked-circle-outline")
	entries.StateClass = "total_increasing"

	last := p.sensor("last_turn", "Last Turn", "mdi:clock-check")
	last.DeviceClass = "timestamp"

	return []sensorDef{
		{"version", version},
		{"uptime", uptime},
		{"turns_today", turns},
		{"failed_turns_today", failed},
		{"habit_entries_today", entries},
		{"last_turn", last},
	}
}

func habitEntity(name string) string {
	return "habit_" + entitySlug(name)
}

// habitSensor describes the streak sensor of one habit.
func (p *Publisher) habitSensor(h habits.Habit) sensorDef {
	entity := habitEntity(h.Name)
	cfg := p.sensor(entity, h.Name+" Streak", "mdi:fire")
	if h.Kind == habits.KindBad {
		cfg.Icon = "mdi:smoking-off"
	}
	cfg.UniqueID = p.instanceID + "_habit_" + h.ID
	cfg.UnitOfMeasurement = "days"
	cfg.StateClass = "measurement"
	cfg.JsonAttributesTopic = p.attributesTopic(entity)
	return sensorDef{entity: entity, config: cfg}
}

// announce publishes discovery for the diagnostic sensors and every
// known habit.
func (p *Publisher) announce(ctx context.Context) {
	for _, s := range p.diagnosticSensors() {
		p.publishDiscovery(ctx, s)
	}
	for _, h := range p.habits.Snapshot() {
		p.announceHabit(ctx, h)
	}
}

func (p *Publisher) announceHabit(ctx context.Context, h habits.Habit) {
	p.mu.Lock()
	done := p.announced[h.ID]
	p.mu.Unlock()
	if done {
		return
	}
	if p.publishDiscovery(ctx, p.habitSensor(h)) {
		p.mu.Lock()
		p.announced[h.ID] = true
		p.mu.Unlock()
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, s sensorDef) bool {
	payload, err := json.Marshal(s.config)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
		return false
	}
	topic := p.discoveryTopic(s.entity)
	if err := p.publish(ctx, topic, payload, 1); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		return false
	}
	p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
	return true
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, p.availabilityTopic(), []byte(status), 1); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// --- State ---

// habitAttributes is the JSON attributes payload of a streak sensor.
type habitAttributes struct {
	Kind          string   `json:"kind"`
	Entries       int      `json:"entries"`
	LastCompleted string   `json:"last_completed,omitempty"`
	Triggers      []string `json:"triggers,omitempty"`
}

func (p *Publisher) publishHabit(ctx context.Context, h habits.Habit) {
	p.announceHabit(ctx, h)
	entity := habitEntity(h.Name)

	if err := p.publish(ctx, p.stateTopic(entity), []byte(strconv.Itoa(h.Streak)), 0); err != nil {
		p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		return
	}

	attrs := habitAttributes{
		Kind:     string(h.Kind),
		Entries:  len(h.History),
		Triggers: h.Triggers,
	}
	if day, ok := h.LastCompletedDay(p.habits.Location()); ok {
		attrs.LastCompleted = day.Format(time.DateOnly)
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return
	}
	if err := p.publish(ctx, p.attributesTopic(entity), payload, 0); err != nil {
		p.logger.Debug("mqtt attributes publish failed", "entity", entity, "error", err)
	}
}

func (p *Publisher) publishActivity(ctx context.Context) {
	snap := p.activity.Snapshot()
	last := "unknown"
	if !snap.LastTurn.IsZero() {
		last = snap.LastTurn.Format(time.RFC3339)
	}

	states := map[string]string{
		"version":             buildinfo.Version,
		"uptime":              buildinfo.Uptime().Truncate(time.Second).String(),
		"turns_today":         strconv.FormatInt(snap.Turns, 10),
		"failed_turns_today":  strconv.FormatInt(snap.FailedTurns, 10),
		"habit_entries_today": strconv.FormatInt(snap.HabitEntries, 10),
		"last_turn":           last,
	}
	for entity, value := range states {
		if err := p.publish(ctx, p.stateTopic(entity), []byte(value), 0); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}

// publishStates pushes every sensor's current value.
func (p *Publisher) publishStates(ctx context.Context) {
	p.publishActivity(ctx)
	list := p.habits.Snapshot()
	for _, h := range list {
		p.publishHabit(ctx, h)
	}
	p.logger.Debug("mqtt sensor states published", "habits", len(list))
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return fmt.Errorf("not connected")
	}

	_, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	})
	return err
}
