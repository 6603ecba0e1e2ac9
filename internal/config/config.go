// Package config handles Alice configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/alice/config.yaml, /etc/alice/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alice", "config.yaml"))
	}

	paths = append(paths, "/etc/alice/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Alice configuration.
type Config struct {
	UserName      string              `yaml:"user_name"`
	DataDir       string              `yaml:"data_dir"`
	Timezone      string              `yaml:"timezone"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"`
	Listen        ListenConfig        `yaml:"listen"`
	Models        ModelsConfig        `yaml:"models"`
	Dialog        DialogConfig        `yaml:"dialog"`
	Context       ContextConfig       `yaml:"context"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Habits        HabitsConfig        `yaml:"habits"`
	Voice         VoiceConfig         `yaml:"voice"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
}

// ListenConfig defines the status API server settings. A zero port
// disables the server.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ModelsConfig defines the language model used for dialog.
type ModelsConfig struct {
	OllamaURL   string  `yaml:"ollama_url"`
	Default     string  `yaml:"default"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// DialogConfig controls prompt assembly and per-turn limits.
type DialogConfig struct {
	// PersonaFile replaces the built-in persona text when set.
	PersonaFile string `yaml:"persona_file"`
	// ContextWindow is how many recent messages are sent with each
	// prompt. Zero sends none; negative is rejected.
	ContextWindow int `yaml:"context_window"`
	// TurnTimeoutSec bounds snapshot assembly plus inference.
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
	// FallbackResponse is spoken when inference fails.
	FallbackResponse string `yaml:"fallback_response"`
	// ConversationID addresses the persisted history.
	ConversationID string `yaml:"conversation_id"`
}

// ContextConfig configures the situational context providers.
type ContextConfig struct {
	ProviderTimeoutMS int `yaml:"provider_timeout_ms"`
	// LocationEntity is a Home Assistant person or device_tracker entity.
	LocationEntity string `yaml:"location_entity"`
	// ActivityEntity is a Home Assistant entity whose state names the
	// current activity (e.g. input_select.activity).
	ActivityEntity string `yaml:"activity_entity"`
	// MoodLookback is how many recent user messages feed mood inference.
	// Zero disables the mood inferrer.
	MoodLookback int `yaml:"mood_lookback"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether Home Assistant connection details are set.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// HabitsConfig configures the habit ledger and pattern analyzer.
type HabitsConfig struct {
	Milestones        []int  `yaml:"milestones"`
	TriggerWindowDays int    `yaml:"trigger_window_days"`
	TriggerSpanDays   int    `yaml:"trigger_span_days"`
	TriggerThreshold  int    `yaml:"trigger_threshold"`
	DigestSchedule    string `yaml:"digest_schedule"`
}

// VoiceConfig selects the voice I/O implementation.
type VoiceConfig struct {
	// Mode is "console" (stdin/stdout text) or "audio" (record command,
	// Whisper transcription, HTTP speech synthesis).
	Mode          string   `yaml:"mode"`
	RecordCommand []string `yaml:"record_command"`
	PlayCommand   []string `yaml:"play_command"`
	WhisperURL    string   `yaml:"whisper_url"`
	Language      string   `yaml:"language"`
	TTSURL        string   `yaml:"tts_url"`
	TTSModel      string   `yaml:"tts_model"`
	TTSVoice      string   `yaml:"tts_voice"`
	ExitPhrases   []string `yaml:"exit_phrases"`
}

// MQTTConfig defines the optional MQTT publisher that exposes habit
// streaks to Home Assistant through MQTT discovery.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the process environment before
// ${VAR} references in the YAML are expanded. Variables already set in
// the environment win over .env values.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Default returns a default configuration. The model settings follow the
// original assistant: llama3.2 at temperature 0.7 with 512 output tokens
// and a 20-message context window.
func Default() *Config {
	return &Config{
		UserName:  "friend",
		DataDir:   "./data",
		LogFormat: "text",
		Models: ModelsConfig{
			OllamaURL:   "http://localhost:11434",
			Default:     "llama3.2",
			Temperature: 0.7,
			MaxTokens:   512,
		},
		Dialog: DialogConfig{
			ContextWindow:    20,
			TurnTimeoutSec:   30,
			FallbackResponse: "Sorry, I lost my train of thought. Could you say that again?",
			ConversationID:   "default",
		},
		Context: ContextConfig{
			ProviderTimeoutMS: 2000,
			MoodLookback:      3,
		},
		Habits: HabitsConfig{
			Milestones:        []int{7, 30, 100},
			TriggerWindowDays: 30,
			TriggerSpanDays:   7,
			TriggerThreshold:  3,
			DigestSchedule:    "0 8 * * *",
		},
		Voice: VoiceConfig{
			Mode:        "console",
			ExitPhrases: []string{"goodbye", "goodbye alice"},
		},
		MQTT: MQTTConfig{
			DeviceName:         "alice",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
	}
}

// applyDefaults fills zero values that YAML may have cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Dialog.TurnTimeoutSec == 0 {
		c.Dialog.TurnTimeoutSec = d.Dialog.TurnTimeoutSec
	}
	if c.Dialog.ConversationID == "" {
		c.Dialog.ConversationID = d.Dialog.ConversationID
	}
	if c.Context.ProviderTimeoutMS == 0 {
		c.Context.ProviderTimeoutMS = d.Context.ProviderTimeoutMS
	}
	if len(c.Habits.Milestones) == 0 {
		c.Habits.Milestones = d.Habits.Milestones
	}
	if c.Habits.TriggerWindowDays == 0 {
		c.Habits.TriggerWindowDays = d.Habits.TriggerWindowDays
	}
	if c.Habits.TriggerSpanDays == 0 {
		c.Habits.TriggerSpanDays = d.Habits.TriggerSpanDays
	}
	if c.Habits.TriggerThreshold == 0 {
		c.Habits.TriggerThreshold = d.Habits.TriggerThreshold
	}
	if c.Voice.Mode == "" {
		c.Voice.Mode = d.Voice.Mode
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = d.MQTT.DiscoveryPrefix
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = d.MQTT.PublishIntervalSec
	}
}

// Validate checks the configuration for values that would violate
// component contracts at runtime. Errors here are fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	if c.Dialog.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("dialog.context_window must not be negative, got %d", c.Dialog.ContextWindow))
	}
	if c.Dialog.TurnTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("dialog.turn_timeout_sec must be positive, got %d", c.Dialog.TurnTimeoutSec))
	}
	if c.Context.ProviderTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("context.provider_timeout_ms must be positive, got %d", c.Context.ProviderTimeoutMS))
	}
	if c.Context.MoodLookback < 0 {
		errs = append(errs, fmt.Errorf("context.mood_lookback must not be negative, got %d", c.Context.MoodLookback))
	}
	if c.Models.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("models.max_tokens must not be negative, got %d", c.Models.MaxTokens))
	}

	prev := 0
	for _, m := range c.Habits.Milestones {
		if m <= prev {
			errs = append(errs, fmt.Errorf("habits.milestones must be positive and strictly ascending, got %v", c.Habits.Milestones))
			break
		}
		prev = m
	}
	if c.Habits.TriggerSpanDays > c.Habits.TriggerWindowDays {
		errs = append(errs, fmt.Errorf("habits.trigger_span_days (%d) exceeds trigger_window_days (%d)",
			c.Habits.TriggerSpanDays, c.Habits.TriggerWindowDays))
	}

	switch c.Voice.Mode {
	case "console":
	case "audio":
		if len(c.Voice.RecordCommand) == 0 {
			errs = append(errs, errors.New("voice.record_command is required in audio mode"))
		}
		if c.Voice.WhisperURL == "" {
			errs = append(errs, errors.New("voice.whisper_url is required in audio mode"))
		}
		if c.Voice.TTSURL == "" {
			errs = append(errs, errors.New("voice.tts_url is required in audio mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("voice.mode must be console or audio, got %q", c.Voice.Mode))
	}

	return errors.Join(errs...)
}

// Location returns the configured timezone, falling back to the
// system local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// TurnTimeout returns the per-turn deadline as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Dialog.TurnTimeoutSec) * time.Second
}

// ProviderTimeout returns the per-provider context deadline.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Context.ProviderTimeoutMS) * time.Millisecond
}
