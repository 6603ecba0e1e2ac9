package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "listen:\n  port: 8080\n")
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), "user_name: Dana\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.UserName != "Dana" {
		t.Errorf("user_name = %q, want Dana", cfg.UserName)
	}
	if cfg.Models.Default != "llama3.2" {
		t.Errorf("models.default = %q, want llama3.2", cfg.Models.Default)
	}
	if cfg.Models.Temperature != 0.7 {
		t.Errorf("models.temperature = %v, want 0.7", cfg.Models.Temperature)
	}
	if cfg.Models.MaxTokens != 512 {
		t.Errorf("models.max_tokens = %d, want 512", cfg.Models.MaxTokens)
	}
	if cfg.Dialog.ContextWindow != 20 {
		t.Errorf("dialog.context_window = %d, want 20", cfg.Dialog.ContextWindow)
	}
	if got := cfg.ProviderTimeout().Milliseconds(); got != 2000 {
		t.Errorf("ProviderTimeout() = %dms, want 2000ms", got)
	}
	if got := cfg.TurnTimeout().Seconds(); got != 30 {
		t.Errorf("TurnTimeout() = %vs, want 30s", got)
	}
	if len(cfg.Habits.Milestones) != 3 || cfg.Habits.Milestones[2] != 100 {
		t.Errorf("habits.milestones = %v, want [7 30 100]", cfg.Habits.Milestones)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("ALICE_TEST_TOKEN", "secret123")
	path := writeConfig(t, t.TempDir(), "homeassistant:\n  url: http://ha.local:8123\n  token: ${ALICE_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
	if !cfg.HomeAssistant.Configured() {
		t.Error("HomeAssistant.Configured() = false, want true")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "ALICE_TEST_DOTENV_BROKER"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=tcp://broker.local:1883\n"), 0600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, "mqtt:\n  broker: ${"+key+"}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker.local:1883" {
		t.Errorf("mqtt.broker = %q, want tcp://broker.local:1883", cfg.MQTT.Broker)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero window", func(c *Config) { c.Dialog.ContextWindow = 0 }, ""},
		{"negative window", func(c *Config) { c.Dialog.ContextWindow = -1 }, "context_window"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"unordered milestones", func(c *Config) { c.Habits.Milestones = []int{30, 7} }, "milestones"},
		{"zero milestone", func(c *Config) { c.Habits.Milestones = []int{0, 7} }, "milestones"},
		{"span exceeds window", func(c *Config) { c.Habits.TriggerSpanDays = 45 }, "trigger_span_days"},
		{"unknown voice mode", func(c *Config) { c.Voice.Mode = "telepathy" }, "voice.mode"},
		{"audio without urls", func(c *Config) { c.Voice.Mode = "audio" }, "whisper_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected level=TRACE in %q", buf.String())
	}
}
