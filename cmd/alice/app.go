package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/alice/internal/agent"
	"github.com/nugget/alice/internal/buildinfo"
	"github.com/nugget/alice/internal/config"
	"github.com/nugget/alice/internal/database"
	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/habits"
	"github.com/nugget/alice/internal/homeassistant"
	"github.com/nugget/alice/internal/llm"
	"github.com/nugget/alice/internal/memory"
	"github.com/nugget/alice/internal/patterns"
	"github.com/nugget/alice/internal/prompts"
	"github.com/nugget/alice/internal/situation"
	"github.com/nugget/alice/internal/voice"
)

// flushTimeout bounds the final ledger flush at shutdown.
const flushTimeout = 10 * time.Second

// app is the component graph shared by every subcommand. The conversation
// store and the habit ledger are the only cross-turn state; both are built
// here once and handed to their consumers explicitly.
type app struct {
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	db       *sql.DB
	bus      *events.Bus
	history  *memory.Store
	ledger   *habits.Ledger
	builder  *situation.Builder
	analyzer *patterns.Analyzer
	queue    *patterns.Queue
	dialog   *agent.Orchestrator
	llm      *llm.OllamaClient
	ha       *homeassistant.Client
}

// newApp loads configuration, opens the database and restores the
// conversation history and habit ledger. Any failure here is fatal.
func newApp(ctx context.Context, logOut io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(logOut, cfg)
	logger.Debug("config loaded",
		"path", cfgPath,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
		"voice", cfg.Voice.Mode,
	)

	dbPath := filepath.Join(cfg.DataDir, "alice.db")
	db, err := database.Open(ctx, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		db:      db,
		bus:     events.New(),
		queue:   patterns.NewQueue(),
	}

	// --- Conversation store ---
	a.history = memory.NewStore(cfg.Dialog.ConversationID,
		memory.WithPersister(memory.NewSQLiteHistory(db)),
		memory.WithLogger(logger),
	)
	if err := a.history.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	// --- Habit ledger ---
	loc := cfg.Location()
	a.ledger = habits.NewLedger(
		habits.WithRepository(habits.NewSQLiteRepository(db)),
		habits.WithLocation(loc),
		habits.WithLogger(logger),
		habits.WithEventBus(a.bus),
	)
	if err := a.ledger.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load habits: %w", err)
	}

	logger.Info("state restored",
		"db", dbPath,
		"messages", a.history.Len(),
		"habits", a.ledger.Len(),
	)

	// --- Context providers ---
	builderOpts := []situation.Option{
		situation.WithClockProvider(situation.NewClockProvider(loc)),
		situation.WithMoodProvider(situation.NewMoodInferrer(a.history, cfg.Context.MoodLookback)),
		situation.WithTimeout(cfg.ProviderTimeout()),
		situation.WithLogger(logger),
	}
	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		a.ha = ha
		if cfg.Context.LocationEntity != "" {
			builderOpts = append(builderOpts, situation.WithLocationProvider(
				situation.NewLocationProvider(ha, cfg.Context.LocationEntity)))
		}
		if cfg.Context.ActivityEntity != "" {
			builderOpts = append(builderOpts, situation.WithActivityProvider(
				situation.NewActivityProvider(ha, cfg.Context.ActivityEntity)))
		}
		logger.Debug("Home Assistant context configured",
			"url", cfg.HomeAssistant.URL,
			"location_entity", cfg.Context.LocationEntity,
			"activity_entity", cfg.Context.ActivityEntity,
		)
	}
	a.builder = situation.NewBuilder(builderOpts...)

	// --- Pattern analyzer ---
	a.analyzer = patterns.New(patterns.Config{
		Milestones: cfg.Habits.Milestones,
		WindowDays: cfg.Habits.TriggerWindowDays,
		SpanDays:   cfg.Habits.TriggerSpanDays,
		Threshold:  cfg.Habits.TriggerThreshold,
	}, patterns.WithLogger(logger), patterns.WithEventBus(a.bus))

	// --- Dialog orchestrator ---
	persona, err := a.loadPersona()
	if err != nil {
		db.Close()
		return nil, err
	}

	a.llm = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	a.dialog = agent.New(agent.Config{
		Model:       cfg.Models.Default,
		Temperature: cfg.Models.Temperature,
		MaxTokens:   cfg.Models.MaxTokens,
		Window:      cfg.Dialog.ContextWindow,
		TurnTimeout: cfg.TurnTimeout(),
		Persona:     persona,
	}, a.llm, a.history, a.builder,
		agent.WithSuggester(patterns.NewSource(a.analyzer, a.ledger, a.queue)),
		agent.WithLogger(logger),
		agent.WithEventBus(a.bus),
	)

	return a, nil
}

// loadPersona renders the configured persona file, or the built-in
// persona when none is set. Relative paths resolve against the config
// file's directory.
func (a *app) loadPersona() (string, error) {
	path := a.cfg.Dialog.PersonaFile
	if path == "" {
		return prompts.Persona("", a.cfg.UserName), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(a.cfgPath), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona %s: %w", path, err)
	}
	return prompts.Persona(string(data), a.cfg.UserName), nil
}

// newVoice builds the listen/transcribe/speak chain for the configured
// voice mode. Console mode reads typed lines from in and prints replies
// to out.
func (a *app) newVoice(in io.Reader, out io.Writer) (voice.Listener, voice.Transcriber, voice.Speaker, error) {
	vc := a.cfg.Voice
	if vc.Mode != "audio" {
		c := voice.NewConsole(in, out)
		return c, c, c, nil
	}

	recorder, err := voice.NewCommandRecorder(vc.RecordCommand, "wav", a.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	play := vc.PlayCommand
	if len(play) == 0 {
		play = []string{"aplay", "-q", "-"}
	}
	whisper := voice.NewWhisperClient(vc.WhisperURL, vc.Language, a.logger)
	speaker := voice.NewHTTPSpeaker(vc.TTSURL, vc.TTSModel, vc.TTSVoice, voice.CommandPlayer(play), a.logger)

	a.logger.Info("audio voice configured",
		"record", vc.RecordCommand,
		"whisper_url", vc.WhisperURL,
		"tts_url", vc.TTSURL,
	)
	return recorder, whisper, speaker, nil
}

// close persists every habit and closes the database. A flush failure
// is logged; the entries already appended are durable on their own.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := a.ledger.Flush(ctx); err != nil {
		a.logger.Error("habit flush failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database failed", "error", err)
	}
	a.logger.Debug("shutdown complete", "uptime", buildinfo.Uptime())
}
