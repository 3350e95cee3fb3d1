package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tomasrezac/vera/internal/conversation"
	"github.com/tomasrezac/vera/internal/eventlog"
	"github.com/tomasrezac/vera/internal/httpapi"
	"github.com/tomasrezac/vera/internal/jobs"
	"github.com/tomasrezac/vera/internal/llm"
	"github.com/tomasrezac/vera/internal/notifications"
	"github.com/tomasrezac/vera/internal/store"
	"github.com/tomasrezac/vera/internal/telephony"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	engine   *conversation.Engine
	twilio   *telephony.TwilioClient
	discord  *notifications.Discord
	sweeper  *jobs.StaleCallsJob
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	el := eventlog.New(db)

	// Migrations are applied externally by the deploy job, not at startup.

	twilio, err := telephony.NewTwilioClient(telephony.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	gemini := llm.NewGeminiClient(llm.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
	})
	generator := conversation.NewGenerator(gemini, cfg.LLMTimeout, logger)
	engine := conversation.NewEngine(s, generator, el, logger, cfg.PublicBaseURL)

	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	if discord.Enabled() {
		engine.SetNotifier(discord)
	}

	sweeper := jobs.NewStaleCallsJob(s, logger, 0)
	sweeper.Start()

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: el,
		engine:   engine,
		twilio:   twilio,
		discord:  discord,
		sweeper:  sweeper,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL: a.cfg.PublicBaseURL,
	}
	var notifier httpapi.Notifier
	if a.discord.Enabled() {
		notifier = a.discord
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.engine, a.twilio, a.eventLog, notifier)
}

func (a *App) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
