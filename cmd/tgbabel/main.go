// Package main contains the entrypoint for the tgbabel relay.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tgbabel/tgbabel/internal/app"
	"github.com/tgbabel/tgbabel/internal/config"
	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/fanout"
	"github.com/tgbabel/tgbabel/internal/logger"
	"github.com/tgbabel/tgbabel/internal/pipeline"
	"github.com/tgbabel/tgbabel/internal/platform/telegram"
	"github.com/tgbabel/tgbabel/internal/responder"
	"github.com/tgbabel/tgbabel/internal/scheduler"
	"github.com/tgbabel/tgbabel/internal/session"
	"github.com/tgbabel/tgbabel/internal/translate"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all relay components (config, logger, db, translator,
// sessions, scheduler, responder, pipeline), handles graceful shutdown, and
// returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	var translator translate.Translator
	if cfg.Translator.APIKey != "" {
		translator, err = translate.NewGeminiTranslator(ctx, translate.GeminiConfig{
			APIKey:  cfg.Translator.APIKey,
			Model:   cfg.Translator.Model,
			Timeout: cfg.Translator.Timeout,
		}, log)
		if err != nil {
			log.Error("Failed to initialize translator", "error", err)
			return 1
		}
	} else {
		log.Warn("No translator API key configured, messages are relayed untranslated")
	}

	hub := fanout.NewHub(log)
	client := telegram.NewClient(log)
	sessions := session.NewManager(store, client, cfg.Session.MediaDir, cfg.Session.ConnectTimeout, log)

	sched := scheduler.New(store, sessions, translator, hub, cfg.Scheduler.CheckInterval, log)
	resp := responder.New(store, sessions, translator, hub, log)
	pipe := pipeline.New(store, translator, sched, resp, hub, log)
	sessions.SetHandler(pipe.HandleInbound)

	relay := app.New(log, store, sessions, sched)

	log.Info("Starting relay...")
	runErr := relay.Run(ctx)
	log.Info("Relay run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Relay stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Relay stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
