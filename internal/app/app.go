// Package app orchestrates the relay components' lifecycle: session
// auto-connect, the scheduler, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/scheduler"
	"github.com/tgbabel/tgbabel/internal/session"
)

// App wires the relay components together and manages their lifecycle.
type App struct {
	logger    *slog.Logger
	store     database.Store
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
}

// New creates the orchestrator with all required dependencies.
func New(logger *slog.Logger, store database.Store, sessions *session.Manager, sched *scheduler.Scheduler) *App {
	return &App{
		logger:    logger.With("component", "orchestrator"),
		store:     store,
		sessions:  sessions,
		scheduler: sched,
	}
}

// Run starts the relay and blocks until the context is cancelled. Shutdown
// order: scheduler first, then every live session. The store is closed by
// the caller.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting relay orchestrator...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.connectActiveAccounts(gCtx)
		return nil
	})

	g.Go(func() error {
		if err := a.scheduler.Start(gCtx); err != nil {
			a.logger.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()

		// Scheduler first, so no scheduled send races a closing session;
		// the store is closed by the caller after both.
		a.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}

		a.logger.Info("Disconnecting sessions...")
		a.sessions.DisconnectAll(context.Background())
		return nil
	})

	a.logger.Info("Relay orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Relay orchestrator stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Relay orchestrator stopped gracefully.")
	return nil
}

// connectActiveAccounts brings every active account online at startup.
// Individual failures are logged and skipped so one bad credential set does
// not keep the rest of the fleet offline.
func (a *App) connectActiveAccounts(ctx context.Context) {
	accounts, err := a.store.ListActiveAccounts(ctx)
	if err != nil {
		a.logger.Error("Failed to list active accounts for auto-connect", "error", err)
		return
	}

	connected := 0
	for _, account := range accounts {
		if err := a.sessions.Connect(ctx, account.ID); err != nil {
			a.logger.Error("Failed to auto-connect account",
				"account_id", account.ID, "account_name", account.Name, "error", err)
			continue
		}
		connected++
	}

	a.logger.Info("Auto-connect finished", "active", len(accounts), "connected", connected)
}
