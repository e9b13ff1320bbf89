// Package scheduler fires deferred outbound messages when they come due and
// cancels them when the peer replies first.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/fanout"
	"github.com/tgbabel/tgbabel/internal/platform"
	"github.com/tgbabel/tgbabel/internal/translate"
)

// Sender delivers outbound messages through a live account session. The
// session manager satisfies this.
type Sender interface {
	Send(ctx context.Context, accountID, peerID int64, text string) (platform.SentMessage, error)
}

// Scheduler keeps the pending scheduled messages in memory and scans them on
// a fixed tick. The database rows stay authoritative; the in-memory set is a
// mirror rebuilt at startup.
type Scheduler struct {
	store      database.Store
	sender     Sender
	translator translate.Translator
	hub        *fanout.Hub
	logger     *slog.Logger
	interval   time.Duration

	cron gocron.Scheduler

	mu      sync.Mutex
	pending map[int64]*database.ScheduledRoute
}

// New creates a scheduler ticking at the given interval.
func New(store database.Store, sender Sender, translator translate.Translator, hub *fanout.Hub, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:      store,
		sender:     sender,
		translator: translator,
		hub:        hub,
		logger:     logger.With("component", "scheduler"),
		interval:   interval,
		pending:    make(map[int64]*database.ScheduledRoute),
	}
}

// Start loads the pending set from the database and begins ticking. Rows
// already overdue fire on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	rows, err := s.store.ListPendingScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending scheduled messages: %w", err)
	}

	s.mu.Lock()
	for _, row := range rows {
		s.pending[row.ID] = row
	}
	s.mu.Unlock()

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register scheduler job: %w", err)
	}

	s.cron = cron
	cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "interval", s.interval, "pending", len(rows))
	return nil
}

// Stop halts ticking. In-flight sends finish.
func (s *Scheduler) Stop() error {
	if s.cron == nil {
		return nil
	}
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

// Add registers a newly created scheduled message. Terminal or unknown rows
// are ignored.
func (s *Scheduler) Add(ctx context.Context, scheduledID int64) error {
	row, err := s.store.GetScheduledRoute(ctx, scheduledID)
	if err != nil {
		return err
	}
	if row == nil || row.IsSent || row.IsCancelled {
		return nil
	}

	s.mu.Lock()
	s.pending[row.ID] = row
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "Scheduled message registered",
		"scheduled_id", row.ID, "scheduled_at", row.ScheduledAt)
	return nil
}

// Remove drops a scheduled message from the in-memory set.
func (s *Scheduler) Remove(scheduledID int64) {
	s.mu.Lock()
	delete(s.pending, scheduledID)
	s.mu.Unlock()
}

// CancelForConversation cancels every pending scheduled message aimed at a
// conversation, evicts them from the in-memory set, and broadcasts the
// cancellation. Returns the cancelled ids.
func (s *Scheduler) CancelForConversation(ctx context.Context, conversationID, accountID, operatorID int64) ([]int64, error) {
	ids, err := s.store.CancelScheduledForConversation(ctx, conversationID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Publish(operatorID, fanout.Event{
			Type:      fanout.TypeScheduledCancelled,
			AccountID: accountID,
			Payload: fanout.ScheduledCancelledPayload{
				ConversationID: conversationID,
				CancelledIDs:   ids,
			},
		})
	}

	return ids, nil
}

// tick scans the pending set and processes everything due, oldest first.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*database.ScheduledRoute, 0)
	for _, row := range s.pending {
		if !row.ScheduledAt.After(now) {
			due = append(due, row)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	for _, row := range due {
		s.process(ctx, row)
	}
}

// process sends one due scheduled message. A failed send cancels the row so
// it never retries.
func (s *Scheduler) process(ctx context.Context, row *database.ScheduledRoute) {
	account, err := s.store.GetAccount(ctx, row.AccountID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load account for scheduled message",
			"scheduled_id", row.ID, "account_id", row.AccountID, "error", err)
		return
	}
	if account == nil {
		s.logger.WarnContext(ctx, "Account for scheduled message no longer exists, cancelling",
			"scheduled_id", row.ID, "account_id", row.AccountID)
		s.cancel(ctx, row, account)
		return
	}

	// Scheduled text is authored in the operator-facing target language;
	// deliver it in the conversation's source language.
	out := translate.Attempt(ctx, s.translator, s.logger, row.MessageText,
		account.SourceLanguage, account.TargetLanguage)

	sent, err := s.sender.Send(ctx, row.AccountID, row.PeerID, out.Text)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to send scheduled message, cancelling",
			"scheduled_id", row.ID, "conversation_id", row.ConversationID, "error", err)
		s.cancel(ctx, row, account)
		return
	}

	msg := &database.Message{
		ConversationID: row.ConversationID,
		Type:           "text",
		OriginalText:   sql.NullString{String: out.Text, Valid: true},
		IsOutgoing:     true,
		CreatedAt:      sent.Timestamp,
	}
	if sent.PlatformMessageID != 0 {
		msg.PlatformMessageID = sql.NullInt64{Int64: sent.PlatformMessageID, Valid: true}
	}
	if sent.SenderID != 0 {
		msg.SenderID = sql.NullInt64{Int64: sent.SenderID, Valid: true}
	}
	if sent.SenderName != "" {
		msg.SenderName = sql.NullString{String: sent.SenderName, Valid: true}
	}
	if sent.SenderUsername != "" {
		msg.SenderUsername = sql.NullString{String: sent.SenderUsername, Valid: true}
	}
	if !out.Failed {
		// The pair describes the delivery translation: authored language in,
		// conversation language out.
		msg.TranslatedText = sql.NullString{String: row.MessageText, Valid: true}
		msg.SourceLanguage = sql.NullString{String: out.SourceLang, Valid: true}
		msg.TargetLanguage = sql.NullString{String: out.TargetLang, Valid: true}
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist scheduled message send",
			"scheduled_id", row.ID, "error", err)
	}

	if err := s.store.MarkScheduledSent(ctx, row.ID, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark scheduled message sent",
			"scheduled_id", row.ID, "error", err)
	}
	s.Remove(row.ID)

	s.logger.InfoContext(ctx, "Scheduled message sent",
		"scheduled_id", row.ID, "conversation_id", row.ConversationID, "message_id", msg.ID)

	if s.hub != nil {
		s.hub.Publish(account.OperatorID, fanout.Event{
			Type:      fanout.TypeNewMessage,
			AccountID: account.ID,
			Payload:   fanout.NewMessagePayload(msg, ""),
		})
		s.hub.Publish(account.OperatorID, fanout.Event{
			Type:      fanout.TypeScheduledSent,
			AccountID: account.ID,
			Payload: fanout.ScheduledSentPayload{
				ScheduledMessageID: row.ID,
				MessageID:          msg.ID,
			},
		})
	}
}

func (s *Scheduler) cancel(ctx context.Context, row *database.ScheduledRoute, account *database.Account) {
	if err := s.store.MarkScheduledCancelled(ctx, row.ID, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark scheduled message cancelled",
			"scheduled_id", row.ID, "error", err)
	}
	s.Remove(row.ID)

	if s.hub != nil && account != nil {
		s.hub.Publish(account.OperatorID, fanout.Event{
			Type:      fanout.TypeScheduledCancelled,
			AccountID: account.ID,
			Payload: fanout.ScheduledCancelledPayload{
				ConversationID: row.ConversationID,
				CancelledIDs:   []int64{row.ID},
			},
		})
	}
}

// PendingCount reports the size of the in-memory pending set.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
