// Package pipeline processes every event observed on a live session:
// translate, persist, react, broadcast, in that order.
package pipeline

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/fanout"
	"github.com/tgbabel/tgbabel/internal/platform"
	"github.com/tgbabel/tgbabel/internal/translate"
)

// Canceller cancels pending scheduled messages when the peer replies. The
// scheduler satisfies this.
type Canceller interface {
	CancelForConversation(ctx context.Context, conversationID, accountID, operatorID int64) ([]int64, error)
}

// RuleEvaluator runs auto-reply rules against an inbound message. The
// responder satisfies this.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, event platform.InboundEvent, conv *database.Conversation, account *database.Account) (bool, error)
}

// Pipeline is the single handler behind every session's event stream.
type Pipeline struct {
	store      database.Store
	translator translate.Translator
	canceller  Canceller
	responder  RuleEvaluator
	hub        *fanout.Hub
	logger     *slog.Logger
}

// New creates the pipeline. Canceller, responder, and hub may each be nil;
// their steps are then skipped.
func New(store database.Store, translator translate.Translator, canceller Canceller, responder RuleEvaluator, hub *fanout.Hub, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      store,
		translator: translator,
		canceller:  canceller,
		responder:  responder,
		hub:        hub,
		logger:     logger.With("component", "pipeline"),
	}
}

// HandleInbound runs one event through the pipeline. Persistence failures
// abort the event before any side effect; translation failures never do.
// Side effects (cancel-on-reply, auto-reply) run only for inbound events,
// and always before the broadcast.
func (p *Pipeline) HandleInbound(ctx context.Context, event platform.InboundEvent) {
	account, err := p.store.GetAccount(ctx, event.AccountID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to load account for event, dropping",
			"account_id", event.AccountID, "platform_message_id", event.PlatformMessageID, "error", err)
		return
	}
	if account == nil {
		p.logger.WarnContext(ctx, "Event for unknown account, dropping",
			"account_id", event.AccountID, "platform_message_id", event.PlatformMessageID)
		return
	}

	conv, err := p.store.GetOrCreateConversation(ctx, event.AccountID, event.PeerID, event.PeerTitle, event.ConversationType)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to resolve conversation, dropping event",
			"account_id", event.AccountID, "peer_id", event.PeerID, "error", err)
		return
	}

	out := translate.Attempt(ctx, p.translator, p.logger, event.Text,
		account.TargetLanguage, account.SourceLanguage)

	msg := p.buildMessage(event, conv, out)
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Failed to persist message, dropping event",
			"conversation_id", conv.ID, "platform_message_id", event.PlatformMessageID, "error", err)
		return
	}

	if !event.IsOutgoing {
		if p.canceller != nil {
			if _, err := p.canceller.CancelForConversation(ctx, conv.ID, account.ID, account.OperatorID); err != nil {
				p.logger.ErrorContext(ctx, "Failed to cancel scheduled messages on reply",
					"conversation_id", conv.ID, "error", err)
			}
		}
		if p.responder != nil {
			if _, err := p.responder.Evaluate(ctx, event, conv, account); err != nil {
				p.logger.ErrorContext(ctx, "Auto-reply evaluation failed",
					"conversation_id", conv.ID, "error", err)
			}
		}
	}

	if p.hub != nil {
		p.hub.Publish(account.OperatorID, fanout.Event{
			Type:      fanout.TypeNewMessage,
			AccountID: account.ID,
			Payload:   fanout.NewMessagePayload(msg, event.PeerTitle),
		})
	}
}

func (p *Pipeline) buildMessage(event platform.InboundEvent, conv *database.Conversation, out translate.Outcome) *database.Message {
	msg := &database.Message{
		ConversationID: conv.ID,
		Type:           event.Type,
		HasMedia:       event.HasMedia,
		IsOutgoing:     event.IsOutgoing,
		CreatedAt:      event.Timestamp.UTC(),
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	if event.PlatformMessageID != 0 {
		msg.PlatformMessageID = sql.NullInt64{Int64: event.PlatformMessageID, Valid: true}
	}
	if event.SenderID != 0 {
		msg.SenderID = sql.NullInt64{Int64: event.SenderID, Valid: true}
	}

	// Sender identity falls back to Unknown rather than dropping the message.
	name := event.SenderName
	if name == "" {
		name = "Unknown"
	}
	msg.SenderName = sql.NullString{String: name, Valid: true}
	if event.SenderUsername != "" {
		msg.SenderUsername = sql.NullString{String: event.SenderUsername, Valid: true}
	}

	if event.Text != "" {
		msg.OriginalText = sql.NullString{String: event.Text, Valid: true}
	}
	if !out.Failed && event.Text != "" && out.Text != event.Text {
		msg.TranslatedText = sql.NullString{String: out.Text, Valid: true}
	}
	if !out.Failed && event.Text != "" {
		msg.SourceLanguage = sql.NullString{String: out.SourceLang, Valid: true}
		msg.TargetLanguage = sql.NullString{String: out.TargetLang, Valid: true}
	}
	if event.MediaFileName != "" {
		msg.MediaFileName = sql.NullString{String: event.MediaFileName, Valid: true}
	}
	return msg
}
