// Package responder evaluates keyword auto-reply rules against inbound
// messages and fires the first matching rule.
package responder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/fanout"
	"github.com/tgbabel/tgbabel/internal/platform"
	"github.com/tgbabel/tgbabel/internal/translate"
)

const (
	senderName     = "Auto-Responder"
	senderUsername = "auto_responder"
)

// Sender delivers outbound messages through a live account session. The
// session manager satisfies this.
type Sender interface {
	Send(ctx context.Context, accountID, peerID int64, text string) (platform.SentMessage, error)
	SendMedia(ctx context.Context, accountID, peerID int64, filePath, caption string) (platform.SentMessage, error)
}

// Responder runs rule evaluation for inbound messages.
type Responder struct {
	store      database.Store
	sender     Sender
	translator translate.Translator
	hub        *fanout.Hub
	logger     *slog.Logger
}

// New creates a responder. The translator may be nil; matching and responses
// then skip translation.
func New(store database.Store, sender Sender, translator translate.Translator, hub *fanout.Hub, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		store:      store,
		sender:     sender,
		translator: translator,
		hub:        hub,
		logger:     logger.With("component", "responder"),
	}
}

// Evaluate checks the operator's active rules against an inbound message and
// fires at most the first match: the response is sent to the peer, persisted
// as an auto_reply message, audited, and broadcast. Returns true only when a
// response actually went out. Rule evaluation is deterministic: priority
// descending, then rule id ascending, first keyword hit wins.
func (r *Responder) Evaluate(ctx context.Context, event platform.InboundEvent, conv *database.Conversation, account *database.Account) (bool, error) {
	if strings.TrimSpace(event.Text) == "" {
		return false, nil
	}

	rules, err := r.store.ListActiveRules(ctx, account.OperatorID)
	if err != nil {
		return false, fmt.Errorf("failed to load auto-reply rules: %w", err)
	}
	if len(rules) == 0 {
		return false, nil
	}

	// Cache the inbound text per rule language so several rules sharing a
	// language cost one translation.
	matchTexts := map[string]string{account.SourceLanguage: event.Text, "": event.Text}

	for _, rule := range rules {
		matchText, ok := matchTexts[rule.ResponseLang]
		if !ok {
			out := translate.Attempt(ctx, r.translator, r.logger, event.Text, rule.ResponseLang, account.SourceLanguage)
			matchText = out.Text
			matchTexts[rule.ResponseLang] = matchText
		}

		keyword := matchKeyword(matchText, rule.Keywords)
		if keyword == "" {
			continue
		}

		r.logger.InfoContext(ctx, "Auto-reply rule matched",
			"rule_id", rule.ID, "rule_name", rule.Name,
			"conversation_id", conv.ID, "matched_keyword", keyword)
		if err := r.fire(ctx, rule, keyword, event, conv, account); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// matchKeyword returns the first keyword contained in the text,
// case-insensitively, or "".
func matchKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

func (r *Responder) fire(ctx context.Context, rule *database.AutoReplyRule, keyword string, event platform.InboundEvent, conv *database.Conversation, account *database.Account) error {
	// The audit row links back to the inbound message that triggered the
	// rule; the pipeline persists it before invoking the responder.
	var triggerID int64
	if event.PlatformMessageID != 0 {
		trigger, err := r.store.GetMessageByPlatformID(ctx, conv.ID, event.PlatformMessageID)
		if err != nil {
			r.logger.WarnContext(ctx, "Failed to resolve triggering message",
				"conversation_id", conv.ID, "platform_message_id", event.PlatformMessageID, "error", err)
		} else if trigger != nil {
			triggerID = trigger.ID
		}
	}

	responseText := rule.ResponseText
	if rule.ResponseLang != "" && rule.ResponseLang != account.SourceLanguage {
		out := translate.Attempt(ctx, r.translator, r.logger, rule.ResponseText, account.SourceLanguage, rule.ResponseLang)
		responseText = out.Text
	}

	var (
		sent platform.SentMessage
		err  error
	)
	if rule.MediaPath.Valid && rule.MediaPath.String != "" {
		sent, err = r.sender.SendMedia(ctx, account.ID, conv.PeerID, rule.MediaPath.String, responseText)
	} else {
		sent, err = r.sender.Send(ctx, account.ID, conv.PeerID, responseText)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to send auto-reply",
			"rule_id", rule.ID, "conversation_id", conv.ID, "error", err)
		return fmt.Errorf("failed to send auto-reply for rule %d: %w", rule.ID, err)
	}

	msg := &database.Message{
		ConversationID: conv.ID,
		SenderName:     sql.NullString{String: senderName, Valid: true},
		SenderUsername: sql.NullString{String: senderUsername, Valid: true},
		Type:           "auto_reply",
		OriginalText:   sql.NullString{String: responseText, Valid: true},
		IsOutgoing:     true,
		CreatedAt:      time.Now().UTC(),
	}
	if sent.PlatformMessageID != 0 {
		msg.PlatformMessageID = sql.NullInt64{Int64: sent.PlatformMessageID, Valid: true}
	}
	if rule.MediaPath.Valid && rule.MediaPath.String != "" {
		msg.HasMedia = true
		msg.MediaFileName = sql.NullString{String: rule.MediaPath.String, Valid: true}
		if rule.MediaType.Valid && rule.MediaType.String != "" {
			msg.Type = rule.MediaType.String
		}
	}

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist auto-reply for rule %d: %w", rule.ID, err)
	}

	if triggerID == 0 {
		triggerID = msg.ID
	}
	logEntry := &database.AutoReplyLog{
		RuleID:         rule.ID,
		ConversationID: conv.ID,
		MessageID:      triggerID,
		MatchedKeyword: keyword,
	}
	if err := r.store.SaveAutoReplyLog(ctx, logEntry); err != nil {
		r.logger.WarnContext(ctx, "Failed to save auto-reply audit log",
			"rule_id", rule.ID, "message_id", msg.ID, "error", err)
	}

	if r.hub != nil {
		r.hub.Publish(account.OperatorID, fanout.Event{
			Type:      fanout.TypeNewMessage,
			AccountID: account.ID,
			Payload:   fanout.NewMessagePayload(msg, conv.Title.String),
		})
	}

	return nil
}
