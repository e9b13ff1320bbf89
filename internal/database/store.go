package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations used by the relay core.
// Methods accept context.Context for cancellation and timeouts. Lookup
// methods return (nil, nil) when the row does not exist.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, accountID int64) (*Account, error)

	// ListActiveAccounts retrieves all accounts with is_active = true.
	ListActiveAccounts(ctx context.Context) ([]*Account, error)

	// TouchAccountLastUsed stamps the account's last_used column.
	TouchAccountLastUsed(ctx context.Context, accountID int64) error

	// DeactivateAccount soft-deletes an account. Sessions for it must be
	// disconnected by the caller.
	DeactivateAccount(ctx context.Context, accountID int64) error

	// ReactivateAccount transitions an inactive account back to active.
	ReactivateAccount(ctx context.Context, accountID int64) error

	// GetOrCreateConversation returns the conversation for (account, peer),
	// creating it if absent. Creation is idempotent on the unique
	// (account_id, peer_id) key, including under concurrent callers.
	GetOrCreateConversation(ctx context.Context, accountID, peerID int64, title, convType string) (*Conversation, error)

	// SaveMessage inserts a message and bumps its conversation's
	// last_message_at in a single transaction.
	SaveMessage(ctx context.Context, message *Message) error

	// GetMessageByPlatformID retrieves the most recent message in a
	// conversation carrying the given platform message id.
	GetMessageByPlatformID(ctx context.Context, conversationID, platformMessageID int64) (*Message, error)

	// ListPendingScheduled retrieves every scheduled message that is neither
	// sent nor cancelled, joined with its conversation's routing columns.
	ListPendingScheduled(ctx context.Context) ([]*ScheduledRoute, error)

	// GetScheduledRoute retrieves one scheduled message with routing columns.
	GetScheduledRoute(ctx context.Context, scheduledID int64) (*ScheduledRoute, error)

	// MarkScheduledSent transitions a pending row to sent. Terminal rows are
	// left untouched and no error is returned.
	MarkScheduledSent(ctx context.Context, scheduledID int64, at time.Time) error

	// MarkScheduledCancelled transitions a pending row to cancelled.
	// Terminal rows are left untouched and no error is returned.
	MarkScheduledCancelled(ctx context.Context, scheduledID int64, at time.Time) error

	// CancelScheduledForConversation cancels every pending scheduled message
	// for a conversation and returns the ids it cancelled.
	CancelScheduledForConversation(ctx context.Context, conversationID int64, at time.Time) ([]int64, error)

	// ListActiveRules retrieves an operator's active auto-reply rules
	// ordered by (priority DESC, id ASC).
	ListActiveRules(ctx context.Context, operatorID int64) ([]*AutoReplyRule, error)

	// SaveAutoReplyLog inserts an audit record for a fired rule.
	SaveAutoReplyLog(ctx context.Context, entry *AutoReplyLog) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id, operator_id, name, display_name, credentials,
	source_language, target_language, is_active, created_at, last_used`

func (s *sqlxStore) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	if accountID == 0 {
		return nil, fmt.Errorf("account_id cannot be zero")
	}

	var account Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`

	err := s.db.GetContext(ctx, &account, query, accountID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No account found", "account_id", accountID)
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting account", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to get account %d: %w", accountID, err)
	}

	return &account, nil
}

func (s *sqlxStore) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE is_active = TRUE ORDER BY id ASC`

	if err := s.db.SelectContext(ctx, &accounts, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing active accounts", "error", err)
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}

	return accounts, nil
}

func (s *sqlxStore) TouchAccountLastUsed(ctx context.Context, accountID int64) error {
	query := `UPDATE accounts SET last_used = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), accountID); err != nil {
		s.logger.ErrorContext(ctx, "Error touching account last_used", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to touch account %d: %w", accountID, err)
	}
	return nil
}

func (s *sqlxStore) DeactivateAccount(ctx context.Context, accountID int64) error {
	query := `UPDATE accounts SET is_active = FALSE WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, accountID); err != nil {
		s.logger.ErrorContext(ctx, "Error deactivating account", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to deactivate account %d: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "Account deactivated", "account_id", accountID)
	return nil
}

func (s *sqlxStore) ReactivateAccount(ctx context.Context, accountID int64) error {
	query := `UPDATE accounts SET is_active = TRUE WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, accountID); err != nil {
		s.logger.ErrorContext(ctx, "Error reactivating account", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to reactivate account %d: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "Account reactivated", "account_id", accountID)
	return nil
}

const conversationColumns = `id, account_id, peer_id, title, type, is_archived, created_at, last_message_at`

func (s *sqlxStore) GetOrCreateConversation(ctx context.Context, accountID, peerID int64, title, convType string) (*Conversation, error) {
	if accountID == 0 {
		return nil, fmt.Errorf("account_id cannot be zero")
	}

	// ON CONFLICT DO NOTHING makes concurrent creation for a brand-new peer
	// collapse onto the single existing row.
	insert := `
        INSERT INTO conversations (account_id, peer_id, title, type, is_archived, created_at)
        VALUES (?, ?, ?, ?, FALSE, ?)
        ON CONFLICT (account_id, peer_id) DO NOTHING;
    `
	if convType == "" {
		convType = "private"
	}

	result, err := s.db.ExecContext(ctx, insert, accountID, peerID, title, convType, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating conversation",
			"account_id", accountID, "peer_id", peerID, "error", err)
		return nil, fmt.Errorf("failed to create conversation (account %d, peer %d): %w", accountID, peerID, err)
	}

	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 1 {
		s.logger.DebugContext(ctx, "Conversation created", "account_id", accountID, "peer_id", peerID)
	}

	var conv Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE account_id = ? AND peer_id = ?`
	if err := s.db.GetContext(ctx, &conv, query, accountID, peerID); err != nil {
		s.logger.ErrorContext(ctx, "Error loading conversation after upsert",
			"account_id", accountID, "peer_id", peerID, "error", err)
		return nil, fmt.Errorf("failed to load conversation (account %d, peer %d): %w", accountID, peerID, err)
	}

	return &conv, nil
}

func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ConversationID == 0 {
		return fmt.Errorf("message must have a non-zero conversation_id")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Type == "" {
		message.Type = "text"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving message",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	insert := `
        INSERT INTO messages (conversation_id, platform_message_id, sender_id, sender_name,
            sender_username, type, original_text, translated_text, source_language,
            target_language, media_file_name, has_media, is_outgoing, is_encrypted,
            created_at, edited_at)
        VALUES (:conversation_id, :platform_message_id, :sender_id, :sender_name,
            :sender_username, :type, :original_text, :translated_text, :source_language,
            :target_language, :media_file_name, :has_media, :is_outgoing, :is_encrypted,
            :created_at, :edited_at);
    `

	result, err := tx.NamedExecContext(ctx, insert, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to save message (conversation %d): %w", message.ConversationID, err)
	}

	if id, idErr := result.LastInsertId(); idErr == nil {
		message.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"conversation_id", message.ConversationID, "error", idErr)
	}

	bump := `UPDATE conversations SET last_message_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, bump, message.CreatedAt, message.ConversationID); err != nil {
		s.logger.ErrorContext(ctx, "Error updating conversation last_message_at",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to update conversation %d: %w", message.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message saved successfully",
		"conversation_id", message.ConversationID, "message_id", message.ID)
	return nil
}

const messageColumns = `id, conversation_id, platform_message_id, sender_id, sender_name,
	sender_username, type, original_text, translated_text, source_language,
	target_language, media_file_name, has_media, is_outgoing, is_encrypted,
	created_at, edited_at`

func (s *sqlxStore) GetMessageByPlatformID(ctx context.Context, conversationID, platformMessageID int64) (*Message, error) {
	var message Message
	query := `SELECT ` + messageColumns + `
	          FROM messages
	          WHERE conversation_id = ? AND platform_message_id = ?
	          ORDER BY created_at DESC, id DESC
	          LIMIT 1`

	err := s.db.GetContext(ctx, &message, query, conversationID, platformMessageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting message by platform id",
			"conversation_id", conversationID, "platform_message_id", platformMessageID, "error", err)
		return nil, fmt.Errorf("failed to get message (conversation %d, platform id %d): %w",
			conversationID, platformMessageID, err)
	}

	return &message, nil
}

const scheduledRouteColumns = `sm.id, sm.conversation_id, sm.message_text, sm.scheduled_at,
	sm.created_at, sm.is_sent, sm.is_cancelled, sm.sent_at, sm.cancelled_at,
	c.account_id AS account_id, c.peer_id AS peer_id`

func (s *sqlxStore) ListPendingScheduled(ctx context.Context) ([]*ScheduledRoute, error) {
	var rows []*ScheduledRoute
	query := `
        SELECT ` + scheduledRouteColumns + `
        FROM scheduled_messages sm
        JOIN conversations c ON sm.conversation_id = c.id
        WHERE sm.is_sent = FALSE AND sm.is_cancelled = FALSE
        ORDER BY sm.scheduled_at ASC;
    `

	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing pending scheduled messages", "error", err)
		return nil, fmt.Errorf("failed to list pending scheduled messages: %w", err)
	}

	return rows, nil
}

func (s *sqlxStore) GetScheduledRoute(ctx context.Context, scheduledID int64) (*ScheduledRoute, error) {
	var row ScheduledRoute
	query := `
        SELECT ` + scheduledRouteColumns + `
        FROM scheduled_messages sm
        JOIN conversations c ON sm.conversation_id = c.id
        WHERE sm.id = ?;
    `

	err := s.db.GetContext(ctx, &row, query, scheduledID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting scheduled message", "scheduled_id", scheduledID, "error", err)
		return nil, fmt.Errorf("failed to get scheduled message %d: %w", scheduledID, err)
	}

	return &row, nil
}

func (s *sqlxStore) MarkScheduledSent(ctx context.Context, scheduledID int64, at time.Time) error {
	query := `
        UPDATE scheduled_messages
        SET is_sent = TRUE, sent_at = ?
        WHERE id = ? AND is_sent = FALSE AND is_cancelled = FALSE;
    `

	result, err := s.db.ExecContext(ctx, query, at.UTC(), scheduledID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking scheduled message sent", "scheduled_id", scheduledID, "error", err)
		return fmt.Errorf("failed to mark scheduled message %d sent: %w", scheduledID, err)
	}

	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
		s.logger.DebugContext(ctx, "Scheduled message already terminal, sent transition skipped",
			"scheduled_id", scheduledID)
	}
	return nil
}

func (s *sqlxStore) MarkScheduledCancelled(ctx context.Context, scheduledID int64, at time.Time) error {
	query := `
        UPDATE scheduled_messages
        SET is_cancelled = TRUE, cancelled_at = ?
        WHERE id = ? AND is_sent = FALSE AND is_cancelled = FALSE;
    `

	result, err := s.db.ExecContext(ctx, query, at.UTC(), scheduledID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking scheduled message cancelled", "scheduled_id", scheduledID, "error", err)
		return fmt.Errorf("failed to mark scheduled message %d cancelled: %w", scheduledID, err)
	}

	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
		s.logger.DebugContext(ctx, "Scheduled message already terminal, cancel transition skipped",
			"scheduled_id", scheduledID)
	}
	return nil
}

func (s *sqlxStore) CancelScheduledForConversation(ctx context.Context, conversationID int64, at time.Time) ([]int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for conversation cancel",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	var ids []int64
	selectPending := `
        SELECT id FROM scheduled_messages
        WHERE conversation_id = ? AND is_sent = FALSE AND is_cancelled = FALSE
        ORDER BY id ASC;
    `
	if err := tx.SelectContext(ctx, &ids, selectPending, conversationID); err != nil {
		s.logger.ErrorContext(ctx, "Error selecting pending scheduled messages",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to select pending scheduled messages for conversation %d: %w",
			conversationID, err)
	}

	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		tx = nil
		return nil, nil
	}

	update := `
        UPDATE scheduled_messages
        SET is_cancelled = TRUE, cancelled_at = ?
        WHERE conversation_id = ? AND is_sent = FALSE AND is_cancelled = FALSE;
    `
	if _, err := tx.ExecContext(ctx, update, at.UTC(), conversationID); err != nil {
		s.logger.ErrorContext(ctx, "Error cancelling scheduled messages",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to cancel scheduled messages for conversation %d: %w",
			conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit conversation cancel",
			"conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Cancelled scheduled messages for conversation",
		"conversation_id", conversationID, "count", len(ids))
	return ids, nil
}

func (s *sqlxStore) ListActiveRules(ctx context.Context, operatorID int64) ([]*AutoReplyRule, error) {
	var rules []*AutoReplyRule
	// Deterministic tie-break: equal priorities resolve by ascending id.
	query := `
        SELECT id, operator_id, name, keywords, response_text, response_lang,
               media_type, media_path, priority, is_active, created_at
        FROM auto_reply_rules
        WHERE operator_id = ? AND is_active = TRUE
        ORDER BY priority DESC, id ASC;
    `

	if err := s.db.SelectContext(ctx, &rules, query, operatorID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing active auto-reply rules",
			"operator_id", operatorID, "error", err)
		return nil, fmt.Errorf("failed to list active rules for operator %d: %w", operatorID, err)
	}

	return rules, nil
}

func (s *sqlxStore) SaveAutoReplyLog(ctx context.Context, entry *AutoReplyLog) error {
	if entry == nil {
		return fmt.Errorf("cannot save nil auto-reply log")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO auto_reply_logs (rule_id, conversation_id, message_id, matched_keyword, created_at)
        VALUES (:rule_id, :conversation_id, :message_id, :matched_keyword, :created_at);
    `

	result, err := s.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving auto-reply log", "rule_id", entry.RuleID, "error", err)
		return fmt.Errorf("failed to save auto-reply log (rule %d): %w", entry.RuleID, err)
	}

	if id, idErr := result.LastInsertId(); idErr == nil {
		entry.ID = id
	}

	return nil
}
