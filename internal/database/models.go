package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Account is one authenticated identity on the chat platform. The credentials
// column is opaque to this core; the platform adapter interprets it.
type Account struct {
	ID         int64     `db:"id"`
	OperatorID int64     `db:"operator_id"`
	Name       string    `db:"name"`
	CreatedAt  time.Time `db:"created_at"`

	DisplayName    sql.NullString `db:"display_name"`
	Credentials    string         `db:"credentials"`
	SourceLanguage string         `db:"source_language"`
	TargetLanguage string         `db:"target_language"`
	IsActive       bool           `db:"is_active"`
	LastUsed       sql.NullTime   `db:"last_used"`
}

// Conversation is the thread between one account and one remote peer,
// unique per (account_id, peer_id).
type Conversation struct {
	ID        int64     `db:"id"`
	AccountID int64     `db:"account_id"`
	PeerID    int64     `db:"peer_id"`
	CreatedAt time.Time `db:"created_at"`

	Title         sql.NullString `db:"title"`
	Type          string         `db:"type"`
	IsArchived    bool           `db:"is_archived"`
	LastMessageAt sql.NullTime   `db:"last_message_at"`
}

// Message is one inbound or outbound message in a conversation. Immutable
// once created except for the edit timestamp. PlatformMessageID is null for
// synthetic messages (system notices, auto-replies recorded without an id).
type Message struct {
	ID             int64 `db:"id"`
	ConversationID int64 `db:"conversation_id"`

	PlatformMessageID sql.NullInt64  `db:"platform_message_id"`
	SenderID          sql.NullInt64  `db:"sender_id"`
	SenderName        sql.NullString `db:"sender_name"`
	SenderUsername    sql.NullString `db:"sender_username"`
	Type              string         `db:"type"`
	OriginalText      sql.NullString `db:"original_text"`
	TranslatedText    sql.NullString `db:"translated_text"`
	SourceLanguage    sql.NullString `db:"source_language"`
	TargetLanguage    sql.NullString `db:"target_language"`
	MediaFileName     sql.NullString `db:"media_file_name"`
	HasMedia          bool           `db:"has_media"`
	IsOutgoing        bool           `db:"is_outgoing"`
	IsEncrypted       bool           `db:"is_encrypted"`
	CreatedAt         time.Time      `db:"created_at"`
	EditedAt          sql.NullTime   `db:"edited_at"`
}

// ScheduledMessage is a deferred outbound message. Exactly one of
// IsSent/IsCancelled may become true; after that the row is terminal.
type ScheduledMessage struct {
	ID             int64     `db:"id"`
	ConversationID int64     `db:"conversation_id"`
	MessageText    string    `db:"message_text"`
	ScheduledAt    time.Time `db:"scheduled_at"`
	CreatedAt      time.Time `db:"created_at"`

	IsSent      bool         `db:"is_sent"`
	IsCancelled bool         `db:"is_cancelled"`
	SentAt      sql.NullTime `db:"sent_at"`
	CancelledAt sql.NullTime `db:"cancelled_at"`
}

// ScheduledRoute is a pending scheduled message joined with the routing
// columns of its conversation, as the scheduler needs them to send.
type ScheduledRoute struct {
	ScheduledMessage
	AccountID int64 `db:"account_id"`
	PeerID    int64 `db:"peer_id"`
}

// StringList stores a []string as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// AutoReplyRule is a keyword-triggered automatic reply owned by an operator.
// Rules are evaluated read-only by the pipeline, ordered by
// (priority DESC, id ASC).
type AutoReplyRule struct {
	ID         int64      `db:"id"`
	OperatorID int64      `db:"operator_id"`
	Name       string     `db:"name"`
	Keywords   StringList `db:"keywords"`
	CreatedAt  time.Time  `db:"created_at"`

	ResponseText string         `db:"response_text"`
	ResponseLang string         `db:"response_lang"`
	MediaType    sql.NullString `db:"media_type"`
	MediaPath    sql.NullString `db:"media_path"`
	Priority     int            `db:"priority"`
	IsActive     bool           `db:"is_active"`
}

// AutoReplyLog is an immutable audit record of one rule firing.
type AutoReplyLog struct {
	ID             int64     `db:"id"`
	RuleID         int64     `db:"rule_id"`
	ConversationID int64     `db:"conversation_id"`
	MessageID      int64     `db:"message_id"`
	MatchedKeyword string    `db:"matched_keyword"`
	CreatedAt      time.Time `db:"created_at"`
}
