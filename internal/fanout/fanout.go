// Package fanout multiplexes relay events to every realtime channel
// registered under an operator identity.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tgbabel/tgbabel/internal/database"
)

// Event types delivered over the wire.
const (
	TypeNewMessage         = "new_message"
	TypeScheduledCancelled = "scheduled_messages_cancelled"
	TypeScheduledSent      = "scheduled_message_sent"
)

// Event is the wire shape delivered to operator-facing channels.
type Event struct {
	Type      string `json:"type"`
	AccountID int64  `json:"account_id"`
	Payload   any    `json:"payload"`
}

// MessagePayload carries a persisted message for TypeNewMessage events.
type MessagePayload struct {
	ID                int64   `json:"id"`
	ConversationID    int64   `json:"conversation_id"`
	PlatformMessageID *int64  `json:"platform_message_id"`
	SenderID          *int64  `json:"sender_user_id"`
	SenderName        string  `json:"sender_name"`
	SenderUsername    string  `json:"sender_username"`
	PeerTitle         string  `json:"peer_title,omitempty"`
	Type              string  `json:"type"`
	OriginalText      string  `json:"original_text"`
	TranslatedText    *string `json:"translated_text"`
	SourceLanguage    *string `json:"source_language"`
	TargetLanguage    *string `json:"target_language"`
	CreatedAt         string  `json:"created_at"`
	IsOutgoing        bool    `json:"is_outgoing"`
	HasMedia          bool    `json:"has_media"`
	MediaFileName     string  `json:"media_file_name,omitempty"`
}

// NewMessagePayload converts a persisted message into its wire shape.
func NewMessagePayload(msg *database.Message, peerTitle string) MessagePayload {
	p := MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		PeerTitle:      peerTitle,
		Type:           msg.Type,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339),
		IsOutgoing:     msg.IsOutgoing,
		HasMedia:       msg.HasMedia,
	}
	if msg.PlatformMessageID.Valid {
		v := msg.PlatformMessageID.Int64
		p.PlatformMessageID = &v
	}
	if msg.SenderID.Valid {
		v := msg.SenderID.Int64
		p.SenderID = &v
	}
	p.SenderName = msg.SenderName.String
	p.SenderUsername = msg.SenderUsername.String
	p.OriginalText = msg.OriginalText.String
	if msg.TranslatedText.Valid {
		v := msg.TranslatedText.String
		p.TranslatedText = &v
	}
	if msg.SourceLanguage.Valid {
		v := msg.SourceLanguage.String
		p.SourceLanguage = &v
	}
	if msg.TargetLanguage.Valid {
		v := msg.TargetLanguage.String
		p.TargetLanguage = &v
	}
	p.MediaFileName = msg.MediaFileName.String
	return p
}

// ScheduledCancelledPayload carries the ids cancelled by an inbound reply.
type ScheduledCancelledPayload struct {
	ConversationID int64   `json:"conversation_id"`
	CancelledIDs   []int64 `json:"cancelled_ids"`
}

// ScheduledSentPayload links a fired scheduled row to its persisted message.
type ScheduledSentPayload struct {
	ScheduledMessageID int64 `json:"scheduled_message_id"`
	MessageID          int64 `json:"message_id"`
}

// Channel is one realtime delivery target. A Send error marks the channel
// dead; the hub removes it and never retries.
type Channel interface {
	Send(event Event) error
}

// Hub routes events to the channels of each operator. One operator may have
// many concurrent channels (multiple open clients).
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[int64]map[Channel]struct{}
}

// NewHub creates an empty fan-out hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "fanout"),
		channels: make(map[int64]map[Channel]struct{}),
	}
}

// Connect registers a channel under an operator id.
func (h *Hub) Connect(operatorID int64, ch Channel) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.channels[operatorID]
	if !ok {
		set = make(map[Channel]struct{})
		h.channels[operatorID] = set
	}
	set[ch] = struct{}{}
	h.logger.Debug("Channel connected", "operator_id", operatorID, "channels", len(set))
}

// Disconnect removes one channel. Removing the last channel for an operator
// drops the operator's entry. Idempotent.
func (h *Hub) Disconnect(operatorID int64, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.channels[operatorID]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.channels, operatorID)
	}
	h.logger.Debug("Channel disconnected", "operator_id", operatorID, "channels", len(set))
}

// Publish delivers the event to every channel registered for the operator.
// Channels whose delivery fails are removed; delivery failures never
// propagate to the caller.
func (h *Hub) Publish(operatorID int64, event Event) {
	h.mu.Lock()
	set := h.channels[operatorID]
	targets := make([]Channel, 0, len(set))
	for ch := range set {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	var dead []Channel
	for _, ch := range targets {
		if err := ch.Send(event); err != nil {
			h.logger.Warn("Dropping dead fan-out channel",
				"operator_id", operatorID, "event_type", event.Type, "error", err)
			dead = append(dead, ch)
		}
	}

	for _, ch := range dead {
		h.Disconnect(operatorID, ch)
	}
}

// ChannelCount reports the number of live channels for an operator.
func (h *Hub) ChannelCount(operatorID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[operatorID])
}
