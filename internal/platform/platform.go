// Package platform defines the contract between the relay core and an
// external chat platform. The session manager consumes this interface; the
// telegram subpackage provides the concrete adapter.
package platform

import (
	"context"
	"errors"
	"time"
)

// Error sentinels for connection and media failures. Callers classify with
// errors.Is; adapters wrap the underlying platform error.
var (
	// ErrAuthExpired is returned when the platform rejects stored credentials.
	ErrAuthExpired = errors.New("platform: credentials rejected")

	// ErrConflict is returned when the same credential set is already live
	// elsewhere.
	ErrConflict = errors.New("platform: connection conflict")

	// ErrTimeout is returned on network failure while connecting.
	ErrTimeout = errors.New("platform: connection timed out")

	// ErrMediaUnavailable is returned when the source message or its media
	// was deleted upstream.
	ErrMediaUnavailable = errors.New("platform: media unavailable")

	// ErrUnsupportedMedia is returned when the platform refuses the file type.
	ErrUnsupportedMedia = errors.New("platform: unsupported media")
)

// Credentials are the stored, opaque platform credentials of one account.
type Credentials struct {
	AccountID int64
	Token     string
}

// InboundEvent is one message observed on an account's connection, inbound
// or outbound (sent from another device on the same account).
type InboundEvent struct {
	AccountID         int64
	PeerID            int64
	PlatformMessageID int64
	Text              string
	SenderID          int64
	SenderName        string
	SenderUsername    string
	PeerTitle         string
	ConversationType  string
	Type              string
	HasMedia          bool
	MediaFileName     string
	IsOutgoing        bool
	Timestamp         time.Time
}

// SentMessage describes a message the platform accepted for delivery.
type SentMessage struct {
	PlatformMessageID int64
	SenderID          int64
	SenderName        string
	SenderUsername    string
	Timestamp         time.Time
}

// PlatformUser is a remote user returned by identity resolution or search.
type PlatformUser struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Client constructs live connections from stored credentials.
type Client interface {
	// Connect authenticates and returns a live connection. Fails with
	// ErrAuthExpired, ErrConflict, or ErrTimeout.
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one live platform connection bound to a single account. The
// session manager serializes all operations against a Conn.
type Conn interface {
	// Events returns the live inbound-event stream. The channel is closed
	// when the connection shuts down.
	Events() <-chan InboundEvent

	// Backlog fetches inbound messages that arrived while the account was
	// offline. Platforms whose live stream already replays queued messages
	// return an empty slice.
	Backlog(ctx context.Context) ([]InboundEvent, error)

	// SendText sends a plain-text message to a peer.
	SendText(ctx context.Context, peerID int64, text string) (SentMessage, error)

	// SendFile sends a local file with an optional caption.
	SendFile(ctx context.Context, peerID int64, filePath, caption string) (SentMessage, error)

	// DownloadMedia stores the media of a message at destPath and returns
	// the final file path.
	DownloadMedia(ctx context.Context, platformMessageID, peerID int64, destPath string) (string, error)

	// ResolveUser performs a remote identity lookup.
	ResolveUser(ctx context.Context, userID int64) (PlatformUser, error)

	// SearchUsers searches the platform directory.
	SearchUsers(ctx context.Context, query string, limit int) ([]PlatformUser, error)

	// Close tears the connection down. Idempotent.
	Close() error
}
