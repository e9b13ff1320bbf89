// Package telegram adapts the go-telegram/bot client to the platform
// contract consumed by the session manager.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/tgbabel/tgbabel/internal/platform"
)

const (
	eventBuffer    = 64
	downloadWindow = 30 * time.Second
)

// Client implements platform.Client on top of the Telegram Bot API.
type Client struct {
	logger *slog.Logger
	// httpClient is used for media downloads from the file endpoint.
	httpClient *http.Client
}

// NewClient creates the adapter. A nil logger falls back to slog.Default.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:     logger.With("component", "telegram_client"),
		httpClient: &http.Client{Timeout: downloadWindow},
	}
}

// Connect authenticates the stored token and starts the live update stream.
func (c *Client) Connect(ctx context.Context, creds platform.Credentials) (platform.Conn, error) {
	conn := &conn{
		accountID: creds.AccountID,
		logger:    c.logger.With("account_id", creds.AccountID),
		http:      c.httpClient,
		events:    make(chan platform.InboundEvent, eventBuffer),
		mediaIDs:  make(map[int64]string),
	}

	b, err := tgbot.New(creds.Token,
		tgbot.WithSkipGetMe(),
		tgbot.WithDefaultHandler(conn.handleUpdate),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", classifyConnectError(err))
	}
	conn.bot = b

	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify telegram credentials: %w", classifyConnectError(err))
	}
	conn.self = me

	listenCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	go func() {
		b.Start(listenCtx)
		close(conn.events)
	}()

	conn.logger.Info("Telegram connection established", "bot_username", me.Username)
	return conn, nil
}

// classifyConnectError maps Bot API failures onto the platform sentinels.
func classifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", platform.ErrTimeout, err)
	case strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "401"):
		return fmt.Errorf("%w: %v", platform.ErrAuthExpired, err)
	case strings.Contains(msg, "Conflict") || strings.Contains(msg, "409"):
		return fmt.Errorf("%w: %v", platform.ErrConflict, err)
	default:
		return err
	}
}

type conn struct {
	accountID int64
	bot       *tgbot.Bot
	self      *models.User
	logger    *slog.Logger
	http      *http.Client
	events    chan platform.InboundEvent
	cancel    context.CancelFunc
	closeOnce sync.Once

	// mediaIDs remembers the Bot API file id for each observed message id,
	// since the API cannot re-fetch a message by id later.
	mediaMu  sync.Mutex
	mediaIDs map[int64]string
}

func (c *conn) Events() <-chan platform.InboundEvent {
	return c.events
}

// Backlog returns no events: the Bot API queues undelivered updates
// server-side and replays them through the live poll on Start.
func (c *conn) Backlog(ctx context.Context) ([]platform.InboundEvent, error) {
	return nil, nil
}

func (c *conn) handleUpdate(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	ev := platform.InboundEvent{
		AccountID:         c.accountID,
		PeerID:            msg.Chat.ID,
		PlatformMessageID: int64(msg.ID),
		Text:              messageText(msg),
		PeerTitle:         chatTitle(&msg.Chat),
		ConversationType:  string(msg.Chat.Type),
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
	}

	if msg.From != nil {
		ev.SenderID = msg.From.ID
		ev.SenderName = displayName(msg.From.FirstName, msg.From.LastName, msg.From.Username)
		ev.SenderUsername = msg.From.Username
		ev.IsOutgoing = c.self != nil && msg.From.ID == c.self.ID
	}

	ev.Type, ev.HasMedia, ev.MediaFileName = mediaKind(msg)
	if fileID := mediaFileID(msg); fileID != "" {
		c.mediaMu.Lock()
		c.mediaIDs[ev.PlatformMessageID] = fileID
		c.mediaMu.Unlock()
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *conn) SendText(ctx context.Context, peerID int64, text string) (platform.SentMessage, error) {
	msg, err := c.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: peerID,
		Text:   text,
	})
	if err != nil {
		return platform.SentMessage{}, fmt.Errorf("failed to send message to peer %d: %w", peerID, err)
	}
	return c.sentFrom(msg), nil
}

func (c *conn) SendFile(ctx context.Context, peerID int64, filePath, caption string) (platform.SentMessage, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return platform.SentMessage{}, fmt.Errorf("%w: cannot open %s: %v", platform.ErrUnsupportedMedia, filePath, err)
	}
	defer f.Close()

	msg, err := c.bot.SendDocument(ctx, &tgbot.SendDocumentParams{
		ChatID:   peerID,
		Document: &models.InputFileUpload{Filename: filepath.Base(filePath), Data: f},
		Caption:  caption,
	})
	if err != nil {
		if strings.Contains(err.Error(), "wrong file") || strings.Contains(err.Error(), "file is too big") {
			return platform.SentMessage{}, fmt.Errorf("%w: %v", platform.ErrUnsupportedMedia, err)
		}
		return platform.SentMessage{}, fmt.Errorf("failed to send file to peer %d: %w", peerID, err)
	}
	return c.sentFrom(msg), nil
}

func (c *conn) DownloadMedia(ctx context.Context, platformMessageID, peerID int64, destPath string) (string, error) {
	c.mediaMu.Lock()
	fileID, ok := c.mediaIDs[platformMessageID]
	c.mediaMu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: no media recorded for message %d", platform.ErrMediaUnavailable, platformMessageID)
	}

	file, err := c.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
	if err != nil {
		if strings.Contains(err.Error(), "file not found") || strings.Contains(err.Error(), "wrong file_id") {
			return "", fmt.Errorf("%w: %v", platform.ErrMediaUnavailable, err)
		}
		return "", fmt.Errorf("failed to resolve file %s: %w", fileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadLink(file), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: file endpoint returned %s", platform.ErrMediaUnavailable, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", destPath, err)
	}

	c.logger.Debug("Media downloaded", "message_id", platformMessageID, "path", destPath)
	return destPath, nil
}

func (c *conn) ResolveUser(ctx context.Context, userID int64) (platform.PlatformUser, error) {
	chat, err := c.bot.GetChat(ctx, &tgbot.GetChatParams{ChatID: userID})
	if err != nil {
		return platform.PlatformUser{}, fmt.Errorf("failed to resolve user %d: %w", userID, err)
	}
	return platform.PlatformUser{
		ID:        chat.ID,
		Username:  chat.Username,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}, nil
}

// SearchUsers resolves @username queries; the Bot API exposes no free-text
// directory search.
func (c *conn) SearchUsers(ctx context.Context, query string, limit int) ([]platform.PlatformUser, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	if !strings.HasPrefix(query, "@") {
		query = "@" + query
	}

	chat, err := c.bot.GetChat(ctx, &tgbot.GetChatParams{ChatID: query})
	if err != nil {
		c.logger.Debug("User search returned nothing", "query", query, "error", err)
		return nil, nil
	}
	return []platform.PlatformUser{{
		ID:        chat.ID,
		Username:  chat.Username,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}}, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.logger.Info("Telegram connection closed")
	})
	return nil
}

func (c *conn) sentFrom(msg *models.Message) platform.SentMessage {
	sent := platform.SentMessage{
		PlatformMessageID: int64(msg.ID),
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		sent.SenderID = msg.From.ID
		sent.SenderName = displayName(msg.From.FirstName, msg.From.LastName, msg.From.Username)
		sent.SenderUsername = msg.From.Username
	} else if c.self != nil {
		sent.SenderID = c.self.ID
		sent.SenderName = displayName(c.self.FirstName, c.self.LastName, c.self.Username)
		sent.SenderUsername = c.self.Username
	}
	return sent
}

func messageText(msg *models.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func chatTitle(chat *models.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return displayName(chat.FirstName, chat.LastName, chat.Username)
}

func displayName(first, last, username string) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name != "" {
		return name
	}
	if username != "" {
		return username
	}
	return "Unknown"
}

func mediaKind(msg *models.Message) (kind string, hasMedia bool, fileName string) {
	switch {
	case len(msg.Photo) > 0:
		return "photo", true, ""
	case msg.Video != nil:
		return "video", true, msg.Video.FileName
	case msg.Voice != nil:
		return "voice", true, ""
	case msg.Document != nil:
		return "document", true, msg.Document.FileName
	default:
		return "text", false, ""
	}
}

func mediaFileID(msg *models.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		return msg.Video.FileID
	case msg.Voice != nil:
		return msg.Voice.FileID
	case msg.Document != nil:
		return msg.Document.FileID
	default:
		return ""
	}
}
