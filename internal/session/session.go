// Package session owns the live platform connections, one per account, and
// feeds every observed event into the relay pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/platform"
)

// ErrNotConnected is returned for operations against an account without a
// live session.
var ErrNotConnected = errors.New("session: account not connected")

// EventHandler receives every event observed on any live session, in stream
// order per account.
type EventHandler func(ctx context.Context, event platform.InboundEvent)

type session struct {
	accountID int64
	conn      platform.Conn
	cancel    context.CancelFunc
}

// Manager maintains at most one live session per account and serializes
// lifecycle operations per account.
type Manager struct {
	store          database.Store
	client         platform.Client
	handler        EventHandler
	logger         *slog.Logger
	mediaDir       string
	connectTimeout time.Duration

	mu       sync.Mutex
	sessions map[int64]*session
	locks    map[int64]*sync.Mutex
}

// NewManager creates a session manager. A zero connectTimeout disables the
// connect deadline. The handler may be nil until SetHandler is called; events
// observed before that are dropped.
func NewManager(store database.Store, client platform.Client, mediaDir string, connectTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:          store,
		client:         client,
		logger:         logger.With("component", "session_manager"),
		mediaDir:       mediaDir,
		connectTimeout: connectTimeout,
		sessions:       make(map[int64]*session),
		locks:          make(map[int64]*sync.Mutex),
	}
}

// SetHandler installs the pipeline callback. Must be called before Connect.
func (m *Manager) SetHandler(h EventHandler) {
	m.handler = h
}

// accountLock returns the per-account mutex, creating it on first use. All
// lifecycle operations for one account serialize on this lock so concurrent
// connects collapse onto a single session.
func (m *Manager) accountLock(accountID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

func (m *Manager) get(accountID int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[accountID]
}

// Connected reports whether the account has a live session.
func (m *Manager) Connected(accountID int64) bool {
	return m.get(accountID) != nil
}

// Connect establishes a live session for the account. Connecting an already
// connected account is a no-op. Connection failures propagate the platform
// sentinels unchanged.
func (m *Manager) Connect(ctx context.Context, accountID int64) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if m.get(accountID) != nil {
		m.logger.DebugContext(ctx, "Account already connected", "account_id", accountID)
		return nil
	}

	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	if account == nil {
		return fmt.Errorf("account %d not found", accountID)
	}
	if !account.IsActive {
		return fmt.Errorf("account %d is deactivated", accountID)
	}

	connectCtx := ctx
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}
	conn, err := m.client.Connect(connectCtx, platform.Credentials{
		AccountID: accountID,
		Token:     account.Credentials,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to connect account", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to connect account %d: %w", accountID, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &session{accountID: accountID, conn: conn, cancel: cancel}

	m.mu.Lock()
	m.sessions[accountID] = s
	m.mu.Unlock()

	if err := m.store.TouchAccountLastUsed(ctx, accountID); err != nil {
		m.logger.WarnContext(ctx, "Failed to stamp account last_used", "account_id", accountID, "error", err)
	}

	m.feedBacklog(ctx, conn, accountID)
	go m.listen(listenCtx, s)

	m.logger.InfoContext(ctx, "Account connected", "account_id", accountID)
	return nil
}

// feedBacklog replays messages that arrived while the account was offline,
// in order, before the live stream is consumed.
func (m *Manager) feedBacklog(ctx context.Context, conn platform.Conn, accountID int64) {
	events, err := conn.Backlog(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to fetch backlog", "account_id", accountID, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	m.logger.InfoContext(ctx, "Replaying backlog", "account_id", accountID, "count", len(events))
	for _, ev := range events {
		m.dispatch(ctx, ev)
	}
}

func (m *Manager) listen(ctx context.Context, s *session) {
	for {
		select {
		case ev, ok := <-s.conn.Events():
			if !ok {
				m.logger.Info("Event stream closed", "account_id", s.accountID)
				s.cancel()
				if err := s.conn.Close(); err != nil {
					m.logger.Warn("Error closing connection after stream end",
						"account_id", s.accountID, "error", err)
				}
				m.evict(s.accountID, s)
				return
			}
			m.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, ev platform.InboundEvent) {
	if m.handler == nil {
		m.logger.Warn("No event handler installed, dropping event",
			"account_id", ev.AccountID, "platform_message_id", ev.PlatformMessageID)
		return
	}
	m.handler(ctx, ev)
}

// evict removes the session only if it is still the registered one, so a
// stale listener cannot tear down a replacement session.
func (m *Manager) evict(accountID int64, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[accountID] == s {
		delete(m.sessions, accountID)
	}
}

// Disconnect tears down the account's session. Disconnecting an account that
// is not connected is a no-op.
func (m *Manager) Disconnect(ctx context.Context, accountID int64) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s := m.get(accountID)
	if s == nil {
		m.logger.DebugContext(ctx, "Account already disconnected", "account_id", accountID)
		return nil
	}

	s.cancel()
	m.evict(accountID, s)
	if err := s.conn.Close(); err != nil {
		m.logger.WarnContext(ctx, "Error closing connection", "account_id", accountID, "error", err)
	}

	m.logger.InfoContext(ctx, "Account disconnected", "account_id", accountID)
	return nil
}

// DisconnectAll tears down every live session. Used on shutdown.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "Error disconnecting account", "account_id", id, "error", err)
		}
	}
}

// Send delivers a plain-text message through the account's session.
func (m *Manager) Send(ctx context.Context, accountID, peerID int64, text string) (platform.SentMessage, error) {
	s := m.get(accountID)
	if s == nil {
		return platform.SentMessage{}, fmt.Errorf("account %d: %w", accountID, ErrNotConnected)
	}
	return s.conn.SendText(ctx, peerID, text)
}

// SendMedia delivers a local file with an optional caption.
func (m *Manager) SendMedia(ctx context.Context, accountID, peerID int64, filePath, caption string) (platform.SentMessage, error) {
	s := m.get(accountID)
	if s == nil {
		return platform.SentMessage{}, fmt.Errorf("account %d: %w", accountID, ErrNotConnected)
	}
	return s.conn.SendFile(ctx, peerID, filePath, caption)
}

// DownloadMedia fetches the media of a message into the configured media
// directory and returns the stored path.
func (m *Manager) DownloadMedia(ctx context.Context, accountID, peerID, platformMessageID int64, fileName string) (string, error) {
	s := m.get(accountID)
	if s == nil {
		return "", fmt.Errorf("account %d: %w", accountID, ErrNotConnected)
	}

	if fileName == "" {
		fileName = fmt.Sprintf("%d_%d", peerID, platformMessageID)
	}
	dest := filepath.Join(m.mediaDir, fmt.Sprintf("account_%d", accountID), fileName)
	return s.conn.DownloadMedia(ctx, platformMessageID, peerID, dest)
}

// ResolveUser performs a remote identity lookup through the account's session.
func (m *Manager) ResolveUser(ctx context.Context, accountID, userID int64) (platform.PlatformUser, error) {
	s := m.get(accountID)
	if s == nil {
		return platform.PlatformUser{}, fmt.Errorf("account %d: %w", accountID, ErrNotConnected)
	}
	return s.conn.ResolveUser(ctx, userID)
}

// SearchUsers searches the platform directory through the account's session.
func (m *Manager) SearchUsers(ctx context.Context, accountID int64, query string, limit int) ([]platform.PlatformUser, error) {
	s := m.get(accountID)
	if s == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrNotConnected)
	}
	return s.conn.SearchUsers(ctx, query, limit)
}
