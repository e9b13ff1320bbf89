package session_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/platform"
	"github.com/tgbabel/tgbabel/internal/session"
)

type fakeConn struct {
	events  chan platform.InboundEvent
	backlog []platform.InboundEvent

	mu         sync.Mutex
	sent       []string
	closed     bool
	closeCalls int
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan platform.InboundEvent, 8)}
}

func (c *fakeConn) Events() <-chan platform.InboundEvent { return c.events }

func (c *fakeConn) Backlog(ctx context.Context) ([]platform.InboundEvent, error) {
	return c.backlog, nil
}

func (c *fakeConn) SendText(ctx context.Context, peerID int64, text string) (platform.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return platform.SentMessage{PlatformMessageID: int64(len(c.sent)), Timestamp: time.Now().UTC()}, nil
}

func (c *fakeConn) SendFile(ctx context.Context, peerID int64, filePath, caption string) (platform.SentMessage, error) {
	return platform.SentMessage{PlatformMessageID: 1, Timestamp: time.Now().UTC()}, nil
}

func (c *fakeConn) DownloadMedia(ctx context.Context, platformMessageID, peerID int64, destPath string) (string, error) {
	return destPath, nil
}

func (c *fakeConn) ResolveUser(ctx context.Context, userID int64) (platform.PlatformUser, error) {
	return platform.PlatformUser{ID: userID, FirstName: "Remote"}, nil
}

func (c *fakeConn) SearchUsers(ctx context.Context, query string, limit int) ([]platform.PlatformUser, error) {
	return nil, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// closeStream ends the event stream the way the platform does when the
// remote side drops, without counting as an explicit Close.
func (c *fakeConn) closeStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

type fakeClient struct {
	mu       sync.Mutex
	connects int
	conn     *fakeConn
	err      error
}

func (f *fakeClient) Connect(ctx context.Context, creds platform.Credentials) (platform.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.err != nil {
		return nil, f.err
	}
	if f.conn == nil {
		f.conn = newFakeConn()
	}
	return f.conn, nil
}

func (f *fakeClient) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestStore(t *testing.T) (database.Store, *sqlx.DB) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, nil), db
}

func seedAccount(t *testing.T, db *sqlx.DB, active bool) int64 {
	t.Helper()

	res, err := db.Exec(`
		INSERT INTO accounts (operator_id, name, credentials, source_language, target_language, is_active, created_at)
		VALUES (1, 'main', 'token', 'ru', 'en', ?, ?)`,
		active, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestConnect_ConcurrentCallsShareOneSession(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	client := &fakeClient{}
	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)
	mgr.SetHandler(func(ctx context.Context, ev platform.InboundEvent) {})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.Connect(context.Background(), accountID); err != nil {
				t.Errorf("connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := client.connectCount(); got != 1 {
		t.Fatalf("expected exactly one platform connect, got %d", got)
	}
	if !mgr.Connected(accountID) {
		t.Fatalf("expected account to be connected")
	}
}

func TestConnect_InactiveAccountRefused(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, false)
	client := &fakeClient{}
	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)

	if err := mgr.Connect(context.Background(), accountID); err == nil {
		t.Fatalf("expected error connecting deactivated account")
	}
	if client.connectCount() != 0 {
		t.Fatalf("expected no platform connect attempt, got %d", client.connectCount())
	}
}

func TestConnect_PlatformFailurePropagatesSentinel(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	client := &fakeClient{err: platform.ErrAuthExpired}
	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)

	err := mgr.Connect(context.Background(), accountID)
	if !errors.Is(err, platform.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if mgr.Connected(accountID) {
		t.Fatalf("expected no session after failed connect")
	}
}

type blockingClient struct{}

func (blockingClient) Connect(ctx context.Context, creds platform.Credentials) (platform.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnect_HonorsConnectTimeout(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	mgr := session.NewManager(store, blockingClient{}, t.TempDir(), 25*time.Millisecond, nil)

	err := mgr.Connect(context.Background(), accountID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error from timed-out connect, got %v", err)
	}
	if mgr.Connected(accountID) {
		t.Fatalf("expected no session after timed-out connect")
	}
}

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	mgr := session.NewManager(store, &fakeClient{}, t.TempDir(), 0, nil)

	_, err := mgr.Send(context.Background(), 99, 100, "hello")
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	client := &fakeClient{}
	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)
	mgr.SetHandler(func(ctx context.Context, ev platform.InboundEvent) {})

	ctx := context.Background()
	if err := mgr.Connect(ctx, accountID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := mgr.Disconnect(ctx, accountID); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := mgr.Disconnect(ctx, accountID); err != nil {
		t.Fatalf("second disconnect failed: %v", err)
	}

	if mgr.Connected(accountID) {
		t.Fatalf("expected account to be disconnected")
	}
	if _, err := mgr.Send(ctx, accountID, 100, "hi"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestEvents_ReachHandlerInOrder(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)

	conn := newFakeConn()
	conn.backlog = []platform.InboundEvent{
		{AccountID: accountID, PlatformMessageID: 1, Text: "offline one"},
		{AccountID: accountID, PlatformMessageID: 2, Text: "offline two"},
	}
	client := &fakeClient{conn: conn}

	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})

	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)
	mgr.SetHandler(func(ctx context.Context, ev platform.InboundEvent) {
		mu.Lock()
		got = append(got, ev.PlatformMessageID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	if err := mgr.Connect(context.Background(), accountID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn.events <- platform.InboundEvent{AccountID: accountID, PlatformMessageID: 3, Text: "live"}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int64{1, 2, 3}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("event order mismatch: want %v, got %v", want, got)
		}
	}
}

func TestEvents_StreamEndTearsDownSession(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	conn := newFakeConn()
	client := &fakeClient{conn: conn}
	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)
	mgr.SetHandler(func(ctx context.Context, ev platform.InboundEvent) {})

	if err := mgr.Connect(context.Background(), accountID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn.closeStream()

	deadline := time.Now().Add(5 * time.Second)
	for mgr.Connected(accountID) {
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after the event stream ended")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closeCalls == 0 {
		t.Fatalf("expected the connection to be closed after the stream ended")
	}
}

func TestMediaAndLookups_UseLiveConnection(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	conn := newFakeConn()
	client := &fakeClient{conn: conn}
	mediaDir := t.TempDir()
	mgr := session.NewManager(store, client, mediaDir, 0, nil)
	mgr.SetHandler(func(ctx context.Context, ev platform.InboundEvent) {})

	ctx := context.Background()
	if err := mgr.Connect(ctx, accountID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if _, err := mgr.SendMedia(ctx, accountID, 100, "/tmp/file.pdf", "caption"); err != nil {
		t.Fatalf("send media failed: %v", err)
	}

	path, err := mgr.DownloadMedia(ctx, accountID, 100, 55, "photo.jpg")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	want := filepath.Join(mediaDir, fmt.Sprintf("account_%d", accountID), "photo.jpg")
	if path != want {
		t.Fatalf("expected media stored at %q, got %q", want, path)
	}

	user, err := mgr.ResolveUser(ctx, accountID, 200)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.ID != 200 {
		t.Fatalf("expected resolved user 200, got %+v", user)
	}

	if _, err := mgr.SearchUsers(ctx, accountID, "alice", 5); err != nil {
		t.Fatalf("search failed: %v", err)
	}
}

func TestSend_UsesLiveConnection(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, true)
	conn := newFakeConn()
	client := &fakeClient{conn: conn}
	mgr := session.NewManager(store, client, t.TempDir(), 0, nil)
	mgr.SetHandler(func(ctx context.Context, ev platform.InboundEvent) {})

	ctx := context.Background()
	if err := mgr.Connect(ctx, accountID); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	sent, err := mgr.Send(ctx, accountID, 100, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sent.PlatformMessageID == 0 {
		t.Fatalf("expected platform message id from send")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 1 || conn.sent[0] != "hello" {
		t.Fatalf("expected one sent message, got %v", conn.sent)
	}
}
