package pipeline_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tgbabel/tgbabel/internal/database"
	"github.com/tgbabel/tgbabel/internal/fanout"
	"github.com/tgbabel/tgbabel/internal/pipeline"
	"github.com/tgbabel/tgbabel/internal/platform"
	"github.com/tgbabel/tgbabel/internal/translate"
)

type fakeTranslator struct{ fail bool }

func (f *fakeTranslator) Translate(ctx context.Context, text, targetLang, sourceLang string) (translate.Result, error) {
	if f.fail {
		return translate.Result{}, fmt.Errorf("%w: backend down", translate.ErrProvider)
	}
	return translate.Result{Text: "[" + targetLang + "] " + text, SourceLang: "ru", TargetLang: targetLang}, nil
}

type steps struct {
	mu    sync.Mutex
	order []string
}

func (s *steps) add(step string) {
	s.mu.Lock()
	s.order = append(s.order, step)
	s.mu.Unlock()
}

func (s *steps) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type fakeCanceller struct {
	steps  *steps
	convID int64
}

func (f *fakeCanceller) CancelForConversation(ctx context.Context, conversationID, accountID, operatorID int64) ([]int64, error) {
	f.convID = conversationID
	f.steps.add("cancel")
	return []int64{1}, nil
}

type fakeResponder struct {
	steps *steps
}

func (f *fakeResponder) Evaluate(ctx context.Context, event platform.InboundEvent, conv *database.Conversation, account *database.Account) (bool, error) {
	f.steps.add("respond")
	return false, nil
}

type captureChannel struct {
	steps *steps

	mu     sync.Mutex
	events []fanout.Event
}

func (c *captureChannel) Send(event fanout.Event) error {
	if c.steps != nil {
		c.steps.add("broadcast")
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *captureChannel) all() []fanout.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fanout.Event(nil), c.events...)
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

func seedAccount(t *testing.T, db *sqlx.DB, operatorID int64) int64 {
	t.Helper()

	res, err := db.Exec(`
		INSERT INTO accounts (operator_id, name, credentials, source_language, target_language, is_active, created_at)
		VALUES (?, 'main', 'token', 'ru', 'en', TRUE, ?)`,
		operatorID, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func inboundEvent(accountID int64) platform.InboundEvent {
	return platform.InboundEvent{
		AccountID:         accountID,
		PeerID:            100,
		PlatformMessageID: 555,
		Text:              "привет",
		SenderID:          200,
		SenderName:        "Alice",
		SenderUsername:    "alice",
		PeerTitle:         "Alice",
		ConversationType:  "private",
		Type:              "text",
		Timestamp:         time.Now().UTC(),
	}
}

func TestHandleInbound_FullFlow(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, 1)

	seq := &steps{}
	canceller := &fakeCanceller{steps: seq}
	resp := &fakeResponder{steps: seq}

	hub := fanout.NewHub(nil)
	ch := &captureChannel{steps: seq}
	hub.Connect(1, ch)

	p := pipeline.New(store, &fakeTranslator{}, canceller, resp, hub, nil)
	p.HandleInbound(context.Background(), inboundEvent(accountID))

	conv, err := store.GetOrCreateConversation(context.Background(), accountID, 100, "Alice", "private")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := store.GetMessageByPlatformID(context.Background(), conv.ID, 555)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected message to be persisted")
	}
	if msg.OriginalText.String != "привет" || msg.TranslatedText.String != "[en] привет" {
		t.Fatalf("translation mismatch: %+v", msg)
	}
	if msg.SourceLanguage.String != "ru" || msg.TargetLanguage.String != "en" {
		t.Fatalf("language pair mismatch: %+v", msg)
	}

	if canceller.convID != conv.ID {
		t.Fatalf("expected cancel for conversation %d, got %d", conv.ID, canceller.convID)
	}

	events := ch.all()
	if len(events) != 1 || events[0].Type != fanout.TypeNewMessage {
		t.Fatalf("expected one new_message broadcast, got %+v", events)
	}
	payload, ok := events[0].Payload.(fanout.MessagePayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", events[0].Payload)
	}
	if payload.TranslatedText == nil || *payload.TranslatedText != "[en] привет" {
		t.Fatalf("broadcast payload missing translation: %+v", payload)
	}

	// Side effects run before the broadcast.
	want := []string{"cancel", "respond", "broadcast"}
	got := seq.snapshot()
	if len(got) != len(want) {
		t.Fatalf("step mismatch: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step order mismatch: want %v, got %v", want, got)
		}
	}
}

func TestHandleInbound_UnknownAccountDropped(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)

	hub := fanout.NewHub(nil)
	ch := &captureChannel{}
	hub.Connect(1, ch)

	p := pipeline.New(store, &fakeTranslator{}, nil, nil, hub, nil)
	p.HandleInbound(context.Background(), inboundEvent(999))

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM messages`); err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no persisted messages, got %d", count)
	}
	if len(ch.all()) != 0 {
		t.Fatalf("expected no broadcast for dropped event")
	}
}

func TestHandleInbound_TranslationFailureStillPersists(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, 1)

	hub := fanout.NewHub(nil)
	ch := &captureChannel{}
	hub.Connect(1, ch)

	p := pipeline.New(store, &fakeTranslator{fail: true}, nil, nil, hub, nil)
	p.HandleInbound(context.Background(), inboundEvent(accountID))

	conv, err := store.GetOrCreateConversation(context.Background(), accountID, 100, "Alice", "private")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := store.GetMessageByPlatformID(context.Background(), conv.ID, 555)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected message despite translation failure")
	}
	if msg.OriginalText.String != "привет" {
		t.Fatalf("original text mismatch: %+v", msg)
	}
	if msg.TranslatedText.Valid {
		t.Fatalf("expected null translated_text, got %q", msg.TranslatedText.String)
	}

	events := ch.all()
	if len(events) != 1 {
		t.Fatalf("expected broadcast despite translation failure, got %d events", len(events))
	}
}

func TestHandleInbound_OutgoingSkipsSideEffects(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t)
	accountID := seedAccount(t, db, 1)

	seq := &steps{}
	canceller := &fakeCanceller{steps: seq}
	resp := &fakeResponder{steps: seq}

	hub := fanout.NewHub(nil)
	ch := &captureChannel{steps: seq}
	hub.Connect(1, ch)

	event := inboundEvent(accountID)
	event.IsOutgoing = true

	p := pipeline.New(store, &fakeTranslator{}, canceller, resp, hub, nil)
	p.HandleInbound(context.Background(), event)

	got := seq.snapshot()
	if len(got) != 1 || got[0] != "broadcast" {
		t.Fatalf("expected only a broadcast for outgoing event, got %v", got)
	}
}
