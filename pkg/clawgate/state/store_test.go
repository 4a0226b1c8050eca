package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "state.db")
	store, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreQueueRoundTrip(t *testing.T) {
	store := openTestStore(t)

	msgs := []*channels.OutboundMessage{
		channels.NewOutboundMessage("chat-1", "first"),
		channels.NewOutboundMessage("chat-1", "second"),
		channels.NewOutboundMessage("chat-2", "third"),
	}
	msgs[1].Attempts = 2

	if err := store.SaveQueue("telegram", msgs); err != nil {
		t.Fatalf("saving queue: %v", err)
	}

	loaded, err := store.LoadQueue("telegram")
	if err != nil {
		t.Fatalf("loading queue: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(loaded))
	}
	for i, msg := range loaded {
		if msg.ID != msgs[i].ID {
			t.Errorf("message %d out of order: expected %s, got %s", i, msgs[i].ID, msg.ID)
		}
		if msg.Content != msgs[i].Content {
			t.Errorf("message %d: expected content %q, got %q", i, msgs[i].Content, msg.Content)
		}
	}
	if loaded[1].Attempts != 2 {
		t.Errorf("expected attempt count to survive, got %d", loaded[1].Attempts)
	}
}

func TestStoreQueueIsolatedPerChannel(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveQueue("discord", []*channels.OutboundMessage{
		channels.NewOutboundMessage("c1", "discord msg"),
	}); err != nil {
		t.Fatalf("saving discord queue: %v", err)
	}
	if err := store.SaveQueue("telegram", []*channels.OutboundMessage{
		channels.NewOutboundMessage("c2", "telegram msg"),
	}); err != nil {
		t.Fatalf("saving telegram queue: %v", err)
	}

	discord, err := store.LoadQueue("discord")
	if err != nil {
		t.Fatalf("loading discord queue: %v", err)
	}
	if len(discord) != 1 || discord[0].Content != "discord msg" {
		t.Errorf("expected isolated discord queue, got %v", discord)
	}
}

func TestStoreQueueSaveReplaces(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveQueue("telegram", []*channels.OutboundMessage{
		channels.NewOutboundMessage("c", "old"),
	}); err != nil {
		t.Fatalf("saving queue: %v", err)
	}
	if err := store.SaveQueue("telegram", nil); err != nil {
		t.Fatalf("clearing queue: %v", err)
	}

	loaded, err := store.LoadQueue("telegram")
	if err != nil {
		t.Fatalf("loading queue: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected cleared queue, got %d messages", len(loaded))
	}
}

func TestStoreHealthRoundTrip(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	snapshot := []health.EndpointHealth{
		{Key: "openai/gpt-4o", FailureCount: 3, DisabledUntil: now.Add(time.Minute)},
		{Key: "channel:telegram", FailureCount: 1, LastSuccessAt: now},
	}
	if err := store.SaveHealth(snapshot); err != nil {
		t.Fatalf("saving health: %v", err)
	}

	loaded, err := store.LoadHealth()
	if err != nil {
		t.Fatalf("loading health: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded))
	}

	byKey := make(map[string]health.EndpointHealth)
	for _, eh := range loaded {
		byKey[eh.Key] = eh
	}
	model := byKey["openai/gpt-4o"]
	if model.FailureCount != 3 {
		t.Errorf("expected failure count 3, got %d", model.FailureCount)
	}
	if !model.DisabledUntil.Equal(now.Add(time.Minute)) {
		t.Errorf("expected disabled window to survive, got %v", model.DisabledUntil)
	}
}

func TestStoreReopenKeepsData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "state.db")

	store, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := store.SaveQueue("telegram", []*channels.OutboundMessage{
		channels.NewOutboundMessage("c", "survives restart"),
	}); err != nil {
		t.Fatalf("saving queue: %v", err)
	}
	store.Close()

	reopened, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadQueue("telegram")
	if err != nil {
		t.Fatalf("loading queue: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Content != "survives restart" {
		t.Errorf("expected persisted message after reopen, got %v", loaded)
	}
}
