package store

import (
	"context"
	"testing"
)

func TestGetOrCreateSession(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	session, err := sqlStore.GetOrCreateSession(ctx, "79990000030@c.us", "whatsapp", "default")
	if err != nil {
		t.Fatalf("get or create session: %v", err)
	}
	if session.Status != SessionStatusRunning {
		t.Fatalf("expected running session, got %s", session.Status)
	}
	if session.StartedAt.IsZero() {
		t.Fatalf("expected start timestamp to be set")
	}

	again, err := sqlStore.GetOrCreateSession(ctx, "79990000030@c.us", "whatsapp", "")
	if err != nil {
		t.Fatalf("get or create session again: %v", err)
	}
	if again.ID != session.ID {
		t.Fatalf("expected one session per (party, platform), got %s and %s", session.ID, again.ID)
	}
	if again.BotConfigID != "default" {
		t.Fatalf("empty config id must not erase the stored one, got %q", again.BotConfigID)
	}
}

func TestSessionStopAndReactivate(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	session, err := sqlStore.GetOrCreateSession(ctx, "79990000031@c.us", "whatsapp", "default")
	if err != nil {
		t.Fatalf("get or create session: %v", err)
	}
	if err := sqlStore.UpdateSessionStatus(ctx, session.ID, SessionStatusStopped); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	stopped, err := sqlStore.LookupSession(ctx, "79990000031@c.us", "whatsapp")
	if err != nil {
		t.Fatalf("lookup stopped session: %v", err)
	}
	if stopped.Status != SessionStatusStopped || stopped.StoppedAt.IsZero() {
		t.Fatalf("expected stopped session with timestamp, got %+v", stopped)
	}

	reactivated, err := sqlStore.GetOrCreateSession(ctx, "79990000031@c.us", "whatsapp", "")
	if err != nil {
		t.Fatalf("reactivate session: %v", err)
	}
	if reactivated.Status != SessionStatusRunning {
		t.Fatalf("expected reactivated session to be running, got %s", reactivated.Status)
	}
	if !reactivated.StoppedAt.IsZero() {
		t.Fatalf("expected stop timestamp cleared on reactivation")
	}
}

func TestListRunningSessions(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	first, err := sqlStore.GetOrCreateSession(ctx, "79990000032@c.us", "whatsapp", "default")
	if err != nil {
		t.Fatalf("create first session: %v", err)
	}
	if _, err := sqlStore.GetOrCreateSession(ctx, "79990000033@c.us", "whatsapp", "default"); err != nil {
		t.Fatalf("create second session: %v", err)
	}
	if err := sqlStore.UpdateSessionStatus(ctx, first.ID, SessionStatusStopped); err != nil {
		t.Fatalf("stop first session: %v", err)
	}

	running, err := sqlStore.ListRunningSessions(ctx)
	if err != nil {
		t.Fatalf("list running sessions: %v", err)
	}
	if len(running) != 1 || running[0].PartyID != "79990000033@c.us" {
		t.Fatalf("expected only the second session running, got %+v", running)
	}
}

func TestSessionDialogStateRoundTrip(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	session, err := sqlStore.GetOrCreateSession(ctx, "79990000034@c.us", "whatsapp", "default")
	if err != nil {
		t.Fatalf("get or create session: %v", err)
	}
	if err := sqlStore.UpdateSessionDialogState(ctx, session.ID, map[string]any{"step": "qualify"}); err != nil {
		t.Fatalf("update dialog state: %v", err)
	}

	loaded, err := sqlStore.LookupSession(ctx, "79990000034@c.us", "whatsapp")
	if err != nil {
		t.Fatalf("lookup session: %v", err)
	}
	if loaded.DialogState["step"] != "qualify" {
		t.Fatalf("dialog state did not round-trip: %+v", loaded.DialogState)
	}
}

func TestBotConfigLookup(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if err := sqlStore.EnsureDefaultBotConfig(ctx, "You are a rental assistant.", "gpt-4o-mini", 512); err != nil {
		t.Fatalf("ensure default bot config: %v", err)
	}
	// Second ensure must not overwrite.
	if err := sqlStore.EnsureDefaultBotConfig(ctx, "other", "other-model", 1); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	config, err := sqlStore.LookupBotConfig(ctx, "")
	if err != nil {
		t.Fatalf("lookup default config: %v", err)
	}
	if config.Model != "gpt-4o-mini" || config.MaxTokens != 512 {
		t.Fatalf("unexpected default config: %+v", config)
	}

	if err := sqlStore.UpsertBotConfig(ctx, UpsertBotConfigInput{
		ID:               "landlord-bot",
		Name:             "Landlord bot",
		SystemPrompt:     "Answer as the landlord's assistant.",
		Model:            "gpt-4o",
		MaxTokens:        800,
		KnowledgeBaseIDs: []string{"kb-1", "kb-2"},
	}); err != nil {
		t.Fatalf("upsert bot config: %v", err)
	}
	custom, err := sqlStore.LookupBotConfig(ctx, "landlord-bot")
	if err != nil {
		t.Fatalf("lookup custom config: %v", err)
	}
	if len(custom.KnowledgeBaseIDs) != 2 || custom.KnowledgeBaseIDs[1] != "kb-2" {
		t.Fatalf("knowledge base ids did not round-trip: %v", custom.KnowledgeBaseIDs)
	}

	if _, err := sqlStore.LookupBotConfig(ctx, "missing"); err != ErrBotConfigNotFound {
		t.Fatalf("expected ErrBotConfigNotFound, got %v", err)
	}
}
