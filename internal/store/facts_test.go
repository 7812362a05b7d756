package store

import (
	"context"
	"testing"
)

func TestUpsertFactConfidenceMerge(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	conversation, err := sqlStore.GetOrCreateConversation(ctx, "79990000020@c.us", "acme")
	if err != nil {
		t.Fatalf("get or create conversation: %v", err)
	}

	put := func(value string, confidence float64) {
		t.Helper()
		if err := sqlStore.UpsertFact(ctx, UpsertFactInput{
			ConversationID: conversation.ID,
			Key:            "price",
			Value:          value,
			Confidence:     confidence,
		}); err != nil {
			t.Fatalf("upsert fact: %v", err)
		}
	}

	// Same observation twice stays a single row.
	put("50000", 0.9)
	put("50000", 0.9)

	facts, err := sqlStore.ListFacts(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected exactly one fact row, got %d", len(facts))
	}
	if facts[0].Value != "50000" || facts[0].Confidence != 0.9 {
		t.Fatalf("unexpected fact: %+v", facts[0])
	}

	// Lower confidence must not overwrite.
	put("45000", 0.5)
	facts, _ = sqlStore.ListFacts(ctx, conversation.ID)
	if facts[0].Value != "50000" || facts[0].Confidence != 0.9 {
		t.Fatalf("lower-confidence extraction overwrote stored fact: %+v", facts[0])
	}

	// Equal confidence favors the newer value.
	put("52000", 0.9)
	facts, _ = sqlStore.ListFacts(ctx, conversation.ID)
	if facts[0].Value != "52000" {
		t.Fatalf("confidence tie should favor the newer value, got %+v", facts[0])
	}

	// Higher confidence overwrites.
	put("55000", 0.95)
	facts, _ = sqlStore.ListFacts(ctx, conversation.ID)
	if facts[0].Value != "55000" || facts[0].Confidence != 0.95 {
		t.Fatalf("higher-confidence extraction should overwrite, got %+v", facts[0])
	}
}

func TestUpsertFactClampsConfidence(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	conversation, err := sqlStore.GetOrCreateConversation(ctx, "79990000021@c.us", "acme")
	if err != nil {
		t.Fatalf("get or create conversation: %v", err)
	}
	if err := sqlStore.UpsertFact(ctx, UpsertFactInput{
		ConversationID: conversation.ID,
		Key:            "rooms",
		Value:          "2",
		Confidence:     1.7,
	}); err != nil {
		t.Fatalf("upsert fact: %v", err)
	}
	facts, err := sqlStore.ListFacts(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if facts[0].Confidence != 1 {
		t.Fatalf("expected clamped confidence of 1, got %f", facts[0].Confidence)
	}
}

func TestDeleteFacts(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	conversation, err := sqlStore.GetOrCreateConversation(ctx, "79990000022@c.us", "acme")
	if err != nil {
		t.Fatalf("get or create conversation: %v", err)
	}
	if err := sqlStore.UpsertFact(ctx, UpsertFactInput{
		ConversationID: conversation.ID,
		Key:            "location",
		Value:          "центр",
		Confidence:     0.8,
	}); err != nil {
		t.Fatalf("upsert fact: %v", err)
	}

	if err := sqlStore.DeleteFacts(ctx, conversation.ID); err != nil {
		t.Fatalf("delete facts: %v", err)
	}
	count, err := sqlStore.CountFacts(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("count facts: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero facts after delete, got %d", count)
	}
}
