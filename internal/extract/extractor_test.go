package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/voxhive/dialog-engine/internal/llm"
	"github.com/voxhive/dialog-engine/internal/store"
)

type stubGateway struct {
	reply llm.Reply
	err   error
	calls int
}

func (s *stubGateway) Chat(_ context.Context, _ llm.ChatRequest) (llm.Reply, error) {
	s.calls++
	return s.reply, s.err
}

type factRecorder struct {
	upserts []store.UpsertFactInput
	err     error
}

func (r *factRecorder) UpsertFact(_ context.Context, input store.UpsertFactInput) error {
	if r.err != nil {
		return r.err
	}
	r.upserts = append(r.upserts, input)
	return nil
}

func userTurn(content string) store.Turn {
	return store.Turn{ID: "turn-1", ConversationID: "conv-1", Role: store.RoleUser, Content: content}
}

func TestExtractStoresConfidentFacts(t *testing.T) {
	gateway := &stubGateway{reply: llm.Reply{Content: `[
		{"key": "price", "value": "45000 руб/мес", "confidence": 0.9},
		{"key": "room_count", "value": "2", "confidence": 0.8}
	]`}}
	recorder := &factRecorder{}
	extractor := New(gateway, recorder, "gpt-4o-mini", 0.5, 400, nil)

	stored := extractor.FromTurn(context.Background(), userTurn("Ищу двушку до 45 тысяч"))
	if stored != 2 {
		t.Fatalf("expected 2 facts stored, got %d", stored)
	}
	if recorder.upserts[0].Key != "price" || recorder.upserts[0].SourceTurnID != "turn-1" {
		t.Fatalf("unexpected upsert: %+v", recorder.upserts[0])
	}
}

func TestExtractDropsLowConfidence(t *testing.T) {
	gateway := &stubGateway{reply: llm.Reply{Content: `[
		{"key": "location", "value": "возможно центр", "confidence": 0.3},
		{"key": "price", "value": "50000", "confidence": 0.7}
	]`}}
	recorder := &factRecorder{}
	extractor := New(gateway, recorder, "gpt-4o-mini", 0.5, 400, nil)

	if stored := extractor.FromTurn(context.Background(), userTurn("может центр, до 50")); stored != 1 {
		t.Fatalf("expected only the confident fact, got %d", stored)
	}
	if len(recorder.upserts) != 1 || recorder.upserts[0].Key != "price" {
		t.Fatalf("low-confidence fact leaked through: %+v", recorder.upserts)
	}
}

func TestExtractToleratesFencedOutput(t *testing.T) {
	gateway := &stubGateway{reply: llm.Reply{Content: "```json\n[{\"key\": \"floor\", \"value\": \"3\", \"confidence\": 0.95}]\n```"}}
	recorder := &factRecorder{}
	extractor := New(gateway, recorder, "gpt-4o-mini", 0.5, 400, nil)

	if stored := extractor.FromTurn(context.Background(), userTurn("третий этаж подойдёт")); stored != 1 {
		t.Fatalf("fenced JSON must be accepted, stored=%d", stored)
	}
}

func TestExtractSwallowsFailures(t *testing.T) {
	recorder := &factRecorder{}

	gateway := &stubGateway{err: errors.New("provider down")}
	if stored := New(gateway, recorder, "m", 0.5, 400, nil).FromTurn(context.Background(), userTurn("привет")); stored != 0 {
		t.Fatalf("gateway failure must yield zero facts, got %d", stored)
	}

	gateway = &stubGateway{reply: llm.Reply{Content: "извините, фактов нет"}}
	if stored := New(gateway, recorder, "m", 0.5, 400, nil).FromTurn(context.Background(), userTurn("привет")); stored != 0 {
		t.Fatalf("unparseable output must yield zero facts, got %d", stored)
	}
	if len(recorder.upserts) != 0 {
		t.Fatalf("no upserts expected, got %+v", recorder.upserts)
	}
}

func TestExtractSkipsNonUserTurns(t *testing.T) {
	gateway := &stubGateway{reply: llm.Reply{Content: `[]`}}
	extractor := New(gateway, &factRecorder{}, "m", 0.5, 400, nil)

	turn := store.Turn{ID: "turn-2", ConversationID: "conv-1", Role: store.RoleAssistant, Content: "Здравствуйте!"}
	if stored := extractor.FromTurn(context.Background(), turn); stored != 0 {
		t.Fatalf("assistant turn must be a no-op, got %d", stored)
	}
	if gateway.calls != 0 {
		t.Fatalf("no LLM call expected for assistant turn, got %d", gateway.calls)
	}
}
