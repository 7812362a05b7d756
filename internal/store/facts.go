package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Fact struct {
	ID             string
	ConversationID string
	Key            string
	Value          string
	SourceTurnID   string
	Confidence     float64
	DiscoveredAt   time.Time
}

type UpsertFactInput struct {
	ConversationID string
	Key            string
	Value          string
	SourceTurnID   string
	Confidence     float64
}

// UpsertFact stores a fact observation. An existing fact for the same
// (conversation, key) is overwritten only when the new confidence is greater
// than or equal to the stored one; ties deliberately favor the newer value.
func (s *Store) UpsertFact(ctx context.Context, input UpsertFactInput) error {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return fmt.Errorf("fact key is required")
	}
	if strings.TrimSpace(input.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	confidence := input.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO facts (id, conversation_id, fact_key, value, source_turn_id, confidence, discovered_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, fact_key) DO UPDATE SET
			value = excluded.value,
			source_turn_id = excluded.source_turn_id,
			confidence = excluded.confidence,
			discovered_at_unix = excluded.discovered_at_unix
		 WHERE excluded.confidence >= facts.confidence`,
		"fact-"+uuid.NewString(),
		strings.TrimSpace(input.ConversationID),
		key,
		input.Value,
		nullIfEmpty(input.SourceTurnID),
		confidence,
		time.Now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

func (s *Store) ListFacts(ctx context.Context, conversationID string) ([]Fact, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, conversation_id, fact_key, value, source_turn_id, confidence, discovered_at_unix
		 FROM facts
		 WHERE conversation_id = ?
		 ORDER BY fact_key ASC`,
		strings.TrimSpace(conversationID),
	)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var fact Fact
		var sourceTurnID sql.NullString
		var discoveredAtUnix int64
		if err := rows.Scan(
			&fact.ID,
			&fact.ConversationID,
			&fact.Key,
			&fact.Value,
			&sourceTurnID,
			&fact.Confidence,
			&discoveredAtUnix,
		); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		fact.SourceTurnID = sourceTurnID.String
		fact.DiscoveredAt = time.Unix(discoveredAtUnix, 0).UTC()
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func (s *Store) CountFacts(ctx context.Context, conversationID string) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM facts WHERE conversation_id = ?`,
		strings.TrimSpace(conversationID),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return count, nil
}

// DeleteFacts removes every fact of the conversation. Only session-clear
// calls this.
func (s *Store) DeleteFacts(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM facts WHERE conversation_id = ?`,
		strings.TrimSpace(conversationID),
	); err != nil {
		return fmt.Errorf("delete facts: %w", err)
	}
	return nil
}
