package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrTurnNotFound = errors.New("turn not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Turn struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	InputTokens    int
	OutputTokens   int
	CorrelationID  string
	Metadata       map[string]any
	CreatedAt      time.Time
}

type AppendTurnInput struct {
	ConversationID string
	Role           string
	Content        string
	InputTokens    int
	OutputTokens   int
	CorrelationID  string
	Metadata       map[string]any
}

// AppendTurn persists an immutable turn. Chronological order is defined by
// the creation timestamp, stored at nanosecond resolution so bursts arriving
// within the same second keep a stable order.
func (s *Store) AppendTurn(ctx context.Context, input AppendTurnInput) (Turn, error) {
	role := strings.TrimSpace(input.Role)
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Turn{}, fmt.Errorf("unsupported turn role %q", input.Role)
	}
	if strings.TrimSpace(input.ConversationID) == "" {
		return Turn{}, fmt.Errorf("conversation id is required")
	}

	metadataJSON, err := encodeMetadata(input.Metadata)
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{
		ID:             "turn-" + uuid.NewString(),
		ConversationID: input.ConversationID,
		Role:           role,
		Content:        input.Content,
		InputTokens:    input.InputTokens,
		OutputTokens:   input.OutputTokens,
		CorrelationID:  strings.TrimSpace(input.CorrelationID),
		Metadata:       input.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO turns (
			id, conversation_id, role, content, input_tokens, output_tokens,
			correlation_id, metadata_json, created_at_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.ConversationID,
		turn.Role,
		turn.Content,
		turn.InputTokens,
		turn.OutputTokens,
		nullIfEmpty(turn.CorrelationID),
		metadataJSON,
		turn.CreatedAt.UnixNano(),
	); err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	return turn, nil
}

// RecentTurns returns the newest limit turns for the conversation, ordered
// oldest first, ready for LLM context construction.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit < 1 {
		limit = 30
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, conversation_id, role, content, input_tokens, output_tokens,
		        correlation_id, metadata_json, created_at_unix_nano
		 FROM turns
		 WHERE conversation_id = ?
		 ORDER BY created_at_unix_nano DESC
		 LIMIT ?`,
		strings.TrimSpace(conversationID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := collectTurns(rows)
	if err != nil {
		return nil, err
	}
	for left, right := 0, len(turns)-1; left < right; left, right = left+1, right-1 {
		turns[left], turns[right] = turns[right], turns[left]
	}
	return turns, nil
}

func (s *Store) AllTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, conversation_id, role, content, input_tokens, output_tokens,
		        correlation_id, metadata_json, created_at_unix_nano
		 FROM turns
		 WHERE conversation_id = ?
		 ORDER BY created_at_unix_nano ASC`,
		strings.TrimSpace(conversationID),
	)
	if err != nil {
		return nil, fmt.Errorf("query all turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

func (s *Store) CountTurns(ctx context.Context, conversationID string) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM turns WHERE conversation_id = ?`,
		strings.TrimSpace(conversationID),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}

func (s *Store) CountTurnsByRole(ctx context.Context, conversationID, role string) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM turns WHERE conversation_id = ? AND role = ?`,
		strings.TrimSpace(conversationID),
		strings.TrimSpace(role),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count turns by role: %w", err)
	}
	return count, nil
}

// UserTurnsWithoutFacts returns user turns that no stored fact references.
// Finalize uses this to backfill extraction before the summary pass.
func (s *Store) UserTurnsWithoutFacts(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT t.id, t.conversation_id, t.role, t.content, t.input_tokens, t.output_tokens,
		        t.correlation_id, t.metadata_json, t.created_at_unix_nano
		 FROM turns t
		 WHERE t.conversation_id = ?
		   AND t.role = ?
		   AND t.id NOT IN (
		       SELECT source_turn_id FROM facts
		       WHERE conversation_id = ? AND source_turn_id IS NOT NULL
		   )
		 ORDER BY t.created_at_unix_nano ASC`,
		strings.TrimSpace(conversationID),
		RoleUser,
		strings.TrimSpace(conversationID),
	)
	if err != nil {
		return nil, fmt.Errorf("query user turns without facts: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

// DeleteTurns removes every turn of the conversation. Only session-clear
// calls this.
func (s *Store) DeleteTurns(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM turns WHERE conversation_id = ?`,
		strings.TrimSpace(conversationID),
	); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

func collectTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var turn Turn
		var correlationID sql.NullString
		var metadataJSON string
		var createdAtNano int64
		if err := rows.Scan(
			&turn.ID,
			&turn.ConversationID,
			&turn.Role,
			&turn.Content,
			&turn.InputTokens,
			&turn.OutputTokens,
			&correlationID,
			&metadataJSON,
			&createdAtNano,
		); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.CorrelationID = correlationID.String
		turn.Metadata = decodeMetadata(metadataJSON)
		turn.CreatedAt = time.Unix(0, createdAtNano).UTC()
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
