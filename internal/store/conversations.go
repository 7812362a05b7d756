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

var ErrConversationNotFound = errors.New("conversation not found")

const (
	ConversationStateInitial   = "initial"
	ConversationStateActive    = "active"
	ConversationStateCompleted = "completed"
)

type Conversation struct {
	ID            string
	PartyID       string
	Namespace     string
	Summary       string
	CorrelationID string
	State         string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// GetOrCreateConversation resolves the conversation for the natural key
// (partyID, namespace), creating it when absent. The uniqueness constraint on
// (party_id, namespace) makes concurrent callers converge on a single row.
func (s *Store) GetOrCreateConversation(ctx context.Context, partyID, namespace string) (Conversation, error) {
	partyID = strings.TrimSpace(partyID)
	namespace = strings.TrimSpace(namespace)
	if partyID == "" {
		return Conversation{}, fmt.Errorf("party id is required")
	}
	if namespace == "" {
		namespace = "default"
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO conversations (id, party_id, namespace, state, created_at_unix)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(party_id, namespace) DO NOTHING`,
		"conv-"+uuid.NewString(),
		partyID,
		namespace,
		ConversationStateInitial,
		time.Now().UTC().Unix(),
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return s.LookupConversation(ctx, partyID, namespace)
}

func (s *Store) LookupConversation(ctx context.Context, partyID, namespace string) (Conversation, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, party_id, namespace, summary, correlation_id, state, metadata_json, created_at_unix
		 FROM conversations
		 WHERE party_id = ? AND namespace = ?`,
		strings.TrimSpace(partyID),
		strings.TrimSpace(namespace),
	)
	return scanConversation(row)
}

func (s *Store) LookupConversationByID(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, party_id, namespace, summary, correlation_id, state, metadata_json, created_at_unix
		 FROM conversations
		 WHERE id = ?`,
		strings.TrimSpace(conversationID),
	)
	return scanConversation(row)
}

func (s *Store) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations SET summary = ?, updated_at_unix = ? WHERE id = ?`,
		nullIfEmpty(summary),
		time.Now().UTC().Unix(),
		conversationID,
	); err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}
	return nil
}

func (s *Store) UpdateConversationState(ctx context.Context, conversationID, state string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations SET state = ?, updated_at_unix = ? WHERE id = ?`,
		state,
		time.Now().UTC().Unix(),
		conversationID,
	); err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	return nil
}

func (s *Store) UpdateConversationCorrelation(ctx context.Context, conversationID, correlationID string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations SET correlation_id = ?, updated_at_unix = ? WHERE id = ?`,
		nullIfEmpty(correlationID),
		time.Now().UTC().Unix(),
		conversationID,
	); err != nil {
		return fmt.Errorf("update conversation correlation: %w", err)
	}
	return nil
}

func (s *Store) UpdateConversationMetadata(ctx context.Context, conversationID string, metadata map[string]any) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations SET metadata_json = ?, updated_at_unix = ? WHERE id = ?`,
		encoded,
		time.Now().UTC().Unix(),
		conversationID,
	); err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	return nil
}

// ResetConversation clears summary, correlation id and state back to initial.
// Used by session-clear; the row itself stays addressable.
func (s *Store) ResetConversation(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations
		 SET summary = NULL, correlation_id = NULL, state = ?, updated_at_unix = ?
		 WHERE id = ?`,
		ConversationStateInitial,
		time.Now().UTC().Unix(),
		conversationID,
	); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	return nil
}

func (s *Store) ListActiveConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, party_id, namespace, summary, correlation_id, state, metadata_json, created_at_unix
		 FROM conversations
		 WHERE state = ?
		 ORDER BY created_at_unix ASC
		 LIMIT ?`,
		ConversationStateActive,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conversation Conversation
	var summary, correlationID sql.NullString
	var metadataJSON string
	var createdAtUnix int64
	if err := row.Scan(
		&conversation.ID,
		&conversation.PartyID,
		&conversation.Namespace,
		&summary,
		&correlationID,
		&conversation.State,
		&metadataJSON,
		&createdAtUnix,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conversation.Summary = summary.String
	conversation.CorrelationID = correlationID.String
	conversation.Metadata = decodeMetadata(metadataJSON)
	conversation.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return conversation, nil
}
