package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			party_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			summary TEXT,
			correlation_id TEXT,
			state TEXT NOT NULL DEFAULT 'initial',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER,
			UNIQUE(party_id, namespace)
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			correlation_id TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_unix_nano INTEGER NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_created
			ON turns(conversation_id, created_at_unix_nano);`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			fact_key TEXT NOT NULL,
			value TEXT NOT NULL,
			source_turn_id TEXT,
			confidence REAL NOT NULL,
			discovered_at_unix INTEGER NOT NULL,
			UNIQUE(conversation_id, fact_key),
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			party_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			bot_config_id TEXT,
			dialog_state_json TEXT NOT NULL DEFAULT '{}',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			started_at_unix INTEGER,
			stopped_at_unix INTEGER,
			created_at_unix INTEGER NOT NULL,
			UNIQUE(party_id, platform)
		);`,
		`CREATE TABLE IF NOT EXISTS bot_configs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			max_tokens INTEGER NOT NULL DEFAULT 0,
			knowledge_base_ids TEXT NOT NULL DEFAULT '',
			updated_at_unix INTEGER NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(encoded), nil
}

func decodeMetadata(raw string) map[string]any {
	metadata := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return metadata
	}
	// A corrupt metadata blob degrades to an empty map rather than failing
	// the read path.
	_ = json.Unmarshal([]byte(raw), &metadata)
	return metadata
}
