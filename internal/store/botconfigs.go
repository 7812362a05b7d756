package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrBotConfigNotFound = errors.New("bot config not found")

const DefaultBotConfigID = "default"

// BotConfig is the read-side view of a bot configuration. Administration of
// configs lives outside this engine; the drain handler only loads them.
type BotConfig struct {
	ID               string
	Name             string
	SystemPrompt     string
	Model            string
	MaxTokens        int
	KnowledgeBaseIDs []string
}

func (s *Store) LookupBotConfig(ctx context.Context, configID string) (BotConfig, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		configID = DefaultBotConfigID
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, system_prompt, model, max_tokens, knowledge_base_ids
		 FROM bot_configs
		 WHERE id = ?`,
		configID,
	)

	var config BotConfig
	var knowledgeBaseCSV string
	if err := row.Scan(
		&config.ID,
		&config.Name,
		&config.SystemPrompt,
		&config.Model,
		&config.MaxTokens,
		&knowledgeBaseCSV,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BotConfig{}, ErrBotConfigNotFound
		}
		return BotConfig{}, fmt.Errorf("lookup bot config: %w", err)
	}
	config.KnowledgeBaseIDs = splitCSV(knowledgeBaseCSV)
	return config, nil
}

type UpsertBotConfigInput struct {
	ID               string
	Name             string
	SystemPrompt     string
	Model            string
	MaxTokens        int
	KnowledgeBaseIDs []string
}

func (s *Store) UpsertBotConfig(ctx context.Context, input UpsertBotConfigInput) error {
	configID := strings.TrimSpace(input.ID)
	if configID == "" {
		return fmt.Errorf("bot config id is required")
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO bot_configs (id, name, system_prompt, model, max_tokens, knowledge_base_ids, updated_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			max_tokens = excluded.max_tokens,
			knowledge_base_ids = excluded.knowledge_base_ids,
			updated_at_unix = excluded.updated_at_unix`,
		configID,
		input.Name,
		input.SystemPrompt,
		input.Model,
		input.MaxTokens,
		strings.Join(input.KnowledgeBaseIDs, ","),
		time.Now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("upsert bot config: %w", err)
	}
	return nil
}

// EnsureDefaultBotConfig seeds the default config so the engine can answer
// without the external admin surface having written anything yet.
func (s *Store) EnsureDefaultBotConfig(ctx context.Context, systemPrompt, model string, maxTokens int) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO bot_configs (id, name, system_prompt, model, max_tokens, knowledge_base_ids, updated_at_unix)
		 VALUES (?, ?, ?, ?, ?, '', ?)
		 ON CONFLICT(id) DO NOTHING`,
		DefaultBotConfigID,
		"Default assistant",
		systemPrompt,
		model,
		maxTokens,
		time.Now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("ensure default bot config: %w", err)
	}
	return nil
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
