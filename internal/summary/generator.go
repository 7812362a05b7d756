// Package summary maintains the rolling conversation summary.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxhive/dialog-engine/internal/llm"
	"github.com/voxhive/dialog-engine/internal/store"
)

const summaryPrompt = `Ты ведёшь краткую сводку диалога между ботом-агентом и арендатором недвижимости.
Составь сводку из 2-3 предложений: что интересует арендатора, что уже согласовано, какие вопросы открыты.
Отвечай только текстом сводки, без вступлений.`

type conversationStore interface {
	AllTurns(ctx context.Context, conversationID string) ([]store.Turn, error)
	UpdateSummary(ctx context.Context, conversationID, summary string) error
}

type Config struct {
	Model     string
	MaxTokens int

	// MinTurns is the floor below which an unforced summary is skipped: one
	// or two turns carry less signal than the raw transcript.
	MinTurns int
}

type Generator struct {
	gateway llm.Gateway
	store   conversationStore
	cfg     Config
	logger  *slog.Logger
}

func New(gateway llm.Gateway, store conversationStore, cfg Config, logger *slog.Logger) *Generator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 160
	}
	if cfg.MinTurns < 1 {
		cfg.MinTurns = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		gateway: gateway,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "summary"),
	}
}

// Generate refreshes the stored summary for the conversation. With force set
// the turn floor is bypassed; an empty conversation is a no-op either way.
// Failures are logged and returned but callers treat summaries as
// best-effort.
func (g *Generator) Generate(ctx context.Context, conversationID string, force bool) error {
	turns, err := g.store.AllTurns(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load turns for summary: %w", err)
	}
	if len(turns) == 0 {
		return nil
	}
	if len(turns) < g.cfg.MinTurns && !force {
		return nil
	}

	reply, err := g.gateway.Chat(ctx, llm.ChatRequest{
		SystemPrompt: summaryPrompt,
		History:      []llm.Message{{Role: store.RoleUser, Content: transcript(turns)}},
		Model:        g.cfg.Model,
		MaxTokens:    g.cfg.MaxTokens,
		Temperature:  0.2,
	})
	if err != nil {
		g.logger.Error("summary generation failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("generate summary: %w", err)
	}

	text := strings.TrimSpace(reply.Content)
	if text == "" {
		g.logger.Warn("summary came back empty", "conversation_id", conversationID)
		return nil
	}
	if err := g.store.UpdateSummary(ctx, conversationID, text); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	g.logger.Info("summary updated", "conversation_id", conversationID, "turns", len(turns))
	return nil
}

func transcript(turns []store.Turn) string {
	var builder strings.Builder
	for _, turn := range turns {
		label := "Арендатор"
		switch turn.Role {
		case store.RoleAssistant:
			label = "Бот"
		case store.RoleSystem:
			label = "Система"
		}
		builder.WriteString(label)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(turn.Content))
		builder.WriteString("\n")
	}
	return builder.String()
}
