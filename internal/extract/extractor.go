// Package extract runs the LLM-backed fact extraction pipeline over user
// turns. The whole pipeline is best-effort: any failure is logged and
// swallowed so the conversation flow is never blocked by extraction.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxhive/dialog-engine/internal/llm"
	"github.com/voxhive/dialog-engine/internal/store"
)

const extractionPrompt = `Ты извлекаешь структурированные факты из сообщения арендатора в диалоге об аренде недвижимости.

Категории фактов (fact_key):
  price            - бюджет или обсуждаемая цена
  room_count       - количество комнат
  area             - площадь
  floor            - этаж
  location         - район, адрес, метро
  move_in_date     - дата заезда или доступности
  tenant_prefs     - предпочтения арендатора (животные, дети, состав жильцов)
  contact_info     - телефон, почта, мессенджеры
  special_terms    - особые условия (залог, срок, торг)

Верни строго JSON-массив объектов вида
  [{"key": "price", "value": "45000 руб/мес", "confidence": 0.9}]
Только явно названные в сообщении факты. Если фактов нет, верни [].`

type extractedFact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type factStore interface {
	UpsertFact(ctx context.Context, input store.UpsertFactInput) error
}

type Extractor struct {
	gateway   llm.Gateway
	facts     factStore
	model     string
	threshold float64
	maxTokens int
	logger    *slog.Logger
}

// New builds an extractor. Facts below threshold are discarded before the
// upsert; the store applies the confidence-versus-stored comparison itself.
func New(gateway llm.Gateway, facts factStore, model string, threshold float64, maxTokens int, logger *slog.Logger) *Extractor {
	if threshold <= 0 {
		threshold = 0.5
	}
	if maxTokens <= 0 {
		maxTokens = 400
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		gateway:   gateway,
		facts:     facts,
		model:     model,
		threshold: threshold,
		maxTokens: maxTokens,
		logger:    logger.With("component", "extract"),
	}
}

// FromTurn extracts facts from a single persisted turn. Non-user turns are a
// no-op. Returns the number of facts stored; never returns an error to the
// caller.
func (e *Extractor) FromTurn(ctx context.Context, turn store.Turn) int {
	if turn.Role != store.RoleUser || strings.TrimSpace(turn.Content) == "" {
		return 0
	}

	reply, err := e.gateway.Chat(ctx, llm.ChatRequest{
		SystemPrompt: extractionPrompt,
		History:      []llm.Message{{Role: store.RoleUser, Content: turn.Content}},
		Model:        e.model,
		MaxTokens:    e.maxTokens,
		Temperature:  0.1,
	})
	if err != nil {
		e.logger.Error("fact extraction call failed", "error", err, "turn_id", turn.ID)
		return 0
	}

	candidates, err := parseFacts(reply.Content)
	if err != nil {
		e.logger.Warn("fact extraction output unparseable", "error", err, "turn_id", turn.ID)
		return 0
	}

	stored := 0
	for _, candidate := range candidates {
		if candidate.Key == "" || candidate.Value == "" {
			continue
		}
		if candidate.Confidence < e.threshold {
			e.logger.Info("fact below confidence threshold",
				"fact_key", candidate.Key, "confidence", candidate.Confidence, "turn_id", turn.ID)
			continue
		}
		if err := e.facts.UpsertFact(ctx, store.UpsertFactInput{
			ConversationID: turn.ConversationID,
			Key:            candidate.Key,
			Value:          candidate.Value,
			SourceTurnID:   turn.ID,
			Confidence:     candidate.Confidence,
		}); err != nil {
			e.logger.Error("fact upsert failed", "error", err, "fact_key", candidate.Key, "turn_id", turn.ID)
			continue
		}
		stored++
	}
	if stored > 0 {
		e.logger.Info("facts extracted", "count", stored, "conversation_id", turn.ConversationID, "turn_id", turn.ID)
	}
	return stored
}

// parseFacts decodes the model output as a JSON array, tolerating markdown
// code fences around it.
func parseFacts(content string) ([]extractedFact, error) {
	content = stripFences(content)
	if content == "" {
		return nil, nil
	}
	var facts []extractedFact
	if err := json.Unmarshal([]byte(content), &facts); err != nil {
		return nil, fmt.Errorf("decode fact array: %w", err)
	}
	for i := range facts {
		facts[i].Key = strings.TrimSpace(facts[i].Key)
		facts[i].Value = strings.TrimSpace(facts[i].Value)
	}
	return facts, nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
