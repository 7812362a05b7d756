// Package llm defines the gateway boundary to the language-model provider.
package llm

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("llm unavailable")

type Message struct {
	Role    string
	Content string
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Reply struct {
	Content       string
	CorrelationID string
	Usage         Usage
}

type ChatRequest struct {
	SystemPrompt string
	History      []Message
	MaxTokens    int
	Model        string
	Temperature  float64

	// KnowledgeBaseIDs enables the retrieval-augmented variant when the bot
	// configuration carries knowledge-base identifiers.
	KnowledgeBaseIDs []string
}

type Gateway interface {
	Chat(ctx context.Context, request ChatRequest) (Reply, error)
}
