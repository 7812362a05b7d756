// Package housekeeping runs the cron-scheduled maintenance sweep over active
// conversations.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voxhive/dialog-engine/internal/store"
)

var sweepCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const sweepBatchLimit = 200

type conversationLister interface {
	ListActiveConversations(ctx context.Context, limit int) ([]store.Conversation, error)
}

type summaryGenerator interface {
	Generate(ctx context.Context, conversationID string, force bool) error
}

type Sweeper struct {
	conversations conversationLister
	summaries     summaryGenerator
	schedule      cron.Schedule
	logger        *slog.Logger
}

// New parses the cron expression up front so a bad schedule fails startup
// instead of silently never sweeping.
func New(conversations conversationLister, summaries summaryGenerator, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(cronExpr)), " ")
	if normalized == "" {
		return nil, fmt.Errorf("housekeeping cron expression is empty")
	}
	schedule, err := sweepCronParser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse housekeeping cron expression: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		conversations: conversations,
		summaries:     summaries,
		schedule:      schedule,
		logger:        logger.With("component", "housekeeping"),
	}, nil
}

// Run sleeps until each next scheduled tick and sweeps. Returns nil on
// context cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(time.Now().UTC())
		s.logger.Info("next sweep scheduled", "at", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		s.Sweep(ctx)
	}
}

// Sweep refreshes summaries of active conversations. Summaries stay
// unforced, so short dialogs below the turn floor are untouched. Per
// conversation failures log and continue.
func (s *Sweeper) Sweep(ctx context.Context) {
	conversations, err := s.conversations.ListActiveConversations(ctx, sweepBatchLimit)
	if err != nil {
		s.logger.Error("sweep listing failed", "error", err)
		return
	}
	refreshed := 0
	for _, conversation := range conversations {
		if ctx.Err() != nil {
			return
		}
		if err := s.summaries.Generate(ctx, conversation.ID, false); err != nil {
			s.logger.Warn("sweep summary failed", "error", err, "conversation_id", conversation.ID)
			continue
		}
		refreshed++
	}
	if len(conversations) > 0 {
		s.logger.Info("sweep finished", "conversations", len(conversations), "refreshed", refreshed)
	}
}
