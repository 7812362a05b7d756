// Package session implements the dialog session lifecycle: initialization
// with a kickoff message, inbound handling through the debounce buffer,
// the drain-and-reply cycle, finalization and clearing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxhive/dialog-engine/internal/buffer"
	"github.com/voxhive/dialog-engine/internal/dealcontext"
	"github.com/voxhive/dialog-engine/internal/extract"
	"github.com/voxhive/dialog-engine/internal/gate"
	"github.com/voxhive/dialog-engine/internal/llm"
	"github.com/voxhive/dialog-engine/internal/messaging"
	"github.com/voxhive/dialog-engine/internal/store"
	"github.com/voxhive/dialog-engine/internal/summary"
)

var ErrNoRunningSession = errors.New("no running session for party")

type ContextProvider interface {
	GetContext(ctx context.Context, contextID string) (*dealcontext.DealContext, error)
}

type Options struct {
	Namespace string
	Platform  string

	// ControlResendToken short-circuits normal handling; the configured
	// notice is sent back and persisted as an assistant turn.
	ControlResendToken string
	ResendNotice       string

	// KickoffTemplate supports {owner}, {address} and {price} placeholders
	// filled from the deal context.
	KickoffTemplate string

	SummaryEveryTurns int
	RecentTurnLimit   int
}

type Manager struct {
	store      *store.Store
	buffer     *buffer.Scheduler
	extractor  *extract.Extractor
	summaries  *summary.Generator
	dispatcher *messaging.Dispatcher
	gateway    llm.Gateway
	contexts   ContextProvider
	opts       Options
	logger     *slog.Logger
}

// New wires the manager and registers its drain continuation on the buffer
// scheduler.
func New(
	backing *store.Store,
	scheduler *buffer.Scheduler,
	extractor *extract.Extractor,
	summaries *summary.Generator,
	dispatcher *messaging.Dispatcher,
	gateway llm.Gateway,
	contexts ContextProvider,
	opts Options,
	logger *slog.Logger,
) *Manager {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Platform == "" {
		opts.Platform = "whatsapp"
	}
	if opts.SummaryEveryTurns < 1 {
		opts.SummaryEveryTurns = 5
	}
	if opts.RecentTurnLimit < 1 {
		opts.RecentTurnLimit = 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	manager := &Manager{
		store:      backing,
		buffer:     scheduler,
		extractor:  extractor,
		summaries:  summaries,
		dispatcher: dispatcher,
		gateway:    gateway,
		contexts:   contexts,
		opts:       opts,
		logger:     logger.With("component", "session"),
	}
	scheduler.SetHandler(manager.drain)
	return manager
}

// Initialize opens (or reopens) the session for partyID and sends the
// kickoff message when the conversation has no turns yet. A failing context
// provider aborts initialization; an unknown deal does not.
func (m *Manager) Initialize(ctx context.Context, partyID, contextID, botConfigID string) error {
	session, err := m.store.GetOrCreateSession(ctx, partyID, m.opts.Platform, botConfigID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	conversation, err := m.store.GetOrCreateConversation(ctx, partyID, m.opts.Namespace)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if conversation.State == store.ConversationStateInitial {
		if err := m.store.UpdateConversationState(ctx, conversation.ID, store.ConversationStateActive); err != nil {
			return fmt.Errorf("activate conversation: %w", err)
		}
	}

	deal, err := m.contexts.GetContext(ctx, contextID)
	if err != nil {
		return fmt.Errorf("resolve deal context: %w", err)
	}

	if contextID != "" {
		state := session.DialogState
		if state == nil {
			state = map[string]any{}
		}
		state["context_id"] = contextID
		if err := m.store.UpdateSessionDialogState(ctx, session.ID, state); err != nil {
			m.logger.Warn("dialog state update failed", "error", err, "session_id", session.ID)
		}
	}

	count, err := m.store.CountTurns(ctx, conversation.ID)
	if err != nil {
		return fmt.Errorf("count turns: %w", err)
	}
	if count > 0 {
		// Re-initialization of a live conversation never repeats the kickoff.
		return nil
	}

	kickoff := renderKickoff(m.opts.KickoffTemplate, deal)
	if kickoff == "" {
		return nil
	}
	ack, err := m.dispatcher.Dispatch(ctx, partyID, kickoff)
	if err != nil {
		return fmt.Errorf("send kickoff: %w", err)
	}
	if _, err := m.store.AppendTurn(ctx, store.AppendTurnInput{
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		Content:        kickoff,
		Metadata:       map[string]any{"kickoff": true, "ack_id": ack},
	}); err != nil {
		return fmt.Errorf("persist kickoff turn: %w", err)
	}
	m.logger.Info("session initialized", "party_id", partyID, "session_id", session.ID, "kickoff", true)
	return nil
}

// HandleIncoming persists one normalized inbound message and schedules the
// debounced reply. Messages for parties without a running session are
// dropped with ErrNoRunningSession.
func (m *Manager) HandleIncoming(ctx context.Context, inbound gate.Inbound) error {
	session, err := m.store.LookupSession(ctx, inbound.PartyID, m.opts.Platform)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			m.logger.Info("inbound dropped, no session", "party_id", inbound.PartyID)
			return ErrNoRunningSession
		}
		return fmt.Errorf("lookup session: %w", err)
	}
	if session.Status != store.SessionStatusRunning {
		m.logger.Info("inbound dropped, session not running",
			"party_id", inbound.PartyID, "status", session.Status)
		return ErrNoRunningSession
	}

	conversation, err := m.store.GetOrCreateConversation(ctx, inbound.PartyID, m.opts.Namespace)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if conversation.State == store.ConversationStateInitial {
		if err := m.store.UpdateConversationState(ctx, conversation.ID, store.ConversationStateActive); err != nil {
			m.logger.Warn("conversation activation failed", "error", err, "conversation_id", conversation.ID)
		}
	}

	if m.opts.ControlResendToken != "" && strings.EqualFold(strings.TrimSpace(inbound.Text), m.opts.ControlResendToken) {
		return m.handleResendRequest(ctx, conversation, inbound.PartyID)
	}

	metadata := map[string]any{}
	for key, value := range inbound.Meta {
		metadata[key] = value
	}
	if inbound.MessageID != "" {
		metadata["message_id"] = inbound.MessageID
	}

	turn, err := m.store.AppendTurn(ctx, store.AppendTurnInput{
		ConversationID: conversation.ID,
		Role:           store.RoleUser,
		Content:        inbound.Text,
		Metadata:       metadata,
	})
	if err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}

	m.extractor.FromTurn(ctx, turn)

	if err := m.buffer.Enqueue(ctx, conversation.ID, turn.ID); err != nil {
		return fmt.Errorf("enqueue turn: %w", err)
	}
	return nil
}

func (m *Manager) handleResendRequest(ctx context.Context, conversation store.Conversation, partyID string) error {
	notice := m.opts.ResendNotice
	if notice == "" {
		notice = "Пожалуйста, отправьте сообщение ещё раз."
	}
	if _, err := m.dispatcher.Dispatch(ctx, partyID, notice); err != nil {
		return fmt.Errorf("send resend notice: %w", err)
	}
	if _, err := m.store.AppendTurn(ctx, store.AppendTurnInput{
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		Content:        notice,
		Metadata:       map[string]any{"resend_notice": true},
	}); err != nil {
		return fmt.Errorf("persist resend notice: %w", err)
	}
	return nil
}

// drain is the buffer continuation: one LLM reply per debounced burst. The
// refs only trigger the cycle; history is re-read from the store. All
// failures are logged and absorbed, losing at most this cycle's reply.
func (m *Manager) drain(ctx context.Context, conversationID string, refs []string) {
	conversation, err := m.store.LookupConversationByID(ctx, conversationID)
	if err != nil {
		m.logger.Error("drain conversation lookup failed", "error", err, "conversation_id", conversationID)
		return
	}
	session, err := m.store.LookupSession(ctx, conversation.PartyID, m.opts.Platform)
	if err != nil || session.Status != store.SessionStatusRunning {
		m.logger.Info("drain dropped, session not running", "conversation_id", conversationID)
		return
	}

	botConfig, err := m.store.LookupBotConfig(ctx, session.BotConfigID)
	if err != nil {
		m.logger.Error("bot config load failed", "error", err, "session_id", session.ID)
		return
	}

	history, err := m.store.RecentTurns(ctx, conversationID, m.opts.RecentTurnLimit)
	if err != nil {
		m.logger.Error("history load failed", "error", err, "conversation_id", conversationID)
		return
	}
	if len(history) == 0 {
		return
	}

	reply, err := m.gateway.Chat(ctx, llm.ChatRequest{
		SystemPrompt:     m.systemPrompt(ctx, botConfig, conversation, session),
		History:          toMessages(history),
		Model:            botConfig.Model,
		MaxTokens:        botConfig.MaxTokens,
		KnowledgeBaseIDs: botConfig.KnowledgeBaseIDs,
	})
	if err != nil {
		m.logger.Error("reply generation failed", "error", err, "conversation_id", conversationID, "refs", len(refs))
		return
	}
	if strings.TrimSpace(reply.Content) == "" {
		m.logger.Warn("empty reply dropped", "conversation_id", conversationID)
		return
	}

	ack, err := m.dispatcher.Dispatch(ctx, conversation.PartyID, reply.Content)
	if err != nil {
		m.logger.Error("reply dispatch failed", "error", err, "conversation_id", conversationID)
		return
	}

	if _, err := m.store.AppendTurn(ctx, store.AppendTurnInput{
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        reply.Content,
		InputTokens:    reply.Usage.InputTokens,
		OutputTokens:   reply.Usage.OutputTokens,
		CorrelationID:  reply.CorrelationID,
		Metadata:       map[string]any{"ack_id": ack},
	}); err != nil {
		m.logger.Error("assistant turn persist failed", "error", err, "conversation_id", conversationID)
		return
	}
	if reply.CorrelationID != "" {
		if err := m.store.UpdateConversationCorrelation(ctx, conversationID, reply.CorrelationID); err != nil {
			m.logger.Warn("correlation update failed", "error", err, "conversation_id", conversationID)
		}
	}

	count, err := m.store.CountTurns(ctx, conversationID)
	if err == nil && count%m.opts.SummaryEveryTurns == 0 {
		if err := m.summaries.Generate(ctx, conversationID, false); err != nil {
			m.logger.Warn("periodic summary failed", "error", err, "conversation_id", conversationID)
		}
	}
}

// Finalize closes the dialog: backfills extraction over user turns no fact
// references, forces a final summary when the tenant said anything at all,
// and marks conversation and session completed with aggregate counters. It
// never propagates failures outward; a dialog must always be closable.
func (m *Manager) Finalize(ctx context.Context, partyID string) {
	if err := m.closeDialog(ctx, partyID, store.SessionStatusCompleted); err != nil {
		m.logger.Error("finalize session close failed", "error", err, "party_id", partyID)
	}
}

// closeDialog finalizes the conversation (when one exists) and moves the
// session into the given terminal status. Conversation-side failures are
// absorbed; only the session transition itself is reported.
func (m *Manager) closeDialog(ctx context.Context, partyID, sessionStatus string) error {
	var aggregates map[string]any

	conversation, err := m.store.LookupConversation(ctx, partyID, m.opts.Namespace)
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		m.logger.Info("dialog close: no conversation", "party_id", partyID)
	case err != nil:
		m.logger.Error("dialog close conversation lookup failed", "error", err, "party_id", partyID)
	default:
		aggregates = m.finalizeConversation(ctx, conversation)
	}

	session, err := m.store.LookupSession(ctx, partyID, m.opts.Platform)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("lookup session: %w", err)
	}
	if err := m.store.UpdateSessionStatus(ctx, session.ID, sessionStatus); err != nil {
		return err
	}
	if aggregates != nil {
		if err := m.store.UpdateSessionMetadata(ctx, session.ID, aggregates); err != nil {
			m.logger.Warn("session metadata update failed", "error", err, "session_id", session.ID)
		}
	}
	m.logger.Info("dialog closed", "party_id", partyID, "session_status", sessionStatus)
	return nil
}

// finalizeConversation runs the conversation-side closing work and returns
// the aggregate counters, also stored on the conversation metadata.
func (m *Manager) finalizeConversation(ctx context.Context, conversation store.Conversation) map[string]any {
	unfacted, err := m.store.UserTurnsWithoutFacts(ctx, conversation.ID)
	if err != nil {
		m.logger.Error("finalize fact-gap query failed", "error", err, "conversation_id", conversation.ID)
	}
	for _, turn := range unfacted {
		m.extractor.FromTurn(ctx, turn)
	}

	userTurns, err := m.store.CountTurnsByRole(ctx, conversation.ID, store.RoleUser)
	if err != nil {
		m.logger.Error("finalize turn count failed", "error", err, "conversation_id", conversation.ID)
	}
	if userTurns > 0 {
		if err := m.summaries.Generate(ctx, conversation.ID, true); err != nil {
			m.logger.Error("final summary failed", "error", err, "conversation_id", conversation.ID)
		}
	}

	if err := m.store.UpdateConversationState(ctx, conversation.ID, store.ConversationStateCompleted); err != nil {
		m.logger.Error("finalize state update failed", "error", err, "conversation_id", conversation.ID)
	}

	totalTurns, _ := m.store.CountTurns(ctx, conversation.ID)
	factCount, _ := m.store.CountFacts(ctx, conversation.ID)
	aggregates := map[string]any{
		"final_turns":      totalTurns,
		"final_user_turns": userTurns,
		"final_facts":      factCount,
	}
	if err := m.store.UpdateConversationMetadata(ctx, conversation.ID, aggregates); err != nil {
		m.logger.Warn("finalize conversation metadata failed", "error", err, "conversation_id", conversation.ID)
	}

	if err := m.buffer.Purge(ctx, conversation.ID); err != nil {
		m.logger.Warn("finalize buffer purge failed", "error", err, "conversation_id", conversation.ID)
	}
	m.logger.Info("conversation finalized", "conversation_id", conversation.ID,
		"turns", totalTurns, "facts", factCount)
	return aggregates
}

// Clear wipes the dialog history and derived state while keeping the
// conversation row addressable, so the next inbound message starts fresh.
func (m *Manager) Clear(ctx context.Context, partyID string) error {
	conversation, err := m.store.LookupConversation(ctx, partyID, m.opts.Namespace)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return nil
		}
		return fmt.Errorf("lookup conversation: %w", err)
	}

	if err := m.store.DeleteTurns(ctx, conversation.ID); err != nil {
		return err
	}
	if err := m.store.DeleteFacts(ctx, conversation.ID); err != nil {
		return err
	}
	if err := m.store.ResetConversation(ctx, conversation.ID); err != nil {
		return err
	}
	if session, err := m.store.LookupSession(ctx, partyID, m.opts.Platform); err == nil {
		if err := m.store.UpdateSessionDialogState(ctx, session.ID, map[string]any{}); err != nil {
			m.logger.Warn("dialog state reset failed", "error", err, "session_id", session.ID)
		}
	}
	if err := m.buffer.Purge(ctx, conversation.ID); err != nil {
		m.logger.Warn("buffer purge failed", "error", err, "conversation_id", conversation.ID)
	}
	m.logger.Info("conversation cleared", "party_id", partyID, "conversation_id", conversation.ID)
	return nil
}

// StopAll stops every running session and finalizes its conversation, so a
// shutdown sweep leaves the same closed state behind as an explicit
// finalize, just with the sessions marked stopped rather than completed.
// One failing session never blocks the others; the first error is reported
// after the sweep.
func (m *Manager) StopAll(ctx context.Context) error {
	sessions, err := m.store.ListRunningSessions(ctx)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}

	var firstErr error
	stopped := 0
	for _, session := range sessions {
		if err := m.closeDialog(ctx, session.PartyID, store.SessionStatusStopped); err != nil {
			m.logger.Error("session stop failed", "error", err, "session_id", session.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stopped++
	}
	m.logger.Info("sessions stopped", "stopped", stopped, "total", len(sessions))
	return firstErr
}

func (m *Manager) systemPrompt(ctx context.Context, botConfig store.BotConfig, conversation store.Conversation, session store.Session) string {
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(botConfig.SystemPrompt))

	if contextID, _ := session.DialogState["context_id"].(string); contextID != "" {
		if deal, err := m.contexts.GetContext(ctx, contextID); err != nil {
			m.logger.Warn("deal context unavailable for reply", "error", err, "context_id", contextID)
		} else if deal != nil {
			builder.WriteString("\n\nКонтекст объекта:\n")
			builder.WriteString("Собственник: " + deal.OwnerName + "\n")
			builder.WriteString("Адрес: " + deal.Address + "\n")
			builder.WriteString("Цена: " + deal.Price)
		}
	}

	if summaryText := strings.TrimSpace(conversation.Summary); summaryText != "" {
		builder.WriteString("\n\nСводка диалога:\n" + summaryText)
	}

	if facts, err := m.store.ListFacts(ctx, conversation.ID); err == nil && len(facts) > 0 {
		builder.WriteString("\n\nИзвестные факты:")
		for _, fact := range facts {
			builder.WriteString("\n- " + fact.Key + ": " + fact.Value)
		}
	}
	return builder.String()
}

func renderKickoff(template string, deal *dealcontext.DealContext) string {
	template = strings.TrimSpace(template)
	if template == "" {
		return ""
	}
	owner, address, price := "", "", ""
	if deal != nil {
		owner, address, price = deal.OwnerName, deal.Address, deal.Price
	}
	return strings.TrimSpace(strings.NewReplacer(
		"{owner}", owner,
		"{address}", address,
		"{price}", price,
	).Replace(template))
}

func toMessages(turns []store.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}
