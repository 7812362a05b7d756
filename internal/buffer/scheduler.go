// Package buffer implements the per-conversation debounce scheduler that
// coalesces bursts of inbound turns into a single drain cycle.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhive/dialog-engine/internal/kvcache"
)

const (
	bufferKeyPrefix = "dialog:buffer:"
	guardKeyPrefix  = "dialog:drain:"

	// drainTimeout bounds one downstream cycle (LLM call plus dispatch).
	drainTimeout = 2 * time.Minute
)

// DrainFunc receives the conversation key and the buffered turn refs of one
// drain cycle. The refs are a trigger, not the payload: handlers re-read the
// conversation history from the store.
type DrainFunc func(ctx context.Context, conversationKey string, turnRefs []string)

type Scheduler struct {
	cache     kvcache.Store
	debounce  time.Duration
	bufferTTL time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	handler DrainFunc
}

func New(cache kvcache.Store, debounce, bufferTTL time.Duration, logger *slog.Logger) *Scheduler {
	if debounce <= 0 {
		debounce = 8 * time.Second
	}
	if bufferTTL <= debounce {
		bufferTTL = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cache:     cache,
		debounce:  debounce,
		bufferTTL: bufferTTL,
		logger:    logger,
	}
}

// SetHandler registers the downstream drain handler. Must be called before
// the first Enqueue.
func (s *Scheduler) SetHandler(handler DrainFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Enqueue buffers turnRef for the conversation and schedules the single
// deferred drain when none is pending. The guard key is set atomically
// (SetNX) with TTL equal to the debounce window, so concurrent enqueues for
// the same key can never double-schedule, and a crashed process leaves no
// permanent lock. Enqueue never blocks for the debounce delay; the drain
// runs later on its own goroutine.
func (s *Scheduler) Enqueue(ctx context.Context, conversationKey, turnRef string) error {
	if err := s.cache.AppendList(ctx, bufferKeyPrefix+conversationKey, turnRef, s.bufferTTL); err != nil {
		return err
	}

	won, err := s.cache.SetNX(ctx, guardKeyPrefix+conversationKey, "1", s.debounce)
	if err != nil {
		return err
	}
	if !won {
		// A drain is already scheduled for this key; the ref is buffered.
		return nil
	}

	time.AfterFunc(s.debounce, func() { s.drain(conversationKey) })
	s.logger.Info("drain scheduled", "conversation_key", conversationKey, "debounce", s.debounce.String())
	return nil
}

// Purge drops any buffered refs and the scheduling guard for the key. Used
// by session-clear. A timer already armed for the key fires into an empty
// buffer and becomes a no-op.
func (s *Scheduler) Purge(ctx context.Context, conversationKey string) error {
	return s.cache.Delete(ctx, bufferKeyPrefix+conversationKey, guardKeyPrefix+conversationKey)
}

// drain is the deferred continuation. It takes-and-clears the buffer and
// removes the scheduling guard before any downstream work, so a failing or
// crashing cycle cannot wedge the key: the next inbound message starts a
// clean debounce cycle. The cost is that refs drained into a failed cycle
// are not retried as a batch; the turns stay persisted but that cycle's
// reply is lost.
func (s *Scheduler) drain(conversationKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	refs, err := s.cache.TakeList(ctx, bufferKeyPrefix+conversationKey)
	if err != nil {
		s.logger.Error("buffer take failed", "error", err, "conversation_key", conversationKey)
	}
	if err := s.cache.Delete(ctx, guardKeyPrefix+conversationKey); err != nil {
		s.logger.Error("guard clear failed", "error", err, "conversation_key", conversationKey)
	}
	if len(refs) == 0 {
		return
	}

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		s.logger.Error("drain fired without handler", "conversation_key", conversationKey, "refs", len(refs))
		return
	}

	s.logger.Info("drain firing", "conversation_key", conversationKey, "refs", len(refs))
	handler(ctx, conversationKey, refs)
}
