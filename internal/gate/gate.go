package gate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/voxhive/dialog-engine/internal/kvcache"
)

const dedupKeyPrefix = "dialog:dedup:"

// Gate drops redelivered notifications by provider message id. Ids are
// recorded only after successful downstream processing, so a failed cycle
// leaves the id unrecorded and the redelivery is processed as a retry.
type Gate struct {
	cache  kvcache.Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(cache kvcache.Store, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cache: cache, ttl: ttl, logger: logger}
}

// Seen reports whether messageID was already processed within the dedup TTL.
// Messages without an id are never deduplicated.
func (g *Gate) Seen(ctx context.Context, messageID string) bool {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false
	}
	_, hit, err := g.cache.Get(ctx, dedupKeyPrefix+messageID)
	if err != nil {
		// A broken dedup store must not block inbound processing.
		g.logger.Error("dedup lookup failed", "error", err, "message_id", messageID)
		return false
	}
	if hit {
		g.logger.Info("duplicate notification dropped", "message_id", messageID)
	}
	return hit
}

// MarkProcessed records messageID after downstream processing succeeded.
func (g *Gate) MarkProcessed(ctx context.Context, messageID string) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return
	}
	if err := g.cache.Set(ctx, dedupKeyPrefix+messageID, "1", g.ttl); err != nil {
		g.logger.Error("dedup record failed", "error", err, "message_id", messageID)
	}
}
