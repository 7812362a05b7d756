package gate

import (
	"context"
	"testing"
	"time"

	"github.com/voxhive/dialog-engine/internal/kvcache"
)

func TestGateDedup(t *testing.T) {
	cache := kvcache.NewMemory()
	dedup := New(cache, time.Minute, nil)
	ctx := context.Background()

	if dedup.Seen(ctx, "msg-1") {
		t.Fatalf("fresh message id must not be seen")
	}
	// Not marked yet: a failed processing cycle leaves the id retryable.
	if dedup.Seen(ctx, "msg-1") {
		t.Fatalf("unmarked message id must stay unseen")
	}

	dedup.MarkProcessed(ctx, "msg-1")
	if !dedup.Seen(ctx, "msg-1") {
		t.Fatalf("marked message id must be seen within ttl")
	}
}

func TestGateDedupTTLExpiry(t *testing.T) {
	cache := kvcache.NewMemory()
	dedup := New(cache, 25*time.Millisecond, nil)
	ctx := context.Background()

	dedup.MarkProcessed(ctx, "msg-2")
	if !dedup.Seen(ctx, "msg-2") {
		t.Fatalf("expected dedup hit inside ttl")
	}

	time.Sleep(40 * time.Millisecond)
	if dedup.Seen(ctx, "msg-2") {
		t.Fatalf("expected replay after ttl expiry to be processed normally")
	}
}

func TestGateIgnoresEmptyMessageID(t *testing.T) {
	dedup := New(kvcache.NewMemory(), time.Minute, nil)
	ctx := context.Background()

	dedup.MarkProcessed(ctx, "   ")
	if dedup.Seen(ctx, "") {
		t.Fatalf("messages without an id are never deduplicated")
	}
}
