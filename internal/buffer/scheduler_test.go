package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxhive/dialog-engine/internal/kvcache"
)

type drainRecorder struct {
	mu     sync.Mutex
	drains [][]string
	fired  chan struct{}
}

func newDrainRecorder() *drainRecorder {
	return &drainRecorder{fired: make(chan struct{}, 16)}
}

func (r *drainRecorder) handle(_ context.Context, _ string, refs []string) {
	r.mu.Lock()
	r.drains = append(r.drains, refs)
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *drainRecorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.drains...)
}

func (r *drainRecorder) waitDrain(t *testing.T) {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(time.Second):
		t.Fatalf("drain did not fire")
	}
}

func TestBurstCoalescesIntoSingleDrain(t *testing.T) {
	recorder := newDrainRecorder()
	scheduler := New(kvcache.NewMemory(), 30*time.Millisecond, time.Second, nil)
	scheduler.SetHandler(recorder.handle)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := scheduler.Enqueue(ctx, "conv-1", fmt.Sprintf("turn-%d", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	recorder.waitDrain(t)
	time.Sleep(60 * time.Millisecond)

	drains := recorder.snapshot()
	if len(drains) != 1 {
		t.Fatalf("expected exactly one drain for the burst, got %d", len(drains))
	}
	if len(drains[0]) != 5 {
		t.Fatalf("drain must observe all buffered refs, got %v", drains[0])
	}
	if drains[0][0] != "turn-0" || drains[0][4] != "turn-4" {
		t.Fatalf("buffer order lost: %v", drains[0])
	}
}

func TestConcurrentEnqueuesScheduleOnce(t *testing.T) {
	recorder := newDrainRecorder()
	scheduler := New(kvcache.NewMemory(), 30*time.Millisecond, time.Second, nil)
	scheduler.SetHandler(recorder.handle)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := scheduler.Enqueue(context.Background(), "conv-1", fmt.Sprintf("turn-%d", i)); err != nil {
				t.Errorf("enqueue %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	recorder.waitDrain(t)
	time.Sleep(60 * time.Millisecond)

	drains := recorder.snapshot()
	if len(drains) != 1 {
		t.Fatalf("concurrent burst must produce one drain, got %d", len(drains))
	}
	if len(drains[0]) != 16 {
		t.Fatalf("drain must observe all 16 refs, got %d", len(drains[0]))
	}
}

func TestSeparateConversationsDrainIndependently(t *testing.T) {
	recorder := newDrainRecorder()
	scheduler := New(kvcache.NewMemory(), 20*time.Millisecond, time.Second, nil)
	scheduler.SetHandler(recorder.handle)
	ctx := context.Background()

	if err := scheduler.Enqueue(ctx, "conv-a", "turn-a"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := scheduler.Enqueue(ctx, "conv-b", "turn-b"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	recorder.waitDrain(t)
	recorder.waitDrain(t)

	if drains := recorder.snapshot(); len(drains) != 2 {
		t.Fatalf("expected one drain per conversation, got %d", len(drains))
	}
}

func TestNewBurstAfterDrainSchedulesAgain(t *testing.T) {
	recorder := newDrainRecorder()
	scheduler := New(kvcache.NewMemory(), 20*time.Millisecond, time.Second, nil)
	scheduler.SetHandler(recorder.handle)
	ctx := context.Background()

	if err := scheduler.Enqueue(ctx, "conv-1", "turn-1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	recorder.waitDrain(t)

	if err := scheduler.Enqueue(ctx, "conv-1", "turn-2"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	recorder.waitDrain(t)

	drains := recorder.snapshot()
	if len(drains) != 2 {
		t.Fatalf("expected two drain cycles, got %d", len(drains))
	}
	if len(drains[1]) != 1 || drains[1][0] != "turn-2" {
		t.Fatalf("second cycle must only see the new ref, got %v", drains[1])
	}
}

func TestPurgeSuppressesPendingDrain(t *testing.T) {
	recorder := newDrainRecorder()
	scheduler := New(kvcache.NewMemory(), 30*time.Millisecond, time.Second, nil)
	scheduler.SetHandler(recorder.handle)
	ctx := context.Background()

	if err := scheduler.Enqueue(ctx, "conv-1", "turn-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := scheduler.Purge(ctx, "conv-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if drains := recorder.snapshot(); len(drains) != 0 {
		t.Fatalf("purged buffer must not drain, got %v", drains)
	}
}
