package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// MemoryTracker is the single-process fallback used when redis is disabled,
// and the tracker of choice in tests.
type MemoryTracker struct {
	mu     sync.Mutex
	used   map[string]int
	limits Limits
}

func NewMemoryTracker(limits Limits) *MemoryTracker {
	return &MemoryTracker{used: map[string]int{}, limits: limits}
}

var _ Tracker = (*MemoryTracker)(nil)

func (t *MemoryTracker) CheckAndReserve(ctx context.Context, ch model.Channel, periodKey string) (Decision, error) {
	limit := t.limits[ch]
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(ch, periodKey)
	if t.used[k] >= limit {
		return Decision{
			Allowed: false,
			Used:    t.used[k],
			Limit:   limit,
			Reason:  fmt.Sprintf("daily quota of %d exhausted for channel %s", limit, ch),
		}, nil
	}
	t.used[k]++
	return Decision{Allowed: true, Used: t.used[k], Limit: limit}, nil
}

func (t *MemoryTracker) Release(ctx context.Context, ch model.Channel, periodKey string) error {
	if t.limits[ch] <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(ch, periodKey)
	if t.used[k] > 0 {
		t.used[k]--
	}
	return nil
}
