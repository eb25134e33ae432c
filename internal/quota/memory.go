package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger keeps counters in process memory.
type MemoryLedger struct {
	limits Limits
	used   map[string]int64
	mu     sync.Mutex
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger(limits Limits) *MemoryLedger {
	return &MemoryLedger{
		limits: limits,
		used:   make(map[string]int64),
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, owner string, delta int64) (Usage, error) {
	if err := checkArgs(owner, delta); err != nil {
		return Usage{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.used[owner] += delta
	return l.usage(owner), nil
}

func (l *MemoryLedger) Release(ctx context.Context, owner string, delta int64) (Usage, error) {
	if err := checkArgs(owner, delta); err != nil {
		return Usage{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.used[owner]
	after := before - delta
	if after < 0 {
		l.used[owner] = 0
		return l.usage(owner), fmt.Errorf("%w: owner %s released %d bytes with %d recorded",
			ErrInconsistent, owner, delta, before)
	}
	l.used[owner] = after
	return l.usage(owner), nil
}

func (l *MemoryLedger) Usage(ctx context.Context, owner string) (Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage(owner), nil
}

func (l *MemoryLedger) CompareAndSet(ctx context.Context, owner string, expected, used int64) (bool, error) {
	if err := checkArgs(owner, used); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used[owner] != expected {
		return false, nil
	}
	l.used[owner] = used
	return true, nil
}

func (l *MemoryLedger) Owners(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.used))
	for owner := range l.used {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}

// usage builds a snapshot. Caller holds mu.
func (l *MemoryLedger) usage(owner string) Usage {
	return Usage{
		OwnerID:    owner,
		UsedBytes:  l.used[owner],
		LimitBytes: l.limits.For(owner),
	}
}
