package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	expiresAt  time.Time
	timestamps []int64
}

// MemoryStore is the process-local backend. Expired entries are invisible to
// reads immediately and physically removed by Sweep.
type MemoryStore struct {
	mu         sync.Mutex
	keys       map[string]memoryEntry
	windows    map[string]memoryEntry
	now        func() time.Time
	sweepEvery time.Duration
}

func NewMemoryStore(sweepEvery time.Duration) *MemoryStore {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &MemoryStore{
		keys:       map[string]memoryEntry{},
		windows:    map[string]memoryEntry{},
		now:        time.Now,
		sweepEvery: sweepEvery,
	}
}

func (m *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	return ok && m.now().Before(e.expiresAt), nil
}

func (m *MemoryStore) Add(_ context.Context, key string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = memoryEntry{expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) AddIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.keys[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.keys[key] = memoryEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) GetRateLimitData(_ context.Context, key string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.windows[key]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, nil
	}
	out := make([]int64, len(e.timestamps))
	copy(out, e.timestamps)
	return out, nil
}

func (m *MemoryStore) SetRateLimitData(_ context.Context, key string, timestamps []int64, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	stored := make([]int64, len(timestamps))
	copy(stored, timestamps)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[key] = memoryEntry{expiresAt: m.now().Add(ttl), timestamps: stored}
	return nil
}

// Sweep evicts expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for _, entries := range []map[string]memoryEntry{m.keys, m.windows} {
		for k, e := range entries {
			if !now.Before(e.expiresAt) {
				delete(entries, k)
				removed++
			}
		}
	}
	return removed
}

// Len counts stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys) + len(m.windows)
}

// Run sweeps on an interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}
