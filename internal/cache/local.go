package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// localStore is the in-process fallback shadowing every write to the shared
// backend. When the backend is unreachable the engine keeps serving the last
// value held here, still subject to TTL so stale data is suppressed.
type localStore struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	stop    chan struct{}
	once    sync.Once
}

type localEntry struct {
	snap      *models.Snapshot
	expiresAt time.Time
}

func newLocalStore() *localStore {
	ls := &localStore{
		entries: make(map[string]localEntry),
		stop:    make(chan struct{}),
	}
	go ls.janitor()
	return ls
}

func (ls *localStore) get(key string) (*models.Snapshot, bool) {
	ls.mu.RLock()
	e, ok := ls.entries[key]
	ls.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.snap, true
}

func (ls *localStore) set(key string, snap *models.Snapshot, ttl time.Duration) {
	ls.mu.Lock()
	ls.entries[key] = localEntry{snap: snap, expiresAt: time.Now().Add(ttl)}
	ls.mu.Unlock()
}

func (ls *localStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			now := time.Now()
			ls.mu.Lock()
			for k, e := range ls.entries {
				if now.After(e.expiresAt) {
					delete(ls.entries, k)
				}
			}
			ls.mu.Unlock()
		}
	}
}

func (ls *localStore) close() {
	ls.once.Do(func() { close(ls.stop) })
}

// MemoryCache is a Store backed only by the in-process fallback map. Used in
// tests and single-instance deployments where no shared backend is
// configured.
type MemoryCache struct {
	local *localStore
}

// NewMemoryCache creates an in-process snapshot store.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{local: newLocalStore()}
}

// GetSnapshot implements Store.
func (m *MemoryCache) GetSnapshot(ctx context.Context, key string) (*models.Snapshot, bool) {
	return m.local.get(key)
}

// SetSnapshot implements Store.
func (m *MemoryCache) SetSnapshot(ctx context.Context, key string, snap *models.Snapshot, ttl time.Duration) {
	m.local.set(key, snap, ttl)
}

// Close stops the expiry janitor.
func (m *MemoryCache) Close() {
	m.local.close()
}

// MemoryBus is a Bus that loops publishes back to local subscribers. Origin
// filtering still applies, matching the broadcast semantics of the shared
// backends so tests exercise the same paths.
type MemoryBus struct {
	self     uuid.UUID
	mu       sync.RWMutex
	handlers map[string][]func(models.BusMessage)
}

// NewMemoryBus creates an in-process bus. self is this instance's ID;
// messages carrying it as origin are not redelivered locally.
func NewMemoryBus(self uuid.UUID) *MemoryBus {
	return &MemoryBus{self: self, handlers: make(map[string][]func(models.BusMessage))}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, msg models.BusMessage) {
	b.mu.RLock()
	handlers := append([]func(models.BusMessage){}, b.handlers[msg.Channel]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler func(models.BusMessage)) {
	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], originFiltered(b.self, handler))
	b.mu.Unlock()
}
