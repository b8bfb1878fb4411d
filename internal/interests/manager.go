// Package interests manages the topics a user follows.
package interests

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	UpsertInterest(ctx context.Context, userID, label string) (storage.Interest, error)
	DeactivateInterest(ctx context.Context, userID, id string) error
	DeactivateInterestByLabel(ctx context.Context, userID, label string) error
	ListInterests(ctx context.Context, userID string, activeOnly bool) ([]storage.Interest, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	interests []storage.Interest
	at        time.Time
}

// Manager provides cached access to each user's active interests.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// ListActive returns the user's active interests in creation order.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]storage.Interest, error) {
	m.mu.RLock()
	e, ok := m.cache[userID]
	if ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		out := slices.Clone(e.interests)
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache[userID]; ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		return slices.Clone(e.interests), nil
	}

	list, err := m.store.ListInterests(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("loading interests: %w", err)
	}
	m.cache[userID] = cacheEntry{interests: list, at: m.clock.Now()}
	return slices.Clone(list), nil
}

// ListAll returns every interest of the user, inactive ones included.
func (m *Manager) ListAll(ctx context.Context, userID string) ([]storage.Interest, error) {
	return m.store.ListInterests(ctx, userID, false)
}

// Add sanitizes label and adds it, reactivating a previously removed
// interest with the same label. Unsafe labels fail with guard.ErrInvalidPrompt.
func (m *Manager) Add(ctx context.Context, userID, label string) (storage.Interest, error) {
	clean, err := guard.SanitizeLabel(label)
	if err != nil {
		return storage.Interest{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	in, err := m.store.UpsertInterest(ctx, userID, clean)
	if err != nil {
		return storage.Interest{}, err
	}
	delete(m.cache, userID)
	return in, nil
}

// Deactivate soft-deletes the interest with the given id. Returns
// storage.ErrNotFound if the user has no such interest.
func (m *Manager) Deactivate(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeactivateInterest(ctx, userID, id); err != nil {
		return err
	}
	delete(m.cache, userID)
	return nil
}

// Remove soft-deletes the active interest with the given label and reports
// whether one existed.
func (m *Manager) Remove(ctx context.Context, userID, label string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.DeactivateInterestByLabel(ctx, userID, label)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	delete(m.cache, userID)
	return true, nil
}
