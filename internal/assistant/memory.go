// Package assistant holds the server side of the AI chat backend: per-user
// conversational memory and the reply generator behind POST /chat.
package assistant

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/pliu/livechat/internal/models"
	"github.com/pliu/livechat/internal/store"
)

const (
	// ChatHistoryLimit caps what /chat keeps per user.
	ChatHistoryLimit = 50
	// MemoryLimit caps what /memory upserts keep per user.
	MemoryLimit = 200
)

func memoryKey(username string) string {
	return "memory:" + username
}

// Memory stores role/content entries per user in a KV backend.
type Memory struct {
	kv store.KV

	// serializes read-modify-write of a user's entries
	mu sync.Mutex
}

func NewMemory(kv store.KV) *Memory {
	return &Memory{kv: kv}
}

// Entries returns everything remembered for username, oldest first.
func (m *Memory) Entries(ctx context.Context, username string) ([]models.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, username)
}

// Append adds entries and keeps only the newest limit of them.
func (m *Memory) Append(ctx context.Context, username string, limit int, entries ...models.MemoryEntry) ([]models.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.load(ctx, username)
	if err != nil {
		return nil, err
	}
	existing = append(existing, entries...)
	if limit > 0 && len(existing) > limit {
		existing = existing[len(existing)-limit:]
	}

	data, err := json.Marshal(existing)
	if err != nil {
		return nil, errors.Wrap(err, "encode memory")
	}
	if err := m.kv.Set(ctx, memoryKey(username), data); err != nil {
		return nil, errors.Wrapf(err, "save memory for %s", username)
	}
	return existing, nil
}

func (m *Memory) load(ctx context.Context, username string) ([]models.MemoryEntry, error) {
	raw, err := m.kv.Get(ctx, memoryKey(username))
	if errors.Is(err, store.ErrNotFound) {
		return []models.MemoryEntry{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load memory for %s", username)
	}
	var entries []models.MemoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "decode memory for %s", username)
	}
	if entries == nil {
		entries = []models.MemoryEntry{}
	}
	return entries, nil
}
