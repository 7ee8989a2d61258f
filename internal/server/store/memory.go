package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// single-node deployments without a database; per-id atomicity comes
// from holding the write lock across the quota check and increment.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
	logs      map[string][]*LogEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[string]*Transfer),
		logs:      make(map[string][]*LogEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ID]; exists {
		return ErrDuplicateID
	}
	s.transfers[t.ID] = copyTransfer(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return copyTransfer(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[t.ID]; !ok {
		return ErrTransferNotFound
	}
	s.transfers[t.ID] = copyTransfer(t)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[id]; !ok {
		return ErrTransferNotFound
	}
	delete(s.transfers, id)
	return nil
}

func (s *MemoryStore) ClaimDownload(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	if t.MaxDownloads != nil && t.DownloadCount >= *t.MaxDownloads {
		return ErrQuotaExhausted
	}
	t.DownloadCount++
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*Transfer
	for _, t := range s.transfers {
		if t.Status == StatusActive && t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
			expired = append(expired, copyTransfer(t))
		}
	}
	return expired, nil
}

func (s *MemoryStore) Append(ctx context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := *e
	s.logs[e.TransferID] = append(s.logs[e.TransferID], &entry)
	return nil
}

func (s *MemoryStore) ListByTransfer(ctx context.Context, transferID string) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[transferID]
	out := make([]*LogEntry, len(entries))
	for i, e := range entries {
		entry := *e
		out[i] = &entry
	}
	return out, nil
}

// copyTransfer deep-copies a record so callers never share mutable
// state with the store.
func copyTransfer(t *Transfer) *Transfer {
	c := *t
	c.CipherIV = append([]byte(nil), t.CipherIV...)
	c.CipherSalt = append([]byte(nil), t.CipherSalt...)
	if t.PasswordHash != nil {
		h := *t.PasswordHash
		c.PasswordHash = &h
	}
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	if t.MaxDownloads != nil {
		m := *t.MaxDownloads
		c.MaxDownloads = &m
	}
	return &c
}
