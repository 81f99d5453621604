// Package memory implements storage.Store in process memory. It is the
// default driver and the one used by tests; records do not survive a
// restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
)

type rawEntry struct {
	data        []byte
	contentType string
}

type originalKey struct {
	messageID string
	direction storage.Direction
}

// Store implements storage.Store using maps guarded by one lock.
type Store struct {
	mu        sync.RWMutex
	raw       map[string]rawEntry
	records   map[string]*storage.Message
	originals map[originalKey]string
	payloads  map[string]*storage.Payload
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		raw:       make(map[string]rawEntry),
		records:   make(map[string]*storage.Message),
		originals: make(map[originalKey]string),
		payloads:  make(map[string]*storage.Payload),
	}
}

// Close releases nothing.
func (s *Store) Close(ctx context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// RawStore implementation

func (s *Store) StoreRaw(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := storage.RawRef(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.raw[ref]; !ok {
		s.raw[ref] = rawEntry{data: append([]byte(nil), data...), contentType: contentType}
	}
	return ref, nil
}

func (s *Store) FindRaw(ctx context.Context, ref string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.raw[ref]
	if !ok {
		return nil, "", fmt.Errorf("raw %s: %w", ref, storage.ErrNotFound)
	}
	return append([]byte(nil), e.data...), e.contentType, nil
}

// MessageStore implementation

func (s *Store) Insert(ctx context.Context, msg *storage.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message record has no ID")
	}
	now := time.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[msg.ID]; ok {
		return fmt.Errorf("record %s: %w", msg.ID, storage.ErrDuplicateMessage)
	}
	key := originalKey{msg.MessageID, msg.Direction}
	if !msg.IsDuplicate() {
		if _, taken := s.originals[key]; taken {
			return fmt.Errorf("%s/%s: %w", msg.Direction, msg.MessageID, storage.ErrDuplicateMessage)
		}
		s.originals[key] = msg.ID
	}
	stored := *msg
	s.records[msg.ID] = &stored
	return nil
}

func (s *Store) Supersede(ctx context.Context, msg *storage.Message, failedID string) error {
	if msg.ID == "" || msg.IsDuplicate() {
		return fmt.Errorf("supersede: record must be a new original")
	}
	now := time.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	key := originalKey{msg.MessageID, msg.Direction}
	failed, ok := s.records[failedID]
	if !ok || s.originals[key] != failedID || failed.Status != storage.StatusFailed {
		return fmt.Errorf("%s/%s: %w", msg.Direction, msg.MessageID, storage.ErrDuplicateMessage)
	}
	if _, ok := s.records[msg.ID]; ok {
		return fmt.Errorf("record %s: %w", msg.ID, storage.ErrDuplicateMessage)
	}
	failed.DuplicateOf = msg.ID
	s.originals[key] = msg.ID
	stored := *msg
	s.records[msg.ID] = &stored
	return nil
}

func (s *Store) Update(ctx context.Context, messageID string, direction storage.Direction, status storage.Status, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.originals[originalKey{messageID, direction}]
	if !ok {
		return fmt.Errorf("%s/%s: %w", direction, messageID, storage.ErrNotFound)
	}
	s.transition(id, status, description)
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, id string, status storage.Status, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	s.transition(id, status, description)
	return nil
}

func (s *Store) transition(id string, status storage.Status, description string) {
	rec := s.records[id]
	rec.Status = status
	rec.StatusDescription = description
	rec.UpdatedAt = time.Now().UTC()
}

func (s *Store) FindByMessageID(ctx context.Context, messageID string, direction storage.Direction) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.originals[originalKey{messageID, direction}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", direction, messageID, storage.ErrNotFound)
	}
	rec := *s.records[id]
	return &rec, nil
}

func (s *Store) FindByStatus(ctx context.Context, direction storage.Direction, status storage.Status) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Message
	for _, rec := range s.records {
		if rec.Direction == direction && rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// PayloadStore implementation

func (s *Store) StorePayload(ctx context.Context, payload *storage.Payload) error {
	if payload.ID == "" {
		return fmt.Errorf("payload has no ID")
	}
	if payload.Checksum == "" {
		payload.Checksum = storage.Checksum(payload.Content)
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}

	stored := *payload
	stored.Content = append([]byte(nil), payload.Content...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[payload.ID] = &stored
	return nil
}

func (s *Store) FindPayload(ctx context.Context, id string) (*storage.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[id]
	if !ok {
		return nil, fmt.Errorf("payload %s: %w", id, storage.ErrNotFound)
	}
	cp := *p
	cp.Content = append([]byte(nil), p.Content...)
	return &cp, nil
}

var _ storage.Store = (*Store)(nil)
