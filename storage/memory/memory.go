// Package memory provides an in-memory implementation of the billsync store interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Storage implements billsync.Store, billsync.AuditLog and billsync.DedupSet using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	records   map[string]*billsync.Record
	customers map[string]string // customerID -> userID
	audit     map[string][]*billsync.AuditEntry
	events    map[string]time.Time // eventID -> expiry

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records:   make(map[string]*billsync.Record),
		customers: make(map[string]string),
		audit:     make(map[string][]*billsync.AuditEntry),
		events:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// GetRecord implements billsync.Store
func (s *Storage) GetRecord(ctx context.Context, userID string) (*billsync.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, billsync.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// GetRecordByCustomer implements billsync.Store
func (s *Storage) GetRecordByCustomer(ctx context.Context, customerID string) (*billsync.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.customers[customerID]
	if !ok {
		return nil, billsync.ErrRecordNotFound
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, billsync.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// CreateRecord implements billsync.Store
func (s *Storage) CreateRecord(ctx context.Context, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.UserID]; ok {
		return billsync.ErrRecordExists
	}
	if err := s.indexCustomer(rec); err != nil {
		return err
	}
	stored := rec.Clone()
	stored.Version = 1
	s.records[rec.UserID] = stored
	return nil
}

// CompareAndSwap implements billsync.Store
func (s *Storage) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.UserID]
	if !ok {
		return billsync.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		return billsync.ErrVersionConflict
	}
	if err := s.indexCustomer(rec); err != nil {
		return err
	}
	if current.CustomerID != "" && current.CustomerID != rec.CustomerID {
		delete(s.customers, current.CustomerID)
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	s.records[rec.UserID] = stored
	return nil
}

// indexCustomer must be called with the write lock held.
func (s *Storage) indexCustomer(rec *billsync.Record) error {
	if rec.CustomerID == "" {
		return nil
	}
	if owner, ok := s.customers[rec.CustomerID]; ok && owner != rec.UserID {
		return fmt.Errorf("%w: %s", billsync.ErrCustomerInUse, rec.CustomerID)
	}
	s.customers[rec.CustomerID] = rec.UserID
	return nil
}

// AppendAudit implements billsync.AuditLog
func (s *Storage) AppendAudit(ctx context.Context, entry *billsync.AuditEntry) error {
	if entry == nil || entry.UserID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.audit[entry.UserID] {
		if entry.ID != "" && existing.ID == entry.ID {
			return nil
		}
	}
	entryCopy := *entry
	s.audit[entry.UserID] = append(s.audit[entry.UserID], &entryCopy)
	return nil
}

// ListAudit implements billsync.AuditLog
func (s *Storage) ListAudit(ctx context.Context, filter billsync.AuditFilter) ([]*billsync.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[filter.UserID]
	result := make([]*billsync.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		entryCopy := *e
		result = append(result, &entryCopy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Seen implements billsync.DedupSet
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.events[eventID]
	return ok && s.now().Before(expiry), nil
}

// Mark implements billsync.DedupSet
func (s *Storage) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.events[eventID] = now.Add(ttl)

	// Drop expired ids.
	for id, expiry := range s.events {
		if !now.Before(expiry) {
			delete(s.events, id)
		}
	}
	return nil
}

// SetClock overrides the time source used for dedup expiry. Intended for tests.
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
