package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

var (
	_ billsync.Store    = (*Storage)(nil)
	_ billsync.AuditLog = (*Storage)(nil)
	_ billsync.DedupSet = (*Storage)(nil)
)

func TestStorage_CreateAndGetRecord(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.CreateRecord(ctx, &billsync.Record{UserID: "user1", Status: billsync.StatusFree, PlanTier: billsync.TierFree})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	rec, err := s.GetRecord(ctx, "user1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Expected version 1, got %d", rec.Version)
	}

	err = s.CreateRecord(ctx, &billsync.Record{UserID: "user1"})
	if !errors.Is(err, billsync.ErrRecordExists) {
		t.Errorf("Expected ErrRecordExists, got %v", err)
	}

	_, err = s.GetRecord(ctx, "missing")
	if !errors.Is(err, billsync.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateRecord(ctx, &billsync.Record{UserID: "user1", Status: billsync.StatusFree})

	rec, _ := s.GetRecord(ctx, "user1")
	rec.Status = billsync.StatusActive

	again, _ := s.GetRecord(ctx, "user1")
	if again.Status != billsync.StatusFree {
		t.Errorf("Stored record was mutated through returned copy")
	}
}

func TestStorage_CompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateRecord(ctx, &billsync.Record{UserID: "user1", Status: billsync.StatusFree})

	next := &billsync.Record{UserID: "user1", CustomerID: "cus_1", Status: billsync.StatusActive, Version: 2}
	if err := s.CompareAndSwap(ctx, 1, next); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	// Same expected version again must conflict
	if err := s.CompareAndSwap(ctx, 1, next); !errors.Is(err, billsync.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	rec, _ := s.GetRecord(ctx, "user1")
	if rec.Version != 2 || rec.Status != billsync.StatusActive {
		t.Errorf("Unexpected record after swap: %+v", rec)
	}

	byCustomer, err := s.GetRecordByCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetRecordByCustomer failed: %v", err)
	}
	if byCustomer.UserID != "user1" {
		t.Errorf("Expected user1, got %s", byCustomer.UserID)
	}

	err = s.CompareAndSwap(ctx, 1, &billsync.Record{UserID: "ghost"})
	if !errors.Is(err, billsync.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestStorage_CustomerIndexFollowsRecord(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateRecord(ctx, &billsync.Record{UserID: "user1", CustomerID: "cus_old"})

	if err := s.CompareAndSwap(ctx, 1, &billsync.Record{UserID: "user1", CustomerID: "cus_new"}); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	if _, err := s.GetRecordByCustomer(ctx, "cus_old"); !errors.Is(err, billsync.ErrRecordNotFound) {
		t.Errorf("Expected old customer id to be unindexed, got %v", err)
	}
	if _, err := s.GetRecordByCustomer(ctx, "cus_new"); err != nil {
		t.Errorf("Expected new customer id to resolve, got %v", err)
	}

	_ = s.CreateRecord(ctx, &billsync.Record{UserID: "user2"})
	if err := s.CompareAndSwap(ctx, 1, &billsync.Record{UserID: "user2", CustomerID: "cus_new"}); !errors.Is(err, billsync.ErrCustomerInUse) {
		t.Errorf("Expected ErrCustomerInUse, got %v", err)
	}
}

func TestStorage_ConcurrentCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateRecord(ctx, &billsync.Record{UserID: "user1"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CompareAndSwap(ctx, 1, &billsync.Record{UserID: "user1", Version: 2}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winning writer, got %d", wins)
	}
}

func TestStorage_AuditChronological(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.AppendAudit(ctx, &billsync.AuditEntry{ID: "b", UserID: "user1", Timestamp: base.Add(time.Minute)})
	_ = s.AppendAudit(ctx, &billsync.AuditEntry{ID: "a", UserID: "user1", Timestamp: base})
	_ = s.AppendAudit(ctx, &billsync.AuditEntry{ID: "c", UserID: "user1", Timestamp: base.Add(2 * time.Minute)})
	_ = s.AppendAudit(ctx, &billsync.AuditEntry{ID: "x", UserID: "user2", Timestamp: base})

	entries, err := s.ListAudit(ctx, billsync.AuditFilter{UserID: "user1"})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, id := range []string{"a", "b", "c"} {
		if entries[i].ID != id {
			t.Errorf("Entry %d: expected %s, got %s", i, id, entries[i].ID)
		}
	}

	since := base.Add(time.Minute)
	entries, _ = s.ListAudit(ctx, billsync.AuditFilter{UserID: "user1", Since: &since, Limit: 1})
	if len(entries) != 1 || entries[0].ID != "b" {
		t.Errorf("Expected only entry b, got %+v", entries)
	}
}

func TestStorage_AuditAppendIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	entry := &billsync.AuditEntry{ID: "a", UserID: "user1", Timestamp: base, New: billsync.Snapshot{PlanTier: billsync.TierPaid}}
	if err := s.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}
	if err := s.AppendAudit(ctx, &billsync.AuditEntry{ID: "a", UserID: "user1", Timestamp: base}); err != nil {
		t.Fatalf("Retried AppendAudit failed: %v", err)
	}

	entries, _ := s.ListAudit(ctx, billsync.AuditFilter{UserID: "user1"})
	if len(entries) != 1 || entries[0].New.PlanTier != billsync.TierPaid {
		t.Errorf("Expected the original entry only, got %+v", entries)
	}
}

func TestStorage_DedupExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	seen, _ := s.Seen(ctx, "evt_1")
	if seen {
		t.Fatal("Expected unseen event")
	}

	_ = s.Mark(ctx, "evt_1", time.Hour)
	seen, _ = s.Seen(ctx, "evt_1")
	if !seen {
		t.Fatal("Expected event to be seen after Mark")
	}

	now = now.Add(2 * time.Hour)
	seen, _ = s.Seen(ctx, "evt_1")
	if seen {
		t.Error("Expected event to expire after ttl")
	}
}
