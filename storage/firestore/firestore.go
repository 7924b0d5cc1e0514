// Package firestore provides a Firestore implementation of the billsync store interfaces.
// Record writes run in transactions that also maintain the customer index.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Storage implements billsync.Store, billsync.AuditLog and billsync.DedupSet using Google Cloud Firestore
type Storage struct {
	client              *firestore.Client
	recordsCollection   string
	customersCollection string
	eventsCollection    string
	auditSubcollection  string
	now                 func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// RecordsCollection holds one document per user
	// Default: "billing_records"
	RecordsCollection string

	// CustomersCollection maps processor customer ids to users
	// Default: "billing_customers"
	CustomersCollection string

	// EventsCollection holds processed webhook event ids. Configure a TTL
	// policy on the expiresAt field to have Firestore delete them.
	// Default: "billing_processed_events"
	EventsCollection string

	// AuditSubcollection is the per-record audit log
	// Default: "audit"
	AuditSubcollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.RecordsCollection == "" {
		config.RecordsCollection = "billing_records"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "billing_customers"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}
	if config.AuditSubcollection == "" {
		config.AuditSubcollection = "audit"
	}

	return &Storage{
		client:              client,
		recordsCollection:   config.RecordsCollection,
		customersCollection: config.CustomersCollection,
		eventsCollection:    config.EventsCollection,
		auditSubcollection:  config.AuditSubcollection,
		now:                 time.Now,
	}, nil
}

// GetRecord implements billsync.Store
func (s *Storage) GetRecord(ctx context.Context, userID string) (*billsync.Record, error) {
	snap, err := s.recordDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if !snap.Exists() {
		return nil, billsync.ErrRecordNotFound
	}
	return recordFromData(userID, snap.Data()), nil
}

// GetRecordByCustomer implements billsync.Store
func (s *Storage) GetRecordByCustomer(ctx context.Context, customerID string) (*billsync.Record, error) {
	snap, err := s.customerDoc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	userID := getString(snap.Data(), "userId")
	if userID == "" {
		return nil, billsync.ErrRecordNotFound
	}
	return s.GetRecord(ctx, userID)
}

// CreateRecord implements billsync.Store
func (s *Storage) CreateRecord(ctx context.Context, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	doc := s.recordDoc(rec.UserID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			return billsync.ErrRecordExists
		}
		if err := s.checkCustomer(tx, rec); err != nil {
			return err
		}

		if rec.CustomerID != "" {
			if err := tx.Set(s.customerDoc(rec.CustomerID), map[string]interface{}{"userId": rec.UserID}); err != nil {
				return err
			}
		}
		return tx.Set(doc, recordData(rec, 1))
	})
}

// CompareAndSwap implements billsync.Store
func (s *Storage) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	doc := s.recordDoc(rec.UserID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billsync.ErrRecordNotFound
			}
			return err
		}
		if !snap.Exists() {
			return billsync.ErrRecordNotFound
		}

		data := snap.Data()
		if getInt64(data, "version") != expectedVersion {
			return billsync.ErrVersionConflict
		}
		if err := s.checkCustomer(tx, rec); err != nil {
			return err
		}

		if previous := getString(data, "customerId"); previous != "" && previous != rec.CustomerID {
			if err := tx.Delete(s.customerDoc(previous)); err != nil {
				return err
			}
		}
		if rec.CustomerID != "" {
			if err := tx.Set(s.customerDoc(rec.CustomerID), map[string]interface{}{"userId": rec.UserID}); err != nil {
				return err
			}
		}
		return tx.Set(doc, recordData(rec, expectedVersion+1))
	})
}

// checkCustomer fails when rec.CustomerID is indexed to another user.
func (s *Storage) checkCustomer(tx *firestore.Transaction, rec *billsync.Record) error {
	if rec.CustomerID == "" {
		return nil
	}
	snap, err := tx.Get(s.customerDoc(rec.CustomerID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return err
	}
	if owner := getString(snap.Data(), "userId"); owner != "" && owner != rec.UserID {
		return fmt.Errorf("%w: %s", billsync.ErrCustomerInUse, rec.CustomerID)
	}
	return nil
}

// AppendAudit implements billsync.AuditLog
func (s *Storage) AppendAudit(ctx context.Context, entry *billsync.AuditEntry) error {
	if entry == nil || entry.UserID == "" || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	doc := s.recordDoc(entry.UserID).Collection(s.auditSubcollection).Doc(entry.ID)
	_, err := doc.Create(ctx, map[string]interface{}{
		"previous":   snapshotData(entry.Previous),
		"new":        snapshotData(entry.New),
		"source":     string(entry.Source),
		"eventType":  entry.EventType,
		"eventId":    entry.EventID,
		"marker":     entry.Marker,
		"timestamp":  entry.Timestamp,
		"appendedAt": s.now().UTC().UnixNano(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit implements billsync.AuditLog
func (s *Storage) ListAudit(ctx context.Context, filter billsync.AuditFilter) ([]*billsync.AuditEntry, error) {
	query := s.recordDoc(filter.UserID).Collection(s.auditSubcollection).Query
	if filter.Since != nil {
		query = query.Where("timestamp", ">=", *filter.Since)
	}
	query = query.OrderBy("timestamp", firestore.Asc).OrderBy("appendedAt", firestore.Asc)
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []*billsync.AuditEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list audit entries: %w", err)
		}
		data := snap.Data()
		entries = append(entries, &billsync.AuditEntry{
			ID:        snap.Ref.ID,
			UserID:    filter.UserID,
			Previous:  snapshotFromData(data["previous"]),
			New:       snapshotFromData(data["new"]),
			Source:    billsync.Source(getString(data, "source")),
			EventType: getString(data, "eventType"),
			EventID:   getString(data, "eventId"),
			Marker:    getTime(data, "marker"),
			Timestamp: getTime(data, "timestamp"),
		})
	}
	return entries, nil
}

// Seen implements billsync.DedupSet
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return snap.Exists() && s.now().Before(getTime(snap.Data(), "expiresAt")), nil
}

// Mark implements billsync.DedupSet
func (s *Storage) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Set(ctx, map[string]interface{}{
		"expiresAt": s.now().UTC().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// SetTimeSource overrides the clock used for dedup expiry. Intended for tests.
func (s *Storage) SetTimeSource(now func() time.Time) {
	s.now = now
}

func (s *Storage) recordDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.recordsCollection).Doc(userID)
}

func (s *Storage) customerDoc(customerID string) *firestore.DocumentRef {
	return s.client.Collection(s.customersCollection).Doc(customerID)
}

func recordData(rec *billsync.Record, version int64) map[string]interface{} {
	data := map[string]interface{}{
		"customerId":        rec.CustomerID,
		"subscriptionId":    rec.SubscriptionID,
		"status":            string(rec.Status),
		"planTier":          string(rec.PlanTier),
		"cancelAtPeriodEnd": rec.CancelAtPeriodEnd,
		"lastEventId":       rec.LastEventID,
		"version":           version,
		"updatedAt":         rec.UpdatedAt,
	}
	if !rec.LastEventAt.IsZero() {
		data["lastEventAt"] = rec.LastEventAt
	}
	return data
}

func recordFromData(userID string, data map[string]interface{}) *billsync.Record {
	return &billsync.Record{
		UserID:            userID,
		CustomerID:        getString(data, "customerId"),
		SubscriptionID:    getString(data, "subscriptionId"),
		Status:            billsync.Status(getString(data, "status")),
		PlanTier:          billsync.PlanTier(getString(data, "planTier")),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		LastEventAt:       getTime(data, "lastEventAt"),
		LastEventID:       getString(data, "lastEventId"),
		Version:           getInt64(data, "version"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func snapshotData(s billsync.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"customerId":        s.CustomerID,
		"subscriptionId":    s.SubscriptionID,
		"status":            string(s.Status),
		"planTier":          string(s.PlanTier),
		"cancelAtPeriodEnd": s.CancelAtPeriodEnd,
	}
}

func snapshotFromData(v interface{}) billsync.Snapshot {
	data, _ := v.(map[string]interface{})
	return billsync.Snapshot{
		CustomerID:        getString(data, "customerId"),
		SubscriptionID:    getString(data, "subscriptionId"),
		Status:            billsync.Status(getString(data, "status")),
		PlanTier:          billsync.PlanTier(getString(data, "planTier")),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
