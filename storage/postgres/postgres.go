// Package postgres provides a PostgreSQL implementation of the billsync store interfaces.
// Compare-and-swap is a single UPDATE guarded by the version column.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	uniqueViolation     = "23505"
	customerIDIndexName = "billing_records_customer_id_key"
)

// Storage implements billsync.Store, billsync.AuditLog and billsync.DedupSet using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger billsync.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New
	AutoMigrate bool

	// Cleanup configuration for expired processed event ids
	CleanupEnabled  bool
	CleanupInterval time.Duration

	// Logger reports background cleanup failures (default: NoopLogger)
	Logger billsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      config.Logger,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const selectRecord = `SELECT user_id, customer_id, subscription_id, status, plan_tier,
	cancel_at_period_end, last_event_at, last_event_id, version, updated_at
	FROM billing_records`

// GetRecord implements billsync.Store
func (s *Storage) GetRecord(ctx context.Context, userID string) (*billsync.Record, error) {
	return s.queryRecord(ctx, selectRecord+` WHERE user_id = $1`, userID)
}

// GetRecordByCustomer implements billsync.Store
func (s *Storage) GetRecordByCustomer(ctx context.Context, customerID string) (*billsync.Record, error) {
	return s.queryRecord(ctx, selectRecord+` WHERE customer_id = $1`, customerID)
}

func (s *Storage) queryRecord(ctx context.Context, query string, arg string) (*billsync.Record, error) {
	var rec billsync.Record
	var customerID *string
	var lastEventAt *time.Time

	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&rec.UserID,
		&customerID,
		&rec.SubscriptionID,
		&rec.Status,
		&rec.PlanTier,
		&rec.CancelAtPeriodEnd,
		&lastEventAt,
		&rec.LastEventID,
		&rec.Version,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	if customerID != nil {
		rec.CustomerID = *customerID
	}
	if lastEventAt != nil {
		rec.LastEventAt = lastEventAt.UTC()
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// CreateRecord implements billsync.Store
func (s *Storage) CreateRecord(ctx context.Context, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_records (user_id, customer_id, subscription_id, status, plan_tier,
			cancel_at_period_end, last_event_at, last_event_id, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)`,
		rec.UserID, nullString(rec.CustomerID), rec.SubscriptionID, string(rec.Status), string(rec.PlanTier),
		rec.CancelAtPeriodEnd, nullTime(rec.LastEventAt), rec.LastEventID, rec.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == customerIDIndexName {
			return fmt.Errorf("%w: %s", billsync.ErrCustomerInUse, rec.CustomerID)
		}
		return billsync.ErrRecordExists
	}
	return fmt.Errorf("failed to create record: %w", err)
}

// CompareAndSwap implements billsync.Store
func (s *Storage) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_records SET
			customer_id = $2,
			subscription_id = $3,
			status = $4,
			plan_tier = $5,
			cancel_at_period_end = $6,
			last_event_at = $7,
			last_event_id = $8,
			version = $9 + 1,
			updated_at = $10
			WHERE user_id = $1 AND version = $9`,
		rec.UserID, nullString(rec.CustomerID), rec.SubscriptionID, string(rec.Status), string(rec.PlanTier),
		rec.CancelAtPeriodEnd, nullTime(rec.LastEventAt), rec.LastEventID, expectedVersion, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", billsync.ErrCustomerInUse, rec.CustomerID)
		}
		return fmt.Errorf("failed to compare and swap record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_records WHERE user_id = $1)`, rec.UserID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check record: %w", err)
	}
	if !exists {
		return billsync.ErrRecordNotFound
	}
	return billsync.ErrVersionConflict
}

// AppendAudit implements billsync.AuditLog
func (s *Storage) AppendAudit(ctx context.Context, entry *billsync.AuditEntry) error {
	if entry == nil || entry.UserID == "" || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	previous, err := json.Marshal(entry.Previous)
	if err != nil {
		return fmt.Errorf("failed to marshal previous snapshot: %w", err)
	}
	next, err := json.Marshal(entry.New)
	if err != nil {
		return fmt.Errorf("failed to marshal new snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_audit (id, user_id, previous, new, source, event_type, event_id, marker, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.UserID, previous, next, string(entry.Source),
		entry.EventType, entry.EventID, entry.Marker, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit implements billsync.AuditLog
func (s *Storage) ListAudit(ctx context.Context, filter billsync.AuditFilter) ([]*billsync.AuditEntry, error) {
	query := `SELECT id, user_id, previous, new, source, event_type, event_id, marker, created_at
		FROM billing_audit WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at, seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*billsync.AuditEntry
	for rows.Next() {
		var entry billsync.AuditEntry
		var previous, next []byte
		if err := rows.Scan(
			&entry.ID, &entry.UserID, &previous, &next, &entry.Source,
			&entry.EventType, &entry.EventID, &entry.Marker, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal(previous, &entry.Previous); err != nil {
			return nil, fmt.Errorf("failed to unmarshal previous snapshot: %w", err)
		}
		if err := json.Unmarshal(next, &entry.New); err != nil {
			return nil, fmt.Errorf("failed to unmarshal new snapshot: %w", err)
		}
		entry.Marker = entry.Marker.UTC()
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Seen implements billsync.DedupSet
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND expires_at > $2)`,
		eventID, time.Now().UTC(),
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return seen, nil
}

// Mark implements billsync.DedupSet
func (s *Storage) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, expires_at) VALUES ($1, $2)
			ON CONFLICT (event_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		eventID, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// startCleanup periodically deletes expired processed event ids until ctx is canceled by Close
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredEvents(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Processed event cleanup failed", billsync.ErrField(err))
			}
		}
	}
}

func (s *Storage) cleanupExpiredEvents(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// Cleanup can be called manually to delete expired processed event ids
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredEvents(ctx)
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
