// Package redis provides a Redis implementation of the billsync store interfaces.
// Record writes and the customer index change together inside Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Script results
const (
	resultOK          = "ok"
	resultNotFound    = "not_found"
	resultExists      = "exists"
	resultConflict    = "conflict"
	resultCustomerUse = "customer_in_use"
)

// Storage implements billsync.Store, billsync.AuditLog and billsync.DedupSet using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// AuditTTL expires a user's audit set after the last append (0 = keep forever)
	AuditTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billsync:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS: record, customer index entry ("" when the record has none)
	// ARGV: userID, customerID, data
	s.scripts["create"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local customerKey = KEYS[2]
		local userID = ARGV[1]

		if redis.call('EXISTS', recordKey) == 1 then
			return 'exists'
		end
		if customerKey ~= '' then
			local owner = redis.call('GET', customerKey)
			if owner and owner ~= userID then
				return 'customer_in_use'
			end
			redis.call('SET', customerKey, userID)
		end

		redis.call('HSET', recordKey, 'version', 1, 'customer', ARGV[2], 'data', ARGV[3])
		return 'ok'
	`)

	// KEYS: record, new customer index entry ("" when none)
	// ARGV: expected version, userID, customerID, data, customer key prefix
	s.scripts["compareAndSwap"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local customerKey = KEYS[2]
		local expected = tonumber(ARGV[1])
		local userID = ARGV[2]

		local current = redis.call('HGET', recordKey, 'version')
		if not current then
			return 'not_found'
		end
		if tonumber(current) ~= expected then
			return 'conflict'
		end

		if customerKey ~= '' then
			local owner = redis.call('GET', customerKey)
			if owner and owner ~= userID then
				return 'customer_in_use'
			end
		end

		local previous = redis.call('HGET', recordKey, 'customer')
		if previous and previous ~= '' and previous ~= ARGV[3] then
			redis.call('DEL', ARGV[5] .. previous)
		end
		if customerKey ~= '' then
			redis.call('SET', customerKey, userID)
		end

		redis.call('HSET', recordKey, 'version', expected + 1, 'customer', ARGV[3], 'data', ARGV[4])
		return 'ok'
	`)

	// Sequence numbers keep entries with equal timestamps in append order.
	// An entry id already in the id set is not appended again.
	// KEYS: audit sorted set, sequence counter, entry id set
	// ARGV: score (unix ms), entry json, ttl seconds, entry id
	s.scripts["appendAudit"] = redis.NewScript(`
		if redis.call('SADD', KEYS[3], ARGV[4]) == 0 then
			return 'exists'
		end
		local seq = redis.call('INCR', KEYS[2])
		redis.call('ZADD', KEYS[1], ARGV[1], string.format('%016d', seq) .. '|' .. ARGV[2])
		local ttl = tonumber(ARGV[3])
		if ttl > 0 then
			redis.call('EXPIRE', KEYS[1], ttl)
			redis.call('EXPIRE', KEYS[2], ttl)
			redis.call('EXPIRE', KEYS[3], ttl)
		end
		return 'ok'
	`)
}

// GetRecord implements billsync.Store
func (s *Storage) GetRecord(ctx context.Context, userID string) (*billsync.Record, error) {
	data, err := s.client.HGet(ctx, s.recordKey(userID), "data").Bytes()
	if err == redis.Nil {
		return nil, billsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec billsync.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// GetRecordByCustomer implements billsync.Store
func (s *Storage) GetRecordByCustomer(ctx context.Context, customerID string) (*billsync.Record, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if err == redis.Nil {
		return nil, billsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return s.GetRecord(ctx, userID)
}

// CreateRecord implements billsync.Store
func (s *Storage) CreateRecord(ctx context.Context, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	stored := rec.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	keys := []string{s.recordKey(rec.UserID), s.optionalCustomerKey(rec.CustomerID)}
	result, err := s.scripts["create"].Run(ctx, s.client, keys, rec.UserID, rec.CustomerID, string(data)).Text()
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return scriptError(result, rec.CustomerID)
}

// CompareAndSwap implements billsync.Store
func (s *Storage) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *billsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	keys := []string{s.recordKey(rec.UserID), s.optionalCustomerKey(rec.CustomerID)}
	result, err := s.scripts["compareAndSwap"].Run(ctx, s.client, keys,
		expectedVersion, rec.UserID, rec.CustomerID, string(data), s.customerKey(""),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to compare and swap record: %w", err)
	}
	return scriptError(result, rec.CustomerID)
}

func scriptError(result, customerID string) error {
	switch result {
	case resultOK:
		return nil
	case resultNotFound:
		return billsync.ErrRecordNotFound
	case resultExists:
		return billsync.ErrRecordExists
	case resultConflict:
		return billsync.ErrVersionConflict
	case resultCustomerUse:
		return fmt.Errorf("%w: %s", billsync.ErrCustomerInUse, customerID)
	default:
		return fmt.Errorf("unexpected script result %q", result)
	}
}

// AppendAudit implements billsync.AuditLog
func (s *Storage) AppendAudit(ctx context.Context, entry *billsync.AuditEntry) error {
	if entry == nil || entry.UserID == "" || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	// A retried append whose first reply was lost finds its id and returns "exists".
	keys := []string{s.auditKey(entry.UserID), s.auditSeqKey(entry.UserID), s.auditIDsKey(entry.UserID)}
	err = s.scripts["appendAudit"].Run(ctx, s.client, keys,
		entry.Timestamp.UnixMilli(), string(data), int64(s.config.AuditTTL.Seconds()), entry.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit implements billsync.AuditLog
func (s *Storage) ListAudit(ctx context.Context, filter billsync.AuditFilter) ([]*billsync.AuditEntry, error) {
	minScore := "-inf"
	if filter.Since != nil {
		minScore = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	opt := &redis.ZRangeBy{Min: minScore, Max: "+inf"}
	if filter.Limit > 0 {
		opt.Count = int64(filter.Limit)
	}

	members, err := s.client.ZRangeByScore(ctx, s.auditKey(filter.UserID), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]*billsync.AuditEntry, 0, len(members))
	for _, member := range members {
		_, data, ok := strings.Cut(member, "|")
		if !ok {
			return nil, fmt.Errorf("malformed audit member")
		}
		var entry billsync.AuditEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Seen implements billsync.DedupSet
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n == 1, nil
}

// Mark implements billsync.DedupSet
func (s *Storage) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.eventKey(eventID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// recordKey generates the Redis key for a billing record
func (s *Storage) recordKey(userID string) string {
	return fmt.Sprintf("%srecord:%s", s.config.KeyPrefix, userID)
}

// customerKey generates the Redis key mapping a customer id to a user
func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) optionalCustomerKey(customerID string) string {
	if customerID == "" {
		return ""
	}
	return s.customerKey(customerID)
}

// auditKey generates the Redis key for a user's audit sorted set
func (s *Storage) auditKey(userID string) string {
	return fmt.Sprintf("%saudit:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) auditSeqKey(userID string) string {
	return fmt.Sprintf("%saudit_seq:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) auditIDsKey(userID string) string {
	return fmt.Sprintf("%saudit_ids:%s", s.config.KeyPrefix, userID)
}

// eventKey generates the Redis key for a processed event id
func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
