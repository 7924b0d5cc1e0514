package billsync

import "time"

// Config holds reconciliation engine configuration
type Config struct {
	// Store holds the billing records (required)
	Store Store

	// Audit receives one entry per applied transition (required)
	Audit AuditLog

	// Dedup remembers processed webhook event ids (optional)
	Dedup DedupSet

	// DedupTTL is how long processed event ids are remembered (default: 72 hours)
	DedupTTL time.Duration

	// Mapper derives plan tiers (default: DefaultStateMapper)
	Mapper *StateMapper

	// MaxAttempts bounds compare-and-swap attempts per reconciliation (default: 5)
	MaxAttempts int

	// StoreRetries bounds retries of a single failing store call (default: 3, negative disables retries)
	StoreRetries int

	// RetryInitialInterval is the first backoff delay (default: 50ms)
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff delay (default: 1 second)
	RetryMaxInterval time.Duration

	// OperationTimeout bounds each store call (default: 5 seconds)
	OperationTimeout time.Duration

	// Metrics is used for tracking reconciliations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.DedupTTL <= 0 {
		c.DedupTTL = 72 * time.Hour
	}
	if c.Mapper == nil {
		m := DefaultStateMapper()
		c.Mapper = &m
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StoreRetries < 0 {
		c.StoreRetries = 0
	} else if c.StoreRetries == 0 {
		c.StoreRetries = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 50 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
