package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	defaultMaxAuditLimit = 500
	defaultMaxBodyBytes  = 64 * 1024
)

// Config holds configuration for the billing API handler
type Config struct {
	// Engine is the reconciliation engine (required)
	Engine *billsync.Engine

	// Service implements checkout, cancellation and sync (required)
	Service *billing.Service

	// Webhook is the processor webhook handler mounted at /webhook (optional)
	Webhook http.Handler

	// GetUserID extracts the authenticated user ID from the request (optional).
	// When set it takes precedence over the userId in the body or query, and a
	// request without one is rejected with 401.
	GetUserID func(*http.Request) string

	// MaxAuditLimit caps the limit query parameter of the audit endpoint (default: 500)
	MaxAuditLimit int

	// OnError handles errors after they are mapped to a status code.
	// If nil, a JSON error body is written.
	OnError func(w http.ResponseWriter, r *http.Request, status int, err error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger billsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxAuditLimit <= 0 {
		config.MaxAuditLimit = defaultMaxAuditLimit
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
