// Package gin provides Gin middleware for plan gating
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// RecordKey is the Gin context key holding the *billsync.Record of a gated request
const RecordKey = "billing_record"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// RecordSource returns the billing record of a user. *billsync.Engine satisfies it.
type RecordSource interface {
	Record(ctx context.Context, userID string) (*billsync.Record, error)
}

// Config holds middleware configuration
type Config struct {
	// Records looks up billing records (required)
	Records RecordSource

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Tier is the plan tier a request must have
	// Default: TierPaid
	Tier billsync.PlanTier

	// PaymentRequiredStatusCode is returned when the plan tier does not match
	// Default: 402 (Payment Required)
	PaymentRequiredStatusCode int

	// OnPaymentRequired is called when the plan tier does not match.
	// The middleware aborts the chain after it returns.
	OnPaymentRequired func(c *gongin.Context, rec *billsync.Record)

	// OnUnauthorized is called when user is not authenticated
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	OnError func(c *gongin.Context, err error)
}

// RequirePaid creates a Gin middleware that lets through only users on the configured plan tier
func RequirePaid(cfg Config) gongin.HandlerFunc {
	if cfg.Records == nil {
		panic("billsync/gin: Config.Records is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/gin: Config.GetUserID is required")
	}
	if cfg.Tier == "" {
		cfg.Tier = billsync.TierPaid
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		rec, err := cfg.Records.Record(c.Request.Context(), userID)
		if errors.Is(err, billsync.ErrRecordNotFound) {
			rec, err = &billsync.Record{UserID: userID, Status: billsync.StatusFree, PlanTier: billsync.TierFree}, nil
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Header("X-Plan-Tier", string(rec.PlanTier))
		if rec.PlanTier != cfg.Tier {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, rec)
			} else {
				c.JSON(cfg.PaymentRequiredStatusCode, gongin.H{
					"error":  "Payment required",
					"status": rec.Status,
				})
			}
			c.Abort()
			return
		}

		c.Set(RecordKey, rec)
		c.Next()
	}
}

// RecordFrom returns the billing record stored by RequirePaid
func RecordFrom(c *gongin.Context) (*billsync.Record, bool) {
	val, ok := c.Get(RecordKey)
	if !ok {
		return nil, false
	}
	rec, ok := val.(*billsync.Record)
	return rec, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
