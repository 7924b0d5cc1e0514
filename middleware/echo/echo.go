// Package echo provides Echo middleware for plan gating
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// RecordKey is the Echo context key holding the *billsync.Record of a gated request
const RecordKey = "billing_record"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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

	// OnPaymentRequired is called when the plan tier does not match
	// If nil, uses default response: PaymentRequiredStatusCode JSON with the record status
	OnPaymentRequired func(c echo.Context, rec *billsync.Record) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequirePaid creates an Echo middleware that lets through only users on the configured plan tier
func RequirePaid(cfg Config) echo.MiddlewareFunc {
	if cfg.Records == nil {
		panic("billsync/echo: Config.Records is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/echo: Config.GetUserID is required")
	}
	if cfg.Tier == "" {
		cfg.Tier = billsync.TierPaid
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			rec, err := cfg.Records.Record(c.Request().Context(), userID)
			if errors.Is(err, billsync.ErrRecordNotFound) {
				rec, err = &billsync.Record{UserID: userID, Status: billsync.StatusFree, PlanTier: billsync.TierFree}, nil
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			c.Response().Header().Set("X-Plan-Tier", string(rec.PlanTier))
			if rec.PlanTier != cfg.Tier {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, rec)
				}
				return c.JSON(cfg.PaymentRequiredStatusCode, map[string]string{
					"error":  "Payment required",
					"status": string(rec.Status),
				})
			}

			c.Set(RecordKey, rec)
			return next(c)
		}
	}
}

// RecordFrom returns the billing record stored by RequirePaid
func RecordFrom(c echo.Context) (*billsync.Record, bool) {
	rec, ok := c.Get(RecordKey).(*billsync.Record)
	return rec, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
