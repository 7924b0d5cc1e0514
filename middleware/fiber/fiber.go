// Package fiber provides Fiber middleware for plan gating
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// RecordKey is the Locals key holding the *billsync.Record of a gated request
const RecordKey = "billing_record"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnPaymentRequired func(c *fiber.Ctx, rec *billsync.Record) error

	// OnUnauthorized is called when user is not authenticated
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	OnError func(c *fiber.Ctx, err error) error
}

// RequirePaid creates a Fiber middleware that lets through only users on the configured plan tier
func RequirePaid(cfg Config) fiber.Handler {
	if cfg.Records == nil {
		panic("billsync/fiber: Config.Records is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/fiber: Config.GetUserID is required")
	}
	if cfg.Tier == "" {
		cfg.Tier = billsync.TierPaid
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		rec, err := cfg.Records.Record(c.UserContext(), userID)
		if errors.Is(err, billsync.ErrRecordNotFound) {
			rec, err = &billsync.Record{UserID: userID, Status: billsync.StatusFree, PlanTier: billsync.TierFree}, nil
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		c.Set("X-Plan-Tier", string(rec.PlanTier))
		if rec.PlanTier != cfg.Tier {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, rec)
			}
			return defaultPaymentRequired(c, rec, cfg.PaymentRequiredStatusCode)
		}

		c.Locals(RecordKey, rec)
		return c.Next()
	}
}

// RecordFrom returns the billing record stored by RequirePaid
func RecordFrom(c *fiber.Ctx) (*billsync.Record, bool) {
	rec, ok := c.Locals(RecordKey).(*billsync.Record)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *fiber.Ctx, rec *billsync.Record, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":  "Payment required",
		"status": rec.Status,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by auth middleware via c.Locals("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
