// Package http provides HTTP middleware for plan gating
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// RecordSource returns the billing record of a user. *billsync.Engine satisfies it.
type RecordSource interface {
	Record(ctx context.Context, userID string) (*billsync.Record, error)
}

// Config holds middleware configuration
type Config struct {
	// Records looks up billing records (required)
	Records RecordSource

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Tier is the plan tier a request must have
	// Default: TierPaid
	Tier billsync.PlanTier

	// OnPaymentRequired is called when the user's plan tier does not match
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, rec *billsync.Record)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{}

// RecordFromContext returns the billing record stored by the middleware, if any.
func RecordFromContext(ctx context.Context) (*billsync.Record, bool) {
	rec, ok := ctx.Value(contextKey{}).(*billsync.Record)
	return rec, ok
}

// RequirePaid creates an HTTP middleware that lets through only users on the configured plan tier.
// Users without a billing record are treated as free.
func RequirePaid(config Config) func(http.Handler) http.Handler {
	if config.Records == nil {
		panic("billsync/http: Config.Records is required")
	}
	if config.GetUserID == nil {
		panic("billsync/http: Config.GetUserID is required")
	}
	if config.Tier == "" {
		config.Tier = billsync.TierPaid
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			rec, err := config.Records.Record(r.Context(), userID)
			switch {
			case errors.Is(err, billsync.ErrRecordNotFound):
				rec = &billsync.Record{UserID: userID, Status: billsync.StatusFree, PlanTier: billsync.TierFree}
			case err != nil:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}

			w.Header().Set("X-Plan-Tier", string(rec.PlanTier))
			if rec.PlanTier != config.Tier {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, rec)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]string{
						"error":  "Payment required",
						"status": string(rec.Status),
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, rec)))
		})
	}
}

// HandlerFunc creates a plan gating middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequirePaid(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
