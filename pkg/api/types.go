package api

import (
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// CheckoutRequest starts a hosted checkout for a price.
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required,max=255"`
	UserID  string `json:"userId" validate:"required,max=255"`
}

// CheckoutResponse carries the session the client redirects to.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// UserRequest is the body of the cancel, records and sync endpoints.
type UserRequest struct {
	UserID string `json:"userId" validate:"required,max=255"`
}

// auditQuery is the parsed query of the audit endpoint.
type auditQuery struct {
	UserID string     `json:"user_id" validate:"required,max=255"`
	Limit  int        `json:"limit" validate:"min=0"`
	Since  *time.Time `json:"since"`
}

// RecordResponse is the billing state of a user.
type RecordResponse = billing.Summary

// AuditResponse lists audit entries oldest first.
type AuditResponse struct {
	UserID  string                 `json:"userId"`
	Entries []*billsync.AuditEntry `json:"entries"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
