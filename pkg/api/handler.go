package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

var (
	errUnauthenticated = errors.New("user ID not found")
	errForbidden       = errors.New("user ID does not match the authenticated user")
	errBodyTooLarge    = errors.New("request body too large")
)

// validationError lists the fields that failed validation.
type validationError struct {
	fields map[string]string
}

func (e *validationError) Error() string {
	return "validation failed"
}

func (e *validationError) Unwrap() error {
	return billsync.ErrInvalidRequest
}

// Handler provides the HTTP surface of the billing service
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Routes returns a router with every billing endpoint. Mount it under a
// prefix such as /billing.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.config.Webhook != nil {
		r.Handle("/webhook", h.config.Webhook)
	}
	r.Post("/checkout", h.Checkout)
	r.Post("/cancel", h.Cancel)
	r.Post("/records", h.CreateRecord)
	r.Get("/records", h.GetRecord)
	r.Get("/audit", h.GetAudit)
	r.Post("/sync", h.Sync)
	return r
}

// Checkout issues a checkout session. Billing state is not touched.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := h.decode(w, r, &req, &req.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}

	session, err := h.config.Service.CreateSession(r.Context(), req.PriceID, req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, CheckoutResponse{SessionID: session.ID, URL: session.URL})
}

// Cancel schedules cancellation at period end.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := h.decode(w, r, &req, &req.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}

	summary, err := h.config.Service.Cancel(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, summary)
}

// CreateRecord creates the free record of a new user. Repeated calls return
// the existing record.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := h.decode(w, r, &req, &req.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}

	rec, err := h.config.Engine.EnsureRecord(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, billing.SummaryFromRecord(rec))
}

// GetRecord returns the billing state of ?user_id=.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r, r.URL.Query().Get("user_id"))
	if err == nil {
		err = h.check(&UserRequest{UserID: userID})
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	rec, err := h.config.Engine.Record(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, billing.SummaryFromRecord(rec))
}

// GetAudit returns the audit trail of ?user_id=, oldest first.
// Optional: limit (capped at MaxAuditLimit) and since (RFC 3339).
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseAuditQuery(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	entries, err := h.config.Engine.AuditTrail(r.Context(), billsync.AuditFilter{
		UserID: q.UserID,
		Since:  q.Since,
		Limit:  q.Limit,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*billsync.AuditEntry{}
	}
	render.JSON(w, r, AuditResponse{UserID: q.UserID, Entries: entries})
}

// Sync pulls the processor's state for a user and reconciles it.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := h.decode(w, r, &req, &req.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}

	summary, err := h.config.Service.Sync(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, summary)
}

func (h *Handler) parseAuditQuery(r *http.Request) (*auditQuery, error) {
	query := r.URL.Query()
	userID, err := h.userID(r, query.Get("user_id"))
	if err != nil {
		return nil, err
	}

	q := &auditQuery{UserID: userID}
	if raw := query.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("%w: limit must be an integer", billsync.ErrInvalidRequest)
		}
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: since must be an RFC 3339 timestamp", billsync.ErrInvalidRequest)
		}
		q.Since = &since
	}
	if err := h.check(q); err != nil {
		return nil, err
	}
	if q.Limit > h.config.MaxAuditLimit {
		q.Limit = h.config.MaxAuditLimit
	}
	return q, nil
}

// decode reads a JSON body into v, resolves the user ID into userID and
// validates v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}, userID *string) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return fmt.Errorf("%w: invalid JSON body", billsync.ErrInvalidRequest)
	}

	resolved, err := h.userID(r, *userID)
	if err != nil {
		return err
	}
	*userID = resolved
	return h.check(v)
}

// userID returns the authenticated user when GetUserID is configured and the
// claimed one otherwise.
func (h *Handler) userID(r *http.Request, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	if h.config.GetUserID == nil {
		return claimed, nil
	}

	authenticated := h.config.GetUserID(r)
	if authenticated == "" {
		return "", errUnauthenticated
	}
	if claimed != "" && claimed != authenticated {
		return "", errForbidden
	}
	return authenticated, nil
}

func (h *Handler) check(v interface{}) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", billsync.ErrInvalidRequest, err)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &validationError{fields: fields}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, billsync.ErrInvalidRequest),
		errors.Is(err, billing.ErrNoActiveSubscription),
		errors.Is(err, billing.ErrProcessorRejected):
		return http.StatusBadRequest
	case errors.Is(err, billsync.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if h.config.OnError != nil {
		h.config.OnError(w, r, status, err)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("Billing API request failed",
			billsync.Field{Key: "path", Value: r.URL.Path},
			billsync.ErrField(err),
		)
		resp.Error = "internal error"
	}
	var vErr *validationError
	if errors.As(err, &vErr) {
		resp.Fields = vErr.fields
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}
