package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// staticSource serves fixed records
type staticSource map[string]*billsync.Record

func (s staticSource) Record(_ context.Context, userID string) (*billsync.Record, error) {
	if rec, ok := s[userID]; ok {
		return rec, nil
	}
	return nil, billsync.ErrRecordNotFound
}

type failingSource struct{}

func (failingSource) Record(context.Context, string) (*billsync.Record, error) {
	return nil, errors.New("connection refused")
}

func testSource() staticSource {
	return staticSource{
		"paid": {UserID: "paid", Status: billsync.StatusActive, PlanTier: billsync.TierPaid},
		"late": {UserID: "late", Status: billsync.StatusPastDue, PlanTier: billsync.TierPaid},
		"free": {UserID: "free", Status: billsync.StatusCanceled, PlanTier: billsync.TierFree},
	}
}

func setupEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(RequirePaid(cfg))
	e.GET("/api/premium", func(c echo.Context) error {
		rec, ok := RecordFrom(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "missing record")
		}
		return c.String(http.StatusOK, "welcome "+rec.UserID)
	})
	return e
}

func request(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/premium", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequirePaid(t *testing.T) {
	e := setupEcho(Config{Records: testSource(), GetUserID: FromHeader("X-User-ID")})

	tests := []struct {
		name   string
		userID string
		want   int
		tier   string
	}{
		{"active subscriber", "paid", http.StatusOK, "paid"},
		{"past due keeps access", "late", http.StatusOK, "paid"},
		{"canceled user", "free", http.StatusPaymentRequired, "free"},
		{"unknown user", "nobody", http.StatusPaymentRequired, "free"},
		{"unauthenticated", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := request(e, tt.userID)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
			if got := rec.Header().Get("X-Plan-Tier"); got != tt.tier {
				t.Errorf("Expected X-Plan-Tier %q, got %q", tt.tier, got)
			}
		})
	}
}

func TestRequirePaid_CustomStatusCode(t *testing.T) {
	e := setupEcho(Config{
		Records:                   testSource(),
		GetUserID:                 FromHeader("X-User-ID"),
		PaymentRequiredStatusCode: http.StatusForbidden,
	})

	if rec := request(e, "free"); rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestRequirePaid_Handlers(t *testing.T) {
	var gotRecord *billsync.Record
	e := setupEcho(Config{
		Records:   testSource(),
		GetUserID: FromHeader("X-User-ID"),
		OnPaymentRequired: func(c echo.Context, rec *billsync.Record) error {
			gotRecord = rec
			return c.Redirect(http.StatusSeeOther, "/pricing")
		},
		OnUnauthorized: func(c echo.Context) error {
			return c.NoContent(http.StatusTeapot)
		},
	})

	if rec := request(e, "free"); rec.Code != http.StatusSeeOther {
		t.Errorf("Expected status 303, got %d", rec.Code)
	}
	if gotRecord == nil || gotRecord.UserID != "free" {
		t.Errorf("Expected record of user free, got %+v", gotRecord)
	}
	if rec := request(e, ""); rec.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rec.Code)
	}
}

func TestRequirePaid_StoreError(t *testing.T) {
	e := setupEcho(Config{Records: failingSource{}, GetUserID: FromHeader("X-User-ID")})
	if rec := request(e, "paid"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}

	e = setupEcho(Config{
		Records:   failingSource{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c echo.Context, err error) error {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		},
	})
	if rec := request(e, "paid"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestExtractors(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("GET", "/users/u1?user=u2", http.NoBody)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("u1")
	c.Set("UserID", "u3")

	if got := FromParam("id")(c); got != "u1" {
		t.Errorf("FromParam = %q", got)
	}
	if got := FromQuery("user")(c); got != "u2" {
		t.Errorf("FromQuery = %q", got)
	}
	if got := FromContext("UserID")(c); got != "u3" {
		t.Errorf("FromContext = %q", got)
	}
	if got := FromContext("missing")(c); got != "" {
		t.Errorf("FromContext missing = %q", got)
	}
}

func TestRequirePaid_PanicsWithoutExtractor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing GetUserID")
		}
	}()
	RequirePaid(Config{Records: testSource()})
}
