package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/radiology/dashboard/internal/platform/middleware"
)

func newTestHandler(t *testing.T, seeded int) (*Handler, *echo.Echo, Store) {
	t.Helper()
	store := NewMemoryStore()
	svc := newTestService(store)
	if seeded > 0 {
		seed(t, svc, seeded)
	}
	h := NewHandler(svc, SeedRequest{Count: DefaultCount, WindowDays: DefaultWindowDays})
	return h, echo.New(), store
}

func assertHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != want {
		t.Errorf("expected %d, got %d", want, he.Code)
	}
}

func TestHandler_GetDashboard(t *testing.T) {
	h, e, _ := newTestHandler(t, 120)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetDashboard(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var d Dashboard
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.TotalVisits != 120 {
		t.Errorf("expected 120 total visits, got %d", d.TotalVisits)
	}
	if len(d.RecentVisits) != 10 {
		t.Errorf("expected 10 recent visits, got %d", len(d.RecentVisits))
	}
}

func TestHandler_ListVisits(t *testing.T) {
	h, e, _ := newTestHandler(t, 150)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits?modality=mri&limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListVisits(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Page struct {
			Data    []Visit `json:"data"`
			Total   int     `json:"total"`
			Limit   int     `json:"limit"`
			HasMore bool    `json:"has_more"`
		} `json:"page"`
		Links []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"links"`
		Modalities []string `json:"modalities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Page.Limit != 5 || len(body.Page.Data) != 5 {
		t.Errorf("expected a page of 5, got limit=%d len=%d", body.Page.Limit, len(body.Page.Data))
	}
	for _, v := range body.Page.Data {
		if v.Modality != ModalityMRI {
			t.Errorf("expected MRI only, got %s", v.Modality)
		}
	}
	if !body.Page.HasMore {
		t.Error("expected more MRI pages")
	}
	if len(body.Links) < 2 || body.Links[1].Relation != "next" {
		t.Errorf("expected self and next links, got %+v", body.Links)
	}
	if len(body.Modalities) != 3 {
		t.Errorf("expected 3 modalities for the filter dropdown, got %v", body.Modalities)
	}
}

func TestHandler_ListVisits_BadFilters(t *testing.T) {
	h, e, _ := newTestHandler(t, 0)

	for _, q := range []string{"modality=PET", "exam_type=MRI_ELBOW", "emergency=maybe"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/visits?"+q, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		assertHTTPStatus(t, h.ListVisits(c), http.StatusBadRequest)
	}
}

func TestHandler_GetReports(t *testing.T) {
	h, e, _ := newTestHandler(t, 80)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetReports(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r Reports
	json.Unmarshal(rec.Body.Bytes(), &r)
	if len(r.WeekdayData) != 7 {
		t.Errorf("expected 7 weekdays, got %d", len(r.WeekdayData))
	}
}

func TestHandler_GetSummary(t *testing.T) {
	h, e, _ := newTestHandler(t, 60)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetSummary(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var s Summary
	json.Unmarshal(rec.Body.Bytes(), &s)
	if s.Total != 60 || s.MRI+s.CT+s.XRay != 60 {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func TestHandler_Seed(t *testing.T) {
	h, e, store := newTestHandler(t, 10)

	body := `{"count":75,"window_days":30,"seed":4}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/seed", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Seed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var res SeedResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Inserted != 75 || res.Cleared != 10 || res.WindowDays != 30 {
		t.Errorf("unexpected seed result: %+v", res)
	}
	if n, _ := store.Count(context.Background(), Filter{}); n != 75 {
		t.Errorf("expected 75 stored, got %d", n)
	}
}

func TestHandler_Seed_Defaults(t *testing.T) {
	h, e, store := newTestHandler(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/seed", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Seed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := store.Count(context.Background(), Filter{}); n != DefaultCount {
		t.Errorf("expected %d stored, got %d", DefaultCount, n)
	}
}

func TestHandler_Seed_ZeroCount(t *testing.T) {
	h, e, store := newTestHandler(t, 20)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/seed", strings.NewReader(`{"count":0}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assertHTTPStatus(t, h.Seed(c), http.StatusBadRequest)
	if n, _ := store.Count(context.Background(), Filter{}); n != 20 {
		t.Errorf("expected existing 20 visits untouched, got %d", n)
	}
}

func TestHandler_Seed_MalformedBody(t *testing.T) {
	h, e, _ := newTestHandler(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/seed", strings.NewReader(`{"count":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assertHTTPStatus(t, h.Seed(c), http.StatusBadRequest)
}

func TestHandler_StorageErrorIs500(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore(), failClear: true}
	h := NewHandler(newTestService(store), SeedRequest{Count: 5, WindowDays: 5})
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/seed", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assertHTTPStatus(t, h.Seed(c), http.StatusInternalServerError)
}

func TestHandler_SeedWithSlowHookUnderTimeout(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store)
	svc.SetHookTimeout(150 * time.Millisecond)
	var hookErr error
	svc.OnSeeded(func(ctx context.Context, _ *SeedResult) error {
		<-ctx.Done()
		hookErr = ctx.Err()
		return hookErr
	})

	e := echo.New()
	api := e.Group("/api/v1", middleware.RequestTimeout(50*time.Millisecond))
	NewHandler(svc, SeedRequest{Count: DefaultCount, WindowDays: DefaultWindowDays}).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/seed", strings.NewReader(`{"count":50}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 for a completed reseed, got %d: %s", rec.Code, rec.Body.String())
	}
	if n, _ := store.Count(context.Background(), Filter{}); n != 50 {
		t.Errorf("expected 50 stored, got %d", n)
	}
	if !errors.Is(hookErr, context.DeadlineExceeded) {
		t.Errorf("expected hook to hit its own deadline, got %v", hookErr)
	}
}

func TestHttpError_DeadlineIs504(t *testing.T) {
	err := fmt.Errorf("%w: count visits: %w", ErrStorage, context.DeadlineExceeded)
	assertHTTPStatus(t, httpError(err), http.StatusGatewayTimeout)
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e, _ := newTestHandler(t, 0)
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/dashboard": false,
		"GET /api/v1/visits":    false,
		"GET /api/v1/reports":   false,
		"GET /api/v1/summary":   false,
		"POST /api/v1/seed":     false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
