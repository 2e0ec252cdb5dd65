package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type mockCachePurger struct {
	purged []string
	err    error
}

func (m *mockCachePurger) PurgeStudy(studyUID string) error {
	m.purged = append(m.purged, studyUID)
	return m.err
}

func newTestHandler() (*Handler, *mockCachePurger, *echo.Echo) {
	svc, studies, series, frames := newTestService()
	seedStudy(studies, series, frames)
	purger := &mockCachePurger{}
	return NewHandler(svc, purger), purger, echo.New()
}

func TestHandler_GetStudy(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("studyUID")
	c.SetParamValues("1.2.3")

	if err := h.GetStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var md StudyMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &md); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(md.Series) != 2 {
		t.Errorf("expected 2 series in projection, got %d", len(md.Series))
	}
}

func TestHandler_GetStudy_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("studyUID")
	c.SetParamValues("9.9.9")

	err := h.GetStudy(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListStudies(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?modality=CT&limit=10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListStudies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Total != 1 || resp.Limit != 10 {
		t.Errorf("unexpected envelope: total=%d limit=%d", resp.Total, resp.Limit)
	}
}

func TestHandler_PurgeStudy(t *testing.T) {
	h, purger, e := newTestHandler()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("studyUID")
	c.SetParamValues("1.2.3")

	if err := h.PurgeStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(purger.purged) != 1 || purger.purged[0] != "1.2.3" {
		t.Errorf("cache purge not invoked: %v", purger.purged)
	}
	// Purge is idempotent only on the index side; a second delete is a 404.
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec2)
	c2.SetParamNames("studyUID")
	c2.SetParamValues("1.2.3")
	err := h.PurgeStudy(c2)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second purge, got %v", err)
	}
}

func TestHandler_PurgeStudy_CacheFailureStillSucceeds(t *testing.T) {
	h, purger, e := newTestHandler()
	purger.err = context.DeadlineExceeded
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("studyUID")
	c.SetParamValues("1.2.3")

	if err := h.PurgeStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["cache_purged"] != false {
		t.Errorf("expected cache_purged=false, got %v", resp["cache_purged"])
	}
}
