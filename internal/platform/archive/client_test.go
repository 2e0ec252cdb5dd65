package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, zerolog.Nop())
	return c, srv
}

func TestListInstances(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("since") != "0" || r.URL.Query().Get("limit") != "100" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`["aaa","bbb"]`))
	}))

	ids, err := c.ListInstances(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "aaa" || ids[1] != "bbb" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestGetInstanceTags(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances/abc/simplified-tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"StudyInstanceUID": "1.2.3",
			"SeriesInstanceUID": "1.2.3.1",
			"SOPInstanceUID": "1.2.3.1.1",
			"Rows": "512",
			"Columns": "512",
			"BitsAllocated": "16",
			"PixelRepresentation": "1",
			"NumberOfFrames": "3",
			"RescaleIntercept": "-1024",
			"WindowCenter": "40\\80",
			"WindowWidth": "400",
			"PhotometricInterpretation": "MONOCHROME2"
		}`))
	}))

	tags, err := c.GetInstanceTags(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tags.StudyInstanceUID != "1.2.3" {
		t.Errorf("study uid: got %q", tags.StudyInstanceUID)
	}
	if tags.Rows != 512 || tags.Columns != 512 {
		t.Errorf("geometry: got %dx%d", tags.Rows, tags.Columns)
	}
	if tags.NumberOfFrames != 3 {
		t.Errorf("frames: got %d", tags.NumberOfFrames)
	}
	if tags.RescaleSlope != 1 {
		t.Errorf("slope default: got %f", tags.RescaleSlope)
	}
	if tags.RescaleIntercept != -1024 {
		t.Errorf("intercept: got %f", tags.RescaleIntercept)
	}
	if tags.WindowCenter == nil || *tags.WindowCenter != 40 {
		t.Errorf("window center: got %v", tags.WindowCenter)
	}
	if tags.SamplesPerPixel != 1 {
		t.Errorf("samples per pixel default: got %d", tags.SamplesPerPixel)
	}
}

func TestGetInstanceTags_NotFound(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.GetInstanceTags(context.Background(), "missing")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestGetRenderedFrame(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances/abc/frames/2/rendered" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("quality") != "90" {
			t.Errorf("unexpected quality %s", r.URL.Query().Get("quality"))
		}
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))

	data, err := c.GetRenderedFrame(context.Background(), "abc", 2, 90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 4 || data[1] != 'P' {
		t.Errorf("unexpected body: %v", data)
	}
}

func TestTimeoutClassification(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	c.http.SetTimeout(20 * time.Millisecond)

	_, err := c.GetRawInstance(context.Background(), "slow")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestUnreachableClassification(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	c := NewClient(Config{BaseURL: base, Timeout: time.Second}, zerolog.Nop())

	_, err := c.ListInstances(context.Background(), 0, 10)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestGetInstanceInfo(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances/inst-a" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ID":"inst-a","ParentSeries":"series-7","Type":"Instance"}`))
	}))

	info, err := c.GetInstanceInfo(context.Background(), "inst-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID != "inst-a" || info.ParentSeries != "series-7" {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestGetSeriesInfo(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/series/series-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ID":"series-7","ParentStudy":"study-3","Type":"Series"}`))
	}))

	info, err := c.GetSeriesInfo(context.Background(), "series-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ParentStudy != "study-3" {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestGetInstanceInfo_NotFound(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetInstanceInfo(context.Background(), "gone")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}
