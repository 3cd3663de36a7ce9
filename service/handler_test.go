package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lai/datagate/db"
)

const testAdminToken = "secret123"

type serverFixture struct {
	*pipelineFixture
	weather *mockWeather
	handler http.Handler
}

func newServerFixture(t *testing.T, mappings map[string]string) *serverFixture {
	t.Helper()
	f := newPipelineFixture(t, mappings, PayloadDefaults{Fill: true})
	wx := &mockWeather{doc: sampleWeather()}

	srv := &Server{
		Ingest:   NewIngestHandler(f.pipeline),
		Mappings: NewMappingHandler(f.dir),
		Query: NewQueryHandler(f.cache,
			NewEnricher(f.cache, wx),
			NewDiagnostics(f.cache, f.pipeline.cfg.Snapshots)),
		Hub:           NewHub(),
		AdminToken:    testAdminToken,
		MaxConcurrent: 4,
	}
	return &serverFixture{pipelineFixture: f, weather: wx, handler: srv.Router()}
}

func (f *serverFixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

var admin = map[string]string{AdminTokenHeader: testAdminToken}

func TestIngestHandler(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
		wantBody string
	}{
		{
			name:     "forwarded event",
			method:   http.MethodPost,
			body:     batchDoc(truckA()),
			wantCode: http.StatusOK,
			wantBody: "OK (1)",
		},
		{
			name:     "empty batch",
			method:   http.MethodPost,
			body:     "<DatagateMessage/>",
			wantCode: http.StatusOK,
			wantBody: "OK (0)",
		},
		{
			name:     "malformed xml",
			method:   http.MethodPost,
			body:     "<DatagateMessage><AssetEvent>",
			wantCode: http.StatusOK,
			wantBody: "BAD XML",
		},
		{
			name:     "empty body",
			method:   http.MethodPost,
			body:     "",
			wantCode: http.StatusOK,
			wantBody: "BAD XML",
		},
		{
			name:     "wrong method GET",
			method:   http.MethodGet,
			wantCode: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, map[string]string{"Truck A": "1"})
			rec := f.do(tt.method, "/", tt.body, nil)

			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" {
				if got := rec.Body.String(); got != tt.wantBody {
					t.Errorf("body = %q, want %q", got, tt.wantBody)
				}
				if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
					t.Errorf("content type = %q", ct)
				}
			}
		})
	}
}

func TestIngestHandler_MalformedLeavesStateUnchanged(t *testing.T) {
	f := newServerFixture(t, map[string]string{"Truck A": "1"})

	f.do(http.MethodPost, "/", "<DatagateMessage><AssetEvent><AssetDescription>Truck A", nil)

	if f.cache.Len() != 0 {
		t.Error("cache changed")
	}
	if got := f.dir.List(); len(got) != 1 {
		t.Errorf("directory changed: %v", got)
	}
}

// mockIngester implements Ingester for testing.
type mockIngester struct {
	err error
}

func (m *mockIngester) Ingest(ctx context.Context, r io.Reader) (Result, error) {
	return Result{}, m.err
}

func TestIngestHandler_InternalError(t *testing.T) {
	h := NewIngestHandler(&mockIngester{err: errors.New("boom")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("<a/>")))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestQueryHandlers(t *testing.T) {
	f := newServerFixture(t, map[string]string{"Truck A": "1"})
	f.do(http.MethodPost, "/", batchDoc(truckA()), nil)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantKey  string
	}{
		{"health", "/health", http.StatusOK, "ok"},
		{"lastpos", "/lastpos", http.StatusOK, "truck a"},
		{"weather", "/asset/Truck%20A/weather", http.StatusOK, "speed_calculation"},
		{"weather unknown asset", "/asset/Never%20Seen/weather", http.StatusNotFound, "error"},
		{"debug", "/asset/truck%20a/debug", http.StatusOK, "calc_from_snapshot"},
		{"debug unknown asset", "/asset/Never%20Seen/debug", http.StatusNotFound, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path, "", nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("got status %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if _, ok := body[tt.wantKey]; !ok {
				t.Errorf("body %v has no %q", body, tt.wantKey)
			}
		})
	}
}

func TestQueryHandlers_WeatherUpstreamFailure(t *testing.T) {
	f := newServerFixture(t, map[string]string{})
	f.do(http.MethodPost, "/", batchDoc(truckA()), nil)
	f.weather.err = errors.New("timeout")

	rec := f.do(http.MethodGet, "/asset/Truck%20A/weather", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("got status %d, want 502", rec.Code)
	}
}

func TestQueryHandlers_DebugSnapshot(t *testing.T) {
	f := newServerFixture(t, map[string]string{})
	f.do(http.MethodPost, "/", batchDoc(truckA()), nil)

	rec := f.do(http.MethodGet, "/asset/Truck%20A/debug", "", nil)
	var view DebugView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.InputSpeedFromSnapshot == nil || view.InputSpeedFromSnapshot.Units != "kmh" {
		t.Errorf("input speed = %+v", view.InputSpeedFromSnapshot)
	}
	if view.CalcFromSnapshot.KmhFloor == nil || *view.CalcFromSnapshot.KmhFloor != 36 {
		t.Errorf("calc = %+v", view.CalcFromSnapshot)
	}
	if view.LocationFromSnapshot == nil || view.LocationFromSnapshot.Heading == nil || *view.LocationFromSnapshot.Heading != 10 {
		t.Errorf("location = %+v", view.LocationFromSnapshot)
	}

	// A corrupt snapshot is reported, not fatal.
	if err := os.WriteFile(*view.RawSnapshotPath, []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = f.do(http.MethodGet, "/asset/Truck%20A/debug", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "failed to read snapshot") {
		t.Errorf("corrupt snapshot: %d %s", rec.Code, rec.Body)
	}
}

func TestMappingHandlers(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		header   map[string]string
		wantCode int
	}{
		{"list", http.MethodGet, "/mappings", "", nil, http.StatusOK},
		{"add", http.MethodPost, "/mappings", `{"name":"Boat B","imei":"2"}`, admin, http.StatusCreated},
		{"add duplicate", http.MethodPost, "/mappings", `{"name":" truck a","imei":"9"}`, admin, http.StatusConflict},
		{"add invalid json", http.MethodPost, "/mappings", `{broken`, admin, http.StatusBadRequest},
		{"add blank imei", http.MethodPost, "/mappings", `{"name":"Boat B","imei":""}`, admin, http.StatusBadRequest},
		{"add without token", http.MethodPost, "/mappings", `{"name":"Boat B","imei":"2"}`, nil, http.StatusForbidden},
		{"add wrong token", http.MethodPost, "/mappings", `{"name":"Boat B","imei":"2"}`, map[string]string{AdminTokenHeader: "nope"}, http.StatusForbidden},
		{"edit", http.MethodPut, "/mappings/TRUCK%20A", `{"imei":"5"}`, admin, http.StatusOK},
		{"edit missing", http.MethodPut, "/mappings/Ghost", `{"imei":"5"}`, admin, http.StatusNotFound},
		{"edit without token", http.MethodPut, "/mappings/Truck%20A", `{"imei":"5"}`, nil, http.StatusForbidden},
		{"delete", http.MethodDelete, "/mappings/truck%20a", "", admin, http.StatusOK},
		{"delete missing", http.MethodDelete, "/mappings/Ghost", "", admin, http.StatusNotFound},
		{"delete without token", http.MethodDelete, "/mappings/Truck%20A", "", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, map[string]string{"Truck A": "1"})
			rec := f.do(tt.method, tt.path, tt.body, tt.header)
			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}
}

func TestMappingHandlers_UnauthorizedLeavesDirectory(t *testing.T) {
	f := newServerFixture(t, map[string]string{"Truck A": "1"})
	saves := f.mappingsDoc.Saves()

	f.do(http.MethodPost, "/mappings", `{"name":"Boat B","imei":"2"}`, nil)
	f.do(http.MethodPut, "/mappings/Truck%20A", `{"imei":"5"}`, nil)
	f.do(http.MethodDelete, "/mappings/Truck%20A", "", nil)

	if got := f.dir.List(); len(got) != 1 || got["Truck A"] != "1" {
		t.Errorf("directory = %v", got)
	}
	if f.mappingsDoc.Saves() != saves {
		t.Error("unauthorized request persisted the directory")
	}
}

func TestMappingHandlers_AddThenForward(t *testing.T) {
	f := newServerFixture(t, map[string]string{})

	if rec := f.do(http.MethodPost, "/", batchDoc(truckA()), nil); rec.Body.String() != "OK (0)" {
		t.Fatalf("before mapping: %s", rec.Body)
	}
	if rec := f.do(http.MethodPost, "/mappings", `{"name":"Truck A","imei":"7"}`, admin); rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodPost, "/", batchDoc(truckA()), nil); rec.Body.String() != "OK (1)" {
		t.Fatalf("after mapping: %s", rec.Body)
	}
	if f.ngp.delivered[0].DeviceID != "7" {
		t.Errorf("device_id = %q", f.ngp.delivered[0].DeviceID)
	}
}

func TestRequireAdmin_EmptyTokenRejectsAll(t *testing.T) {
	h := RequireAdmin("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached")
	}))
	req := httptest.NewRequest(http.MethodPost, "/mappings", nil)
	req.Header.Set(AdminTokenHeader, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("got status %d, want 403", rec.Code)
	}
}

func TestDiagnostics_MissingSnapshot(t *testing.T) {
	ctx := context.Background()
	cache := NewPositionCache(ctx, db.NewMemoryDocument(nil))
	pos := fixA()
	path := filepath.Join(t.TempDir(), "missing.json")
	pos.RawSnapshotPath = &path
	cache.Upsert(ctx, "truck a", pos)

	view, err := NewDiagnostics(cache, db.NewFileSnapshots(t.TempDir())).Debug(ctx, "Truck A")
	if err != nil {
		t.Fatal(err)
	}
	if view.SnapshotError != "" || view.InputSpeedFromSnapshot != nil {
		t.Errorf("missing snapshot view = %+v", view)
	}
	if view.SpeedKmhCached == nil || *view.SpeedKmhCached != 36 {
		t.Errorf("cached speed = %v", view.SpeedKmhCached)
	}
}
