package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/api/middleware"
	"github.com/drfirst/go-chart/internal/audit"
	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/chart/format"
	"github.com/drfirst/go-chart/internal/chart/service"
	"github.com/drfirst/go-chart/internal/fhir/r4"
	"github.com/drfirst/go-chart/internal/fhirclient"
	"github.com/drfirst/go-chart/internal/session"
	"github.com/drfirst/go-chart/internal/viewstate"
)

var fixedNow = time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)

type loadFunc func(ctx context.Context, patientID string) (*chart.Chart, error)

func (f loadFunc) Load(ctx context.Context, patientID string) (*chart.Chart, error) {
	return f(ctx, patientID)
}

type searchFunc func(ctx context.Context, query url.Values) (*r4.Bundle, error)

func (f searchFunc) SearchPatients(ctx context.Context, query url.Values) (*r4.Bundle, error) {
	return f(ctx, query)
}

func sampleChart(patientID string) *chart.Chart {
	return &chart.Chart{
		PatientID: patientID,
		Patient: &r4.Patient{
			ID:        patientID,
			Gender:    "male",
			BirthDate: "1980-03-01",
			Name:      []r4.HumanName{{Family: "Smith", Given: []string{"John"}}},
		},
		Timeline: []chart.TimelineEntry{{
			Encounter: &r4.Encounter{ID: "e1", Status: "finished", Period: &r4.Period{Start: "2023-01-10"}},
		}},
	}
}

func newPatientServer(loader ChartLoader, searcher PatientSearcher) *httptest.Server {
	h := NewPatientHandler(loader, searcher, "en", zap.NewNop())
	h.now = func() time.Time { return fixedNow }
	r := chi.NewRouter()
	r.Mount("/patients", h.Routes())
	return httptest.NewServer(r)
}

func decodeOutcome(t *testing.T, resp *http.Response) r4.OperationOutcome {
	t.Helper()
	var outcome r4.OperationOutcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	require.NotEmpty(t, outcome.Issue)
	return outcome
}

func TestChartRendersForDisplay(t *testing.T) {
	srv := newPatientServer(loadFunc(func(_ context.Context, id string) (*chart.Chart, error) {
		return sampleChart(id), nil
	}), nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/patients/p1/chart")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view format.ChartView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "p1", view.PatientID)
	assert.Equal(t, "en", view.Locale)
	require.NotNil(t, view.Patient)
	assert.Equal(t, "44", view.Patient.Age)
	require.Len(t, view.Timeline, 1)
	assert.Equal(t, "Finished", view.Timeline[0].Status)
}

func TestChartLocale(t *testing.T) {
	srv := newPatientServer(loadFunc(func(_ context.Context, id string) (*chart.Chart, error) {
		return sampleChart(id), nil
	}), nil)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/patients/p1/chart", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.5")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var view format.ChartView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "de", view.Locale)

	resp2, err := http.Get(srv.URL + "/patients/p1/chart?locale=fr")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&view))
	assert.Equal(t, "fr", view.Locale)
}

func TestChartRawView(t *testing.T) {
	srv := newPatientServer(loadFunc(func(_ context.Context, id string) (*chart.Chart, error) {
		return sampleChart(id), nil
	}), nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/patients/p1/chart?view=raw")
	require.NoError(t, err)
	defer resp.Body.Close()

	var c chart.Chart
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	require.NotNil(t, c.Patient)
	assert.Equal(t, "1980-03-01", c.Patient.BirthDate)
}

func TestChartErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid id", fmt.Errorf("%w: %q", service.ErrInvalidPatientID, "x"), http.StatusBadRequest, "invalid"},
		{"not found", service.ErrPatientNotFound, http.StatusNotFound, "not-found"},
		{"unauthenticated", fmt.Errorf("fetch: %w", session.ErrUnauthenticated), http.StatusUnauthorized, "login"},
		{"not ready", session.ErrNotReady, http.StatusServiceUnavailable, "transient"},
		{"breaker open", fmt.Errorf("fetch: %w", fhirclient.ErrCircuitOpen), http.StatusServiceUnavailable, "transient"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"upstream", &fhirclient.StatusError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway, "exception"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "exception"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPatientServer(loadFunc(func(context.Context, string) (*chart.Chart, error) {
				return nil, tt.err
			}), nil)
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/patients/p1/chart")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeOutcome(t, resp).Issue[0].Code)
		})
	}
}

func TestSearch(t *testing.T) {
	var got url.Values
	total := 7
	srv := newPatientServer(nil, searchFunc(func(_ context.Context, q url.Values) (*r4.Bundle, error) {
		got = q
		return &r4.Bundle{
			ResourceType: r4.ResourceTypeBundle,
			Type:         r4.BundleTypeSearchset,
			Total:        &total,
			Entry: []r4.BundleEntry{
				{Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1","gender":"female","birthDate":"2000-06-15","name":[{"family":"Doe","given":["Jane"]}]}`)},
				{Resource: json.RawMessage(`{"resourceType":"OperationOutcome","issue":[]}`)},
			},
		}, nil
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/patients?name=doe&_count=500&unknown=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "doe", got.Get("name"))
	assert.Equal(t, "100", got.Get("_count"))
	assert.Empty(t, got.Get("unknown"))

	var body SearchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 7, body.Total)
	require.Len(t, body.Patients, 1)
	assert.Equal(t, "p1", body.Patients[0].ID)
	assert.Equal(t, "Female", body.Patients[0].Gender)
	assert.Equal(t, "24", body.Patients[0].Age)
	assert.Contains(t, body.Patients[0].Name, "Doe")
}

func TestSearchValidation(t *testing.T) {
	srv := newPatientServer(nil, searchFunc(func(context.Context, url.Values) (*r4.Bundle, error) {
		t.Fatal("search must not run")
		return nil, nil
	}))
	defer srv.Close()

	for _, path := range []string{"/patients", "/patients?name=x&_count=0", "/patients?name=x&_count=abc"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

// gatedLoader holds each patient's load until released.
type gatedLoader struct {
	gates map[string]chan error
}

func (g *gatedLoader) Load(ctx context.Context, patientID string) (*chart.Chart, error) {
	gate, ok := g.gates[patientID]
	if !ok {
		return sampleChart(patientID), nil
	}
	select {
	case err := <-gate:
		if err != nil {
			return nil, err
		}
		return sampleChart(patientID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newViewerServer(loader viewstate.Loader) *httptest.Server {
	h := NewViewerHandler(viewstate.NewRegistry(loader), "en", zap.NewNop())
	h.now = func() time.Time { return fixedNow }
	r := chi.NewRouter()
	r.Use(middleware.APIKeyAuth(map[string]string{"key-a": "ward-a", "key-b": "ward-b"}))
	r.Mount("/viewer", h.Routes())
	return httptest.NewServer(r)
}

func do(t *testing.T, method, target, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeViewer(t *testing.T, resp *http.Response) ViewerResponse {
	t.Helper()
	var v ViewerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestViewerSelectAndWait(t *testing.T) {
	srv := newViewerServer(&gatedLoader{})
	defer srv.Close()

	resp := do(t, http.MethodPut, srv.URL+"/viewer/patient?wait=true", "key-a", `{"patientId":"p1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeViewer(t, resp)
	assert.Equal(t, uint64(1), v.Generation)
	assert.False(t, v.Loading)
	require.NotNil(t, v.Shown)
	assert.Equal(t, "p1", v.Shown.PatientID)
	assert.Equal(t, "44", v.Shown.Chart.Patient.Age)

	// Another client has its own view.
	other := decodeViewer(t, do(t, http.MethodGet, srv.URL+"/viewer", "key-b", ""))
	assert.Zero(t, other.Generation)
	assert.Nil(t, other.Shown)
}

func TestViewerKeepsLatestSelection(t *testing.T) {
	loader := &gatedLoader{gates: map[string]chan error{
		"p1": make(chan error, 1),
		"p2": make(chan error, 1),
	}}
	srv := newViewerServer(loader)
	defer srv.Close()

	resp := do(t, http.MethodPut, srv.URL+"/viewer/patient", "key-a", `{"patientId":"p1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first SelectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.Equal(t, uint64(1), first.Generation)

	loader.gates["p2"] <- nil
	resp = do(t, http.MethodPut, srv.URL+"/viewer/patient?wait=true", "key-a", `{"patientId":"p2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The first selection finishing late must not replace p2.
	loader.gates["p1"] <- nil
	require.Eventually(t, func() bool {
		return len(loader.gates["p1"]) == 0
	}, time.Second, 10*time.Millisecond)

	v := decodeViewer(t, do(t, http.MethodGet, srv.URL+"/viewer", "key-a", ""))
	assert.Equal(t, uint64(2), v.Generation)
	require.NotNil(t, v.Shown)
	assert.Equal(t, "p2", v.Shown.PatientID)
}

func TestViewerFailedLoadKeepsChart(t *testing.T) {
	loader := &gatedLoader{gates: map[string]chan error{"p2": make(chan error, 1)}}
	srv := newViewerServer(loader)
	defer srv.Close()

	do(t, http.MethodPut, srv.URL+"/viewer/patient?wait=true", "key-a", `{"patientId":"p1"}`)

	loader.gates["p2"] <- service.ErrPatientNotFound
	resp := do(t, http.MethodPut, srv.URL+"/viewer/patient?wait=true", "key-a", `{"patientId":"p2"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	v := decodeViewer(t, do(t, http.MethodGet, srv.URL+"/viewer", "key-a", ""))
	assert.Equal(t, "p2", v.PatientID)
	assert.NotEmpty(t, v.Error)
	require.NotNil(t, v.Shown)
	assert.Equal(t, "p1", v.Shown.PatientID)
}

func TestViewerRejectsBadSelection(t *testing.T) {
	srv := newViewerServer(&gatedLoader{})
	defer srv.Close()

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/viewer/patient", "key-a", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/viewer/patient", "key-a", `{"patientId":"a/b"}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/viewer", "nope", "").StatusCode)
}

func TestViewerReset(t *testing.T) {
	srv := newViewerServer(&gatedLoader{})
	defer srv.Close()

	do(t, http.MethodPut, srv.URL+"/viewer/patient?wait=true", "key-a", `{"patientId":"p1"}`)
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/viewer", "key-a", "").StatusCode)

	v := decodeViewer(t, do(t, http.MethodGet, srv.URL+"/viewer", "key-a", ""))
	assert.Zero(t, v.Generation)
	assert.Nil(t, v.Shown)
}

func TestResolveLocale(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?locale=es", nil)
	req.Header.Set("Accept-Language", "de")
	assert.Equal(t, "es", resolveLocale(req, "en"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "en-GB;q=0.8, fr;q=0.9")
	assert.Equal(t, "fr", resolveLocale(req, "en"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "en", resolveLocale(req, "en"))
}

type accessFunc func(ctx context.Context, patientID string) (*audit.AccessSummary, error)

func (f accessFunc) AccessSummary(ctx context.Context, patientID string) (*audit.AccessSummary, error) {
	return f(ctx, patientID)
}

func TestAccessSummary(t *testing.T) {
	last := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	h := NewPatientHandler(nil, nil, "en", zap.NewNop()).WithAccess(accessFunc(func(_ context.Context, id string) (*audit.AccessSummary, error) {
		return &audit.AccessSummary{PatientID: id, Views: 3, LastAccessedAt: &last, LastClientID: "ward-a"}, nil
	}))
	r := chi.NewRouter()
	r.Mount("/patients", h.Routes())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/patients/p1/access")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got audit.AccessSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "p1", got.PatientID)
	assert.Equal(t, int64(3), got.Views)
	assert.Equal(t, "ward-a", got.LastClientID)

	bad, err := http.Get(srv.URL + "/patients/bad%20id/access")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestAccessRouteNeedsReader(t *testing.T) {
	srv := newPatientServer(nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/patients/p1/access")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
