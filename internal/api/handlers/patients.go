package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/api/middleware"
	"github.com/drfirst/go-chart/internal/audit"
	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/chart/format"
	"github.com/drfirst/go-chart/internal/chart/service"
	"github.com/drfirst/go-chart/internal/fhir/r4"
)

const (
	defaultSearchCount = 20
	maxSearchCount     = 100
)

// searchParams are the Patient search parameters passed through to the FHIR server.
var searchParams = []string{"name", "family", "given", "birthdate", "gender", "identifier", "_id"}

// ChartLoader builds a patient's chart.
type ChartLoader interface {
	Load(ctx context.Context, patientID string) (*chart.Chart, error)
}

// PatientSearcher runs Patient searches.
type PatientSearcher interface {
	SearchPatients(ctx context.Context, query url.Values) (*r4.Bundle, error)
}

// AccessReader reads how often a chart has been opened.
type AccessReader interface {
	AccessSummary(ctx context.Context, patientID string) (*audit.AccessSummary, error)
}

// PatientHandler handles patient search and chart endpoints
type PatientHandler struct {
	charts   ChartLoader
	searcher PatientSearcher
	access   AccessReader
	locale   string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPatientHandler creates a new handler. locale is used when a request
// names none.
func NewPatientHandler(charts ChartLoader, searcher PatientSearcher, locale string, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{
		charts:   charts,
		searcher: searcher,
		locale:   locale,
		logger:   logger,
		now:      time.Now,
	}
}

// WithAccess serves GET /{id}/access from r.
func (h *PatientHandler) WithAccess(r AccessReader) *PatientHandler {
	h.access = r
	return h
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Search)
	r.Get("/{id}/chart", h.Chart)
	if h.access != nil {
		r.Get("/{id}/access", h.Access)
	}
	return r
}

// PatientSummary is one search hit.
type PatientSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
	Age       string `json:"age"`
	MRN       string `json:"mrn,omitempty"`
}

// SearchResponse is the response for a patient search
type SearchResponse struct {
	Total    int              `json:"total"`
	Patients []PatientSummary `json:"patients"`
}

// Search handles GET /patients
func (h *PatientHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "search_patients")
	defer span.End()

	query := url.Values{}
	for _, p := range searchParams {
		if v := r.URL.Query().Get(p); v != "" {
			query.Set(p, v)
		}
	}
	if len(query) == 0 {
		middleware.WriteOutcome(w, http.StatusBadRequest, "required", "at least one search parameter is required")
		return
	}

	count := defaultSearchCount
	if raw := r.URL.Query().Get("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", "_count must be a positive integer")
			return
		}
		count = min(n, maxSearchCount)
	}
	query.Set("_count", strconv.Itoa(count))

	bundle, err := h.searcher.SearchPatients(ctx, query)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err)
		return
	}

	f := format.New(resolveLocale(r, h.locale))
	now := h.now()
	patients := chart.BundleCollection[r4.Patient](bundle, r4.ResourceTypePatient)
	resp := SearchResponse{Total: len(patients), Patients: make([]PatientSummary, 0, len(patients))}
	if bundle.Total != nil {
		resp.Total = *bundle.Total
	}
	for _, p := range patients {
		resp.Patients = append(resp.Patients, PatientSummary{
			ID:        p.ID,
			Name:      p.GetFullName(),
			Gender:    format.Capitalize(p.Gender),
			BirthDate: f.Date(p.BirthDate, format.Medium, format.NotAvailable),
			Age:       f.AgeLabel(p.BirthDate, now, format.NotAvailable),
			MRN:       p.GetMRN(),
		})
	}
	span.SetAttributes(attribute.Int("results", len(resp.Patients)))

	writeJSON(w, http.StatusOK, resp)
}

// Chart handles GET /patients/{id}/chart. With view=raw the correlated
// resources are returned as is; otherwise they are rendered for display.
func (h *PatientHandler) Chart(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "get_chart")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("patient_id", id))

	c, err := h.charts.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err)
		return
	}

	if r.URL.Query().Get("view") == "raw" {
		writeJSON(w, http.StatusOK, c)
		return
	}
	writeJSON(w, http.StatusOK, format.New(resolveLocale(r, h.locale)).Render(c, h.now()))
}

// Access handles GET /patients/{id}/access.
func (h *PatientHandler) Access(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "get_access_summary")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("patient_id", id))
	if !r4.ValidID(id) {
		writeError(w, r, h.logger, fmt.Errorf("%w: %q", service.ErrInvalidPatientID, id))
		return
	}

	summary, err := h.access.AccessSummary(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
