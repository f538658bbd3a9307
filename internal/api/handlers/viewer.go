package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/api/middleware"
	"github.com/drfirst/go-chart/internal/chart/format"
	"github.com/drfirst/go-chart/internal/fhir/r4"
	"github.com/drfirst/go-chart/internal/viewstate"
)

// anonymousViewer keys the store of requests without a client id.
const anonymousViewer = "anonymous"

// ViewerHandler serves each client's currently selected chart.
type ViewerHandler struct {
	registry *viewstate.Registry
	locale   string
	logger   *zap.Logger
	now      func() time.Time
}

// NewViewerHandler creates a new handler
func NewViewerHandler(registry *viewstate.Registry, locale string, logger *zap.Logger) *ViewerHandler {
	return &ViewerHandler{
		registry: registry,
		locale:   locale,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes returns the handler routes
func (h *ViewerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Put("/patient", h.Select)
	r.Delete("/", h.Reset)
	return r
}

// SelectRequest is the request body for selecting a patient
type SelectRequest struct {
	PatientID string `json:"patientId"`
}

// SelectResponse acknowledges a selection.
type SelectResponse struct {
	Generation uint64 `json:"generation"`
	PatientID  string `json:"patientId"`
}

// ViewerResponse is the viewer state with the chart rendered for display.
type ViewerResponse struct {
	Generation uint64      `json:"generation"`
	PatientID  string      `json:"patientId,omitempty"`
	Loading    bool        `json:"loading"`
	Error      string      `json:"error,omitempty"`
	Shown      *ShownChart `json:"shown,omitempty"`
}

// ShownChart is the snapshot currently on screen.
type ShownChart struct {
	Generation uint64            `json:"generation"`
	PatientID  string            `json:"patientId"`
	LoadedAt   time.Time         `json:"loadedAt"`
	Chart      *format.ChartView `json:"chart"`
}

func viewerID(r *http.Request) string {
	if id := middleware.GetClientID(r.Context()); id != "" {
		return id
	}
	return anonymousViewer
}

func (h *ViewerHandler) store(r *http.Request) *viewstate.Store {
	return h.registry.Get(viewerID(r))
}

// Select handles PUT /viewer/patient. The chart loads in the background and
// the response carries the generation to poll for. With wait=true the
// handler blocks until that load settles and returns the resulting view.
func (h *ViewerHandler) Select(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("viewer-handler").Start(r.Context(), "select_patient")
	defer span.End()

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteOutcome(w, http.StatusBadRequest, "structure", "invalid request body")
		return
	}
	if !r4.ValidID(req.PatientID) {
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", "patientId is not a valid id")
		return
	}
	span.SetAttributes(attribute.String("patient_id", req.PatientID))

	store := h.store(r)
	gen, done := store.Select(ctx, req.PatientID)
	span.SetAttributes(attribute.Int64("generation", int64(gen)))

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, SelectResponse{Generation: gen, PatientID: req.PatientID})
		return
	}

	select {
	case err := <-done:
		switch {
		case errors.Is(err, viewstate.ErrStale):
			middleware.WriteOutcome(w, http.StatusConflict, "conflict", "superseded by a newer selection")
		case err != nil:
			writeError(w, r, h.logger, err)
		default:
			writeJSON(w, http.StatusOK, h.render(r, store.View()))
		}
	case <-ctx.Done():
		// The load keeps running; the client can poll for it.
	}
}

// Get handles GET /viewer
func (h *ViewerHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.render(r, h.store(r).View()))
}

// Reset handles DELETE /viewer
func (h *ViewerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.registry.Forget(viewerID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *ViewerHandler) render(r *http.Request, v viewstate.View) ViewerResponse {
	resp := ViewerResponse{
		Generation: v.Generation,
		PatientID:  v.PatientID,
		Loading:    v.Loading,
		Error:      v.Error,
	}
	if v.Snapshot != nil {
		f := format.New(resolveLocale(r, h.locale))
		resp.Shown = &ShownChart{
			Generation: v.Snapshot.Generation,
			PatientID:  v.Snapshot.PatientID,
			LoadedAt:   v.Snapshot.LoadedAt,
			Chart:      f.Render(v.Snapshot.Chart, h.now()),
		}
	}
	return resp
}
