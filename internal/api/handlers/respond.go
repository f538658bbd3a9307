// Package handlers provides HTTP handlers for the chart API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/drfirst/go-chart/internal/api/middleware"
	"github.com/drfirst/go-chart/internal/chart/service"
	"github.com/drfirst/go-chart/internal/fhirclient"
	"github.com/drfirst/go-chart/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a chart or transport error onto a status and an
// OperationOutcome body.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var statusErr *fhirclient.StatusError
	switch {
	case errors.Is(err, service.ErrInvalidPatientID):
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, service.ErrPatientNotFound):
		middleware.WriteOutcome(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, session.ErrUnauthenticated):
		middleware.WriteOutcome(w, http.StatusUnauthorized, "login", "FHIR session is not authenticated")
	case errors.Is(err, session.ErrNotReady):
		w.Header().Set("Retry-After", "5")
		middleware.WriteOutcome(w, http.StatusServiceUnavailable, "transient", "FHIR session is not ready")
	case errors.Is(err, fhirclient.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		middleware.WriteOutcome(w, http.StatusServiceUnavailable, "transient", "FHIR server is unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		middleware.WriteOutcome(w, http.StatusGatewayTimeout, "timeout", "FHIR server timed out")
	case errors.As(err, &statusErr):
		logger.Warn("upstream error",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		middleware.WriteOutcome(w, http.StatusBadGateway, "exception", err.Error())
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		middleware.WriteOutcome(w, http.StatusInternalServerError, "exception", "internal server error")
	}
}

// resolveLocale picks the display locale: the locale query parameter, then
// the first Accept-Language tag, then fallback.
func resolveLocale(r *http.Request, fallback string) string {
	if l := strings.TrimSpace(r.URL.Query().Get("locale")); l != "" {
		return l
	}
	if header := r.Header.Get("Accept-Language"); header != "" {
		tags, _, err := language.ParseAcceptLanguage(header)
		if err == nil && len(tags) > 0 && tags[0] != language.Und {
			return tags[0].String()
		}
	}
	return fallback
}
