// Package incidentapi exposes the incident store and the ingestion cycle
// over a small JSON HTTP API.
package incidentapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/roadwatch/internal/authmw"
	"github.com/linnemanlabs/roadwatch/internal/incident"
	"github.com/linnemanlabs/roadwatch/internal/reconcile"
)

// IncidentReader is the read side of incident.Store.
type IncidentReader interface {
	Get(ctx context.Context, id string) (*incident.Record, bool, error)
	List(ctx context.Context, status incident.Status) ([]incident.Record, error)
}

// CycleRunner runs and reports ingestion cycles.
type CycleRunner interface {
	RunCycle(ctx context.Context) (reconcile.CycleReport, error)
	LastReport() (reconcile.CycleReport, bool)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	incidents    IncidentReader
	cycles       CycleRunner
	triggerToken string
}

// New creates a new API handler. The cycle trigger endpoint is only
// registered when triggerToken is non-empty.
func New(logger log.Logger, incidents IncidentReader, cycles CycleRunner, triggerToken string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if incidents == nil {
		panic(xerrors.New("incident reader is required"))
	}
	if cycles == nil {
		panic(xerrors.New("cycle runner is required"))
	}
	return &API{
		logger:       logger,
		incidents:    incidents,
		cycles:       cycles,
		triggerToken: triggerToken,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/cycles/last", a.handleLastCycle)
		if a.triggerToken != "" {
			r.With(authmw.BearerToken("roadwatch", a.triggerToken)).Post("/cycles", a.handleRunCycle)
		}
	})
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := incident.Status(r.URL.Query().Get("status"))
	switch status {
	case "", incident.StatusActive, incident.StatusCleared:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or cleared")
		return
	}

	records, err := a.incidents.List(r.Context(), status)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents", "status", status)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []incident.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(records),
		"incidents": records,
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("roadwatch.incident.id", id))

	rec, ok, err := a.incidents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(
		attribute.String("roadwatch.incident.status", string(rec.Status)),
		attribute.String("roadwatch.incident.category", string(rec.Category)),
	)
	writeJSON(w, http.StatusOK, rec)
}
