// Package runapi exposes the pipeline over HTTP: batch submission, run
// status, resume, and decision lookup.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/advisory"
	"github.com/linnemanlabs/sift/internal/pipeline"
)

// maxBatchBytes bounds a submission body. Collectors batch a few hundred
// records at most; anything larger is a bug or abuse.
const maxBatchBytes = 8 << 20

// RunService defines the business operations runapi needs.
type RunService interface {
	Submit(ctx context.Context, records []advisory.RawRecord) (*pipeline.SubmitResult, error)
	Resume(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*pipeline.RunResult, bool, error)
	GetDecision(ctx context.Context, dedupeKey string) (*advisory.Routed, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
}

// New creates a new API handler.
func New(logger log.Logger, svc RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. Middleware passed in
// mutating guards the write endpoints only; reads stay open for dashboards.
func (a *API) RegisterRoutes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mutating...)
			r.Post("/runs", a.handleSubmitRun)
			r.Post("/runs/{id}/resume", a.handleResumeRun)
		})
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/decisions/{key}", a.handleGetDecision)
	})
}

type submitRequest struct {
	Records []advisory.RawRecord `json:"records"`
}

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, `{"error":"empty batch"}`, http.StatusBadRequest)
		return
	}

	res, err := a.svc.Submit(r.Context(), req.Records)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit batch", "records", len(req.Records))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	a.logger.Info(r.Context(), "batch accepted", "run_id", res.RunID, "records", len(req.Records))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run_id": res.RunID,
	})
}

func (a *API) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := a.svc.Resume(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrRunNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, pipeline.ErrNotResumable):
		writeConflict(w, err)
		return
	default:
		a.logger.Error(r.Context(), err, "failed to resume run", "run_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run_id": id,
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.run.id", id))

	res, ok, err := a.svc.GetRun(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get run", "run_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("sift.run.status", string(res.Status)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (a *API) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.decision.key", key))

	routed, ok, err := a.svc.GetDecision(r.Context(), key)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get decision", "dedupe_key", key)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(routed)
}

func writeConflict(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": err.Error(),
	})
}
