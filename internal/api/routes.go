// Package api exposes the HTTP surface: patient and document management,
// query execution with optional SSE streaming, and index validation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chartq/chartq/internal/events"
	"github.com/chartq/chartq/internal/query"
	"github.com/chartq/chartq/internal/storage"
	"github.com/chartq/chartq/internal/vectorsync"
)

const maxRequestBodySize = 10 << 20 // 10MB

// DocumentQueue abstracts the ingestion queue for the API layer.
type DocumentQueue interface {
	Enqueue(documentID, ownerUserID, patientID string) (bool, error)
	Depth() int
}

// IndexSyncer abstracts the index maintenance operations.
type IndexSyncer interface {
	Remove(ctx context.Context, ownerUserID, patientID, documentID string) (bool, error)
	ValidateSync(ctx context.Context, ownerUserID, patientID string) (vectorsync.ValidationReport, error)
	RepairMissing(ctx context.Context, ownerUserID, patientID string, missingIDs []string) (vectorsync.RepairReport, error)
}

// QueryService abstracts query execution.
type QueryService interface {
	Ask(ctx context.Context, ownerUserID, patientID, question string) (query.Result, error)
	AskStream(ctx context.Context, ownerUserID, patientID, question string) <-chan query.Event
}

type AppDeps struct {
	Store    *storage.Store
	Queue    DocumentQueue
	Sync     IndexSyncer
	Resolver QueryService
	Emitter  events.Emitter
	Token    string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/patients", handleCreatePatient(deps))
		r.Get("/patients/{patientID}", handleGetPatient(deps))
		r.Post("/patients/{patientID}/documents", handleUploadDocument(deps))
		r.Get("/patients/{patientID}/documents", handleListDocuments(deps))
		r.Get("/patients/{patientID}/documents/{docID}", handleGetDocument(deps))
		r.Delete("/patients/{patientID}/documents/{docID}", handleDeleteDocument(deps))
		r.Post("/patients/{patientID}/documents/{docID}/process", handleReprocessDocument(deps))
		r.Post("/patients/{patientID}/query", handleQuery(deps))
		r.Post("/patients/{patientID}/index/validate", handleValidateIndex(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"queue_depth": deps.Queue.Depth(),
		})
	}
}

// ownerFromRequest resolves the acting user. Identity extraction proper
// lives in front of this service; an absent header maps everything to a
// single default owner.
func ownerFromRequest(r *http.Request) string {
	if owner := r.Header.Get("X-User-ID"); owner != "" {
		return owner
	}
	return "default"
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
