package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chartq/chartq/internal/events"
	"github.com/chartq/chartq/internal/query"
	"github.com/chartq/chartq/internal/storage"
	"github.com/chartq/chartq/internal/vectorsync"
)

type queryRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

type validateRequest struct {
	Repair bool `json:"repair"`
}

type validateResponse struct {
	vectorsync.ValidationReport
	Repair *vectorsync.RepairReport `json:"repair,omitempty"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		owner := ownerFromRequest(r)
		patientID := chi.URLParam(r, "patientID")

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		if req.Stream {
			streamQuery(w, r, deps, owner, patientID, req.Question)
			return
		}

		res, err := deps.Resolver.Ask(r.Context(), owner, patientID, req.Question)
		if err != nil {
			code, errType := queryErrorStatus(err)
			httpError(w, code, errType, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func streamQuery(w http.ResponseWriter, r *http.Request, deps AppDeps, owner, patientID, question string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range deps.Resolver.AskStream(r.Context(), owner, patientID, question) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func queryErrorStatus(err error) (int, string) {
	var te *query.TerminalError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, query.ErrNoIndex):
		return http.StatusConflict, "invalid_request_error"
	case errors.As(err, &te):
		return http.StatusBadGateway, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func handleValidateIndex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		owner := ownerFromRequest(r)
		patientID := chi.URLParam(r, "patientID")

		var req validateRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		report, err := deps.Sync.ValidateSync(r.Context(), owner, patientID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "patient not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "validation failed: %v", err)
			return
		}

		resp := validateResponse{ValidationReport: report}
		if req.Repair && !report.IsValid {
			repair, err := deps.Sync.RepairMissing(r.Context(), owner, patientID, report.MissingDocumentIDs)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "repair failed: %v", err)
				return
			}
			resp.Repair = &repair
			if deps.Emitter != nil && len(repair.Repaired) > 0 {
				deps.Emitter.Notify(r.Context(), patientID, events.IndexRepaired, repair)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
