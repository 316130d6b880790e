package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chartq/chartq/internal/storage"
)

type createPatientRequest struct {
	Name string `json:"name"`
}

type patientResponse struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Index     storage.IndexState `json:"index"`
	CreatedAt time.Time          `json:"created_at"`
	Documents []documentResponse `json:"documents,omitempty"`
}

type uploadDocumentRequest struct {
	DisplayName string `json:"display_name"`
	Content     string `json:"content"` // base64
}

type documentResponse struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	Pages         int       `json:"pages"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toDocumentResponse(d storage.Document) documentResponse {
	return documentResponse{
		ID:            d.ID,
		DisplayName:   d.DisplayName,
		Status:        d.Status,
		StatusMessage: d.StatusMessage,
		Pages:         len(d.PageSpans),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func handleCreatePatient(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createPatientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		p := storage.Patient{
			ID:          uuid.New().String(),
			OwnerUserID: ownerFromRequest(r),
			Name:        req.Name,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SavePatient(p); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save patient: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, patientResponse{
			ID:        p.ID,
			Name:      p.Name,
			Index:     p.Index,
			CreatedAt: p.CreatedAt,
		})
	}
}

func handleGetPatient(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerFromRequest(r)
		patientID := chi.URLParam(r, "patientID")

		p, err := deps.Store.GetPatient(owner, patientID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "patient not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get patient: %v", err)
			return
		}

		docs, err := deps.Store.GetDocumentsForPatient(owner, patientID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		resp := patientResponse{
			ID:        p.ID,
			Name:      p.Name,
			Index:     p.Index,
			CreatedAt: p.CreatedAt,
		}
		for _, d := range docs {
			resp.Documents = append(resp.Documents, toDocumentResponse(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		owner := ownerFromRequest(r)
		patientID := chi.URLParam(r, "patientID")

		var req uploadDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DisplayName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "display_name is required")
			return
		}
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}
		if len(content) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		if _, err := deps.Store.GetPatient(owner, patientID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "patient not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get patient: %v", err)
			return
		}

		doc := storage.Document{
			ID:          uuid.New().String(),
			PatientID:   patientID,
			OwnerUserID: owner,
			DisplayName: req.DisplayName,
			Content:     content,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		if _, err := deps.Queue.Enqueue(doc.ID, owner, patientID); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to enqueue document: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.GetDocumentsForPatient(ownerFromRequest(r), chi.URLParam(r, "patientID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		resp := []documentResponse{}
		for _, d := range docs {
			resp = append(resp, toDocumentResponse(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetDocument(ownerFromRequest(r), chi.URLParam(r, "patientID"), chi.URLParam(r, "docID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toDocumentResponse(doc))
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerFromRequest(r)
		patientID := chi.URLParam(r, "patientID")
		docID := chi.URLParam(r, "docID")

		if _, err := deps.Store.GetDocument(owner, patientID, docID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		if _, err := deps.Sync.Remove(r.Context(), owner, patientID, docID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove from index: %v", err)
			return
		}
		if err := deps.Store.DeleteDocument(owner, patientID, docID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleReprocessDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerFromRequest(r)
		patientID := chi.URLParam(r, "patientID")
		docID := chi.URLParam(r, "docID")

		if _, err := deps.Store.GetDocument(owner, patientID, docID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		accepted, err := deps.Queue.Enqueue(docID, owner, patientID)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to enqueue document: %v", err)
			return
		}
		status := "queued"
		if !accepted {
			status = "already_queued"
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     docID,
			"status": status,
		})
	}
}
