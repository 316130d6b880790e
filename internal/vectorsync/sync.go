// Package vectorsync maintains each patient's remote retrieval index: one
// assistant session and one file index per patient, plus the mapping
// between externally assigned file ids and document ids.
package vectorsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chartq/chartq/internal/assistant"
	"github.com/chartq/chartq/internal/ratelimit"
	"github.com/chartq/chartq/internal/storage"
)

// maxThrottleAttempts bounds how often a single remote call is retried
// after explicit throttling before the error is surfaced.
const maxThrottleAttempts = 3

// DocumentStore is the persistence surface the synchronizer needs.
type DocumentStore interface {
	GetPatient(ownerUserID, patientID string) (storage.Patient, error)
	UpdatePatientIndex(ownerUserID, patientID string, idx storage.IndexState) error
	GetDocument(ownerUserID, patientID, documentID string) (storage.Document, error)
	GetDocumentsForPatient(ownerUserID, patientID string) ([]storage.Document, error)
}

// AssistantService is the remote index surface the synchronizer needs.
type AssistantService interface {
	CreateSession(ctx context.Context) (assistant.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	CreateIndex(ctx context.Context, name string) (assistant.Index, error)
	DeleteIndex(ctx context.Context, indexID string) error
	UploadFile(ctx context.Context, filename string, content []byte) (assistant.File, error)
	DeleteFile(ctx context.Context, fileID string) error
	AttachFile(ctx context.Context, indexID, fileID string) error
	DetachFile(ctx context.Context, indexID, fileID string) error
}

// Reserver paces outbound calls against the shared token budget.
type Reserver interface {
	Reserve(ctx context.Context, estimatedTokens int) error
	ReportThrottled(ctx context.Context, retryAfterHint time.Duration) error
}

// ValidationReport is the result of comparing store contents against the
// index mappings.
type ValidationReport struct {
	IsValid            bool     `json:"is_valid"`
	MissingDocumentIDs []string `json:"missing_document_ids"`
	Diagnostics        []string `json:"diagnostics,omitempty"`
}

// RepairReport lists the outcome of re-uploading missing documents.
type RepairReport struct {
	Repaired     []string `json:"repaired"`
	Unrepairable []string `json:"unrepairable,omitempty"`
}

// Synchronizer owns all mutations of a patient's IndexState.
type Synchronizer struct {
	store   DocumentStore
	svc     AssistantService
	limiter Reserver
}

// New creates a Synchronizer with the given dependencies.
func New(store DocumentStore, svc AssistantService, limiter Reserver) *Synchronizer {
	return &Synchronizer{store: store, svc: svc, limiter: limiter}
}

// EnsureIndex returns the patient's retrieval index, creating the remote
// session and index on first use. Idempotent.
func (s *Synchronizer) EnsureIndex(ctx context.Context, ownerUserID, patientID string) (storage.IndexState, error) {
	p, err := s.store.GetPatient(ownerUserID, patientID)
	if err != nil {
		return storage.IndexState{}, fmt.Errorf("loading patient %s: %w", patientID, err)
	}
	if p.Index.SessionID != "" && p.Index.IndexID != "" {
		return p.Index, nil
	}

	sess, err := s.svc.CreateSession(ctx)
	if err != nil {
		return storage.IndexState{}, fmt.Errorf("creating session for patient %s: %w", patientID, err)
	}
	idx, err := s.svc.CreateIndex(ctx, "patient-"+patientID)
	if err != nil {
		return storage.IndexState{}, fmt.Errorf("creating index for patient %s: %w", patientID, err)
	}

	state := storage.IndexState{
		SessionID:   sess.ID,
		IndexID:     idx.ID,
		Status:      storage.IndexStatusReady,
		LastUpdated: time.Now().UTC(),
	}
	if err := s.store.UpdatePatientIndex(ownerUserID, patientID, state); err != nil {
		return storage.IndexState{}, fmt.Errorf("persisting index for patient %s: %w", patientID, err)
	}
	slog.Info("retrieval index created", "patient_id", patientID, "session_id", sess.ID, "index_id", idx.ID)
	return state, nil
}

// Upload pushes document content into the patient's index and records the
// resulting file mapping. A previous mapping for the same document is
// replaced and its remote file discarded best-effort.
func (s *Synchronizer) Upload(ctx context.Context, ownerUserID, patientID, documentID string, content []byte, displayName string) (storage.FileMapping, error) {
	idx, err := s.EnsureIndex(ctx, ownerUserID, patientID)
	if err != nil {
		return storage.FileMapping{}, err
	}

	if err := s.limiter.Reserve(ctx, ratelimit.EstimateBytes(content)); err != nil {
		return storage.FileMapping{}, fmt.Errorf("reserving budget for %s: %w", documentID, err)
	}

	var file assistant.File
	err = s.withThrottleRetry(ctx, "uploading "+displayName, func() error {
		var err error
		file, err = s.svc.UploadFile(ctx, displayName, content)
		return err
	})
	if err != nil {
		return storage.FileMapping{}, err
	}

	err = s.withThrottleRetry(ctx, "attaching "+displayName, func() error {
		return s.svc.AttachFile(ctx, idx.IndexID, file.ID)
	})
	if err != nil {
		return storage.FileMapping{}, err
	}

	if old, ok := idx.MappingFor(documentID); ok {
		s.discardRemoteFile(ctx, idx.IndexID, old.ExternalFileID)
		idx.Mappings = removeMapping(idx.Mappings, documentID)
	}

	mapping := storage.FileMapping{
		ExternalFileID: file.ID,
		DocumentID:     documentID,
		DisplayName:    displayName,
	}
	idx.Mappings = append(idx.Mappings, mapping)
	idx.LastUpdated = time.Now().UTC()
	if err := s.store.UpdatePatientIndex(ownerUserID, patientID, idx); err != nil {
		return storage.FileMapping{}, fmt.Errorf("persisting mapping for %s: %w", documentID, err)
	}

	slog.Info("document uploaded to index", "patient_id", patientID, "document_id", documentID, "file_id", file.ID)
	return mapping, nil
}

// Remove detaches and deletes the document's remote file and forgets the
// local mapping. Idempotent: an absent mapping is already-satisfied, and a
// remote "not found" counts as success. Other remote errors are logged but
// never keep the local mapping alive.
func (s *Synchronizer) Remove(ctx context.Context, ownerUserID, patientID, documentID string) (bool, error) {
	p, err := s.store.GetPatient(ownerUserID, patientID)
	if err != nil {
		return false, fmt.Errorf("loading patient %s: %w", patientID, err)
	}

	mapping, ok := p.Index.MappingFor(documentID)
	if !ok {
		return true, nil
	}

	s.discardRemoteFile(ctx, p.Index.IndexID, mapping.ExternalFileID)

	idx := p.Index
	idx.Mappings = removeMapping(idx.Mappings, documentID)
	idx.LastUpdated = time.Now().UTC()
	if err := s.store.UpdatePatientIndex(ownerUserID, patientID, idx); err != nil {
		return false, fmt.Errorf("persisting mapping removal for %s: %w", documentID, err)
	}
	return true, nil
}

// ValidateSync compares the document store against the index mappings.
// Every stored document absent from the mappings is reported missing.
func (s *Synchronizer) ValidateSync(ctx context.Context, ownerUserID, patientID string) (ValidationReport, error) {
	p, err := s.store.GetPatient(ownerUserID, patientID)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("loading patient %s: %w", patientID, err)
	}
	docs, err := s.store.GetDocumentsForPatient(ownerUserID, patientID)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("listing documents for patient %s: %w", patientID, err)
	}

	report := ValidationReport{IsValid: true}
	docIDs := make(map[string]bool, len(docs))
	for _, d := range docs {
		docIDs[d.ID] = true
		if _, ok := p.Index.MappingFor(d.ID); !ok {
			report.IsValid = false
			report.MissingDocumentIDs = append(report.MissingDocumentIDs, d.ID)
			report.Diagnostics = append(report.Diagnostics,
				fmt.Sprintf("document %s (%s) is stored but not indexed", d.ID, d.DisplayName))
		}
	}
	for _, m := range p.Index.Mappings {
		if !docIDs[m.DocumentID] {
			report.Diagnostics = append(report.Diagnostics,
				fmt.Sprintf("mapping for file %s references unknown document %s", m.ExternalFileID, m.DocumentID))
		}
	}
	return report, nil
}

// RepairMissing re-uploads each missing document from its stored bytes.
// Documents whose content cannot be located are reported unrepairable.
func (s *Synchronizer) RepairMissing(ctx context.Context, ownerUserID, patientID string, missingIDs []string) (RepairReport, error) {
	var report RepairReport
	for _, id := range missingIDs {
		doc, err := s.store.GetDocument(ownerUserID, patientID, id)
		if err != nil || len(doc.Content) == 0 {
			slog.Warn("missing document is unrepairable", "patient_id", patientID, "document_id", id, "error", err)
			report.Unrepairable = append(report.Unrepairable, id)
			continue
		}
		if _, err := s.Upload(ctx, ownerUserID, patientID, id, doc.Content, doc.DisplayName); err != nil {
			slog.Warn("repair upload failed", "patient_id", patientID, "document_id", id, "error", err)
			report.Unrepairable = append(report.Unrepairable, id)
			continue
		}
		report.Repaired = append(report.Repaired, id)
	}
	return report, nil
}

// Clear discards the patient's remote session, index, and files
// best-effort, then empties the persisted index state.
func (s *Synchronizer) Clear(ctx context.Context, ownerUserID, patientID string) error {
	p, err := s.store.GetPatient(ownerUserID, patientID)
	if err != nil {
		return fmt.Errorf("loading patient %s: %w", patientID, err)
	}
	if p.Index.SessionID == "" && p.Index.IndexID == "" {
		return nil
	}

	for _, m := range p.Index.Mappings {
		s.discardRemoteFile(ctx, p.Index.IndexID, m.ExternalFileID)
	}
	if p.Index.IndexID != "" {
		if err := s.svc.DeleteIndex(ctx, p.Index.IndexID); err != nil && !errors.Is(err, assistant.ErrNotFound) {
			slog.Warn("index delete failed", "patient_id", patientID, "index_id", p.Index.IndexID, "error", err)
		}
	}
	if p.Index.SessionID != "" {
		if err := s.svc.DeleteSession(ctx, p.Index.SessionID); err != nil && !errors.Is(err, assistant.ErrNotFound) {
			slog.Warn("session delete failed", "patient_id", patientID, "session_id", p.Index.SessionID, "error", err)
		}
	}

	if err := s.store.UpdatePatientIndex(ownerUserID, patientID, storage.IndexState{}); err != nil {
		return fmt.Errorf("clearing index state for patient %s: %w", patientID, err)
	}
	slog.Info("retrieval index cleared", "patient_id", patientID)
	return nil
}

// discardRemoteFile detaches and deletes a remote file best-effort. A
// "not found" from either step means the remote side already forgot it.
func (s *Synchronizer) discardRemoteFile(ctx context.Context, indexID, fileID string) {
	if indexID != "" {
		if err := s.svc.DetachFile(ctx, indexID, fileID); err != nil && !errors.Is(err, assistant.ErrNotFound) {
			slog.Warn("file detach failed", "index_id", indexID, "file_id", fileID, "error", err)
		}
	}
	if err := s.svc.DeleteFile(ctx, fileID); err != nil && !errors.Is(err, assistant.ErrNotFound) {
		slog.Warn("file delete failed", "file_id", fileID, "error", err)
	}
}

// withThrottleRetry runs fn, waiting out reported throttles between
// attempts. Non-throttle errors return immediately.
func (s *Synchronizer) withThrottleRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxThrottleAttempts; attempt++ {
		err := fn()
		var rle *assistant.RateLimitError
		if !errors.As(err, &rle) {
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			return nil
		}
		lastErr = err
		if err := s.limiter.ReportThrottled(ctx, rle.RetryAfter); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: rate limited after %d attempts: %w", op, maxThrottleAttempts, lastErr)
}

func removeMapping(mappings []storage.FileMapping, documentID string) []storage.FileMapping {
	out := mappings[:0]
	for _, m := range mappings {
		if m.DocumentID != documentID {
			out = append(out, m)
		}
	}
	return out
}
