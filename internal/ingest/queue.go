// Package ingest runs the document processing pipeline: text extraction,
// page span mapping, and upload into the patient's retrieval index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chartq/chartq/internal/events"
	"github.com/chartq/chartq/internal/extract"
	"github.com/chartq/chartq/internal/storage"
)

const defaultCapacity = 128

// DocumentStore abstracts the persistence operations the queue needs.
type DocumentStore interface {
	GetPatient(ownerUserID, patientID string) (storage.Patient, error)
	GetDocument(ownerUserID, patientID, documentID string) (storage.Document, error)
	UpdateDocumentStatus(documentID, status, message string) error
	UpdateDocumentSpans(documentID string, spans []storage.PageSpan) error
}

// Uploader pushes document content into the patient's retrieval index.
type Uploader interface {
	Upload(ctx context.Context, ownerUserID, patientID, documentID string, content []byte, displayName string) (storage.FileMapping, error)
}

type job struct {
	documentID  string
	ownerUserID string
	patientID   string
}

// Queue is an in-memory FIFO of documents awaiting processing. Entries
// are deduplicated while queued or in flight, so enqueueing the same
// document twice before the first pass finishes is a no-op. Queued work
// does not survive a restart; index validation covers recovery.
type Queue struct {
	store   DocumentStore
	sync    Uploader
	emitter events.Emitter
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	jobs    chan job
}

// NewQueue creates a Queue with the given dependencies.
// If capacity is <= 0, it defaults to 128.
func NewQueue(store DocumentStore, uploader Uploader, emitter events.Emitter, capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		store:   store,
		sync:    uploader,
		emitter: emitter,
		logger:  slog.Default(),
		pending: make(map[string]bool),
		jobs:    make(chan job, capacity),
	}
}

// Enqueue schedules a document for processing. Returns false when the
// document is already queued or in flight.
func (q *Queue) Enqueue(documentID, ownerUserID, patientID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[documentID] {
		return false, nil
	}

	select {
	case q.jobs <- job{documentID: documentID, ownerUserID: ownerUserID, patientID: patientID}:
		q.pending[documentID] = true
		return true, nil
	default:
		return false, fmt.Errorf("ingest queue is full (%d entries)", cap(q.jobs))
	}
}

// Depth reports how many documents are queued or in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run processes queued documents one at a time until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			q.process(ctx, j)
		}
	}
}

func (q *Queue) process(ctx context.Context, j job) {
	defer func() {
		q.mu.Lock()
		delete(q.pending, j.documentID)
		q.mu.Unlock()
	}()

	if _, err := q.store.GetPatient(j.ownerUserID, j.patientID); err != nil {
		q.logger.Warn("dropping job, patient lookup failed", "patient_id", j.patientID, "document_id", j.documentID, "error", err)
		q.fail(ctx, j, fmt.Errorf("loading patient %s: %w", j.patientID, err))
		return
	}
	doc, err := q.store.GetDocument(j.ownerUserID, j.patientID, j.documentID)
	if err != nil {
		q.logger.Warn("dropping job, document lookup failed", "document_id", j.documentID, "error", err)
		q.fail(ctx, j, fmt.Errorf("loading document %s: %w", j.documentID, err))
		return
	}

	if err := q.store.UpdateDocumentStatus(doc.ID, storage.DocStatusProcessing, ""); err != nil {
		q.fail(ctx, j, fmt.Errorf("recording processing status: %w", err))
		return
	}
	q.notify(ctx, j.patientID, doc.ID, storage.DocStatusProcessing, "")

	res, err := extract.PageSpans(doc.Content)
	if err != nil {
		q.fail(ctx, j, fmt.Errorf("extracting text: %w", err))
		return
	}
	if err := q.store.UpdateDocumentSpans(doc.ID, res.Spans); err != nil {
		q.fail(ctx, j, fmt.Errorf("persisting page spans: %w", err))
		return
	}

	if _, err := q.sync.Upload(ctx, j.ownerUserID, j.patientID, doc.ID, doc.Content, doc.DisplayName); err != nil {
		q.fail(ctx, j, fmt.Errorf("uploading to index: %w", err))
		return
	}

	if err := q.store.UpdateDocumentStatus(doc.ID, storage.DocStatusIndexed, ""); err != nil {
		q.logger.Error("status update failed", "document_id", doc.ID, "error", err)
	}
	q.notify(ctx, j.patientID, doc.ID, storage.DocStatusIndexed, "")
	q.logger.Info("document indexed", "patient_id", j.patientID, "document_id", doc.ID, "pages", len(res.Spans))
}

func (q *Queue) fail(ctx context.Context, j job, cause error) {
	q.logger.Warn("document processing failed", "patient_id", j.patientID, "document_id", j.documentID, "error", cause)
	if err := q.store.UpdateDocumentStatus(j.documentID, storage.DocStatusError, cause.Error()); err != nil {
		q.logger.Error("status update failed", "document_id", j.documentID, "error", err)
	}
	q.notify(ctx, j.patientID, j.documentID, storage.DocStatusError, cause.Error())
}

type statusPayload struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

func (q *Queue) notify(ctx context.Context, patientID, documentID, status, message string) {
	if q.emitter == nil {
		return
	}
	q.emitter.Notify(ctx, patientID, events.DocumentStatusChanged, statusPayload{
		DocumentID: documentID,
		Status:     status,
		Message:    message,
	})
}
