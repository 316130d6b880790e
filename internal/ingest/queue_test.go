package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chartq/chartq/internal/events"
	"github.com/chartq/chartq/internal/storage"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, _, _, documentID string, _ []byte, _ string) (storage.FileMapping, error) {
	u.mu.Lock()
	u.calls = append(u.calls, documentID)
	u.mu.Unlock()
	if u.err != nil {
		return storage.FileMapping{}, u.err
	}
	return storage.FileMapping{ExternalFileID: "file-" + documentID, DocumentID: documentID}, nil
}

type recordedEvent struct {
	patientID string
	event     string
	payload   any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEmitter) Notify(_ context.Context, patientID, event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{patientID: patientID, event: event, payload: payload})
	r.mu.Unlock()
}

func (r *recordingEmitter) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if p, ok := e.payload.(statusPayload); ok {
			out = append(out, p.Status)
		}
	}
	return out
}

func newTestQueue(t *testing.T, capacity int) (*Queue, *storage.Store, *fakeUploader, *recordingEmitter) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	up := &fakeUploader{}
	em := &recordingEmitter{}
	return NewQueue(store, up, em, capacity), store, up, em
}

func seedDocument(t *testing.T, store *storage.Store, docID, content string) {
	t.Helper()
	p := storage.Patient{ID: "pat-1", OwnerUserID: "user-1", CreatedAt: time.Now().UTC()}
	if err := store.SavePatient(p); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}
	d := storage.Document{
		ID:          docID,
		PatientID:   "pat-1",
		OwnerUserID: "user-1",
		DisplayName: docID + ".txt",
		Content:     []byte(content),
	}
	if err := store.SaveDocument(d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
}

func TestEnqueue_Deduplicates(t *testing.T) {
	q, _, _, _ := newTestQueue(t, 4)

	ok, err := q.Enqueue("doc-1", "user-1", "pat-1")
	if err != nil || !ok {
		t.Fatalf("Enqueue 1 = %v, %v", ok, err)
	}
	ok, err = q.Enqueue("doc-1", "user-1", "pat-1")
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if ok {
		t.Error("duplicate enqueue accepted")
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d, want 1", d)
	}
}

func TestEnqueue_FullQueue(t *testing.T) {
	q, _, _, _ := newTestQueue(t, 1)

	if ok, err := q.Enqueue("doc-1", "user-1", "pat-1"); err != nil || !ok {
		t.Fatalf("Enqueue 1 = %v, %v", ok, err)
	}
	if _, err := q.Enqueue("doc-2", "user-1", "pat-1"); err == nil {
		t.Fatal("enqueue into a full queue succeeded, want error")
	}
}

func TestProcess_IndexesDocument(t *testing.T) {
	q, store, up, em := newTestQueue(t, 4)
	seedDocument(t, store, "doc-1", "patient complains of headache")

	q.process(context.Background(), job{documentID: "doc-1", ownerUserID: "user-1", patientID: "pat-1"})

	doc, err := store.GetDocument("user-1", "pat-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocStatusIndexed {
		t.Errorf("status = %q, want %q (message: %q)", doc.Status, storage.DocStatusIndexed, doc.StatusMessage)
	}
	if len(doc.PageSpans) != 1 || doc.PageSpans[0].PageNumber != 1 {
		t.Errorf("page spans = %+v, want single span for page 1", doc.PageSpans)
	}
	if len(up.calls) != 1 || up.calls[0] != "doc-1" {
		t.Errorf("upload calls = %v, want [doc-1]", up.calls)
	}

	want := []string{storage.DocStatusProcessing, storage.DocStatusIndexed}
	got := em.statuses()
	if len(got) != len(want) {
		t.Fatalf("event statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProcess_UnknownDocument(t *testing.T) {
	q, store, up, em := newTestQueue(t, 4)
	p := storage.Patient{ID: "pat-1", OwnerUserID: "user-1", CreatedAt: time.Now().UTC()}
	if err := store.SavePatient(p); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}

	q.process(context.Background(), job{documentID: "doc-ghost", ownerUserID: "user-1", patientID: "pat-1"})

	if len(up.calls) != 0 {
		t.Errorf("upload called for unknown document: %v", up.calls)
	}
	got := em.statuses()
	if len(got) != 1 || got[0] != storage.DocStatusError {
		t.Errorf("event statuses = %v, want single error event", got)
	}
}

func TestProcess_UploadFailure(t *testing.T) {
	q, store, up, _ := newTestQueue(t, 4)
	seedDocument(t, store, "doc-1", "discharge summary")
	up.err = errors.New("index unavailable")

	q.process(context.Background(), job{documentID: "doc-1", ownerUserID: "user-1", patientID: "pat-1"})

	doc, err := store.GetDocument("user-1", "pat-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocStatusError {
		t.Errorf("status = %q, want %q", doc.Status, storage.DocStatusError)
	}
	if doc.StatusMessage == "" {
		t.Error("no status message recorded for failed upload")
	}
}

type statusFailStore struct {
	*storage.Store
	failStatus string
}

func (s *statusFailStore) UpdateDocumentStatus(documentID, status, message string) error {
	if status == s.failStatus {
		return errors.New("disk full")
	}
	return s.Store.UpdateDocumentStatus(documentID, status, message)
}

func TestProcess_StatusPersistFailure(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seedDocument(t, store, "doc-1", "clinic note")

	up := &fakeUploader{}
	em := &recordingEmitter{}
	q := NewQueue(&statusFailStore{Store: store, failStatus: storage.DocStatusProcessing}, up, em, 4)

	q.process(context.Background(), job{documentID: "doc-1", ownerUserID: "user-1", patientID: "pat-1"})

	if len(up.calls) != 0 {
		t.Errorf("upload called despite failed status write: %v", up.calls)
	}
	got := em.statuses()
	if len(got) != 1 || got[0] != storage.DocStatusError {
		t.Errorf("event statuses = %v, want single error event", got)
	}
	doc, err := store.GetDocument("user-1", "pat-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocStatusError {
		t.Errorf("status = %q, want %q", doc.Status, storage.DocStatusError)
	}
}

func TestRun_DrainsQueue(t *testing.T) {
	q, store, _, _ := newTestQueue(t, 4)
	seedDocument(t, store, "doc-1", "clinic note")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	if ok, err := q.Enqueue("doc-1", "user-1", "pat-1"); err != nil || !ok {
		t.Fatalf("Enqueue = %v, %v", ok, err)
	}

	deadline := time.After(5 * time.Second)
	for {
		doc, err := store.GetDocument("user-1", "pat-1", "doc-1")
		if err != nil {
			t.Fatalf("GetDocument: %v", err)
		}
		if doc.Status == storage.DocStatusIndexed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("document never reached indexed, status = %q (%s)", doc.Status, doc.StatusMessage)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The pending entry is released just after the final status write.
	for q.Depth() != 0 {
		select {
		case <-deadline:
			t.Fatalf("Depth after drain = %d, want 0", q.Depth())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

var _ events.Emitter = (*recordingEmitter)(nil)
