package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPatientRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := Patient{
		ID:          "pat-1",
		OwnerUserID: "user-1",
		Name:        "Jane Doe",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SavePatient(p); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}

	got, err := s.GetPatient("user-1", "pat-1")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if got.Name != "Jane Doe" {
		t.Errorf("Name = %q, want %q", got.Name, "Jane Doe")
	}
	if got.Index.SessionID != "" || len(got.Index.Mappings) != 0 {
		t.Errorf("new patient has non-empty index state: %+v", got.Index)
	}
}

func TestGetPatient_OwnerScoped(t *testing.T) {
	s := openTestStore(t)

	p := Patient{ID: "pat-1", OwnerUserID: "user-1", CreatedAt: time.Now().UTC()}
	if err := s.SavePatient(p); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}

	if _, err := s.GetPatient("other-user", "pat-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPatient with wrong owner: err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePatientIndex(t *testing.T) {
	s := openTestStore(t)

	p := Patient{ID: "pat-1", OwnerUserID: "user-1", CreatedAt: time.Now().UTC()}
	if err := s.SavePatient(p); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}

	idx := IndexState{
		SessionID: "sess-1",
		IndexID:   "idx-1",
		Status:    IndexStatusReady,
		Mappings: []FileMapping{
			{ExternalFileID: "file-a", DocumentID: "doc-1", DisplayName: "labs.pdf"},
		},
		LastUpdated: time.Now().UTC(),
	}
	if err := s.UpdatePatientIndex("user-1", "pat-1", idx); err != nil {
		t.Fatalf("UpdatePatientIndex: %v", err)
	}

	got, err := s.GetPatient("user-1", "pat-1")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if got.Index.SessionID != "sess-1" || got.Index.IndexID != "idx-1" {
		t.Errorf("index state = %+v, want sess-1/idx-1", got.Index)
	}
	if len(got.Index.Mappings) != 1 || got.Index.Mappings[0].DocumentID != "doc-1" {
		t.Errorf("mappings = %+v, want one mapping for doc-1", got.Index.Mappings)
	}

	if err := s.UpdatePatientIndex("user-1", "missing", idx); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePatientIndex on missing patient: err = %v, want ErrNotFound", err)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	d := Document{
		ID:          "doc-1",
		PatientID:   "pat-1",
		OwnerUserID: "user-1",
		DisplayName: "discharge-summary.pdf",
		Content:     []byte("page one text"),
		PageSpans: []PageSpan{
			{PageNumber: 1, Offset: 0, Length: 100},
			{PageNumber: 2, Offset: 100, Length: 50},
		},
	}
	if err := s.SaveDocument(d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument("user-1", "pat-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocStatusUploaded {
		t.Errorf("Status = %q, want %q", got.Status, DocStatusUploaded)
	}
	if string(got.Content) != "page one text" {
		t.Errorf("Content = %q, want %q", got.Content, "page one text")
	}
	if len(got.PageSpans) != 2 || got.PageSpans[1].PageNumber != 2 {
		t.Errorf("PageSpans = %+v, want two spans", got.PageSpans)
	}

	if _, err := s.GetDocument("user-1", "pat-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := openTestStore(t)

	d := Document{ID: "doc-1", PatientID: "pat-1", OwnerUserID: "user-1"}
	if err := s.SaveDocument(d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := s.UpdateDocumentStatus("doc-1", DocStatusError, "upload failed"); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}

	got, err := s.GetDocument("user-1", "pat-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocStatusError || got.StatusMessage != "upload failed" {
		t.Errorf("status = %q/%q, want error/upload failed", got.Status, got.StatusMessage)
	}

	if err := s.UpdateDocumentStatus("missing", DocStatusIndexed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDocumentStatus missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDocumentSpans(t *testing.T) {
	s := openTestStore(t)

	d := Document{ID: "doc-1", PatientID: "pat-1", OwnerUserID: "user-1"}
	if err := s.SaveDocument(d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	spans := []PageSpan{{PageNumber: 1, Offset: 0, Length: 42}}
	if err := s.UpdateDocumentSpans("doc-1", spans); err != nil {
		t.Fatalf("UpdateDocumentSpans: %v", err)
	}

	got, err := s.GetDocument("user-1", "pat-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if len(got.PageSpans) != 1 || got.PageSpans[0].Length != 42 {
		t.Errorf("PageSpans = %+v, want single span of length 42", got.PageSpans)
	}
}

func TestGetDocumentsForPatient(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"doc-a", "doc-b", "doc-c"} {
		d := Document{
			ID:          id,
			PatientID:   "pat-1",
			OwnerUserID: "user-1",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveDocument(d); err != nil {
			t.Fatalf("SaveDocument %s: %v", id, err)
		}
	}
	// Another patient's document must not appear.
	other := Document{ID: "doc-x", PatientID: "pat-2", OwnerUserID: "user-1"}
	if err := s.SaveDocument(other); err != nil {
		t.Fatalf("SaveDocument doc-x: %v", err)
	}

	docs, err := s.GetDocumentsForPatient("user-1", "pat-1")
	if err != nil {
		t.Fatalf("GetDocumentsForPatient: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d documents, want 3", len(docs))
	}
	for i, want := range []string{"doc-a", "doc-b", "doc-c"} {
		if docs[i].ID != want {
			t.Errorf("docs[%d].ID = %q, want %q", i, docs[i].ID, want)
		}
	}
}

func TestMappingLookups(t *testing.T) {
	idx := IndexState{
		Mappings: []FileMapping{
			{ExternalFileID: "file-a", DocumentID: "doc-1", DisplayName: "labs.pdf"},
			{ExternalFileID: "file-b", DocumentID: "doc-2", DisplayName: "mri.pdf"},
		},
	}

	if m, ok := idx.MappingFor("doc-2"); !ok || m.ExternalFileID != "file-b" {
		t.Errorf("MappingFor(doc-2) = %+v, %v", m, ok)
	}
	if _, ok := idx.MappingFor("doc-9"); ok {
		t.Error("MappingFor(doc-9) found unexpected mapping")
	}
	if m, ok := idx.MappingForFile("file-a"); !ok || m.DocumentID != "doc-1" {
		t.Errorf("MappingForFile(file-a) = %+v, %v", m, ok)
	}
	if _, ok := idx.MappingForFile("file-z"); ok {
		t.Error("MappingForFile(file-z) found unexpected mapping")
	}
}

func TestDeleteDocument(t *testing.T) {
	s := openTestStore(t)

	d := Document{ID: "doc-1", PatientID: "pat-1", OwnerUserID: "user-1"}
	if err := s.SaveDocument(d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := s.DeleteDocument("user-1", "pat-1", "doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetDocument("user-1", "pat-1", "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDocument("user-1", "pat-1", "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteDocument = %v, want ErrNotFound", err)
	}
}
