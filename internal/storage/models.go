package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document status values.
const (
	DocStatusUploaded   = "uploaded"
	DocStatusProcessing = "processing"
	DocStatusIndexed    = "indexed"
	DocStatusError      = "error"
)

// Index status values.
const (
	IndexStatusReady = "ready"
	IndexStatusError = "error"
)

type Patient struct {
	ID          string
	OwnerUserID string
	Name        string
	Index       IndexState
	CreatedAt   time.Time
}

type Document struct {
	ID            string
	PatientID     string
	OwnerUserID   string
	DisplayName   string
	Status        string // "uploaded", "processing", "indexed", "error"
	StatusMessage string
	Content       []byte
	PageSpans     []PageSpan
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IndexState is the per-patient retrieval index record, stored as JSON on
// the patient row. An empty SessionID means no index has been created yet.
type IndexState struct {
	SessionID   string        `json:"session_id"`
	IndexID     string        `json:"index_id"`
	Status      string        `json:"status"`
	Mappings    []FileMapping `json:"mappings"`
	LastUpdated time.Time     `json:"last_updated"`
}

// FileMapping associates an externally assigned file id with a document.
// At most one mapping per DocumentID exists within one patient's index.
type FileMapping struct {
	ExternalFileID string `json:"external_file_id"`
	DocumentID     string `json:"document_id"`
	DisplayName    string `json:"display_name"`
}

// MappingFor returns the mapping for the given document id, if present.
func (s IndexState) MappingFor(documentID string) (FileMapping, bool) {
	for _, m := range s.Mappings {
		if m.DocumentID == documentID {
			return m, true
		}
	}
	return FileMapping{}, false
}

// MappingForFile returns the mapping for the given external file id, if present.
func (s IndexState) MappingForFile(externalFileID string) (FileMapping, bool) {
	for _, m := range s.Mappings {
		if m.ExternalFileID == externalFileID {
			return m, true
		}
	}
	return FileMapping{}, false
}

// PageSpan is one page's character range within a document's extracted
// text, produced by layout analysis at ingest time.
type PageSpan struct {
	PageNumber int `json:"page"`
	Offset     int `json:"offset"`
	Length     int `json:"length"`
}
