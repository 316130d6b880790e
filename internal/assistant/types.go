package assistant

import "errors"

// ErrNotFound is returned when the remote service reports HTTP 404 for a
// session, run, file, or index.
var ErrNotFound = errors.New("assistant: not found")

// Run status values reported by the service.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
	RunStatusExpired    = "expired"
)

// Session is a stateful conversation context on the remote service.
type Session struct {
	ID string `json:"id"`
}

// Run is one asynchronous execution of the assistant against a session.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// RunError carries the service-reported reason for a terminal run failure.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the run has reached a final state.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

// Message is one message within a session, with any inline annotations.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations"`
}

// Annotation marks a character range of the message text that cites an
// uploaded file. Offsets are character offsets into the file's extracted
// text, as assigned by the remote service.
type Annotation struct {
	Type       string `json:"type"` // "file_citation"
	FileID     string `json:"file_id"`
	Filename   string `json:"filename,omitempty"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

// File is an uploaded file object on the remote service.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int    `json:"bytes"`
}

// Index is the remote per-patient searchable file collection.
type Index struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
