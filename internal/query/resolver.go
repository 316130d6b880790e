// Package query executes patient questions against the remote assistant
// and maps the response's file-citation annotations back to page-numbered
// citations on stored documents.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chartq/chartq/internal/assistant"
	"github.com/chartq/chartq/internal/extract"
	"github.com/chartq/chartq/internal/ratelimit"
	"github.com/chartq/chartq/internal/storage"
)

const (
	defaultPollInterval = time.Second
	maxPollAttempts     = 60
	maxThrottleAttempts = 3
	streamChunkRunes    = 256
)

// citationInstructions is prepended to every run so the assistant emits
// inline file-citation annotations.
const citationInstructions = "Answer using only the attached patient documents. " +
	"Cite the source file for every factual statement."

// State of a single query execution.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// ErrNoIndex is returned when the patient has no retrieval index yet.
var ErrNoIndex = errors.New("query: patient has no retrieval index")

// TerminalError reports a run that ended in a non-completed state.
type TerminalError struct {
	State  State
	Reason string
}

func (e *TerminalError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("query ended in state %s", e.State)
	}
	return fmt.Sprintf("query ended in state %s: %s", e.State, e.Reason)
}

// Citation points one annotated range of the response text at a page of a
// stored document. Recomputed per query, never persisted.
type Citation struct {
	DocumentID    string `json:"document_id"`
	DisplayName   string `json:"display_name"`
	PageNumber    int    `json:"page_number"`
	StartOffset   int    `json:"start_offset"`
	EndOffset     int    `json:"end_offset"`
	SequenceIndex int    `json:"sequence_index"`
	Mapped        bool   `json:"mapped"`
}

// Result is the outcome of a completed query.
type Result struct {
	State     State      `json:"state"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// Event is one element of a streamed query response. Content events
// always precede citation events, which always precede done or error.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	Citation *Citation `json:"citation,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type EventType string

const (
	EventContent  EventType = "content"
	EventCitation EventType = "citation"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// DocumentStore abstracts the persistence reads the resolver needs.
type DocumentStore interface {
	GetPatient(ownerUserID, patientID string) (storage.Patient, error)
	GetDocument(ownerUserID, patientID, documentID string) (storage.Document, error)
}

// AssistantService is the remote execution surface the resolver needs.
type AssistantService interface {
	CreateSession(ctx context.Context) (assistant.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	CreateMessage(ctx context.Context, sessionID, role, text string) (assistant.Message, error)
	CreateRun(ctx context.Context, sessionID, indexID, instructions string) (assistant.Run, error)
	GetRun(ctx context.Context, sessionID, runID string) (assistant.Run, error)
	ListMessages(ctx context.Context, sessionID string) ([]assistant.Message, error)
}

// Reserver paces outbound calls against the shared token budget.
type Reserver interface {
	Reserve(ctx context.Context, estimatedTokens int) error
	ReportThrottled(ctx context.Context, retryAfterHint time.Duration) error
}

// Resolver runs the query state machine.
type Resolver struct {
	store   DocumentStore
	svc     AssistantService
	limiter Reserver
	poll    time.Duration
	logger  *slog.Logger
}

// New creates a Resolver with the given dependencies.
// If pollInterval is <= 0, it defaults to 1s.
func New(store DocumentStore, svc AssistantService, limiter Reserver, pollInterval time.Duration) *Resolver {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Resolver{
		store:   store,
		svc:     svc,
		limiter: limiter,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Ask runs the question to completion and returns the buffered result.
func (r *Resolver) Ask(ctx context.Context, ownerUserID, patientID, question string) (Result, error) {
	return r.run(ctx, ownerUserID, patientID, question)
}

// AskStream runs the question and delivers the result as a sequence of
// events on the returned channel: content chunks, then citations, then a
// single done or error event. The channel is closed when the query ends,
// and polling stops as soon as ctx is cancelled.
func (r *Resolver) AskStream(ctx context.Context, ownerUserID, patientID, question string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		res, err := r.run(ctx, ownerUserID, patientID, question)
		if err != nil {
			r.send(ctx, out, Event{Type: EventError, Error: err.Error()})
			return
		}

		for _, chunk := range splitRunes(res.Text, streamChunkRunes) {
			if !r.send(ctx, out, Event{Type: EventContent, Content: chunk}) {
				return
			}
		}
		for i := range res.Citations {
			c := res.Citations[i]
			if !r.send(ctx, out, Event{Type: EventCitation, Citation: &c}) {
				return
			}
		}
		r.send(ctx, out, Event{Type: EventDone})
	}()
	return out
}

func (r *Resolver) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Resolver) run(ctx context.Context, ownerUserID, patientID, question string) (Result, error) {
	p, err := r.store.GetPatient(ownerUserID, patientID)
	if err != nil {
		return Result{}, fmt.Errorf("loading patient %s: %w", patientID, err)
	}
	if p.Index.IndexID == "" {
		return Result{}, ErrNoIndex
	}

	if err := r.limiter.Reserve(ctx, ratelimit.EstimateTokens(question)); err != nil {
		return Result{}, fmt.Errorf("reserving budget: %w", err)
	}

	// Each query gets its own conversation so concurrent questions about
	// the same patient never interleave; retrieval scope comes from the
	// patient's index.
	sess, err := r.svc.CreateSession(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("creating session: %w", err)
	}
	defer func() {
		if err := r.svc.DeleteSession(context.WithoutCancel(ctx), sess.ID); err != nil && !errors.Is(err, assistant.ErrNotFound) {
			r.logger.Warn("session cleanup failed", "session_id", sess.ID, "error", err)
		}
	}()

	err = r.withThrottleRetry(ctx, "submitting question", func() error {
		_, err := r.svc.CreateMessage(ctx, sess.ID, "user", question)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var run assistant.Run
	err = r.withThrottleRetry(ctx, "starting run", func() error {
		var err error
		run, err = r.svc.CreateRun(ctx, sess.ID, p.Index.IndexID, citationInstructions)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if _, err := r.waitForRun(ctx, sess.ID, run.ID); err != nil {
		return Result{}, err
	}

	text, citations, err := r.collectAnswer(ctx, p, sess.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{State: StateCompleted, Text: text, Citations: citations}, nil
}

// waitForRun polls until the run reaches a terminal state or the attempt
// bound is exceeded.
func (r *Resolver) waitForRun(ctx context.Context, sessionID, runID string) (assistant.Run, error) {
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		run, err := r.svc.GetRun(ctx, sessionID, runID)
		if err != nil {
			var rle *assistant.RateLimitError
			if errors.As(err, &rle) {
				if err := r.limiter.ReportThrottled(ctx, rle.RetryAfter); err != nil {
					return assistant.Run{}, err
				}
				continue
			}
			return assistant.Run{}, fmt.Errorf("polling run %s: %w", runID, err)
		}

		switch run.Status {
		case assistant.RunStatusCompleted:
			return run, nil
		case assistant.RunStatusFailed, assistant.RunStatusCancelled, assistant.RunStatusExpired:
			reason := run.Status
			if run.LastError != nil {
				reason = fmt.Sprintf("%s (%s: %s)", run.Status, run.LastError.Code, run.LastError.Message)
			}
			return assistant.Run{}, &TerminalError{State: StateFailed, Reason: reason}
		}

		select {
		case <-ctx.Done():
			return assistant.Run{}, ctx.Err()
		case <-time.After(r.poll):
		}
	}
	return assistant.Run{}, &TerminalError{State: StateTimedOut, Reason: fmt.Sprintf("no terminal status after %d polls", maxPollAttempts)}
}

// collectAnswer reads the final assistant message and resolves its
// annotations into citations.
func (r *Resolver) collectAnswer(ctx context.Context, p storage.Patient, sessionID string) (string, []Citation, error) {
	msgs, err := r.svc.ListMessages(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("reading messages: %w", err)
	}

	var answer *assistant.Message
	for i := range msgs {
		if msgs[i].Role == "assistant" {
			answer = &msgs[i]
		}
	}
	if answer == nil {
		return "", nil, fmt.Errorf("run completed but produced no assistant message")
	}

	return answer.Text, r.resolveCitations(p, *answer), nil
}

// resolveCitations maps each file-citation annotation to a page of a
// stored document. An annotation whose file id has no mapping degrades
// to a filename-derived fallback on page 1 instead of failing the query.
func (r *Resolver) resolveCitations(p storage.Patient, msg assistant.Message) []Citation {
	var citations []Citation
	for i, ann := range msg.Annotations {
		if ann.Type != "file_citation" {
			continue
		}

		c := Citation{
			StartOffset:   ann.StartIndex,
			EndOffset:     ann.EndIndex,
			SequenceIndex: i,
			PageNumber:    1,
		}

		mapping, ok := p.Index.MappingForFile(ann.FileID)
		if !ok {
			r.logger.Warn("annotation references unmapped file, index may have drifted",
				"patient_id", p.ID, "file_id", ann.FileID, "filename", ann.Filename)
			c.DocumentID = fallbackID(ann)
			c.DisplayName = fallbackID(ann)
			citations = append(citations, c)
			continue
		}

		c.Mapped = true
		c.DocumentID = mapping.DocumentID
		c.DisplayName = mapping.DisplayName

		doc, err := r.store.GetDocument(p.OwnerUserID, p.ID, mapping.DocumentID)
		if err != nil {
			r.logger.Warn("cited document not readable, defaulting to page 1",
				"patient_id", p.ID, "document_id", mapping.DocumentID, "error", err)
		} else {
			page, matched := extract.PageForOffset(doc.PageSpans, ann.StartIndex)
			if !matched {
				r.logger.Warn("citation offset outside all page spans, defaulting to page 1",
					"patient_id", p.ID, "document_id", mapping.DocumentID, "offset", ann.StartIndex)
			}
			c.PageNumber = page
		}
		citations = append(citations, c)
	}

	sort.SliceStable(citations, func(a, b int) bool {
		return citations[a].SequenceIndex < citations[b].SequenceIndex
	})
	return citations
}

func fallbackID(ann assistant.Annotation) string {
	if ann.Filename != "" {
		return ann.Filename
	}
	return ann.FileID
}

// withThrottleRetry runs fn, waiting out reported throttles between
// attempts. Non-throttle errors return immediately.
func (r *Resolver) withThrottleRetry(ctx context.Context, op string, fn func() error) error {
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
		if err := r.limiter.ReportThrottled(ctx, rle.RetryAfter); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: rate limited after %d attempts: %w", op, maxThrottleAttempts, lastErr)
}

func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
