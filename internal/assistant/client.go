package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// RateLimitError is returned on HTTP 429. RetryAfter is zero when the
// service did not supply a hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// Client communicates with the external retrieval-augmented assistant
// service over HTTP with bearer auth.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// CreateSession opens a new conversation session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", map[string]any{}, &s); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return s, nil
}

// DeleteSession discards a session. Returns ErrNotFound if it no longer exists.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil); err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// CreateMessage appends a message to the session.
func (c *Client) CreateMessage(ctx context.Context, sessionID, role, text string) (Message, error) {
	body := map[string]any{"role": role, "text": text}
	var m Message
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/messages", body, &m); err != nil {
		return Message{}, fmt.Errorf("creating message: %w", err)
	}
	return m, nil
}

// CreateRun starts an asynchronous execution of the assistant against the
// session, searching the given retrieval index.
func (c *Client) CreateRun(ctx context.Context, sessionID, indexID, instructions string) (Run, error) {
	body := map[string]any{"index_id": indexID}
	if instructions != "" {
		body["instructions"] = instructions
	}
	var r Run
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/runs", body, &r); err != nil {
		return Run{}, fmt.Errorf("creating run: %w", err)
	}
	return r, nil
}

// GetRun reads current run status.
func (c *Client) GetRun(ctx context.Context, sessionID, runID string) (Run, error) {
	var r Run
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/runs/"+runID, nil, &r); err != nil {
		return Run{}, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return r, nil
}

type messageList struct {
	Data []Message `json:"data"`
}

// ListMessages returns the session's messages, most recent first, with
// their annotations.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var list messageList
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/messages", nil, &list); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return list.Data, nil
}

// UploadFile uploads raw file content and returns the assigned file object.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte) (File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return File{}, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return File{}, fmt.Errorf("writing upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return File{}, fmt.Errorf("finalizing upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return File{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("uploading file: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return File{}, err
	}

	var f File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return File{}, fmt.Errorf("decoding upload response: %w", err)
	}
	return f, nil
}

// DeleteFile removes an uploaded file object. Returns ErrNotFound if it is
// already gone.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/files/"+fileID, nil, nil); err != nil {
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	return nil
}

// CreateIndex creates a named retrieval index.
func (c *Client) CreateIndex(ctx context.Context, name string) (Index, error) {
	var idx Index
	if err := c.doJSON(ctx, http.MethodPost, "/indexes", map[string]any{"name": name}, &idx); err != nil {
		return Index{}, fmt.Errorf("creating index: %w", err)
	}
	return idx, nil
}

// DeleteIndex discards a retrieval index. Returns ErrNotFound if it no
// longer exists.
func (c *Client) DeleteIndex(ctx context.Context, indexID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/indexes/"+indexID, nil, nil); err != nil {
		return fmt.Errorf("deleting index %s: %w", indexID, err)
	}
	return nil
}

// AttachFile makes an uploaded file searchable within the index.
func (c *Client) AttachFile(ctx context.Context, indexID, fileID string) error {
	body := map[string]any{"file_id": fileID}
	if err := c.doJSON(ctx, http.MethodPost, "/indexes/"+indexID+"/files", body, nil); err != nil {
		return fmt.Errorf("attaching file %s to index %s: %w", fileID, indexID, err)
	}
	return nil
}

// DetachFile removes a file from the index without deleting the file object.
func (c *Client) DetachFile(ctx context.Context, indexID, fileID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/indexes/"+indexID+"/files/"+fileID, nil, nil); err != nil {
		return fmt.Errorf("detaching file %s from index %s: %w", fileID, indexID, err)
	}
	return nil
}

// doJSON performs a JSON request against path and decodes the response into
// out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
// The HTTP-date form is rare from API gateways and is treated as no hint.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
