// Package mesh is the HTTP client for the content API that owns
// durable data: notes, applets, and user profiles. Tool handlers call
// through here; everything comes back as a Result value so permission
// and validation failures never surface as Go errors to the LLM.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Result is the uniform outcome of every content operation.
type Result struct {
	Success     bool                   `json:"success"`
	UserMessage string                 `json:"user_message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Failure builds an unsuccessful result with a caller-facing message.
func Failure(errCode, userMessage string) *Result {
	return &Result{Success: false, Error: errCode, UserMessage: userMessage}
}

// Client talks to the content API. Zero-value BaseURL means no
// backend; every call returns a structured failure instead of
// panicking, which keeps tool handlers total.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// registered remembers content types already auto-registered so
	// the register-and-retry middleware runs at most once per type.
	registered map[string]bool
}

// NewClient builds a client. timeout bounds each request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: timeout},
		registered: make(map[string]bool),
	}
}

// Available reports whether a backend is configured.
func (c *Client) Available() bool { return c.baseURL != "" }

type apiError struct {
	status int
	code   string
	detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("mesh: %s (%d): %s", e.code, e.status, e.detail)
}

// missingDefinition reports the one retryable error class: the content
// type has no schema registered yet.
func (e *apiError) missingDefinition() bool {
	return e.status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(e.code), "definition")
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.Available() {
		return &apiError{status: 0, code: "no_backend", detail: "content API not configured"}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mesh: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mesh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mesh: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("mesh: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &errBody)
		return &apiError{status: resp.StatusCode, code: errBody.Error, detail: errBody.Detail}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("mesh: decode response: %w", err)
		}
	}
	return nil
}

// withRegisterRetry funnels "missing content definition" through a
// single register-and-retry. The operation runs at most twice.
func (c *Client) withRegisterRetry(ctx context.Context, contentType string, op func() error) error {
	err := op()
	apiErr, ok := err.(*apiError)
	if !ok || !apiErr.missingDefinition() || c.registered[contentType] {
		return err
	}

	log.Printf("mesh: registering missing content definition %q", contentType)
	if regErr := c.do(ctx, http.MethodPost, "/api/definitions", map[string]interface{}{
		"type": contentType,
	}, nil); regErr != nil {
		return err
	}
	c.registered[contentType] = true
	return op()
}

// resultFromErr maps a transport-layer error into a Result. Permission
// failures become polite user messages; everything else is generic.
func resultFromErr(err error) *Result {
	if apiErr, ok := err.(*apiError); ok {
		switch apiErr.status {
		case http.StatusForbidden, http.StatusUnauthorized:
			return Failure("permission_denied", "You don't have access to that content.")
		case http.StatusNotFound:
			return Failure("not_found", "That content doesn't exist anymore.")
		case 0:
			return Failure("no_backend", "Content storage is not available right now.")
		}
	}
	return Failure("content_api_error", "Something went wrong talking to content storage.")
}

// DocID resolves a document's id across the _id and id conventions.
func DocID(doc map[string]interface{}) string {
	if v, ok := doc["_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := doc["id"].(string); ok && v != "" {
		return v
	}
	return ""
}

// Owner resolves a document's owning user. Notes use userId and
// html-generation documents use createdBy; this is the single place
// that papers over the difference.
func Owner(doc map[string]interface{}) string {
	if v, ok := doc["userId"].(string); ok && v != "" {
		return v
	}
	if v, ok := doc["createdBy"].(string); ok && v != "" {
		return v
	}
	return ""
}

// --- notes ---

// GetNote fetches one note for a tenant.
func (c *Client) GetNote(ctx context.Context, tenantID, userID, noteID string) *Result {
	var doc map[string]interface{}
	err := c.withRegisterRetry(ctx, "Notes", func() error {
		return c.do(ctx, http.MethodGet,
			fmt.Sprintf("/api/tenants/%s/notes/%s?userId=%s", tenantID, noteID, userID), nil, &doc)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{Success: true, Data: map[string]interface{}{"note": doc}}
}

// ListNotes fetches the user's notes.
func (c *Client) ListNotes(ctx context.Context, tenantID, userID string) *Result {
	var docs []map[string]interface{}
	err := c.withRegisterRetry(ctx, "Notes", func() error {
		return c.do(ctx, http.MethodGet,
			fmt.Sprintf("/api/tenants/%s/notes?userId=%s", tenantID, userID), nil, &docs)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{Success: true, Data: map[string]interface{}{"notes": docs}}
}

// CreateNote makes a new note. Ownership is written to both userId and
// createdBy so either convention resolves.
func (c *Client) CreateNote(ctx context.Context, tenantID, userID, title, content string) *Result {
	body := map[string]interface{}{
		"title":     title,
		"content":   content,
		"userId":    userID,
		"createdBy": userID,
	}
	var doc map[string]interface{}
	err := c.withRegisterRetry(ctx, "Notes", func() error {
		return c.do(ctx, http.MethodPost,
			fmt.Sprintf("/api/tenants/%s/notes", tenantID), body, &doc)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{
		Success:     true,
		UserMessage: "Created the note.",
		Data:        map[string]interface{}{"note": doc},
	}
}

// ReplaceNote overwrites a note's content.
func (c *Client) ReplaceNote(ctx context.Context, tenantID, userID, noteID, content string) *Result {
	body := map[string]interface{}{"content": content, "userId": userID}
	var doc map[string]interface{}
	err := c.withRegisterRetry(ctx, "Notes", func() error {
		return c.do(ctx, http.MethodPut,
			fmt.Sprintf("/api/tenants/%s/notes/%s", tenantID, noteID), body, &doc)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{
		Success:     true,
		UserMessage: "Updated the note.",
		Data:        map[string]interface{}{"note": doc},
	}
}

// AppendNote appends content to a note.
func (c *Client) AppendNote(ctx context.Context, tenantID, userID, noteID, content string) *Result {
	body := map[string]interface{}{"append": content, "userId": userID}
	var doc map[string]interface{}
	err := c.withRegisterRetry(ctx, "Notes", func() error {
		return c.do(ctx, http.MethodPatch,
			fmt.Sprintf("/api/tenants/%s/notes/%s", tenantID, noteID), body, &doc)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{Success: true, Data: map[string]interface{}{"note": doc}}
}

// DeleteNote removes a note.
func (c *Client) DeleteNote(ctx context.Context, tenantID, userID, noteID string) *Result {
	err := c.withRegisterRetry(ctx, "Notes", func() error {
		return c.do(ctx, http.MethodDelete,
			fmt.Sprintf("/api/tenants/%s/notes/%s?userId=%s", tenantID, noteID, userID), nil, nil)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{Success: true, UserMessage: "Deleted the note."}
}

// --- applets ---

// GetApplet fetches one applet document.
func (c *Client) GetApplet(ctx context.Context, tenantID, appletID string) *Result {
	var doc map[string]interface{}
	err := c.withRegisterRetry(ctx, "HtmlGeneration", func() error {
		return c.do(ctx, http.MethodGet,
			fmt.Sprintf("/api/tenants/%s/applets/%s", tenantID, appletID), nil, &doc)
	})
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{Success: true, Data: map[string]interface{}{"applet": doc}}
}

// --- profiles ---

// GetProfile fetches a user's raw profile. Callers must sanitize it
// before it reaches any LLM context.
func (c *Client) GetProfile(ctx context.Context, tenantID, userID string) *Result {
	var doc map[string]interface{}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/tenants/%s/profiles/%s", tenantID, userID), nil, &doc)
	if err != nil {
		return resultFromErr(err)
	}
	return &Result{Success: true, Data: map[string]interface{}{"profile": doc}}
}

// CheckSharing verifies the user may access a document. Denial is a
// Result, not an error.
func (c *Client) CheckSharing(ctx context.Context, tenantID, userID, docID string) *Result {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/tenants/%s/sharing/%s?userId=%s", tenantID, docID, userID), nil, &out)
	if err != nil {
		return resultFromErr(err)
	}
	if !out.Allowed {
		return Failure("permission_denied", "That content isn't shared with you.")
	}
	return &Result{Success: true}
}
