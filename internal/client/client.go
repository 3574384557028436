// Package client talks to the fieldsyncd control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/worker"
)

// APIError is a non-2xx reply from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Health is the /healthz response.
type Health struct {
	Status string `json:"status"`
	Online bool   `json:"online"`
	Queued int    `json:"queued"`
}

type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
}

// New constructs a client with baseURL, API key and extra header.
func New(baseURL, apiKey, apiExtra string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// State returns the queue and engine state, optionally filtered by status.
func (c *Client) State(ctx context.Context, status models.ActionStatus) (*models.SyncState, error) {
	endpoint := c.baseURL + "/api/v1/queue"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(string(status))
	}
	var state models.SyncState
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) Get(ctx context.Context, id string) (*models.QueuedAction, error) {
	var action models.QueuedAction
	if err := c.do(ctx, http.MethodGet, c.actionURL(id), nil, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// Enqueue adds an action and returns it as queued.
func (c *Client) Enqueue(ctx context.Context, action models.NewAction) (*models.QueuedAction, error) {
	var created models.QueuedAction
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/actions", action, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.actionURL(id), nil, nil)
}

func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/api/v1/queue", nil, nil)
}

// Sync asks for a pass and reports whether one started.
func (c *Client) Sync(ctx context.Context) (bool, error) {
	var resp struct {
		Started bool `json:"started"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/sync", nil, &resp); err != nil {
		return false, err
	}
	return resp.Started, nil
}

// RetryFailed resets failed actions and returns how many were reset.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var resp struct {
		Reset int `json:"reset"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/retry-failed", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Reset, nil
}

// SyncRuns returns up to limit recorded passes, newest first.
func (c *Client) SyncRuns(ctx context.Context, limit int) ([]models.SyncResult, error) {
	var resp struct {
		Runs []models.SyncResult `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, c.withLimit("/api/v1/sync-runs", limit), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// DeadLetters returns up to limit dead-lettered actions, newest first.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]worker.DeadLetterEntry, error) {
	var resp struct {
		Entries []worker.DeadLetterEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, c.withLimit("/api/v1/dead-letters", limit), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) withLimit(path string, limit int) string {
	if limit <= 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?limit=" + strconv.Itoa(limit)
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) actionURL(id string) string {
	return c.baseURL + "/api/v1/actions/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var wrap struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&wrap)
		return &APIError{StatusCode: resp.StatusCode, Message: wrap.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
