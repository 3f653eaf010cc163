// Package api is the REST client for the ConstructionPro backend. The sync
// layer depends only on its error categorization: a *StatusError carries an
// HTTP status code, anything else is a transport failure.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/constructpro/fieldsync/internal/config"
	"github.com/constructpro/fieldsync/internal/model"
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}

// Client talks to the ConstructionPro REST backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client from API configuration.
func New(cfg *config.APIConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout()},
	}
}

// CreateDailyLog submits a new daily log and returns the server record,
// including the server-assigned id.
func (c *Client) CreateDailyLog(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
	created := &model.DailyLog{}
	if err := c.do(ctx, http.MethodPost, "/api/daily-logs", log, created); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateDailyLog submits a partial update and returns the server record as
// it stands after the update.
func (c *Client) UpdateDailyLog(ctx context.Context, id string, patch *model.DailyLogPatch) (*model.DailyLog, error) {
	updated := &model.DailyLog{}
	if err := c.do(ctx, http.MethodPatch, "/api/daily-logs/"+id, patch, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// GetDailyLog fetches the current server record for a daily log.
func (c *Client) GetDailyLog(ctx context.Context, id string) (*model.DailyLog, error) {
	log := &model.DailyLog{}
	if err := c.do(ctx, http.MethodGet, "/api/daily-logs/"+id, nil, log); err != nil {
		return nil, err
	}
	return log, nil
}

// CreateAnnotation submits a new drawing annotation.
func (c *Client) CreateAnnotation(ctx context.Context, ann *model.Annotation) (*model.Annotation, error) {
	created := &model.Annotation{}
	if err := c.do(ctx, http.MethodPost, "/api/annotations", ann, created); err != nil {
		return nil, err
	}
	return created, nil
}

// Ping checks backend reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// do performs a request with JSON encoding on both sides. A nil out
// discards the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep enough of the body for a useful lastError message
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
