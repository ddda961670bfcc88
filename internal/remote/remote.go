// Package remote provides the minimal remote-service client the sync
// engine needs: idempotent create/update/delete by resource id, with
// version conflicts signaled as a distinguishable error.
//
// The wire contract per collection:
//
//	Create -> POST   {base}/{collection}
//	Update -> PUT    {base}/{collection}/{id}
//	Delete -> DELETE {base}/{collection}/{id}
//
// Any 2xx response succeeds and its body (for create/update) is the
// server's authoritative representation. A 409 is a version conflict and
// its body is returned inside ConflictError. Every other non-2xx status,
// and any transport error, is retryable.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is the remote surface the sync engine drains against.
type Client interface {
	// Create inserts a new resource and returns the server representation.
	Create(ctx context.Context, collection string, payload []byte) ([]byte, error)

	// Update replaces a resource by id and returns the server representation.
	Update(ctx context.Context, collection, id string, payload []byte) ([]byte, error)

	// Delete removes a resource by id.
	Delete(ctx context.Context, collection, id string) error
}

// ConflictError signals a server-detected version conflict. Payload holds
// the server's current state for the resource.
type ConflictError struct {
	Collection string
	RecordID   string
	Payload    []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s", e.Collection, e.RecordID)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// StatusError is a retryable non-2xx, non-409 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// Options configures an HTTPClient.
type Options struct {
	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// DeviceID identifies this client on every request via the
	// X-Satchel-Device header. Defaults to a random UUID.
	DeviceID string

	// HTTPClient overrides the underlying client (tests). Timeout is
	// ignored when set.
	HTTPClient *http.Client
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL  string
	deviceID string
	client   *http.Client
}

// NewHTTPClient creates a client against the given base URL.
func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		client:   client,
	}, nil
}

// DeviceID returns the identifier sent with every request.
func (c *HTTPClient) DeviceID() string {
	return c.deviceID
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, collection string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.collectionURL(collection, ""), collection, "", payload)
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, collection, id string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPut, c.collectionURL(collection, id), collection, id, payload)
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.collectionURL(collection, id), collection, id, nil)
	return err
}

func (c *HTTPClient) collectionURL(collection, id string) string {
	u := c.baseURL + "/" + url.PathEscape(collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, u, collection, id string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Satchel-Device", c.deviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, u, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, &ConflictError{Collection: collection, RecordID: id, Payload: respBody}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
