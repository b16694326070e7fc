// Package transport is the HTTP client for the server's /duo routes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
)

// RoutePrefix is the path prefix of every collection route.
const RoutePrefix = "/duo"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 16 << 20

// Remote is the server collaborator consumed by the sync engine.
//
// Errors are classified: NETWORK_ERROR for transport failures, timeouts,
// 408, 429 and 5xx; VALIDATION_ERROR for other 4xx responses. A cancelled
// context is returned unclassified so callers can tell it apart.
type Remote interface {
	List(ctx context.Context, collection string) ([]map[string]any, error)

	// Get returns found=false on 404.
	Get(ctx context.Context, collection, key string) (map[string]any, bool, error)

	Create(ctx context.Context, collection string, payload map[string]any) (map[string]any, error)
	Update(ctx context.Context, collection, key string, payload map[string]any) (map[string]any, error)

	// Delete treats 404 as a confirmed deletion.
	Delete(ctx context.Context, collection, key string) error

	// Ping reports whether the server is reachable at all.
	Ping(ctx context.Context) error
}

// HTTPClient implements Remote over HTTP with JSON bodies. Every request
// carries an X-Correlation-ID header and is logged with it.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithLogger sets the zerolog logger used for request logs.
func WithLogger(l zerolog.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the server at baseURL. A zero timeout
// means requests are bounded only by their context.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     *logging.Get().Zerolog(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Remote = (*HTTPClient)(nil)

// BaseURL returns the server base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func collectionPath(collection string) string {
	return RoutePrefix + "/" + url.PathEscape(collection)
}

func recordPath(collection, key string) string {
	return collectionPath(collection) + "/" + url.PathEscape(key)
}

// errorBody is the server's error response shape.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do executes a request and returns the status and body. Transport
// failures are already classified.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, apperrors.Wrap(apperrors.ErrValidation, "failed to marshal payload", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	correlationID := uuid.New().String()
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := c.logger.With().
		Str("method", method).
		Str("path", path).
		Str("correlationId", correlationID).
		Logger()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug().Dur("duration", duration).Msg("HTTP request cancelled")
			return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		logger.Warn().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return 0, nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.Warn().Err(err).Int("status", resp.StatusCode).Msg("failed to read response body")
		return 0, nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s %s: read body", method, path), err)
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("HTTP request completed")

	return resp.StatusCode, data, nil
}

// statusError classifies a non-2xx response.
func statusError(method, path string, status int, body []byte) error {
	msg := fmt.Sprintf("%s %s: %d %s", method, path, status, http.StatusText(status))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && (eb.Message != "" || eb.Error != "") {
		detail := eb.Message
		if detail == "" {
			detail = eb.Error
		}
		msg += ": " + detail
	}

	code := apperrors.ErrValidation
	if Retryable(status) {
		code = apperrors.ErrNetwork
	}
	return &apperrors.AppError{Code: code, Message: msg, Status: status}
}

// Retryable reports whether a response status should be retried later.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func decodeObject(method, path string, body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil || out == nil {
		if err == nil {
			err = errors.New("response is not a JSON object")
		}
		return nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s %s: malformed response", method, path), err)
	}
	return out, nil
}

// List fetches every record of a collection.
func (c *HTTPClient) List(ctx context.Context, collection string) ([]map[string]any, error) {
	path := collectionPath(collection)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		return nil, statusError(http.MethodGet, path, status, body)
	}
	var out []map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("GET %s: malformed response", path), err)
	}
	return out, nil
}

// Get fetches a single record.
func (c *HTTPClient) Get(ctx context.Context, collection, key string) (map[string]any, bool, error) {
	path := recordPath(collection, key)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if !success(status) {
		return nil, false, statusError(http.MethodGet, path, status, body)
	}
	rec, err := decodeObject(http.MethodGet, path, body)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Create posts a new record and returns the server's version of it.
func (c *HTTPClient) Create(ctx context.Context, collection string, payload map[string]any) (map[string]any, error) {
	path := collectionPath(collection)
	if payload == nil {
		payload = map[string]any{}
	}
	status, body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		return nil, statusError(http.MethodPost, path, status, body)
	}
	return decodeObject(http.MethodPost, path, body)
}

// Update patches a record with the given fields.
func (c *HTTPClient) Update(ctx context.Context, collection, key string, payload map[string]any) (map[string]any, error) {
	path := recordPath(collection, key)
	if payload == nil {
		payload = map[string]any{}
	}
	status, body, err := c.do(ctx, http.MethodPatch, path, payload)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		return nil, statusError(http.MethodPatch, path, status, body)
	}
	return decodeObject(http.MethodPatch, path, body)
}

// Delete removes a record.
func (c *HTTPClient) Delete(ctx context.Context, collection, key string) error {
	path := recordPath(collection, key)
	status, body, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if success(status) || status == http.StatusNotFound {
		return nil
	}
	return statusError(http.MethodDelete, path, status, body)
}

// Ping issues GET /duo. Any HTTP response other than a retryable status
// means the server is reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, RoutePrefix, nil)
	if err != nil {
		return err
	}
	if Retryable(status) {
		return statusError(http.MethodGet, RoutePrefix, status, body)
	}
	return nil
}
