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

	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	// ErrInvalidClientConfig indicates the HTTP client was misconfigured.
	ErrInvalidClientConfig = errors.New("remote: invalid client config")

	errMissingBaseURL = errors.New("base url required")
)

// DocumentStore is the remote side of the outbox: a per-document keyed store
// whose upsert and delete are idempotent from the caller's perspective.
type DocumentStore interface {
	Upsert(ctx context.Context, collection, documentID, payloadJSON string) error
	Delete(ctx context.Context, collection, documentID string) error
}

// DocumentClientConfig bundles configuration for the HTTP document store client.
type DocumentClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// DocumentClient talks to the remote document store over HTTP.
// PUT /documents/{collection}/{id} upserts, DELETE removes; both are
// idempotent on the server keyed by document id.
type DocumentClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewDocumentClient constructs a client with validated configuration.
func NewDocumentClient(cfg DocumentClientConfig) (*DocumentClient, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Upsert writes the document payload under collection/id.
func (c *DocumentClient) Upsert(ctx context.Context, collection, documentID, payloadJSON string) error {
	return c.send(ctx, http.MethodPut, collection, documentID, payloadJSON, "upsert")
}

// Delete removes the document. A 404 counts as success: the document being
// already gone is exactly the state delete asks for.
func (c *DocumentClient) Delete(ctx context.Context, collection, documentID string) error {
	return c.send(ctx, http.MethodDelete, collection, documentID, "", "delete")
}

func (c *DocumentClient) send(ctx context.Context, method, collection, documentID, payloadJSON, op string) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/documents/%s/%s",
		c.baseURL, url.PathEscape(collection), url.PathEscape(documentID))

	var body io.Reader
	if payloadJSON != "" {
		body = bytes.NewReader([]byte(payloadJSON))
	}
	request, err := http.NewRequestWithContext(requestCtx, method, endpoint, body)
	if err != nil {
		return NewError(KindStructural, op, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return NewError(KindConnectivity, op, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	case method == http.MethodDelete && response.StatusCode == http.StatusNotFound:
		return nil
	case response.StatusCode == http.StatusRequestTimeout,
		response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode >= 500:
		return NewError(KindConnectivity, op, httpStatusError(response))
	default:
		return NewError(KindStructural, op, httpStatusError(response))
	}
}

func httpStatusError(response *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	trimmed := strings.TrimSpace(string(detail))
	if trimmed == "" {
		return fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", response.StatusCode, trimmed)
}
