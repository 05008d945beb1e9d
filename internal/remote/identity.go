package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AuthResult carries the token material a successful remote login returns.
type AuthResult struct {
	Subject     string
	AccessToken string
	ExpiresAt   time.Time
}

// IdentityRecord is the remote identity service's view of an identity,
// returned by lookups when the local credential cache is cold. It carries the
// offline-validation material so a warmed cache can authenticate without
// another round-trip.
type IdentityRecord struct {
	Subject               string `json:"subject"`
	Email                 string `json:"email"`
	DisplayName           string `json:"display_name"`
	AccessLevel           string `json:"access_level"`
	Approved              bool   `json:"approved"`
	MandatoryResetPending bool   `json:"mandatory_reset_pending"`
	PasswordHash          string `json:"password_hash,omitempty"`
	TemporaryPassword     string `json:"temporary_password,omitempty"`
}

// IdentityService is the remote authentication collaborator.
type IdentityService interface {
	Authenticate(ctx context.Context, identity, secret string) (AuthResult, error)
	LookupIdentity(ctx context.Context, identity string) (IdentityRecord, error)
	ProvisionIdentity(ctx context.Context, identity, secret string) (AuthResult, error)
	UpdateSecret(ctx context.Context, subject, newSecret string) error
}

// IdentityClientConfig bundles configuration for the HTTP identity client.
type IdentityClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// IdentityClient talks to the remote identity service over HTTP.
type IdentityClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewIdentityClient constructs a client with validated configuration.
func NewIdentityClient(cfg IdentityClientConfig) (*IdentityClient, error) {
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
		clock:      clock,
		logger:     logger,
	}, nil
}

type authRequestBody struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type authResponseBody struct {
	Subject     string `json:"subject"`
	AccessToken string `json:"access_token"`
}

// Authenticate validates the identity/secret pair against the remote service.
// Credential rejections and connectivity failures come back as classified
// errors so the coordinator can pick the right fallback.
func (c *IdentityClient) Authenticate(ctx context.Context, identity, secret string) (AuthResult, error) {
	return c.postAuth(ctx, "/identities/authenticate", identity, secret, "authenticate")
}

// ProvisionIdentity creates the remote account for a locally registered
// profile. Called only after the local record is durably written and queued.
func (c *IdentityClient) ProvisionIdentity(ctx context.Context, identity, secret string) (AuthResult, error) {
	return c.postAuth(ctx, "/identities", identity, secret, "provision")
}

func (c *IdentityClient) postAuth(ctx context.Context, path, identity, secret, op string) (AuthResult, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(authRequestBody{Identity: strings.TrimSpace(identity), Secret: secret})
	if err != nil {
		return AuthResult{}, NewError(KindStructural, op, err)
	}
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return AuthResult{}, NewError(KindStructural, op, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return AuthResult{}, NewError(KindConnectivity, op, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
	case response.StatusCode == http.StatusUnauthorized,
		response.StatusCode == http.StatusForbidden,
		response.StatusCode == http.StatusNotFound,
		response.StatusCode == http.StatusConflict:
		return AuthResult{}, NewError(KindCredential, op, httpStatusError(response))
	case response.StatusCode == http.StatusRequestTimeout,
		response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode >= 500:
		return AuthResult{}, NewError(KindConnectivity, op, httpStatusError(response))
	default:
		return AuthResult{}, NewError(KindStructural, op, httpStatusError(response))
	}

	var body authResponseBody
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return AuthResult{}, NewError(KindStructural, op, err)
	}
	if strings.TrimSpace(body.Subject) == "" || strings.TrimSpace(body.AccessToken) == "" {
		return AuthResult{}, NewError(KindStructural, op, fmt.Errorf("incomplete auth response"))
	}

	return AuthResult{
		Subject:     body.Subject,
		AccessToken: body.AccessToken,
		ExpiresAt:   c.tokenExpiry(body.AccessToken),
	}, nil
}

// LookupIdentity fetches the remote record for an identity, used when a login
// reaches NO_MATCH locally but the cache may simply be cold.
func (c *IdentityClient) LookupIdentity(ctx context.Context, identity string) (IdentityRecord, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/identities/" + strings.TrimSpace(identity)
	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return IdentityRecord{}, NewError(KindStructural, "lookup", err)
	}
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return IdentityRecord{}, NewError(KindConnectivity, "lookup", err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
	case response.StatusCode == http.StatusNotFound:
		return IdentityRecord{}, NewError(KindCredential, "lookup", httpStatusError(response))
	case response.StatusCode == http.StatusRequestTimeout,
		response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode >= 500:
		return IdentityRecord{}, NewError(KindConnectivity, "lookup", httpStatusError(response))
	default:
		return IdentityRecord{}, NewError(KindStructural, "lookup", httpStatusError(response))
	}

	var record IdentityRecord
	if err := json.NewDecoder(response.Body).Decode(&record); err != nil {
		return IdentityRecord{}, NewError(KindStructural, "lookup", err)
	}
	return record, nil
}

type secretUpdateBody struct {
	NewSecret string `json:"new_secret"`
}

// UpdateSecret propagates a completed mandatory reset to the remote service.
func (c *IdentityClient) UpdateSecret(ctx context.Context, subject, newSecret string) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(secretUpdateBody{NewSecret: newSecret})
	if err != nil {
		return NewError(KindStructural, "update_secret", err)
	}
	endpoint := c.baseURL + "/identities/" + strings.TrimSpace(subject) + "/secret"
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return NewError(KindStructural, "update_secret", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return NewError(KindConnectivity, "update_secret", err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	case response.StatusCode == http.StatusUnauthorized,
		response.StatusCode == http.StatusForbidden,
		response.StatusCode == http.StatusNotFound:
		return NewError(KindCredential, "update_secret", httpStatusError(response))
	case response.StatusCode == http.StatusRequestTimeout,
		response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode >= 500:
		return NewError(KindConnectivity, "update_secret", httpStatusError(response))
	default:
		return NewError(KindStructural, "update_secret", httpStatusError(response))
	}
}

// tokenExpiry parses the access token's exp claim without verifying the
// signature; the agent treats the token as opaque and only needs its expiry
// to decide when a revalidation is due.
func (c *IdentityClient) tokenExpiry(accessToken string) time.Time {
	const fallbackTokenLifetime = 30 * time.Minute
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return c.clock().UTC().Add(fallbackTokenLifetime)
	}
	if claims.ExpiresAt == nil {
		return c.clock().UTC().Add(fallbackTokenLifetime)
	}
	return claims.ExpiresAt.Time
}
