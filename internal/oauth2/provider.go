package oauth2

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oauth-refresher/internal/circuitbreaker"
	"oauth-refresher/internal/common/errors"
	httpclient "oauth-refresher/internal/common/http"
	"oauth-refresher/internal/common/logging"
)

// maxResponseBody bounds how much of a token response is read.
const maxResponseBody = 64 << 10

// TokenResponse is the provider's answer to a refresh_token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenProvider exchanges a refresh token for a new access token.
//
// Implementations return *ProviderError for HTTP error responses and
// ErrInvalidTokenResponse for a success status with an unusable body. Any
// other error is treated as a network failure.
type TokenProvider interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// ErrInvalidTokenResponse marks a 2xx response without a usable token.
var ErrInvalidTokenResponse = stderrors.New("invalid token response")

// ProviderError is a non-2xx answer from the token endpoint.
type ProviderError struct {
	Status int
	Body   []byte
}

func (e *ProviderError) Error() string {
	if code := errorCode(e.Body); code != "" {
		return fmt.Sprintf("token endpoint returned %d (%s)", e.Status, code)
	}
	return fmt.Sprintf("token endpoint returned %d", e.Status)
}

// Classify runs the error classifier over the response.
func (e *ProviderError) Classify() Classification {
	return Classify(e.Status, e.Body)
}

// XeroConfig holds the client credentials for the Xero identity service.
type XeroConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// Timeout caps each HTTP exchange. Zero keeps the client default.
	Timeout time.Duration
}

// XeroClient refreshes tokens against the Xero token endpoint.
//
// Calls run inside a circuit breaker. Network failures and 5xx responses
// count against it; 4xx answers do not.
type XeroClient struct {
	config     XeroConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// XeroOption configures a XeroClient.
type XeroOption func(*XeroClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) XeroOption {
	return func(c *XeroClient) {
		c.httpClient = client
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(breaker *circuitbreaker.Breaker) XeroOption {
	return func(c *XeroClient) {
		c.breaker = breaker
	}
}

// NewXeroClient creates a token client. Per-call deadlines come from the
// request context.
func NewXeroClient(config XeroConfig, opts ...XeroOption) (*XeroClient, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.ConfigError("xero client id and secret are required")
	}
	if config.TokenURL == "" {
		return nil, errors.ConfigError("xero token url is required")
	}
	if _, err := url.ParseRequestURI(config.TokenURL); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid xero token url: %v", err))
	}

	var clientOpts []httpclient.ClientOption
	if config.Timeout > 0 {
		clientOpts = append(clientOpts, httpclient.WithTimeout(config.Timeout))
	}

	c := &XeroClient{
		config:     config,
		httpClient: httpclient.NewHTTPClient(clientOpts...),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		breakerConfig := circuitbreaker.OAuthConfig
		breakerConfig.IsSuccessful = breakerSuccess
		c.breaker = circuitbreaker.NewGoBreaker("xero-token", breakerConfig, logging.GetGlobalLogger())
	}
	return c, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *XeroClient) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// breakerSuccess keeps client-side rejections from opening the circuit.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var providerErr *ProviderError
	if stderrors.As(err, &providerErr) {
		return providerErr.Status < 500
	}
	return stderrors.Is(err, ErrInvalidTokenResponse)
}

// Refresh performs the refresh_token grant.
func (c *XeroClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var tokens *TokenResponse
	err := c.breaker.Execute(func() error {
		var callErr error
		tokens, callErr = c.requestToken(ctx, refreshToken)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *XeroClient) requestToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.TimeoutError("token request", err).
				WithContext("token_url", c.config.TokenURL)
		}
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: body}
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrInvalidTokenResponse)
	}

	return &tokenResp, nil
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
