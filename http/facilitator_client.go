package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/x402labs/go-x402"
)

// DefaultFacilitatorURL is the public facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

const (
	getSupportedRetries        = 3
	getSupportedRetryBaseDelay = 1 * time.Second
)

// AuthHeaders carries per-endpoint authentication headers.
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// AuthProvider generates authentication headers for facilitator requests.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// FacilitatorConfig configures the HTTP facilitator client.
type FacilitatorConfig struct {
	URL          string
	HTTPClient   *http.Client
	AuthProvider AuthProvider
	// Timeout applies when HTTPClient is nil; defaults to 30s.
	Timeout time.Duration
}

// HTTPFacilitatorClient talks to a remote facilitator over HTTP. It
// implements x402.FacilitatorClient; payloads and requirements cross the
// boundary as raw bytes so both protocol versions pass through untouched.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// NewHTTPFacilitatorClient builds a client; nil config uses the public
// facilitator.
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}
	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// Verify posts to /verify.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	body, err := c.post(ctx, "/verify", payloadBytes, requirementsBytes, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}
	var response x402.VerifyResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decoding verify response: %w", err)
	}
	return &response, nil
}

// Settle posts to /settle.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
	body, err := c.post(ctx, "/settle", payloadBytes, requirementsBytes, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}
	var response x402.SettleResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decoding settle response: %w", err)
	}
	return &response, nil
}

// GetSupported fetches /supported, retrying 429s with exponential backoff.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	var lastErr error
	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return nil, fmt.Errorf("creating supported request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("supported request: %w", err)
		}
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading supported response: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			var supported x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supported); err != nil {
				return nil, fmt.Errorf("decoding supported response: %w", err)
			}
			return &supported, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, lastErr
	}
	return nil, lastErr
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, payloadBytes, requirementsBytes []byte, headers func(AuthHeaders) map[string]string) ([]byte, error) {
	version, err := x402.DetectVersion(payloadBytes)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(x402.VerifyRequest{
		X402Version:         version,
		PaymentPayload:      payloadBytes,
		PaymentRequirements: requirementsBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, req, headers); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	// 4xx bodies still carry a structured response with the reason; only
	// treat bodies that fail to decode upstream as errors.
	if resp.StatusCode != http.StatusOK && !json.Valid(responseBody) {
		return nil, fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, string(responseBody))
	}
	return responseBody, nil
}

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("getting auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}
