package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/x402labs/go-x402"
)

// PaymentClient retries 402 responses with a signed payment attached. One
// retry per request; a second 402 surfaces as an error.
type PaymentClient struct {
	client     *x402.Client
	httpClient *http.Client
}

// NewPaymentClient wraps a payment client for HTTP use. A nil httpClient
// uses http.DefaultClient.
func NewPaymentClient(client *x402.Client, httpClient *http.Client) *PaymentClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &PaymentClient{client: client, httpClient: httpClient}
}

// WrapHTTPClient installs payment handling into an existing *http.Client by
// wrapping its transport.
func WrapHTTPClient(httpClient *http.Client, client *x402.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient.Transport = &PaymentRoundTripper{Transport: transport, Client: client}
	return httpClient
}

// PaymentRoundTripper implements http.RoundTripper with automatic payment.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *x402.Client
}

// RoundTrip sends the request, and on a 402 builds the payment and retries
// once with the X-PAYMENT header set.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// A request that already carries payment is a retry; pass it through so
	// a second 402 reaches the caller instead of looping.
	if req.Header.Get(x402.PaymentHeader) != "" {
		return t.Transport.RoundTrip(req)
	}

	var bodyCopy []byte
	if req.Body != nil && req.GetBody == nil {
		// The body must be replayable for the paid retry.
		var err error
		bodyCopy, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	required, err := ParsePaymentRequiredResponse(resp)
	if err != nil {
		return nil, err
	}
	payload, err := t.Client.CreatePaymentForRequired(req.Context(), required)
	if err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}
	header, err := x402.EncodePaymentHeader(payload)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	retry.Header.Set(x402.PaymentHeader, header)
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("replaying request body: %w", err)
		}
	} else if bodyCopy != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}
	return t.Transport.RoundTrip(retry)
}

// ParsePaymentRequiredResponse reads the 402 challenge from a response body.
// The body is consumed.
func ParsePaymentRequiredResponse(resp *http.Response) (x402.PaymentRequired, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return x402.PaymentRequired{}, fmt.Errorf("reading 402 body: %w", err)
	}
	var required x402.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return x402.PaymentRequired{}, fmt.Errorf("parsing payment required body: %w", err)
	}
	if len(required.Accepts) == 0 {
		return x402.PaymentRequired{}, fmt.Errorf("402 response offers no payment options")
	}
	return required, nil
}

// GetSettleResponse extracts the settlement receipt from a paid response.
func GetSettleResponse(resp *http.Response) (x402.SettleResponse, error) {
	header := resp.Header.Get(x402.PaymentResponseHeader)
	if header == "" {
		return x402.SettleResponse{}, fmt.Errorf("response carries no %s header", x402.PaymentResponseHeader)
	}
	return x402.DecodeSettleHeader(header)
}

// Do sends a request with automatic payment handling.
func (c *PaymentClient) Do(req *http.Request) (*http.Response, error) {
	transport := c.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	paying := &http.Client{
		Transport:     &PaymentRoundTripper{Transport: transport, Client: c.client},
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}
	return paying.Do(req)
}

// Get fetches a URL, paying if challenged.
func (c *PaymentClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post sends a POST, paying if challenged.
func (c *PaymentClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}
