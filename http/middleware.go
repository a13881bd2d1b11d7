package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	x402 "github.com/x402labs/go-x402"
)

// netHTTPAdapter exposes an *http.Request through HTTPAdapter.
type netHTTPAdapter struct {
	r *http.Request
}

func (a *netHTTPAdapter) GetHeader(name string) string { return a.r.Header.Get(name) }
func (a *netHTTPAdapter) GetMethod() string            { return a.r.Method }
func (a *netHTTPAdapter) GetPath() string              { return a.r.URL.Path }
func (a *netHTTPAdapter) GetURL() string               { return requestURL(a.r) }
func (a *netHTTPAdapter) GetAcceptHeader() string      { return a.r.Header.Get("Accept") }
func (a *netHTTPAdapter) GetUserAgent() string         { return a.r.UserAgent() }

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// NewRequestContext builds the processor input from an *http.Request.
func NewRequestContext(r *http.Request) HTTPRequestContext {
	return HTTPRequestContext{
		Adapter: &netHTTPAdapter{r: r},
		Method:  r.Method,
		Path:    r.URL.Path,
		URL:     requestURL(r),
	}
}

// bufferedResponseWriter holds the handler's output back until settlement
// decides whether it may go out.
type bufferedResponseWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) WriteHeader(status int) { w.status = status }

func (w *bufferedResponseWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

func (w *bufferedResponseWriter) flushTo(dst http.ResponseWriter) {
	for k, values := range w.header {
		for _, v := range values {
			dst.Header().Add(k, v)
		}
	}
	dst.WriteHeader(w.status)
	dst.Write(w.body.Bytes())
}

// MiddlewareOption configures the net/http middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	paywall       PaywallProvider
	paywallConfig *PaywallConfig
}

// WithPaywallProvider renders HTML 402 pages for browser clients.
func WithPaywallProvider(provider PaywallProvider) MiddlewareOption {
	return func(c *middlewareConfig) { c.paywall = provider }
}

// WithPaywallConfig customizes the built-in paywall rendering.
func WithPaywallConfig(config *PaywallConfig) MiddlewareOption {
	return func(c *middlewareConfig) { c.paywallConfig = config }
}

// Middleware gates priced routes behind payment. A verified request runs the
// handler against a buffered writer; settlement happens only when the handler
// reports success, and the settle header is attached before the buffered
// response goes out.
func Middleware(service *Service, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	config := &middlewareConfig{paywall: DefaultPaywallProvider()}
	for _, opt := range opts {
		opt(config)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqCtx := NewRequestContext(r)
			result := service.ProcessHTTPRequest(r.Context(), reqCtx)
			switch result.Type {
			case ResultNoPaymentRequired:
				next.ServeHTTP(w, r)
				return
			case ResultPaymentRequired, ResultPaymentInvalid:
				writePaymentRequired(w, r, result.PaymentRequired, config)
				return
			}

			buffered := newBufferedResponseWriter()
			next.ServeHTTP(buffered, r.WithContext(r.Context()))

			// Handler failures are free: the client is not charged for an
			// error response.
			if buffered.status >= http.StatusBadRequest {
				buffered.flushTo(w)
				return
			}

			// Settlement must finish even when the client disconnects; a
			// canceled request context would abandon a payment mid-flight.
			settleCtx := context.WithoutCancel(r.Context())
			settle, header, err := service.ProcessSettlement(settleCtx, result.Payload, result.Requirements)
			if errors.Is(err, x402.ErrFacilitatorUnreachable) {
				// The payment may or may not have settled; answer 502 instead
				// of a fresh challenge so the client does not sign again.
				http.Error(w, "payment settlement unavailable", http.StatusBadGateway)
				return
			}
			if err != nil || !settle.Success {
				errMessage := x402.DescribeReason(x402.ReasonUnexpectedSettleError, nil)
				if err == nil {
					errMessage = settle.InvalidDescription
				}
				required := service.ChallengeForRoute(settleCtx, result.Payload.X402Version, reqCtx, errMessage)
				writePaymentRequired(w, r, required, config)
				return
			}
			buffered.header.Set(x402.PaymentResponseHeader, header)
			buffered.flushTo(w)
		})
	}
}

// isWebBrowser detects interactive browsers, which get the HTML paywall
// instead of the JSON challenge.
func isWebBrowser(accept, userAgent string) bool {
	return strings.Contains(accept, "text/html") && strings.Contains(userAgent, "Mozilla")
}

func writePaymentRequired(w http.ResponseWriter, r *http.Request, required *x402.PaymentRequired, config *middlewareConfig) {
	if config.paywall != nil && r.Method == http.MethodGet &&
		isWebBrowser(r.Header.Get("Accept"), r.UserAgent()) {
		if html := config.paywall.GenerateHTML(*required, config.paywallConfig); html != "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(html))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(required)
}
