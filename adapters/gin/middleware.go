// Package ginx402 gates gin routes behind x402 payment.
package ginx402

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402labs/go-x402"
	x402http "github.com/x402labs/go-x402/http"
)

type ginAdapter struct {
	c *gin.Context
}

func (a *ginAdapter) GetHeader(name string) string { return a.c.GetHeader(name) }
func (a *ginAdapter) GetMethod() string            { return a.c.Request.Method }
func (a *ginAdapter) GetPath() string              { return a.c.Request.URL.Path }
func (a *ginAdapter) GetURL() string               { return requestURL(a.c.Request) }
func (a *ginAdapter) GetAcceptHeader() string      { return a.c.GetHeader("Accept") }
func (a *ginAdapter) GetUserAgent() string         { return a.c.Request.UserAgent() }

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

// bufferingWriter defers the handler's output until settlement succeeds.
type bufferingWriter struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *bufferingWriter) Write(b []byte) (int, error)       { return w.body.Write(b) }
func (w *bufferingWriter) WriteString(s string) (int, error) { return w.body.WriteString(s) }
func (w *bufferingWriter) WriteHeader(code int)              { w.status = code }
func (w *bufferingWriter) WriteHeaderNow()                   {}
func (w *bufferingWriter) Status() int                       { return w.status }
func (w *bufferingWriter) Size() int                         { return w.body.Len() }
func (w *bufferingWriter) Written() bool                     { return w.body.Len() > 0 }

// Middleware returns the gin payment middleware. Priced routes come from the
// service's RoutesConfig; settlement runs only after the handler succeeds.
func Middleware(service *x402http.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqCtx := x402http.HTTPRequestContext{
			Adapter: &ginAdapter{c: c},
			Method:  c.Request.Method,
			Path:    c.Request.URL.Path,
			URL:     requestURL(c.Request),
		}
		result := service.ProcessHTTPRequest(c.Request.Context(), reqCtx)
		switch result.Type {
		case x402http.ResultNoPaymentRequired:
			c.Next()
			return
		case x402http.ResultPaymentRequired, x402http.ResultPaymentInvalid:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, result.PaymentRequired)
			return
		}

		original := c.Writer
		buffered := &bufferingWriter{ResponseWriter: original, body: &bytes.Buffer{}, status: http.StatusOK}
		c.Writer = buffered
		c.Next()
		c.Writer = original

		if buffered.status >= http.StatusBadRequest {
			original.WriteHeader(buffered.status)
			original.Write(buffered.body.Bytes())
			return
		}

		// Settlement must finish even when the client disconnects; a
		// canceled request context would abandon a payment mid-flight.
		settleCtx := context.WithoutCancel(c.Request.Context())
		settle, header, err := service.ProcessSettlement(settleCtx, result.Payload, result.Requirements)
		if errors.Is(err, x402.ErrFacilitatorUnreachable) {
			// The payment may or may not have settled; answer 502 instead of
			// a fresh challenge so the client does not sign again.
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "payment settlement unavailable"})
			return
		}
		if err != nil || !settle.Success {
			errMessage := x402.DescribeReason(x402.ReasonUnexpectedSettleError, nil)
			if err == nil {
				errMessage = settle.InvalidDescription
			}
			required := service.ChallengeForRoute(settleCtx, result.Payload.X402Version, reqCtx, errMessage)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, required)
			return
		}
		original.Header().Set(x402.PaymentResponseHeader, header)
		original.WriteHeader(buffered.status)
		original.Write(buffered.body.Bytes())
	}
}
