// Package echox402 gates echo routes behind x402 payment.
package echox402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	x402 "github.com/x402labs/go-x402"
	x402http "github.com/x402labs/go-x402/http"
)

type echoAdapter struct {
	c echo.Context
}

func (a *echoAdapter) GetHeader(name string) string { return a.c.Request().Header.Get(name) }
func (a *echoAdapter) GetMethod() string            { return a.c.Request().Method }
func (a *echoAdapter) GetPath() string              { return a.c.Request().URL.Path }
func (a *echoAdapter) GetURL() string               { return requestURL(a.c.Request()) }
func (a *echoAdapter) GetAcceptHeader() string      { return a.c.Request().Header.Get("Accept") }
func (a *echoAdapter) GetUserAgent() string         { return a.c.Request().UserAgent() }

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

// bufferedWriter captures the handler's output until settlement succeeds.
type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (w *bufferedWriter) Header() http.Header         { return w.header }
func (w *bufferedWriter) WriteHeader(code int)        { w.status = code }
func (w *bufferedWriter) Write(b []byte) (int, error) { return w.body.Write(b) }

// Middleware returns the echo payment middleware. Settlement runs only after
// the handler reports success.
func Middleware(service *x402http.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			reqCtx := x402http.HTTPRequestContext{
				Adapter: &echoAdapter{c: c},
				Method:  r.Method,
				Path:    r.URL.Path,
				URL:     requestURL(r),
			}
			result := service.ProcessHTTPRequest(r.Context(), reqCtx)
			switch result.Type {
			case x402http.ResultNoPaymentRequired:
				return next(c)
			case x402http.ResultPaymentRequired, x402http.ResultPaymentInvalid:
				return c.JSON(http.StatusPaymentRequired, result.PaymentRequired)
			}

			original := c.Response().Writer
			buffered := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
			c.Response().Writer = buffered
			handlerErr := next(c)
			c.Response().Writer = original

			status := buffered.status
			if handlerErr != nil {
				return handlerErr
			}
			if status >= http.StatusBadRequest {
				flush(original, buffered)
				return nil
			}

			// Settlement must finish even when the client disconnects; a
			// canceled request context would abandon a payment mid-flight.
			settleCtx := context.WithoutCancel(r.Context())
			settle, header, err := service.ProcessSettlement(settleCtx, result.Payload, result.Requirements)
			if errors.Is(err, x402.ErrFacilitatorUnreachable) {
				// The payment may or may not have settled; answer 502 instead
				// of a fresh challenge so the client does not sign again.
				return echo.NewHTTPError(http.StatusBadGateway, "payment settlement unavailable")
			}
			if err != nil || !settle.Success {
				errMessage := x402.DescribeReason(x402.ReasonUnexpectedSettleError, nil)
				if err == nil {
					errMessage = settle.InvalidDescription
				}
				required := service.ChallengeForRoute(settleCtx, result.Payload.X402Version, reqCtx, errMessage)
				// The response object may already be committed to the buffer;
				// write the challenge straight to the real writer.
				original.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
				original.WriteHeader(http.StatusPaymentRequired)
				return json.NewEncoder(original).Encode(required)
			}
			buffered.header.Set(x402.PaymentResponseHeader, header)
			flush(original, buffered)
			return nil
		}
	}
}

func flush(dst http.ResponseWriter, src *bufferedWriter) {
	for k, values := range src.header {
		for _, v := range values {
			dst.Header().Add(k, v)
		}
	}
	dst.WriteHeader(src.status)
	dst.Write(src.body.Bytes())
}
