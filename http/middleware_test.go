package x402http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	x402 "github.com/x402labs/go-x402"
)

func middlewareFixture(t *testing.T, facilitator *stubFacilitator, handler http.Handler) (*Service, http.Handler) {
	t.Helper()
	service := newTestService(t, facilitator)
	return service, Middleware(service)(handler)
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	})
}

func paidRequest(t *testing.T, service *Service, method, path string) *http.Request {
	t.Helper()
	reqCtx := requestContext(method, path, nil)
	header := paymentHeaderFor(t, service, reqCtx)
	req := httptest.NewRequest(method, path, nil)
	req.Host = "api.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set(x402.PaymentHeader, header)
	return req
}

func TestMiddlewarePassesUnpricedRoutes(t *testing.T) {
	facilitator := &stubFacilitator{}
	_, handler := middlewareFixture(t, facilitator, okHandler("free"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/free", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "free" {
		t.Errorf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if facilitator.verifyCalls != 0 || facilitator.settleCalls != 0 {
		t.Error("unpriced routes must not touch the facilitator")
	}
}

func TestMiddlewareChallengesUnpaidRequest(t *testing.T) {
	_, handler := middlewareFixture(t, &stubFacilitator{}, okHandler("paid content"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/premium", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var required x402.PaymentRequired
	if err := json.Unmarshal(rec.Body.Bytes(), &required); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if len(required.Accepts) == 0 {
		t.Error("challenge offers no payment options")
	}
}

func TestMiddlewareServesPaywallToBrowsers(t *testing.T) {
	_, handler := middlewareFixture(t, &stubFacilitator{}, okHandler("paid content"))

	req := httptest.NewRequest("GET", "/premium", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestMiddlewareSettlesAfterHandlerSuccess(t *testing.T) {
	facilitator := &stubFacilitator{}
	service, handler := middlewareFixture(t, facilitator, okHandler("paid content"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, service, "GET", "/premium"))
	if rec.Code != http.StatusOK || rec.Body.String() != "paid content" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if facilitator.settleCalls != 1 {
		t.Errorf("settle calls = %d", facilitator.settleCalls)
	}
	settleHeader := rec.Header().Get(x402.PaymentResponseHeader)
	if settleHeader == "" {
		t.Fatal("paid response must carry the settle header")
	}
	settle, err := x402.DecodeSettleHeader(settleHeader)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !settle.Success || settle.Transaction != "0xabc" {
		t.Errorf("settle = %+v", settle)
	}
}

func TestMiddlewareSkipsSettlementOnHandlerFailure(t *testing.T) {
	facilitator := &stubFacilitator{}
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})
	service, handler := middlewareFixture(t, facilitator, failing)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, service, "GET", "/premium"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if facilitator.settleCalls != 0 {
		t.Error("failed handlers must not charge the client")
	}
	if rec.Header().Get(x402.PaymentResponseHeader) != "" {
		t.Error("failed responses must not carry a settle header")
	}
}

func TestMiddlewareFailedSettlementYields402(t *testing.T) {
	facilitator := &stubFacilitator{
		settleResponse: x402.FailedSettle(x402.ReasonInvalidTransactionState, x402.NetworkBase, nil),
	}
	var handlerRan bool
	service, handler := middlewareFixture(t, facilitator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
		w.Write([]byte("paid content"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, service, "GET", "/premium"))
	if !handlerRan {
		t.Fatal("handler should have run before settlement")
	}
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	// The buffered handler output must not leak when settlement fails.
	if strings.Contains(rec.Body.String(), "paid content") {
		t.Error("handler output leaked on settlement failure")
	}
}

// A settle rejection means the client was not charged and gets a fresh 402;
// an unreachable facilitator leaves the outcome unknown and must surface as
// 502 so the client does not sign a second payment.
func TestMiddlewareUnreachableFacilitatorAtSettleYields502(t *testing.T) {
	facilitator := &stubFacilitator{settleErr: fmt.Errorf("connection refused")}
	service, handler := middlewareFixture(t, facilitator, okHandler("paid content"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, service, "GET", "/premium"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "paid content") {
		t.Error("handler output leaked on settlement failure")
	}
}

// Once the handler has run, settlement must complete even if the client
// disconnects mid-request.
func TestMiddlewareSettlesAfterClientDisconnect(t *testing.T) {
	facilitator := &stubFacilitator{}
	ctx, cancel := context.WithCancel(context.Background())
	service, handler := middlewareFixture(t, facilitator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Write([]byte("paid content"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, service, "GET", "/premium").WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if facilitator.settleCalls != 1 {
		t.Errorf("settle calls = %d", facilitator.settleCalls)
	}
	if rec.Header().Get(x402.PaymentResponseHeader) == "" {
		t.Error("settlement must complete after the client goes away")
	}
}

func TestMiddlewareRejectedPaymentDoesNotRunHandler(t *testing.T) {
	facilitator := &stubFacilitator{
		verifyResponse: x402.InvalidVerify(x402.ReasonEvmSignature, nil),
	}
	var handlerRan bool
	service, handler := middlewareFixture(t, facilitator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, paidRequest(t, service, "GET", "/premium"))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if handlerRan {
		t.Error("handler must not run on rejected payment")
	}
}

func TestBufferedResponseWriter(t *testing.T) {
	buffered := newBufferedResponseWriter()
	buffered.Header().Set("X-Custom", "v")
	buffered.WriteHeader(http.StatusCreated)
	buffered.Write([]byte("hello"))

	rec := httptest.NewRecorder()
	buffered.flushTo(rec)
	if rec.Code != http.StatusCreated || rec.Body.String() != "hello" {
		t.Errorf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Custom") != "v" {
		t.Errorf("headers = %v", rec.Header())
	}
}

func TestRequestURL(t *testing.T) {
	req := httptest.NewRequest("GET", "/premium", nil)
	req.Host = "api.example.com"
	if got := requestURL(req); got != "http://api.example.com/premium" {
		t.Errorf("url = %q", got)
	}
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := requestURL(req); got != "https://api.example.com/premium" {
		t.Errorf("url = %q", got)
	}
}
