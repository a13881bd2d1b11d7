// Package x402http binds the payment runtime to HTTP: header handling, a
// transport-agnostic request processor, net/http middleware, a payment-aware
// client, and the facilitator client and server endpoints.
package x402http

import (
	"context"
	"fmt"
	"strings"

	x402 "github.com/x402labs/go-x402"
)

// HTTPAdapter abstracts the incoming request so the processor works under
// net/http, gin, and echo alike.
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
	GetAcceptHeader() string
	GetUserAgent() string
}

// RouteConfig prices one protected route. Accepts lists further payment
// options beyond the primary one.
type RouteConfig struct {
	Scheme            string
	Network           x402.Network
	PayTo             string
	Price             x402.Price
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	Extra             map[string]interface{}
	Accepts           []x402.ResourceConfig
	// X402Version pins the challenge version; 0 means v2.
	X402Version int
}

// RoutesConfig maps "METHOD /path" patterns to route configs. A pattern
// without a method ("/path") matches every method; a trailing "/*" matches a
// subtree.
type RoutesConfig map[string]RouteConfig

type compiledRoute struct {
	method string
	path   string
	prefix bool
	config RouteConfig
}

func compileRoutes(routes RoutesConfig) []compiledRoute {
	compiled := make([]compiledRoute, 0, len(routes))
	for pattern, config := range routes {
		route := compiledRoute{config: config}
		spec := strings.TrimSpace(pattern)
		if method, path, ok := strings.Cut(spec, " "); ok {
			route.method = strings.ToUpper(method)
			route.path = path
		} else {
			route.path = spec
		}
		if route.method == "*" {
			route.method = ""
		}
		if strings.HasSuffix(route.path, "/*") {
			route.prefix = true
			route.path = strings.TrimSuffix(route.path, "/*")
		}
		compiled = append(compiled, route)
	}
	return compiled
}

func (r compiledRoute) matches(method, path string) bool {
	if r.method != "" && r.method != strings.ToUpper(method) {
		return false
	}
	if r.prefix {
		return path == r.path || strings.HasPrefix(path, r.path+"/")
	}
	return path == r.path
}

// HTTPRequestContext carries what the processor needs from the transport.
type HTTPRequestContext struct {
	Adapter HTTPAdapter
	Method  string
	Path    string
	URL     string
}

// ResultType classifies a processed request.
type ResultType string

const (
	// ResultNoPaymentRequired means the path is not priced; serve normally.
	ResultNoPaymentRequired ResultType = "no_payment_required"
	// ResultPaymentRequired means a 402 challenge must go out.
	ResultPaymentRequired ResultType = "payment_required"
	// ResultPaymentVerified means the handler may run; settle afterwards.
	ResultPaymentVerified ResultType = "payment_verified"
	// ResultPaymentInvalid means the presented payment was rejected.
	ResultPaymentInvalid ResultType = "payment_invalid"
)

// ProcessResult is the processor's verdict on one request.
type ProcessResult struct {
	Type            ResultType
	PaymentRequired *x402.PaymentRequired
	Payload         x402.PaymentPayload
	Requirements    x402.PaymentRequirements
	VerifyResponse  *x402.VerifyResponse
}

// Service wires RoutesConfig onto the resource-server runtime.
type Service struct {
	*x402.ResourceServer
	compiledRoutes []compiledRoute
}

// NewService builds an HTTP resource service. Call Initialize before serving.
func NewService(routes RoutesConfig, opts ...x402.ResourceServerOption) *Service {
	return &Service{
		ResourceServer: x402.NewResourceServer(opts...),
		compiledRoutes: compileRoutes(routes),
	}
}

// FindRoute returns the config priced for a method and path.
func (s *Service) FindRoute(method, path string) (RouteConfig, bool) {
	for _, route := range s.compiledRoutes {
		if route.matches(method, path) {
			return route.config, true
		}
	}
	return RouteConfig{}, false
}

func (s *Service) resourceConfigs(config RouteConfig) []x402.ResourceConfig {
	configs := make([]x402.ResourceConfig, 0, 1+len(config.Accepts))
	configs = append(configs, x402.ResourceConfig{
		Scheme:            config.Scheme,
		Network:           config.Network,
		PayTo:             config.PayTo,
		Price:             config.Price,
		Description:       config.Description,
		MimeType:          config.MimeType,
		MaxTimeoutSeconds: config.MaxTimeoutSeconds,
		Extra:             config.Extra,
	})
	configs = append(configs, config.Accepts...)
	return configs
}

// ProcessHTTPRequest decides whether a request may proceed. It never settles;
// settlement happens after the resource handler succeeds.
func (s *Service) ProcessHTTPRequest(ctx context.Context, reqCtx HTTPRequestContext) ProcessResult {
	config, ok := s.FindRoute(reqCtx.Method, reqCtx.Path)
	if !ok {
		return ProcessResult{Type: ResultNoPaymentRequired}
	}
	version := config.X402Version
	if version == 0 {
		version = x402.X402Version2
	}
	resource := &x402.ResourceInfo{
		URL:         reqCtx.URL,
		Description: config.Description,
		MimeType:    config.MimeType,
	}
	configs := s.resourceConfigs(config)

	header := ExtractPaymentHeader(reqCtx.Adapter)
	if header == "" {
		return s.challenge(ctx, version, resource, configs, "", reqCtx.Adapter)
	}

	payload, err := ValidateAndDecodePaymentHeader(header)
	if err != nil {
		return s.challenge(ctx, version, resource, configs, fmt.Sprintf("invalid payment header: %v", err), reqCtx.Adapter)
	}
	// The challenge version follows the payload so a v1 client gets v1
	// requirements to match against.
	version = payload.X402Version

	required, buildErr := s.BuildPaymentRequired(ctx, version, resource, configs, "", reqCtx.Adapter)
	if buildErr != nil {
		return s.challenge(ctx, version, resource, configs, buildErr.Error(), reqCtx.Adapter)
	}
	requirements, ok := s.FindMatchingRequirements(required.Accepts, payload)
	if !ok {
		result := s.challenge(ctx, version, resource, configs, x402.DescribeReason(x402.ReasonNoMatchingRequirements, nil), reqCtx.Adapter)
		result.Type = ResultPaymentInvalid
		result.VerifyResponse = x402.InvalidVerify(x402.ReasonNoMatchingRequirements, nil)
		return result
	}

	verify, err := s.VerifyPayment(ctx, payload, requirements)
	if err != nil {
		verify = x402.InvalidVerify(x402.ReasonUnexpectedVerifyError, map[string]interface{}{"detail": err.Error()})
	}
	if !verify.IsValid {
		result := s.challenge(ctx, version, resource, configs, verify.InvalidDescription, reqCtx.Adapter)
		result.Type = ResultPaymentInvalid
		result.VerifyResponse = verify
		result.Payload = payload
		result.Requirements = requirements
		return result
	}
	return ProcessResult{
		Type:           ResultPaymentVerified,
		Payload:        payload,
		Requirements:   requirements,
		VerifyResponse: verify,
	}
}

func (s *Service) challenge(ctx context.Context, version int, resource *x402.ResourceInfo, configs []x402.ResourceConfig, errMessage string, transportContext interface{}) ProcessResult {
	required, err := s.BuildPaymentRequired(ctx, version, resource, configs, errMessage, transportContext)
	if err != nil {
		required = &x402.PaymentRequired{X402Version: version, Error: err.Error(), Accepts: []x402.PaymentRequirements{}}
	}
	return ProcessResult{Type: ResultPaymentRequired, PaymentRequired: required}
}

// ChallengeForRoute rebuilds the 402 body for an already matched route,
// used when settlement fails after the handler ran.
func (s *Service) ChallengeForRoute(ctx context.Context, version int, reqCtx HTTPRequestContext, errMessage string) *x402.PaymentRequired {
	config, ok := s.FindRoute(reqCtx.Method, reqCtx.Path)
	if !ok {
		return &x402.PaymentRequired{X402Version: version, Error: errMessage, Accepts: []x402.PaymentRequirements{}}
	}
	resource := &x402.ResourceInfo{
		URL:         reqCtx.URL,
		Description: config.Description,
		MimeType:    config.MimeType,
	}
	result := s.challenge(ctx, version, resource, s.resourceConfigs(config), errMessage, reqCtx.Adapter)
	return result.PaymentRequired
}

// ProcessSettlement settles a verified payment and renders the
// X-PAYMENT-RESPONSE header value.
func (s *Service) ProcessSettlement(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, string, error) {
	response, err := s.SettlePayment(ctx, payload, requirements)
	if err != nil {
		return nil, "", err
	}
	header, err := x402.EncodeSettleHeader(*response)
	if err != nil {
		return response, "", err
	}
	return response, header, nil
}
