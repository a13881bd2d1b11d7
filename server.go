package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSupportedCacheTTL bounds how long fetched facilitator capabilities
// are reused before a refresh.
const DefaultSupportedCacheTTL = 10 * time.Minute

// facilitatorRoute is one (version, network, scheme) a facilitator client
// can serve, with the kind it advertised.
type facilitatorRoute struct {
	client FacilitatorClient
	kind   SupportedKind
}

// ResourceServer is the resource-side runtime: it builds 402 challenges,
// matches incoming payloads against them, and routes verify and settle calls
// to the right facilitator.
type ResourceServer struct {
	schemes      *schemeRegistry[SchemeNetworkServer]
	facilitators []FacilitatorClient
	extensions   map[string]ResourceServerExtension
	extensionOrd []string
	hooks        serverHooks
	supportedTTL time.Duration
	logger       *slog.Logger

	mu          sync.RWMutex
	routes      map[int]map[Network]map[string]facilitatorRoute
	extSupport  map[string]bool
	lastRefresh time.Time
}

// ResourceServerOption configures a ResourceServer.
type ResourceServerOption func(*ResourceServer)

// WithFacilitatorClient adds facilitator clients, consulted in order.
func WithFacilitatorClient(clients ...FacilitatorClient) ResourceServerOption {
	return func(s *ResourceServer) {
		s.facilitators = append(s.facilitators, clients...)
	}
}

// WithSchemeServer registers a scheme server for a network. The network may
// be a wildcard such as "eip155:*".
func WithSchemeServer(network Network, server SchemeNetworkServer) ResourceServerOption {
	return func(s *ResourceServer) {
		s.schemes.add(network, server.Scheme(), server)
	}
}

// WithServerExtension registers a resource-server extension.
func WithServerExtension(exts ...ResourceServerExtension) ResourceServerOption {
	return func(s *ResourceServer) {
		for _, ext := range exts {
			if _, seen := s.extensions[ext.Key()]; !seen {
				s.extensionOrd = append(s.extensionOrd, ext.Key())
			}
			s.extensions[ext.Key()] = ext
		}
	}
}

// WithSupportedCacheTTL overrides how long /supported results are cached.
func WithSupportedCacheTTL(ttl time.Duration) ResourceServerOption {
	return func(s *ResourceServer) { s.supportedTTL = ttl }
}

// WithLogger overrides the slog logger used for warn paths.
func WithLogger(logger *slog.Logger) ResourceServerOption {
	return func(s *ResourceServer) { s.logger = logger }
}

// NewResourceServer builds a runtime. Call Initialize before serving so
// facilitator capabilities are known.
func NewResourceServer(opts ...ResourceServerOption) *ResourceServer {
	s := &ResourceServer{
		schemes:      newSchemeRegistry[SchemeNetworkServer](),
		extensions:   make(map[string]ResourceServerExtension),
		supportedTTL: DefaultSupportedCacheTTL,
		logger:       slog.Default(),
		routes:       make(map[int]map[Network]map[string]facilitatorRoute),
		extSupport:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a scheme server after construction; chainable.
func (s *ResourceServer) Register(network Network, server SchemeNetworkServer) *ResourceServer {
	s.schemes.add(network, server.Scheme(), server)
	return s
}

// RegisterExtension adds an extension after construction; chainable.
func (s *ResourceServer) RegisterExtension(ext ResourceServerExtension) *ResourceServer {
	WithServerExtension(ext)(s)
	return s
}

// Initialize fetches /supported from every facilitator and builds the
// routing tables. A facilitator that fails to answer is skipped with a
// warning; at least one must succeed.
func (s *ResourceServer) Initialize(ctx context.Context) error {
	routes := make(map[int]map[Network]map[string]facilitatorRoute)
	extSupport := make(map[string]bool)
	ok := 0
	for _, client := range s.facilitators {
		supported, err := client.GetSupported(ctx)
		if err != nil {
			s.logger.Warn("facilitator supported fetch failed", "error", err)
			continue
		}
		ok++
		for _, kind := range supported.Kinds {
			version := kind.X402Version
			if version == 0 {
				version = X402Version1
			}
			if routes[version] == nil {
				routes[version] = make(map[Network]map[string]facilitatorRoute)
			}
			if routes[version][kind.Network] == nil {
				routes[version][kind.Network] = make(map[string]facilitatorRoute)
			}
			if _, exists := routes[version][kind.Network][kind.Scheme]; !exists {
				routes[version][kind.Network][kind.Scheme] = facilitatorRoute{client: client, kind: kind}
			}
		}
		for _, ext := range supported.Extensions {
			extSupport[ext] = true
		}
	}
	if ok == 0 && len(s.facilitators) > 0 {
		return fmt.Errorf("no facilitator answered /supported")
	}
	s.mu.Lock()
	s.routes = routes
	s.extSupport = extSupport
	s.lastRefresh = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *ResourceServer) refreshIfStale(ctx context.Context) {
	s.mu.RLock()
	stale := time.Since(s.lastRefresh) > s.supportedTTL
	s.mu.RUnlock()
	if stale {
		if err := s.Initialize(ctx); err != nil {
			s.logger.Warn("supported cache refresh failed", "error", err)
		}
	}
}

// findRoute locates the facilitator serving (version, network, scheme),
// honoring wildcard network advertisements.
func (s *ResourceServer) findRoute(version int, network Network, scheme string) (facilitatorRoute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNetwork, ok := s.routes[version]
	if !ok {
		return facilitatorRoute{}, false
	}
	if schemes, ok := byNetwork[network]; ok {
		if route, ok := schemes[scheme]; ok {
			return route, true
		}
	}
	for advertised, schemes := range byNetwork {
		if advertised.Match(network) {
			if route, ok := schemes[scheme]; ok {
				return route, true
			}
		}
	}
	return facilitatorRoute{}, false
}

// supportedExtensionKeys returns the registered extensions the facilitators
// also understand. Extensions without facilitator involvement (declaration
// only) are always included.
func (s *ResourceServer) supportedExtensionKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.extensionOrd))
	keys = append(keys, s.extensionOrd...)
	return keys
}

// BuildPaymentRequirements expands one ResourceConfig into concrete
// requirements using the registered scheme server and the facilitator's
// advertised kind for the config's network.
func (s *ResourceServer) BuildPaymentRequirements(ctx context.Context, version int, config ResourceConfig) (*PaymentRequirements, error) {
	s.refreshIfStale(ctx)
	scheme := config.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}
	server, ok := s.schemes.find(config.Network, scheme)
	if !ok {
		return nil, fmt.Errorf("no scheme server registered for %s on %s", scheme, config.Network)
	}
	route, ok := s.findRoute(version, config.Network, scheme)
	if !ok {
		return nil, fmt.Errorf("no facilitator supports %s on %s (v%d)", scheme, config.Network, version)
	}
	amount, err := server.ParsePrice(config.Price, config.Network)
	if err != nil {
		return nil, fmt.Errorf("parsing price: %w", err)
	}
	timeout := config.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = DefaultMaxTimeoutSeconds
	}
	requirements := &PaymentRequirements{
		Scheme:            scheme,
		Network:           config.Network,
		Asset:             amount.Asset,
		Amount:            amount.Amount,
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: timeout,
	}
	if len(amount.Extra) > 0 || len(config.Extra) > 0 {
		requirements.Extra = make(map[string]interface{}, len(amount.Extra)+len(config.Extra))
		for k, v := range amount.Extra {
			requirements.Extra[k] = v
		}
		for k, v := range config.Extra {
			requirements.Extra[k] = v
		}
	}
	if err := server.EnhancePaymentRequirements(ctx, requirements, route.kind, s.supportedExtensionKeys()); err != nil {
		return nil, fmt.Errorf("enhancing requirements: %w", err)
	}
	if version == X402Version1 {
		requirements.MaxAmountRequired = requirements.Amount
		requirements.Amount = ""
		requirements.Description = config.Description
		requirements.MimeType = config.MimeType
	}
	return requirements, nil
}

// BuildPaymentRequired assembles the 402 body for a resource: one accepts
// entry per config, plus enriched extension declarations.
func (s *ResourceServer) BuildPaymentRequired(ctx context.Context, version int, resource *ResourceInfo, configs []ResourceConfig, errMessage string, transportContext interface{}) (*PaymentRequired, error) {
	accepts := make([]PaymentRequirements, 0, len(configs))
	for _, config := range configs {
		requirements, err := s.BuildPaymentRequirements(ctx, version, config)
		if err != nil {
			s.logger.Warn("skipping payment option", "network", config.Network, "error", err)
			continue
		}
		if version == X402Version1 && resource != nil {
			requirements.Resource = resource.URL
		}
		accepts = append(accepts, *requirements)
	}
	if len(accepts) == 0 {
		return nil, fmt.Errorf("no payment option could be built")
	}
	required := &PaymentRequired{
		X402Version: version,
		Error:       errMessage,
		Accepts:     accepts,
	}
	if version >= X402Version2 {
		required.Resource = resource
		if len(configs) > 0 {
			required.Extensions = s.EnrichExtensions(ctx, configs[0], transportContext)
		}
		s.finalizeExtensions(ctx, required)
	}
	return required, nil
}

// finalizeExtensions gives challenge finalizers the assembled body. A
// finalizer error drops its declaration rather than failing the challenge.
func (s *ResourceServer) finalizeExtensions(ctx context.Context, required *PaymentRequired) {
	for _, key := range s.extensionOrd {
		finalizer, ok := s.extensions[key].(ChallengeFinalizerExtension)
		if !ok {
			continue
		}
		value, err := finalizer.FinalizeChallenge(ctx, *required)
		if err != nil {
			s.logger.Warn("extension challenge finalizer failed", "extension", key, "error", err)
			delete(required.Extensions, key)
			continue
		}
		if value == nil {
			delete(required.Extensions, key)
			continue
		}
		if required.Extensions == nil {
			required.Extensions = make(map[string]interface{})
		}
		required.Extensions[key] = value
	}
}

// EnrichExtensions collects declarations from registered extensions and lets
// each adjust its declaration with transport context.
func (s *ResourceServer) EnrichExtensions(ctx context.Context, config ResourceConfig, transportContext interface{}) map[string]interface{} {
	if len(s.extensionOrd) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for _, key := range s.extensionOrd {
		ext := s.extensions[key]
		declaration := ext.Declare(ctx, config)
		if declaration == nil {
			continue
		}
		out[key] = ext.EnrichDeclaration(declaration, transportContext)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FindMatchingRequirements selects the accepts entry a payload pays for.
func (s *ResourceServer) FindMatchingRequirements(accepts []PaymentRequirements, payload PaymentPayload) (PaymentRequirements, bool) {
	return MatchPayloadToRequirements(accepts, payload)
}

// VerifyPayment routes a payload to the facilitator serving its scheme and
// network. Transport failures come back as unexpected_verify_error unless a
// failure hook recovers.
func (s *ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	opCtx := OperationContext{Ctx: ctx, Payload: payload, Requirements: requirements, Timestamp: time.Now()}
	for _, hook := range s.hooks.beforeVerify {
		result, err := hook(opCtx)
		if err != nil {
			return nil, fmt.Errorf("before-verify hook: %w", err)
		}
		if result != nil && result.Abort {
			return &VerifyResponse{
				IsValid:            false,
				InvalidReason:      ReasonInvalidPayload,
				InvalidDescription: result.Reason,
			}, nil
		}
	}

	if err := ValidatePaymentPayload(payload); err != nil {
		return InvalidVerify(ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	scheme, network := payload.SchemeAndNetwork()
	route, ok := s.findRoute(payload.X402Version, network, scheme)
	if !ok {
		return InvalidVerify(ReasonUnsupportedScheme, map[string]interface{}{
			"scheme": scheme, "network": string(network),
		}), nil
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return nil, fmt.Errorf("marshaling requirements: %w", err)
	}

	started := time.Now()
	response, err := route.client.Verify(ctx, payloadBytes, requirementsBytes)
	if err != nil {
		for _, hook := range s.hooks.onVerifyFailure {
			result, hookErr := hook(VerifyFailureContext{OperationContext: opCtx, Error: err, Duration: time.Since(started)})
			if hookErr == nil && result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return InvalidVerify(ReasonUnexpectedVerifyError, map[string]interface{}{"detail": err.Error()}), nil
	}
	for _, hook := range s.hooks.afterVerify {
		if hookErr := hook(VerifyResultContext{OperationContext: opCtx, Result: *response, Duration: time.Since(started)}); hookErr != nil {
			s.logger.Warn("after-verify hook failed", "error", hookErr)
		}
	}
	return response, nil
}

// SettlePayment executes a verified payment through its facilitator, then
// gives settle-observer extensions a chance to enrich the response. A
// transport failure reaching the facilitator surfaces as
// ErrFacilitatorUnreachable unless a failure hook recovers; the settlement
// outcome is unknown at that point, so callers must not treat it as a
// rejection.
func (s *ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	opCtx := OperationContext{Ctx: ctx, Payload: payload, Requirements: requirements, Timestamp: time.Now()}
	for _, hook := range s.hooks.beforeSettle {
		result, err := hook(opCtx)
		if err != nil {
			return nil, fmt.Errorf("before-settle hook: %w", err)
		}
		if result != nil && result.Abort {
			return FailedSettle(ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": result.Reason}), nil
		}
	}

	scheme, network := payload.SchemeAndNetwork()
	route, ok := s.findRoute(payload.X402Version, network, scheme)
	if !ok {
		return FailedSettle(ReasonUnsupportedScheme, network, map[string]interface{}{
			"scheme": scheme, "network": string(network),
		}), nil
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return nil, fmt.Errorf("marshaling requirements: %w", err)
	}

	started := time.Now()
	response, err := route.client.Settle(ctx, payloadBytes, requirementsBytes)
	if err != nil {
		for _, hook := range s.hooks.onSettleFailure {
			result, hookErr := hook(SettleFailureContext{OperationContext: opCtx, Error: err, Duration: time.Since(started)})
			if hookErr == nil && result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, err)
	}

	if response.Success {
		for _, key := range s.extensionOrd {
			if observer, ok := s.extensions[key].(SettleObserverExtension); ok {
				if obsErr := observer.OnSettle(ctx, payload, response); obsErr != nil {
					s.logger.Warn("settle observer failed", "extension", key, "error", obsErr)
				}
			}
		}
	}
	for _, hook := range s.hooks.afterSettle {
		if hookErr := hook(SettleResultContext{OperationContext: opCtx, Result: *response, Duration: time.Since(started)}); hookErr != nil {
			s.logger.Warn("after-settle hook failed", "error", hookErr)
		}
	}
	return response, nil
}
