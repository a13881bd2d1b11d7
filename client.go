package x402

import (
	"context"
	"fmt"
	"sync"
)

// PaymentSelector chooses among the payment options the client can fulfill.
type PaymentSelector func(version int, options []PaymentRequirements) PaymentRequirements

// Client creates signed payment payloads for 402 challenges. Scheme clients
// are registered per protocol version and network.
type Client struct {
	mu         sync.RWMutex
	schemes    map[int]*schemeRegistry[SchemeNetworkClient]
	selector   PaymentSelector
	extensions []ClientExtension
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPaymentSelector overrides the option selector. The default takes the
// first fulfillable option.
func WithPaymentSelector(selector PaymentSelector) ClientOption {
	return func(c *Client) { c.selector = selector }
}

// WithSchemeClient registers a scheme client for a version and network.
func WithSchemeClient(version int, network Network, client SchemeNetworkClient) ClientOption {
	return func(c *Client) { c.register(version, network, client) }
}

// WithClientExtension registers extensions applied to every payload.
func WithClientExtension(exts ...ClientExtension) ClientOption {
	return func(c *Client) { c.extensions = append(c.extensions, exts...) }
}

// NewClient builds a payment client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		schemes: make(map[int]*schemeRegistry[SchemeNetworkClient]),
		selector: func(version int, options []PaymentRequirements) PaymentRequirements {
			return options[0]
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterScheme registers a v2 scheme client; chainable.
func (c *Client) RegisterScheme(network Network, client SchemeNetworkClient) *Client {
	return c.register(X402Version2, network, client)
}

// RegisterSchemeV1 registers a v1 scheme client; chainable.
func (c *Client) RegisterSchemeV1(network Network, client SchemeNetworkClient) *Client {
	return c.register(X402Version1, network, client)
}

func (c *Client) register(version int, network Network, client SchemeNetworkClient) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	registry, ok := c.schemes[version]
	if !ok {
		registry = newSchemeRegistry[SchemeNetworkClient]()
		c.schemes[version] = registry
	}
	registry.add(network, client.Scheme(), client)
	return c
}

// SelectPaymentRequirements filters the accepts list to options this client
// can fulfill, then applies the selector.
func (c *Client) SelectPaymentRequirements(version int, accepts []PaymentRequirements) (PaymentRequirements, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	registry, ok := c.schemes[version]
	if !ok {
		return PaymentRequirements{}, fmt.Errorf("no schemes registered for x402 version %d", version)
	}
	var fulfillable []PaymentRequirements
	for _, r := range accepts {
		if _, found := registry.find(r.Network, r.Scheme); found {
			fulfillable = append(fulfillable, r)
		}
	}
	if len(fulfillable) == 0 {
		return PaymentRequirements{}, NewPaymentError(ReasonUnsupportedScheme, map[string]interface{}{"version": version})
	}
	return c.selector(version, fulfillable), nil
}

// CanPay reports whether any accepts entry is fulfillable.
func (c *Client) CanPay(version int, accepts []PaymentRequirements) bool {
	_, err := c.SelectPaymentRequirements(version, accepts)
	return err == nil
}

// CreatePaymentPayload signs a payload for one selected option. For v2 the
// accepted echo, resource, and extension data are attached.
func (c *Client) CreatePaymentPayload(ctx context.Context, version int, requirements PaymentRequirements, resource *ResourceInfo) (PaymentPayload, error) {
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment requirements: %w", err)
	}
	c.mu.RLock()
	registry, ok := c.schemes[version]
	c.mu.RUnlock()
	if !ok {
		return PaymentPayload{}, fmt.Errorf("no schemes registered for x402 version %d", version)
	}
	schemeClient, found := registry.find(requirements.Network, requirements.Scheme)
	if !found {
		return PaymentPayload{}, NewPaymentError(ReasonUnsupportedScheme, map[string]interface{}{
			"scheme": requirements.Scheme, "network": string(requirements.Network),
		})
	}
	payload, err := schemeClient.CreatePaymentPayload(ctx, version, requirements)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("creating payment payload: %w", err)
	}
	payload.X402Version = version
	if version >= X402Version2 {
		accepted := requirements
		payload.Accepted = &accepted
		payload.Resource = resource
		payload.Scheme = ""
		payload.Network = ""
	} else {
		payload.Scheme = requirements.Scheme
		payload.Network = requirements.Network
		payload.Accepted = nil
	}
	if err := ValidatePaymentPayload(payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("created payload invalid: %w", err)
	}
	return payload, nil
}

// CreatePaymentForRequired answers a full 402 body: selects an option, signs
// a payload, and runs client extensions so challenge data is echoed back.
func (c *Client) CreatePaymentForRequired(ctx context.Context, required PaymentRequired) (PaymentPayload, error) {
	selected, err := c.SelectPaymentRequirements(required.X402Version, required.Accepts)
	if err != nil {
		return PaymentPayload{}, err
	}
	payload, err := c.CreatePaymentPayload(ctx, required.X402Version, selected, required.Resource)
	if err != nil {
		return PaymentPayload{}, err
	}
	for _, ext := range c.extensions {
		payload, err = ext.EnrichPaymentPayload(ctx, payload, required)
		if err != nil {
			return PaymentPayload{}, fmt.Errorf("extension %s: %w", ext.Key(), err)
		}
	}
	return payload, nil
}
