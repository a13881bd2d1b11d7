package x402http

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	x402 "github.com/x402labs/go-x402"
)

// PaywallConfig customizes the browser-facing 402 page.
type PaywallConfig struct {
	AppName   string
	AppLogo   string
	CDPAPIKey string
	// SessionTokenEndpoint lets the page mint onramp session tokens.
	SessionTokenEndpoint string
	Testnet              bool
}

// PaywallProvider generates HTML for browser-facing 402 responses.
type PaywallProvider interface {
	GenerateHTML(required x402.PaymentRequired, config *PaywallConfig) string
}

// PaywallNetworkHandler renders the paywall for one network family. Handlers
// compose through PaywallBuilder.
type PaywallNetworkHandler interface {
	Supports(requirement x402.PaymentRequirements) bool
	GenerateHTML(requirement x402.PaymentRequirements, required x402.PaymentRequired, config *PaywallConfig) string
}

// EVMPaywallHandler renders the paywall for eip155 networks.
type EVMPaywallHandler struct{}

func (h *EVMPaywallHandler) Supports(requirement x402.PaymentRequirements) bool {
	return requirement.Network.Namespace() == x402.NamespaceEVM
}

func (h *EVMPaywallHandler) GenerateHTML(_ x402.PaymentRequirements, required x402.PaymentRequired, config *PaywallConfig) string {
	return renderPaywall(required, config)
}

// SVMPaywallHandler renders the paywall for solana networks.
type SVMPaywallHandler struct{}

func (h *SVMPaywallHandler) Supports(requirement x402.PaymentRequirements) bool {
	return requirement.Network.Namespace() == x402.NamespaceSVM
}

func (h *SVMPaywallHandler) GenerateHTML(_ x402.PaymentRequirements, required x402.PaymentRequired, config *PaywallConfig) string {
	return renderPaywall(required, config)
}

// PaywallBuilder composes network handlers into one provider.
type PaywallBuilder struct {
	handlers []PaywallNetworkHandler
	config   *PaywallConfig
}

func NewPaywallBuilder() *PaywallBuilder {
	return &PaywallBuilder{}
}

func (b *PaywallBuilder) WithNetwork(handler PaywallNetworkHandler) *PaywallBuilder {
	b.handlers = append(b.handlers, handler)
	return b
}

func (b *PaywallBuilder) WithConfig(config *PaywallConfig) *PaywallBuilder {
	b.config = config
	return b
}

// Build creates a provider dispatching to the first handler that supports an
// accepts entry.
func (b *PaywallBuilder) Build() PaywallProvider {
	return &compositePaywallProvider{handlers: b.handlers, config: b.config}
}

type compositePaywallProvider struct {
	handlers []PaywallNetworkHandler
	config   *PaywallConfig
}

func (p *compositePaywallProvider) GenerateHTML(required x402.PaymentRequired, config *PaywallConfig) string {
	effective := config
	if effective == nil {
		effective = p.config
	}
	for _, requirement := range required.Accepts {
		for _, handler := range p.handlers {
			if handler.Supports(requirement) {
				return handler.GenerateHTML(requirement, required, effective)
			}
		}
	}
	return ""
}

// DefaultPaywallProvider covers EVM and SVM networks.
func DefaultPaywallProvider() PaywallProvider {
	return NewPaywallBuilder().
		WithNetwork(&EVMPaywallHandler{}).
		WithNetwork(&SVMPaywallHandler{}).
		Build()
}

// renderPaywall embeds the challenge JSON into the page so wallet scripts can
// read it. The JSON is authoritative; the visible text is informational.
func renderPaywall(required x402.PaymentRequired, config *PaywallConfig) string {
	if config == nil {
		config = &PaywallConfig{}
	}
	appName := config.AppName
	if appName == "" {
		appName = "Payment Required"
	}
	challenge, err := json.Marshal(required)
	if err != nil {
		return ""
	}
	settings, err := json.Marshal(map[string]interface{}{
		"appName":              config.AppName,
		"appLogo":              config.AppLogo,
		"cdpApiKey":            config.CDPAPIKey,
		"sessionTokenEndpoint": config.SessionTokenEndpoint,
		"testnet":              config.Testnet,
	})
	if err != nil {
		return ""
	}

	var description string
	if required.Resource != nil && required.Resource.Description != "" {
		description = required.Resource.Description
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(appName))
	b.WriteString("<script>\n")
	// Script-embedded JSON escapes "</" so the payload cannot close the tag.
	fmt.Fprintf(&b, "window.x402 = {paymentRequired: %s, config: %s};\n",
		scriptSafeJSON(challenge), scriptSafeJSON(settings))
	b.WriteString("</script>\n</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(appName))
	if description != "" {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(description))
	}
	b.WriteString("<p>This resource requires payment. Connect a wallet that speaks the x402 protocol to continue.</p>\n")
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func scriptSafeJSON(raw []byte) string {
	return strings.ReplaceAll(string(raw), "</", "<\\/")
}
