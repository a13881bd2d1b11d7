// Package bazaar implements the discovery extension: machine-readable
// endpoint metadata carried in 402 challenges so crawlers and agents can
// index paid resources.
package bazaar

import (
	"context"
	"encoding/json"
	"fmt"

	x402 "github.com/x402labs/go-x402"
)

// Key is the extension identifier.
const Key = "bazaar"

// Input declares how the endpoint takes parameters.
type Input struct {
	// Type is "query" or "body".
	Type string `json:"type"`
	// Method is filled per request from the transport.
	Method string                 `json:"method,omitempty"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// Output declares the response shape.
type Output struct {
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// Info is the discovery declaration body.
type Info struct {
	Input  *Input  `json:"input,omitempty"`
	Output *Output `json:"output,omitempty"`
}

// Extension is the wire shape under extensions[Key].
type Extension struct {
	Info   Info                   `json:"info"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// methodContext is satisfied by the HTTP adapters, keeping this package free
// of transport dependencies.
type methodContext interface {
	GetMethod() string
}

// ServerExtension declares discovery metadata for a resource.
type ServerExtension struct {
	info Info
}

// NewServerExtension wraps a discovery declaration.
func NewServerExtension(info Info) *ServerExtension {
	return &ServerExtension{info: info}
}

func (e *ServerExtension) Key() string { return Key }

func (e *ServerExtension) Declare(ctx context.Context, config x402.ResourceConfig) interface{} {
	return Extension{Info: e.info}
}

// EnrichDeclaration fills the request method into the input declaration.
func (e *ServerExtension) EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{} {
	ext, ok := declaration.(Extension)
	if !ok {
		return declaration
	}
	tc, ok := transportContext.(methodContext)
	if !ok {
		return ext
	}
	if ext.Info.Input != nil {
		input := *ext.Info.Input
		input.Method = tc.GetMethod()
		ext.Info.Input = &input
	}
	return ext
}

// ToV1OutputSchema folds the discovery declaration into a v1 requirements
// outputSchema, where pre-extension clients expect it.
func ToV1OutputSchema(ext Extension) map[string]interface{} {
	out := make(map[string]interface{})
	if ext.Info.Input != nil {
		out["input"] = ext.Info.Input
	}
	if ext.Info.Output != nil {
		out["output"] = ext.Info.Output
	}
	return out
}

// FromV1OutputSchema lifts a v1 outputSchema into the v2 extension shape.
// Returns false when the schema does not look like discovery metadata.
func FromV1OutputSchema(outputSchema map[string]interface{}) (Extension, bool) {
	_, hasInput := outputSchema["input"]
	_, hasOutput := outputSchema["output"]
	if !hasInput && !hasOutput {
		return Extension{}, false
	}
	raw, err := json.Marshal(outputSchema)
	if err != nil {
		return Extension{}, false
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Extension{}, false
	}
	return Extension{Info: info}, true
}

// ExtractDiscovery reads the discovery declaration from a challenge,
// translating v1 outputSchema when the extension map lacks one.
func ExtractDiscovery(required x402.PaymentRequired) (Extension, bool, error) {
	if raw, ok := required.Extensions[Key]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return Extension{}, false, fmt.Errorf("marshaling discovery extension: %w", err)
		}
		var ext Extension
		if err := json.Unmarshal(data, &ext); err != nil {
			return Extension{}, false, fmt.Errorf("decoding discovery extension: %w", err)
		}
		return ext, true, nil
	}
	for _, requirements := range required.Accepts {
		if requirements.OutputSchema == nil {
			continue
		}
		var outputSchema map[string]interface{}
		if err := json.Unmarshal(*requirements.OutputSchema, &outputSchema); err != nil {
			continue
		}
		if ext, ok := FromV1OutputSchema(outputSchema); ok {
			return ext, true, nil
		}
	}
	return Extension{}, false, nil
}
