package feedmux

import (
	"fmt"
	"strings"

	"github.com/feedmux/feedmux/pkg/cache"
	"github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// Transform mutates the request data before validation and cache key
// derivation. Transforms run in registration order, after the built-in
// symbol overrider.
type Transform func(data *types.RequestData) *errors.AdapterError

// Endpoint is one named operation of an adapter.
type Endpoint struct {
	// Name is the endpoint's canonical name. Lowercased at init.
	Name string

	// Aliases are alternative names resolving to this endpoint.
	Aliases []string

	// Transport serves all requests when the endpoint has exactly one.
	Transport transport.Transport

	// Transports maps lowercase names to transports for multi-transport
	// endpoints. Mutually exclusive with Transport.
	Transports map[string]transport.Transport

	// DefaultTransport names the fallback when the request does not route
	// explicitly.
	DefaultTransport string

	// CustomRouter overrides transport selection. Optional.
	CustomRouter CustomRouter

	// InputParameters is the typed input schema.
	InputParameters types.InputParameters

	// Overrides statically maps base symbols to provider symbols. Request
	// level overrides win over these.
	Overrides map[string]string

	// Transforms run after the symbol overrider, in order.
	Transforms []Transform

	// CustomInputValidation runs after transforms and schema validation. A
	// returned error fails the request with its status.
	CustomInputValidation func(params map[string]any) *errors.AdapterError

	// CacheKeyGenerator substitutes the default key derivation. Optional.
	CacheKeyGenerator cache.KeyGenerator

	// RateLimitAllocation is this endpoint's explicit percentage of the
	// adapter's provider budget. Nil endpoints share the remainder equally.
	RateLimitAllocation *float64

	router *TransportRouter
}

// init lowercases names and builds the transport router.
func (e *Endpoint) init() error {
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
	if e.Name == "" {
		return fmt.Errorf("endpoint name is empty")
	}
	for i, alias := range e.Aliases {
		e.Aliases[i] = strings.ToLower(strings.TrimSpace(alias))
	}

	if e.Transport != nil && len(e.Transports) > 0 {
		return fmt.Errorf("endpoint %q declares both Transport and Transports", e.Name)
	}
	if e.Transport == nil && len(e.Transports) == 0 {
		return fmt.Errorf("endpoint %q has no transport", e.Name)
	}

	e.router = newTransportRouter(e.DefaultTransport, e.CustomRouter)
	if e.Transport != nil {
		return e.router.register(defaultTransportName, e.Transport)
	}
	for name, t := range e.Transports {
		if err := e.router.register(strings.ToLower(name), t); err != nil {
			return fmt.Errorf("endpoint %q: %w", e.Name, err)
		}
	}
	return nil
}

// prepare applies the symbol overrider, user transforms, schema validation,
// and custom validation, returning the normalized params used for the cache
// key and handed to the transport.
func (e *Endpoint) prepare(adapterName string, data *types.RequestData) (map[string]any, *errors.AdapterError) {
	applyOverrides(adapterName, e.Overrides, data)

	for _, transform := range e.Transforms {
		if err := transform(data); err != nil {
			return nil, err
		}
	}

	params := data.Params
	if e.InputParameters != nil {
		validated, err := e.InputParameters.Validate(params)
		if err != nil {
			err.Endpoint = e.Name
			return nil, err
		}
		params = validated
	}

	if e.CustomInputValidation != nil {
		if err := e.CustomInputValidation(params); err != nil {
			err.Endpoint = e.Name
			return nil, err
		}
	}
	return params, nil
}

// applyOverrides rewrites the base symbol: a request-level override for this
// adapter wins, then the endpoint's static override map.
func applyOverrides(adapterName string, static map[string]string, data *types.RequestData) {
	base, ok := data.Params["base"].(string)
	if !ok || base == "" {
		return
	}

	if requestOverrides, ok := data.Overrides[strings.ToLower(adapterName)]; ok {
		if symbol, ok := requestOverrides[base]; ok && symbol != "" {
			data.Params["base"] = symbol
			return
		}
	}
	if symbol, ok := static[base]; ok && symbol != "" {
		data.Params["base"] = symbol
	}
}
