// Package feedmux is a framework for building external adapters: HTTP
// services that answer `{endpoint, data}` requests with normalized responses
// derived from upstream data providers.
//
// An adapter is composed of endpoints, and each endpoint of one or more
// transports that know how to fetch from the provider. Responses flow through
// a TTL cache: the request path reads the cache, and transports keep
// subscribed entries warm in the background.
//
// Basic usage:
//
//	adapter, err := feedmux.New(feedmux.Config{
//	    Name: "COINMETRICS",
//	    Endpoints: []*feedmux.Endpoint{{
//	        Name: "price",
//	        Transport: httpbatch.New(httpbatch.Config{
//	            PrepareRequests: prepare,
//	            ParseResponse:   parse,
//	        }),
//	        InputParameters: feedmux.InputParameters{
//	            "base":  {Type: feedmux.ParamString, Required: true},
//	            "quote": {Type: feedmux.ParamString, Required: true},
//	        },
//	    }},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := adapter.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package feedmux

import (
	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/ratelimit"
	"github.com/feedmux/feedmux/internal/requester"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/types"
)

// Version is the current version of feedmux.
const Version = "1.0.0"

// Re-export core request/response types for convenience.
type (
	// Request is an inbound adapter request.
	Request = types.Request

	// RequestData is the decoded `data` object of a request.
	RequestData = types.RequestData

	// Response is the normalized adapter response envelope.
	Response = types.Response

	// Timestamps carries provider timing metadata on a response.
	Timestamps = types.Timestamps

	// AdapterError is the structured error carried through the framework.
	AdapterError = errors.AdapterError

	// InputParameters declares an endpoint's typed input schema.
	InputParameters = types.InputParameters

	// InputParameter declares one input field.
	InputParameter = types.InputParameter

	// LWBAResult is a bid/mid/ask triple with ordering validation.
	LWBAResult = types.LWBAResult
)

// Input parameter types.
const (
	ParamString  = types.ParamString
	ParamNumber  = types.ParamNumber
	ParamBoolean = types.ParamBoolean
	ParamEnum    = types.ParamEnum
)

// Re-export the types that appear in transport callbacks and adapter config,
// so adapters outside this module can name them.
type (
	// Settings is the resolved adapter configuration handed to transport
	// callbacks.
	Settings = config.Settings

	// SettingDescriptor declares one adapter-specific environment setting.
	SettingDescriptor = config.Descriptor

	// Tier is one provider rate-limit plan.
	Tier = ratelimit.Tier

	// ProviderResult is a completed data-provider call, as handed to
	// ParseResponse callbacks.
	ProviderResult = requester.Result

	// Subscription is one desired cache entry, as handed to URL and stream
	// callbacks.
	Subscription = subscription.Subscription
)

// Deployment modes, cache backends, and rate-limiting strategies.
const (
	ModeReader       = config.ModeReader
	ModeWriter       = config.ModeWriter
	ModeReaderWriter = config.ModeReaderWriter

	CacheLocal = config.CacheLocal
	CacheRedis = config.CacheRedis

	StrategyBurst         = config.StrategyBurst
	StrategyFixedInterval = config.StrategyFixedInterval
	StrategyAPICredit     = config.StrategyAPICredit
)

// Setting descriptor value types.
const (
	SettingString   = config.TypeString
	SettingInt      = config.TypeInt
	SettingBool     = config.TypeBool
	SettingEnum     = config.TypeEnum
	SettingDuration = config.TypeDuration
)
