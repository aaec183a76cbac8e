// Package types defines the wire contract shared by adapters, transports,
// and the ingress layer: the inbound request shape, the response envelope
// written to cache and returned to clients, and the input-parameter schema.
package types

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/feedmux/feedmux/pkg/errors"
)

// Request is the inbound JSON body of a POST to the adapter.
type Request struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// RequestData is the decoded "data" object. Reserved fields are extracted;
// everything else is endpoint input.
type RequestData struct {
	Endpoint  string
	Transport string
	Overrides map[string]map[string]string
	Params    map[string]any
}

// Reserved field names inside the request "data" object.
const (
	FieldEndpoint  = "endpoint"
	FieldTransport = "transport"
	FieldOverrides = "overrides"
)

// DecodeRequestData splits the raw "data" object into reserved routing
// fields and endpoint input params.
func DecodeRequestData(raw json.RawMessage) (*RequestData, error) {
	rd := &RequestData{Params: map[string]any{}}
	if len(raw) == 0 {
		return rd, nil
	}

	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, errors.NewInputError("request data is not a JSON object")
	}

	for k, v := range all {
		switch k {
		case FieldEndpoint:
			rd.Endpoint, _ = v.(string)
		case FieldTransport:
			rd.Transport, _ = v.(string)
		case FieldOverrides:
			rd.Overrides = decodeOverrides(v)
		default:
			rd.Params[k] = v
		}
	}
	return rd, nil
}

func decodeOverrides(v any) map[string]map[string]string {
	outer, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]map[string]string, len(outer))
	for adapter, inner := range outer {
		m, ok := inner.(map[string]any)
		if !ok {
			continue
		}
		symbols := make(map[string]string, len(m))
		for sym, repl := range m {
			if s, ok := repl.(string); ok {
				symbols[sym] = s
			}
		}
		result[adapter] = symbols
	}
	return result
}

// Timestamps records provider interaction times for staleness metrics.
type Timestamps struct {
	ProviderDataRequestedUnixMs         int64  `json:"providerDataRequestedUnixMs"`
	ProviderDataReceivedUnixMs          int64  `json:"providerDataReceivedUnixMs"`
	ProviderDataStreamEstablishedUnixMs int64  `json:"providerDataStreamEstablishedUnixMs,omitempty"`
	ProviderIndicatedTimeUnixMs         *int64 `json:"providerIndicatedTimeUnixMs"`
}

// Response is the full adapter response envelope. It is both the cache value
// and the client reply. Success responses carry Result/Data; error envelopes
// carry Status "errored" plus ErrorDetail.
type Response struct {
	Result     any          `json:"result,omitempty"`
	Data       any          `json:"data,omitempty"`
	StatusCode int          `json:"statusCode"`
	Status     string       `json:"status,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	Timestamps Timestamps   `json:"timestamps"`
}

// ErrorDetail is the structured error body of an errored envelope.
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// StatusErrored marks error envelopes.
const StatusErrored = "errored"

// IsError reports whether the envelope is an error envelope.
func (r *Response) IsError() bool {
	return r != nil && (r.Status == StatusErrored || r.Error != nil)
}

// Empty reports whether the envelope carries neither a result nor an error.
// ForegroundExecute returning an empty envelope means "fall through to
// background polling".
func (r *Response) Empty() bool {
	return r == nil || (r.Result == nil && r.Data == nil && r.Error == nil)
}

// NewSuccessResponse builds a 200 envelope around a result value.
func NewSuccessResponse(result, data any, ts Timestamps) *Response {
	return &Response{
		Result:     result,
		Data:       data,
		StatusCode: 200,
		Timestamps: ts,
	}
}

// NewErrorResponse builds an errored envelope from an AdapterError.
// Upstream failures are written to cache in this shape so repeated requests
// fail fast instead of timing out.
func NewErrorResponse(err *errors.AdapterError, ts Timestamps) *Response {
	return &Response{
		StatusCode: err.HTTPStatusCode(),
		Status:     StatusErrored,
		Error: &ErrorDetail{
			Name:    err.Name,
			Message: err.Message,
		},
		Timestamps: ts,
	}
}

// NowUnixMs returns the current wall clock in unix milliseconds.
func NowUnixMs() int64 {
	return time.Now().UnixMilli()
}
