package types

import (
	"fmt"
	"strings"

	"github.com/feedmux/feedmux/pkg/errors"
)

// ParamType enumerates the supported input parameter types.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamEnum    ParamType = "enum"
)

// InputParameter describes a single endpoint input field.
type InputParameter struct {
	Type        ParamType
	Required    bool
	Default     any
	Aliases     []string
	Options     []string // valid values when Type == ParamEnum
	Description string
}

// InputParameters is the validation schema of an endpoint, keyed by the
// canonical parameter name.
type InputParameters map[string]InputParameter

// Validate checks raw request params against the schema and returns the
// normalized param map: aliases resolved to canonical names, defaults
// applied, types enforced. Unknown fields are passed through untouched so
// endpoints can accept free-form extra data.
func (p InputParameters) Validate(raw map[string]any) (map[string]any, *errors.AdapterError) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	for name, param := range p {
		value, present := out[name]
		if !present {
			for _, alias := range param.Aliases {
				if v, ok := out[alias]; ok {
					value, present = v, true
					delete(out, alias)
					break
				}
			}
		}

		if !present {
			if param.Default != nil {
				out[name] = param.Default
				continue
			}
			if param.Required {
				return nil, errors.NewInputErrorf("required parameter %q is missing", name)
			}
			continue
		}

		normalized, err := param.normalize(name, value)
		if err != nil {
			return nil, err
		}
		out[name] = normalized
	}

	return out, nil
}

func (param InputParameter) normalize(name string, value any) (any, *errors.AdapterError) {
	switch param.Type {
	case ParamString, "":
		s, ok := value.(string)
		if !ok {
			return nil, errors.NewInputErrorf("parameter %q must be a string", name)
		}
		return s, nil
	case ParamNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, errors.NewInputErrorf("parameter %q must be a number", name)
		}
	case ParamBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, errors.NewInputErrorf("parameter %q must be a boolean", name)
		}
		return b, nil
	case ParamEnum:
		s, ok := value.(string)
		if !ok {
			return nil, errors.NewInputErrorf("parameter %q must be one of [%s]", name, strings.Join(param.Options, ", "))
		}
		for _, opt := range param.Options {
			if strings.EqualFold(s, opt) {
				return opt, nil
			}
		}
		return nil, errors.NewInputErrorf("parameter %q must be one of [%s], got %q", name, strings.Join(param.Options, ", "), s)
	default:
		return nil, errors.NewInputErrorf("parameter %q has unsupported type %q", name, param.Type)
	}
}

// LWBAResult is a bid/mid/ask response shape.
type LWBAResult struct {
	Bid float64 `json:"bid"`
	Mid float64 `json:"mid"`
	Ask float64 `json:"ask"`
}

// Validate enforces the bid <= mid <= ask invariant.
func (r LWBAResult) Validate() *errors.AdapterError {
	if r.Bid > r.Mid || r.Mid > r.Ask {
		return errors.NewInvariantError(fmt.Sprintf(
			"LWBA invariant violated: expected bid <= mid <= ask, got bid=%v mid=%v ask=%v",
			r.Bid, r.Mid, r.Ask))
	}
	return nil
}
