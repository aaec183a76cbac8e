package feedmux

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// defaultTransportName is the sentinel used when an endpoint registers a
// single unnamed transport. It is deliberately not a valid user-facing name.
const defaultTransportName = "__default"

var transportNamePattern = regexp.MustCompile(`^[a-z]+$`)

// CustomRouter picks a transport name from the request data. An empty return
// falls through to the `transport` field and then the endpoint default.
type CustomRouter func(data *types.RequestData) string

// TransportRouter maps lowercase transport names to transport instances and
// resolves which one serves a request.
type TransportRouter struct {
	transports map[string]transport.Transport
	names      []string

	defaultName string
	custom      CustomRouter
}

func newTransportRouter(defaultName string, custom CustomRouter) *TransportRouter {
	return &TransportRouter{
		transports:  make(map[string]transport.Transport),
		defaultName: strings.ToLower(defaultName),
		custom:      custom,
	}
}

// register adds a named transport. Names must be lowercase alphabetic, or the
// single-transport sentinel.
func (r *TransportRouter) register(name string, t transport.Transport) error {
	if t == nil {
		return fmt.Errorf("transport %q is nil", name)
	}
	if name != defaultTransportName && !transportNamePattern.MatchString(name) {
		return fmt.Errorf("transport name %q is invalid, must match %s", name, transportNamePattern)
	}
	if _, exists := r.transports[name]; exists {
		return fmt.Errorf("transport %q registered twice", name)
	}
	if name == defaultTransportName && len(r.transports) > 0 {
		return fmt.Errorf("cannot mix a single unnamed transport with named transports")
	}
	r.transports[name] = t
	r.names = append(r.names, name)
	return nil
}

// Names returns the registered names in sorted order.
func (r *TransportRouter) Names() []string {
	names := make([]string, 0, len(r.names))
	for _, n := range r.names {
		if n != defaultTransportName {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// each visits every registered transport.
func (r *TransportRouter) each(fn func(name string, t transport.Transport) error) error {
	for _, name := range r.names {
		if err := fn(name, r.transports[name]); err != nil {
			return err
		}
	}
	return nil
}

// Resolve picks the transport serving a request: a single registered
// transport wins outright; otherwise the custom router, then the request's
// `transport` field, then the endpoint default, first non-empty lowercased.
func (r *TransportRouter) Resolve(data *types.RequestData) (string, transport.Transport, *errors.AdapterError) {
	if len(r.names) == 1 {
		name := r.names[0]
		return name, r.transports[name], nil
	}

	key := ""
	if r.custom != nil {
		key = r.custom(data)
	}
	if key == "" {
		key = data.Transport
	}
	if key == "" {
		key = r.defaultName
	}
	key = strings.ToLower(key)

	if t, ok := r.transports[key]; ok {
		return key, t, nil
	}
	return "", nil, errors.NewInputErrorf(
		"No transport found for key %q, must be one of [%s]", key, r.quotedNames())
}

// quotedNames renders the registered names the way the error contract
// documents them: quoted, comma-joined.
func (r *TransportRouter) quotedNames() string {
	names := r.Names()
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = strconv.Quote(name)
	}
	return strings.Join(quoted, ",")
}
