package feedmux

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// stubTransport satisfies the transport lifecycle with no behavior.
type stubTransport struct {
	name string
}

func (s *stubTransport) Initialize(_ context.Context, _ *transport.Dependencies, _ string) error {
	return nil
}

func (s *stubTransport) Close() error { return nil }

func TestTransportRouter_SingleTransportShortCircuits(t *testing.T) {
	r := newTransportRouter("", nil)
	single := &stubTransport{name: "only"}
	require.NoError(t, r.register(defaultTransportName, single))

	// Even an explicit unknown transport field cannot miss.
	name, resolved, aerr := r.Resolve(&types.RequestData{Transport: "nonexistent"})
	require.Nil(t, aerr)
	assert.Equal(t, defaultTransportName, name)
	assert.Same(t, single, resolved)
}

func TestTransportRouter_Resolve(t *testing.T) {
	rest := &stubTransport{name: "rest"}
	ws := &stubTransport{name: "ws"}

	newRouter := func(custom CustomRouter) *TransportRouter {
		r := newTransportRouter("rest", custom)
		require.NoError(t, r.register("rest", rest))
		require.NoError(t, r.register("ws", ws))
		return r
	}

	t.Run("request field wins", func(t *testing.T) {
		name, resolved, aerr := newRouter(nil).Resolve(&types.RequestData{Transport: "ws"})
		require.Nil(t, aerr)
		assert.Equal(t, "ws", name)
		assert.Same(t, ws, resolved)
	})

	t.Run("request field is case insensitive", func(t *testing.T) {
		name, _, aerr := newRouter(nil).Resolve(&types.RequestData{Transport: "WS"})
		require.Nil(t, aerr)
		assert.Equal(t, "ws", name)
	})

	t.Run("default applies when the request does not route", func(t *testing.T) {
		name, resolved, aerr := newRouter(nil).Resolve(&types.RequestData{})
		require.Nil(t, aerr)
		assert.Equal(t, "rest", name)
		assert.Same(t, rest, resolved)
	})

	t.Run("custom router beats the request field", func(t *testing.T) {
		custom := func(data *types.RequestData) string {
			if data.Params["streaming"] == true {
				return "ws"
			}
			return ""
		}
		name, _, aerr := newRouter(custom).Resolve(&types.RequestData{
			Transport: "rest",
			Params:    map[string]any{"streaming": true},
		})
		require.Nil(t, aerr)
		assert.Equal(t, "ws", name)
	})

	t.Run("empty custom result falls through", func(t *testing.T) {
		custom := func(_ *types.RequestData) string { return "" }
		name, _, aerr := newRouter(custom).Resolve(&types.RequestData{Transport: "ws"})
		require.Nil(t, aerr)
		assert.Equal(t, "ws", name)
	})

	t.Run("unknown key lists the valid names", func(t *testing.T) {
		_, _, aerr := newRouter(nil).Resolve(&types.RequestData{Transport: "carrier-pigeon"})
		require.NotNil(t, aerr)
		assert.Equal(t, http.StatusBadRequest, aerr.StatusCode)
		assert.Equal(t, `No transport found for key "carrier-pigeon", must be one of ["rest","ws"]`,
			aerr.Message)
	})

	t.Run("unknown key lists every registered name sorted and quoted", func(t *testing.T) {
		r := newTransportRouter("", nil)
		for _, name := range []string{"websocket", "batch", "sse"} {
			require.NoError(t, r.register(name, &stubTransport{}))
		}
		_, _, aerr := r.Resolve(&types.RequestData{Transport: "qweqwe"})
		require.NotNil(t, aerr)
		assert.Equal(t,
			`No transport found for key "qweqwe", must be one of ["batch","sse","websocket"]`,
			aerr.Message)
	})
}

func TestTransportRouter_Register(t *testing.T) {
	t.Run("duplicate name", func(t *testing.T) {
		r := newTransportRouter("", nil)
		require.NoError(t, r.register("rest", &stubTransport{}))
		assert.Error(t, r.register("rest", &stubTransport{}))
	})

	t.Run("invalid names", func(t *testing.T) {
		r := newTransportRouter("", nil)
		for _, name := range []string{"REST", "rest2", "rest-api", ""} {
			assert.Error(t, r.register(name, &stubTransport{}), name)
		}
	})

	t.Run("nil transport", func(t *testing.T) {
		r := newTransportRouter("", nil)
		assert.Error(t, r.register("rest", nil))
	})

	t.Run("sentinel cannot join named transports", func(t *testing.T) {
		r := newTransportRouter("", nil)
		require.NoError(t, r.register("rest", &stubTransport{}))
		assert.Error(t, r.register(defaultTransportName, &stubTransport{}))
	})
}

func TestTransportRouter_NamesExcludeSentinel(t *testing.T) {
	r := newTransportRouter("", nil)
	require.NoError(t, r.register(defaultTransportName, &stubTransport{}))
	assert.Empty(t, r.Names())

	named := newTransportRouter("", nil)
	require.NoError(t, named.register("ws", &stubTransport{}))
	require.NoError(t, named.register("rest", &stubTransport{}))
	assert.Equal(t, []string{"rest", "ws"}, named.Names())
}
