package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/observability"
	adaptererrors "github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/types"
)

// fakeAdapter routes everything to the "price" endpoint and replies from
// canned callbacks.
type fakeAdapter struct {
	resolveErr *adaptererrors.AdapterError
	executeErr *adaptererrors.AdapterError
	response   *types.Response
}

func (f *fakeAdapter) Resolve(_ context.Context, req *types.Request) (*Resolved, *adaptererrors.AdapterError) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &Resolved{
		EndpointName:  "price",
		TransportName: "rest",
		Params:        map[string]any{"base": "eth"},
		CacheKey:      "TEST-price-rest-key",
	}, nil
}

func (f *fakeAdapter) Execute(_ context.Context, _ *Resolved) (*types.Response, *adaptererrors.AdapterError) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return f.response, nil
}

func newTestServer(adapter Adapter, settings *config.Settings) *Server {
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  observability.ParseLevel("error"),
		Output: io.Discard,
	}, nil)
	return NewServer(adapter, settings, logger, "1.2.3")
}

func testSettings() *config.Settings {
	return &config.Settings{
		BaseURL:              "/",
		MaxPayloadSize:       1 << 20,
		CorrelationIDEnabled: true,
		APITimeout:           time.Second,
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(&fakeAdapter{}, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", res.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "OK", body["message"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestServer_RejectsNonPOST(t *testing.T) {
	s := newTestServer(&fakeAdapter{}, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_RejectsWrongContentType(t *testing.T) {
	s := newTestServer(&fakeAdapter{}, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/", "text/plain", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_RejectsMissingContentType(t *testing.T) {
	s := newTestServer(&fakeAdapter{}, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/",
		strings.NewReader(`{"data":{"endpoint":"price"}}`))
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_RejectsInvalidJSON(t *testing.T) {
	s := newTestServer(&fakeAdapter{}, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_ErrorBodyShape(t *testing.T) {
	adapter := &fakeAdapter{
		resolveErr: adaptererrors.NewNotFoundError(`Endpoint "nope" not found`),
	}
	s := newTestServer(adapter, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/", "application/json",
		strings.NewReader(`{"data":{"endpoint":"nope"}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	var body struct {
		Status     string `json:"status"`
		StatusCode int    `json:"statusCode"`
		Error      struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, types.StatusErrored, body.Status)
	assert.Equal(t, http.StatusNotFound, body.StatusCode)
	assert.Equal(t, adaptererrors.NameNotFound, body.Error.Name)
	assert.Contains(t, body.Error.Message, "not found")
}

func TestServer_SuccessMirrorsEnvelopeStatus(t *testing.T) {
	adapter := &fakeAdapter{
		response: types.NewSuccessResponse(2500.5, map[string]any{"eth": 2500.5}, types.Timestamps{}),
	}
	s := newTestServer(adapter, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/", "application/json",
		strings.NewReader(`{"data":{"endpoint":"price","base":"eth"}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body types.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, float64(2500.5), body.Result)
}

func TestServer_ExecuteErrorCarriesRoutingContext(t *testing.T) {
	adapter := &fakeAdapter{
		executeErr: adaptererrors.NewTimeoutError("The adapter has not received a response from the data provider for the requested data yet"),
	}
	s := newTestServer(adapter, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/", "application/json",
		strings.NewReader(`{"data":{"endpoint":"price","base":"eth"}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)

	assert.Equal(t, "price", adapter.executeErr.Endpoint)
	assert.Equal(t, "rest", adapter.executeErr.Transport)
}

func TestServer_CorrelationID(t *testing.T) {
	adapter := &fakeAdapter{
		response: types.NewSuccessResponse(1.0, nil, types.Timestamps{}),
	}
	s := newTestServer(adapter, testSettings())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	t.Run("inbound id is echoed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/",
			strings.NewReader(`{"data":{"base":"eth"}}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(observability.CorrelationIDHeader, "req-abc-123")

		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, "req-abc-123", res.Header.Get(observability.CorrelationIDHeader))
	})

	t.Run("missing id is generated", func(t *testing.T) {
		res, err := http.Post(ts.URL+"/", "application/json",
			strings.NewReader(`{"data":{"base":"eth"}}`))
		require.NoError(t, err)
		defer res.Body.Close()
		assert.NotEmpty(t, res.Header.Get(observability.CorrelationIDHeader))
	})
}
