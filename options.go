package feedmux

import (
	"io"
	"net/http"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/observability"
	"github.com/feedmux/feedmux/pkg/cache"
)

// Option configures an Adapter beyond its Config.
type Option func(*adapterOptions)

type adapterOptions struct {
	logger    *observability.Logger
	logOutput io.Writer
	cache     cache.Cache
	client    *http.Client
	settings  *config.Settings
	version   string
}

// WithLogger replaces the adapter's logger. It bypasses the settings-derived
// redactor, so callers own redaction.
func WithLogger(logger *observability.Logger) Option {
	return func(o *adapterOptions) { o.logger = logger }
}

// WithLogOutput redirects the default logger's output, mainly for tests.
func WithLogOutput(w io.Writer) Option {
	return func(o *adapterOptions) { o.logOutput = w }
}

// WithCache substitutes a custom cache backend, overriding CACHE_TYPE.
func WithCache(c cache.Cache) Option {
	return func(o *adapterOptions) { o.cache = c }
}

// WithHTTPClient replaces the provider-facing HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *adapterOptions) { o.client = client }
}

// WithSettings injects pre-built settings instead of loading the environment,
// mainly for tests.
func WithSettings(s *config.Settings) Option {
	return func(o *adapterOptions) { o.settings = s }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(o *adapterOptions) { o.version = version }
}
