package feedmux

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/feedmux/feedmux/caches/memory"
	rediscache "github.com/feedmux/feedmux/caches/redis"
	"github.com/feedmux/feedmux/internal/api"
	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/executor"
	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/observability"
	"github.com/feedmux/feedmux/internal/ratelimit"
	"github.com/feedmux/feedmux/internal/requester"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/cache"
	"github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// Config declares an adapter: its name, endpoints, provider rate-limit tiers,
// and adapter-specific settings.
type Config struct {
	// Name is the adapter's uppercase identifier, part of every cache key.
	Name string

	// Endpoints are the adapter's operations. At least one is required.
	Endpoints []*Endpoint

	// DefaultEndpoint serves requests that do not name an endpoint. Optional.
	DefaultEndpoint string

	// Tiers are the provider's rate-limit plans. The active tier comes from
	// RATE_LIMIT_API_TIER, or the most restrictive plan when unset.
	Tiers map[string]ratelimit.Tier

	// CustomSettings declares adapter-specific environment settings
	// (API keys, provider URLs). Sensitive values are redacted from logs.
	CustomSettings []config.Descriptor

	// IncludeInCacheKey names custom settings whose values change provider
	// responses and therefore belong in the cache identity.
	IncludeInCacheKey []string
}

// boundTransport is one (endpoint, transport) pair wired with its scoped
// cache writer.
type boundTransport struct {
	endpoint      *Endpoint
	name          string
	transport     transport.Transport
	responseCache *transport.ResponseCache
}

// Adapter is a fully wired external adapter.
type Adapter struct {
	cfg      Config
	settings *config.Settings
	logger   *observability.Logger
	version  string

	cache       cache.Cache
	redisClient goredis.UniversalClient
	limiter     *ratelimit.Limiter
	requester   *requester.Requester
	executor    *executor.Executor

	endpoints map[string]*Endpoint                  // name and aliases -> endpoint
	bound     map[string]map[string]*boundTransport // endpoint name -> transport name

	lock *rediscache.Lock
}

// New builds and initializes an adapter from its config and environment.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	o := &adapterOptions{version: Version, logOutput: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}

	cfg.Name = strings.ToUpper(strings.TrimSpace(cfg.Name))
	if cfg.Name == "" {
		return nil, fmt.Errorf("adapter name is required")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("adapter %s has no endpoints", cfg.Name)
	}

	settings := o.settings
	if settings == nil {
		var err error
		settings, err = config.Load(cfg.CustomSettings...)
		if err != nil {
			return nil, err
		}
	}

	logger := o.logger
	if logger == nil {
		redactor := observability.NewRedactor(settings.SensitiveValues())
		logger = observability.NewLogger(observability.LoggerConfig{
			Level:      observability.ParseLevel(settings.LogLevel),
			Output:     o.logOutput,
			JSONFormat: true,
		}, redactor).With("adapter", cfg.Name)
	}

	a := &Adapter{
		cfg:       cfg,
		settings:  settings,
		logger:    logger,
		version:   o.version,
		endpoints: make(map[string]*Endpoint),
		bound:     make(map[string]map[string]*boundTransport),
	}

	if err := a.initEndpoints(); err != nil {
		return nil, err
	}
	if err := a.initRateLimiter(); err != nil {
		return nil, err
	}
	a.requester = requester.New(o.client, a.limiter, settings.APITimeout, logger)

	if err := a.initCache(o.cache); err != nil {
		return nil, err
	}
	if err := a.initTransports(); err != nil {
		return nil, err
	}
	a.initExecutor()

	return a, nil
}

// initEndpoints lowercases names and aliases and detects collisions.
func (a *Adapter) initEndpoints() error {
	for _, ep := range a.cfg.Endpoints {
		if err := ep.init(); err != nil {
			return err
		}
		names := append([]string{ep.Name}, ep.Aliases...)
		for _, name := range names {
			if existing, ok := a.endpoints[name]; ok {
				return fmt.Errorf("endpoint name %q collides between %q and %q", name, existing.Name, ep.Name)
			}
			a.endpoints[name] = ep
		}
	}

	if a.cfg.DefaultEndpoint != "" {
		a.cfg.DefaultEndpoint = strings.ToLower(a.cfg.DefaultEndpoint)
		if _, ok := a.endpoints[a.cfg.DefaultEndpoint]; !ok {
			return fmt.Errorf("default endpoint %q is not a registered endpoint", a.cfg.DefaultEndpoint)
		}
	}
	return nil
}

func (a *Adapter) initRateLimiter() error {
	tier, err := a.selectTier()
	if err != nil {
		return err
	}
	capacity := ratelimit.ResolveCapacity(tier, ratelimit.EnvCaps{
		PerSecond: a.settings.RateLimitCapacitySecond,
		PerMinute: a.settings.RateLimitCapacityMinute,
		Credits:   a.settings.RateLimitCapacity,
	})

	allocations := make([]ratelimit.EndpointAllocation, 0, len(a.cfg.Endpoints))
	for _, ep := range a.cfg.Endpoints {
		allocations = append(allocations, ratelimit.EndpointAllocation{
			Name:       ep.Name,
			Percentage: ep.RateLimitAllocation,
		})
	}
	fractions, err := ratelimit.ComputeAllocations(allocations)
	if err != nil {
		return err
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		Strategy:          a.settings.RateLimitingStrategy,
		CapacityPerMinute: capacity,
		Allocations:       fractions,
		MaxQueueLength:    a.settings.MaxHTTPRequestQueueLength,
	})

	a.logger.Info("rate limiter configured",
		"strategy", string(a.settings.RateLimitingStrategy),
		"capacity_per_minute", capacity)
	return nil
}

// selectTier resolves the active provider plan: RATE_LIMIT_API_TIER when set,
// otherwise the most restrictive plan.
func (a *Adapter) selectTier() (ratelimit.Tier, error) {
	if len(a.cfg.Tiers) == 0 {
		return ratelimit.Tier{}, nil
	}

	if name := os.Getenv("RATE_LIMIT_API_TIER"); name != "" {
		tier, ok := a.cfg.Tiers[name]
		if !ok {
			names := make([]string, 0, len(a.cfg.Tiers))
			for n := range a.cfg.Tiers {
				names = append(names, n)
			}
			return ratelimit.Tier{}, fmt.Errorf("RATE_LIMIT_API_TIER %q is not one of %v", name, names)
		}
		return tier, nil
	}

	var selected ratelimit.Tier
	lowest := 0.0
	for _, tier := range a.cfg.Tiers {
		capacity := ratelimit.ResolveCapacity(tier, ratelimit.EnvCaps{})
		if lowest == 0 || (capacity > 0 && capacity < lowest) {
			lowest = capacity
			selected = tier
		}
	}
	return selected, nil
}

func (a *Adapter) initCache(custom cache.Cache) error {
	if custom != nil {
		a.cache = custom
		if rc, ok := custom.(*rediscache.Cache); ok {
			a.redisClient = rc.Client()
		}
		return nil
	}

	switch a.settings.CacheType {
	case config.CacheLocal:
		a.cache = memory.New(memory.Config{
			MaxItems:   a.settings.CacheMaxItems,
			DefaultTTL: a.settings.CacheMaxAge,
		})
	case config.CacheRedis:
		rc, err := rediscache.New(rediscache.Config{
			URL:        a.settings.RedisURL,
			Addr:       a.settings.RedisAddr,
			Namespace:  a.settings.CachePrefix,
			DefaultTTL: a.settings.CacheMaxAge,
		})
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		a.cache = rc
		a.redisClient = rc.Client()
	default:
		return fmt.Errorf("unsupported cache type %q", a.settings.CacheType)
	}
	return nil
}

// subscriptionFactory creates the per-(endpoint, transport) subscription set,
// redis-backed when the cache is shared so writers see reader registrations.
func (a *Adapter) subscriptionFactory() subscription.Factory {
	return func(endpoint, transportName string) (subscription.Set, error) {
		if a.redisClient != nil {
			key := subscription.RedisSetKey(a.cfg.Name, endpoint, transportName)
			return subscription.NewRedisSet(a.redisClient, key), nil
		}
		return subscription.NewLocalSet(a.settings.SubscriptionSetMaxItems, a.logger.Slog()), nil
	}
}

func (a *Adapter) initTransports() error {
	factory := a.subscriptionFactory()
	cacheKeySettings := a.cacheKeySettings()

	for _, ep := range a.cfg.Endpoints {
		keyGen := ep.CacheKeyGenerator
		if keyGen == nil {
			keyGen = cache.NewKeyGenerator(a.settings.MaxCommonKeySize)
		}

		byName := make(map[string]*boundTransport)
		err := ep.router.each(func(routeName string, t transport.Transport) error {
			name := publicTransportName(routeName)

			subs, err := factory(ep.Name, name)
			if err != nil {
				return err
			}

			rc := transport.NewResponseCache(a.cache, keyGen, a.cfg.Name, ep.Name, name,
				a.settings.CacheMaxAge, cacheKeySettings)

			deps := &transport.Dependencies{
				AdapterName:   a.cfg.Name,
				EndpointName:  ep.Name,
				Settings:      a.settings,
				ResponseCache: rc,
				Subscriptions: subs,
				Requester:     a.requester,
				Logger:        a.logger.Scoped(ep.Name, name),
			}
			if err := t.Initialize(context.Background(), deps, name); err != nil {
				return fmt.Errorf("endpoint %q transport %q: %w", ep.Name, name, err)
			}

			byName[name] = &boundTransport{
				endpoint:      ep,
				name:          name,
				transport:     t,
				responseCache: rc,
			}
			return nil
		})
		if err != nil {
			return err
		}
		a.bound[ep.Name] = byName
	}
	return nil
}

// cacheKeySettings snapshots the custom settings that are part of the cache
// identity.
func (a *Adapter) cacheKeySettings() map[string]string {
	if len(a.cfg.IncludeInCacheKey) == 0 {
		return nil
	}
	out := make(map[string]string, len(a.cfg.IncludeInCacheKey))
	for _, name := range a.cfg.IncludeInCacheKey {
		out[name] = a.settings.Custom[name]
	}
	return out
}

// initExecutor schedules every background-capable transport. Readers never
// run background loops; they consume what writers produce.
func (a *Adapter) initExecutor() {
	if a.settings.Mode == config.ModeReader {
		return
	}

	var entries []executor.Entry
	for endpointName, byName := range a.bound {
		for transportName, bt := range byName {
			be, ok := bt.transport.(transport.BackgroundExecutor)
			if !ok {
				continue
			}
			period := a.settings.BackgroundExecuteMsHTTP
			if s, ok := bt.transport.(transport.Scheduler); ok {
				period = s.BackgroundPeriod(a.settings)
			}
			entries = append(entries, executor.Entry{
				Endpoint:  endpointName,
				Transport: transportName,
				Executor:  be,
				Period:    period,
			})
		}
	}
	if len(entries) > 0 {
		a.executor = executor.New(entries, a.settings.BackgroundExecuteTimeout, a.logger)
	}
}

// publicTransportName maps the single-transport sentinel to a stable name
// used in cache keys, subscription sets, logs, and metrics.
func publicTransportName(routeName string) string {
	if routeName == defaultTransportName {
		return "default"
	}
	return routeName
}

// Resolve implements the ingress contract: it routes, transforms, validates,
// and derives the cache key for one request.
func (a *Adapter) Resolve(_ context.Context, req *types.Request) (*api.Resolved, *errors.AdapterError) {
	data, err := types.DecodeRequestData(req.Data)
	if err != nil {
		return nil, errors.From(err)
	}

	endpointName := strings.ToLower(data.Endpoint)
	if endpointName == "" {
		endpointName = a.cfg.DefaultEndpoint
	}
	if endpointName == "" {
		return nil, errors.NewInputError("endpoint not supplied and no default endpoint configured")
	}

	ep, ok := a.endpoints[endpointName]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("Endpoint %q not found", endpointName))
	}

	routeName, _, aerr := ep.router.Resolve(data)
	if aerr != nil {
		aerr.Endpoint = ep.Name
		return nil, aerr
	}
	transportName := publicTransportName(routeName)

	params, aerr := ep.prepare(a.cfg.Name, data)
	if aerr != nil {
		return nil, aerr
	}

	bt := a.bound[ep.Name][transportName]
	return &api.Resolved{
		EndpointName:  ep.Name,
		TransportName: transportName,
		Params:        params,
		CacheKey:      bt.responseCache.KeyFor(params),
		Data:          data,
	}, nil
}

// Execute runs the request lifecycle for a resolved request: cache read,
// background registration, optional foreground execute, then polling.
func (a *Adapter) Execute(ctx context.Context, r *api.Resolved) (*types.Response, *errors.AdapterError) {
	bt := a.bound[r.EndpointName][r.TransportName]
	if bt == nil {
		return nil, errors.NewInternalError(fmt.Sprintf("no transport bound for %s/%s", r.EndpointName, r.TransportName))
	}

	treq := &transport.Request{
		CacheKey:      r.CacheKey,
		Params:        r.Params,
		EndpointName:  r.EndpointName,
		TransportName: r.TransportName,
	}

	cached, err := a.cache.Get(ctx, r.CacheKey)
	if err != nil {
		return nil, errors.From(err)
	}

	// Registration runs concurrently with the reply. A cached response goes
	// out immediately; a cache miss awaits registration before polling so the
	// background loop is guaranteed to have seen the subscription.
	regDone := a.registerInBackground(bt, treq)

	if cached != nil {
		metrics.CacheHits.WithLabelValues(r.EndpointName, r.TransportName).Inc()
		return decodeEnvelope(cached)
	}
	metrics.CacheMisses.WithLabelValues(r.EndpointName, r.TransportName).Inc()

	if fe, ok := bt.transport.(transport.ForegroundExecutor); ok {
		resp, err := fe.ForegroundExecute(ctx, treq)
		if err != nil {
			return nil, errors.From(err)
		}
		if resp != nil && !resp.Empty() {
			return resp, nil
		}
	}

	select {
	case regErr := <-regDone:
		if regErr != nil {
			a.logger.Warn("request registration failed",
				"endpoint", r.EndpointName, "transport", r.TransportName, "error", regErr)
			return nil, errors.From(regErr)
		}
	case <-ctx.Done():
		return nil, errors.NewTimeoutError("request canceled while registering subscription")
	}

	value, err := cache.PollForKey(ctx, a.cache, r.CacheKey,
		a.settings.CachePollingMaxRetries, a.settings.CachePollingSleep)
	if err != nil {
		return nil, errors.From(err)
	}
	if value == nil {
		return nil, errors.NewTimeoutError(
			"The adapter has not received a response from the data provider for the requested data yet")
	}
	return decodeEnvelope(value)
}

// registerInBackground fires RegisterRequest without blocking the reply. The
// returned channel reports completion for callers that must await it.
func (a *Adapter) registerInBackground(bt *boundTransport, treq *transport.Request) <-chan error {
	done := make(chan error, 1)
	reg, ok := bt.transport.(transport.Registerer)
	if !ok {
		done <- nil
		return done
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.settings.APITimeout)
		defer cancel()
		done <- reg.RegisterRequest(ctx, treq)
	}()
	return done
}

// HandleRequest serves one request end to end, for library use without the
// HTTP layer.
func (a *Adapter) HandleRequest(ctx context.Context, req *types.Request) (*types.Response, *errors.AdapterError) {
	resolved, aerr := a.Resolve(ctx, req)
	if aerr != nil {
		return nil, aerr
	}
	resp, aerr := a.Execute(ctx, resolved)
	if aerr == nil {
		metrics.RequestsTotal.WithLabelValues(resolved.EndpointName, resolved.TransportName,
			strconv.Itoa(resp.StatusCode)).Inc()
	} else {
		metrics.RequestsTotal.WithLabelValues(resolved.EndpointName, resolved.TransportName,
			strconv.Itoa(aerr.HTTPStatusCode())).Inc()
	}
	return resp, aerr
}

func decodeEnvelope(value []byte) (*types.Response, *errors.AdapterError) {
	var resp types.Response
	if err := json.Unmarshal(value, &resp); err != nil {
		return nil, errors.NewInternalError("cached response envelope is corrupt")
	}
	return &resp, nil
}

// Name returns the adapter's uppercase name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Settings returns the resolved settings.
func (a *Adapter) Settings() *config.Settings { return a.settings }

// Logger returns the adapter's logger.
func (a *Adapter) Logger() *observability.Logger { return a.logger }

// Run serves the adapter until ctx is canceled: writer lock, background
// loops, metrics server, and the HTTP ingress, then a graceful teardown.
func (a *Adapter) Run(ctx context.Context) error {
	if a.settings.Mode != config.ModeReader && a.redisClient != nil {
		lockName := a.cfg.Name
		if a.settings.CachePrefix != "" {
			lockName = a.settings.CachePrefix + "-" + a.cfg.Name
		}
		lock, err := rediscache.AcquireLock(ctx, a.redisClient, lockName,
			a.settings.CacheLockDuration, a.settings.CacheLockRetries)
		if err != nil {
			return fmt.Errorf("writer lock: %w", err)
		}
		a.lock = lock
		a.logger.Info("writer lock acquired", "lock", lockName)
	}

	if a.executor != nil {
		a.executor.Start()
		a.logger.Info("background executor started")
	}

	if a.settings.MetricsEnabled {
		go func() {
			if err := metrics.Serve(a.settings.MetricsPort); err != nil {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	// Writers have no clients; they only keep the shared cache warm.
	if a.settings.Mode == config.ModeWriter {
		a.logger.Info("writer mode, request ingress disabled")
		<-ctx.Done()
		a.shutdown()
		return nil
	}

	server := api.NewServer(a, a.settings, a.logger, a.version)
	err := server.ListenAndServe(ctx)

	a.shutdown()
	return err
}

// Close releases all adapter resources without serving.
func (a *Adapter) Close() error {
	a.shutdown()
	return nil
}

func (a *Adapter) shutdown() {
	if a.executor != nil {
		a.executor.Stop()
	}
	for _, byName := range a.bound {
		for _, bt := range byName {
			if err := bt.transport.Close(); err != nil {
				a.logger.Warn("transport close failed",
					"endpoint", bt.endpoint.Name, "transport", bt.name, "error", err)
			}
		}
	}
	if a.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.lock.Release(ctx); err != nil {
			a.logger.Warn("writer lock release failed", "error", err)
		}
		cancel()
		a.lock = nil
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close failed", "error", err)
	}
}
