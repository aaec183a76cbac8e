// Package config loads the adapter's typed settings from the environment.
// Every setting has a descriptor (type, default, sensitive flag) so defaults
// are uniform, validation is mechanical, and sensitive values can be redacted
// from logs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode controls which loops a process runs.
type Mode string

const (
	ModeReader       Mode = "reader"
	ModeWriter       Mode = "writer"
	ModeReaderWriter Mode = "reader-writer"
)

// CacheType selects the cache backend.
type CacheType string

const (
	CacheLocal CacheType = "local"
	CacheRedis CacheType = "redis"
)

// RateLimitingStrategy selects the admission discipline.
type RateLimitingStrategy string

const (
	StrategyBurst         RateLimitingStrategy = "burst"
	StrategyFixedInterval RateLimitingStrategy = "fixed-interval"
	StrategyAPICredit     RateLimitingStrategy = "api-credit"
)

// Settings is the resolved adapter configuration.
type Settings struct {
	Mode    Mode
	Host    string
	Port    int
	BaseURL string

	CacheType              CacheType
	CacheMaxAge            time.Duration
	CacheMaxItems          int
	CachePrefix            string
	CachePollingMaxRetries int
	CachePollingSleep      time.Duration
	CacheLockDuration      time.Duration
	CacheLockRetries       int
	MaxCommonKeySize       int
	MaxPayloadSize         int64

	RateLimitCapacity         int // credits per minute
	RateLimitCapacitySecond   int
	RateLimitCapacityMinute   int
	RateLimitingStrategy      RateLimitingStrategy
	MaxHTTPRequestQueueLength int

	BackgroundExecuteMsHTTP  time.Duration
	BackgroundExecuteMsWS    time.Duration
	BackgroundExecuteMsSSE   time.Duration
	BackgroundExecuteTimeout time.Duration

	WarmupSubscriptionTTL   time.Duration
	SubscriptionSetMaxItems int

	WSSubscriptionTTL             time.Duration
	WSSubscriptionUnresponsiveTTL time.Duration
	WSHeartbeatInterval           time.Duration

	SSESubscriptionTTL time.Duration
	SSEKeepaliveSleep  time.Duration

	APITimeout time.Duration

	CorrelationIDEnabled bool
	LogLevel             string
	MetricsEnabled       bool
	MetricsPort          int

	RedisURL  string
	RedisAddr string

	TLSEnabled    bool
	MTLSEnabled   bool
	TLSPrivateKey string
	TLSPublicKey  string
	TLSCA         string
	TLSPassphrase string

	// Custom holds adapter-registered settings (e.g. API_KEY), resolved
	// against their descriptors.
	Custom map[string]string

	custom []Descriptor
}

// SettingType enumerates descriptor value types.
type SettingType string

const (
	TypeString   SettingType = "string"
	TypeInt      SettingType = "number"
	TypeBool     SettingType = "boolean"
	TypeEnum     SettingType = "enum"
	TypeDuration SettingType = "duration"
)

// Descriptor declares one adapter-specific setting.
type Descriptor struct {
	Name        string
	Type        SettingType
	Default     string
	Required    bool
	Sensitive   bool
	Options     []string // enum values
	Description string
}

// Load resolves all framework settings plus the given adapter-specific
// descriptors from the environment.
func Load(custom ...Descriptor) (*Settings, error) {
	s := &Settings{
		Mode:    Mode(envStr("EA_MODE", string(ModeReaderWriter))),
		Host:    envStr("EA_HOST", "::"),
		BaseURL: envStr("BASE_URL", "/"),

		CacheType:   CacheType(envStr("CACHE_TYPE", string(CacheLocal))),
		CachePrefix: envStr("CACHE_PREFIX", ""),

		RateLimitingStrategy: RateLimitingStrategy(envStr("RATE_LIMITING_STRATEGY", string(StrategyFixedInterval))),

		LogLevel: envStr("LOG_LEVEL", "info"),

		RedisURL:  envStr("CACHE_REDIS_URL", envStr("REDIS_URL", "")),
		RedisAddr: envStr("CACHE_REDIS_ADDR", ""),

		TLSPrivateKey: envStr("TLS_PRIVATE_KEY", ""),
		TLSPublicKey:  envStr("TLS_PUBLIC_KEY", ""),
		TLSCA:         envStr("TLS_CA", ""),
		TLSPassphrase: envStr("TLS_PASSPHRASE", ""),

		Custom: make(map[string]string),
		custom: custom,
	}

	var err error
	load := func(target *int, name string, def int) {
		if err == nil {
			*target, err = envInt(name, def)
		}
	}
	loadMs := func(target *time.Duration, name string, defMs int) {
		if err == nil {
			var ms int
			ms, err = envInt(name, defMs)
			*target = time.Duration(ms) * time.Millisecond
		}
	}
	loadBool := func(target *bool, name string, def bool) {
		if err == nil {
			*target, err = envBool(name, def)
		}
	}

	load(&s.Port, "EA_PORT", 8080)
	loadMs(&s.CacheMaxAge, "CACHE_MAX_AGE", 90_000)
	load(&s.CacheMaxItems, "CACHE_MAX_ITEMS", 10_000)
	load(&s.CachePollingMaxRetries, "CACHE_POLLING_MAX_RETRIES", 10)
	loadMs(&s.CachePollingSleep, "CACHE_POLLING_SLEEP_MS", 200)
	loadMs(&s.CacheLockDuration, "CACHE_LOCK_DURATION", 10_000)
	load(&s.CacheLockRetries, "CACHE_LOCK_RETRIES", 10)
	load(&s.MaxCommonKeySize, "MAX_COMMON_KEY_SIZE", 300)

	var maxPayload int
	load(&maxPayload, "MAX_PAYLOAD_SIZE_LIMIT", 1_048_576)
	s.MaxPayloadSize = int64(maxPayload)

	load(&s.RateLimitCapacity, "RATE_LIMIT_CAPACITY", 0)
	load(&s.RateLimitCapacitySecond, "RATE_LIMIT_CAPACITY_SECOND", 0)
	load(&s.RateLimitCapacityMinute, "RATE_LIMIT_CAPACITY_MINUTE", 0)
	load(&s.MaxHTTPRequestQueueLength, "MAX_HTTP_REQUEST_QUEUE_LENGTH", 200)

	loadMs(&s.BackgroundExecuteMsHTTP, "BACKGROUND_EXECUTE_MS_HTTP", 1_000)
	loadMs(&s.BackgroundExecuteMsWS, "BACKGROUND_EXECUTE_MS_WS", 10_000)
	loadMs(&s.BackgroundExecuteMsSSE, "BACKGROUND_EXECUTE_MS_SSE", 10_000)
	loadMs(&s.BackgroundExecuteTimeout, "BACKGROUND_EXECUTE_TIMEOUT", 90_000)

	loadMs(&s.WarmupSubscriptionTTL, "WARMUP_SUBSCRIPTION_TTL", 300_000)
	load(&s.SubscriptionSetMaxItems, "SUBSCRIPTION_SET_MAX_ITEMS", 10_000)

	loadMs(&s.WSSubscriptionTTL, "WS_SUBSCRIPTION_TTL", 120_000)
	loadMs(&s.WSSubscriptionUnresponsiveTTL, "WS_SUBSCRIPTION_UNRESPONSIVE_TTL", 120_000)
	loadMs(&s.WSHeartbeatInterval, "WS_HEARTBEAT_INTERVAL_MS", 0)

	loadMs(&s.SSESubscriptionTTL, "SSE_SUBSCRIPTION_TTL", 300_000)
	loadMs(&s.SSEKeepaliveSleep, "SSE_KEEPALIVE_SLEEP", 60_000)

	loadMs(&s.APITimeout, "API_TIMEOUT", 30_000)

	loadBool(&s.CorrelationIDEnabled, "CORRELATION_ID_ENABLED", true)
	loadBool(&s.MetricsEnabled, "METRICS_ENABLED", true)
	load(&s.MetricsPort, "METRICS_PORT", 9080)
	loadBool(&s.TLSEnabled, "TLS_ENABLED", false)
	loadBool(&s.MTLSEnabled, "MTLS_ENABLED", false)

	if err != nil {
		return nil, err
	}

	for _, d := range custom {
		value, derr := resolveDescriptor(d)
		if derr != nil {
			return nil, derr
		}
		s.Custom[d.Name] = value
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate enforces cross-setting invariants.
func (s *Settings) Validate() error {
	switch s.Mode {
	case ModeReader, ModeWriter, ModeReaderWriter:
	default:
		return fmt.Errorf("EA_MODE must be one of [reader, writer, reader-writer], got %q", s.Mode)
	}

	switch s.CacheType {
	case CacheLocal, CacheRedis:
	default:
		return fmt.Errorf("CACHE_TYPE must be one of [local, redis], got %q", s.CacheType)
	}

	switch s.RateLimitingStrategy {
	case StrategyBurst, StrategyFixedInterval, StrategyAPICredit:
	default:
		return fmt.Errorf("RATE_LIMITING_STRATEGY must be one of [burst, fixed-interval, api-credit], got %q", s.RateLimitingStrategy)
	}

	// A local cache is invisible to other processes, so a split
	// reader/writer deployment would never share data.
	if s.CacheType == CacheLocal && s.Mode != ModeReaderWriter {
		return fmt.Errorf("CACHE_TYPE=local requires EA_MODE=reader-writer, got %q", s.Mode)
	}

	if s.CachePollingMaxRetries < 1 {
		return fmt.Errorf("CACHE_POLLING_MAX_RETRIES must be >= 1")
	}
	return nil
}

// SensitiveValues returns the non-empty values of all sensitive settings, for
// the log redactor.
func (s *Settings) SensitiveValues() []string {
	values := []string{s.TLSPrivateKey, s.TLSPassphrase}
	for _, d := range s.custom {
		if d.Sensitive {
			values = append(values, s.Custom[d.Name])
		}
	}
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func resolveDescriptor(d Descriptor) (string, error) {
	value := os.Getenv(d.Name)
	if value == "" {
		if d.Required && d.Default == "" {
			return "", fmt.Errorf("required setting %s is not set", d.Name)
		}
		value = d.Default
	}

	switch d.Type {
	case TypeInt:
		if value != "" {
			if _, err := strconv.Atoi(value); err != nil {
				return "", fmt.Errorf("setting %s must be a number, got %q", d.Name, value)
			}
		}
	case TypeBool:
		if value != "" {
			if _, err := strconv.ParseBool(value); err != nil {
				return "", fmt.Errorf("setting %s must be a boolean, got %q", d.Name, value)
			}
		}
	case TypeEnum:
		if value != "" {
			found := false
			for _, opt := range d.Options {
				if strings.EqualFold(value, opt) {
					value = opt
					found = true
					break
				}
			}
			if !found {
				return "", fmt.Errorf("setting %s must be one of [%s], got %q", d.Name, strings.Join(d.Options, ", "), value)
			}
		}
	}
	return value, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s must be a number, got %q", name, v)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("setting %s must be a boolean, got %q", name, v)
	}
	return b, nil
}
