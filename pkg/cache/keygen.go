package cache

import (
	"crypto/sha1" // #nosec G505 -- key fingerprinting, not a security boundary.
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// KeyParams are the inputs of cache-key derivation. Two requests with the
// same KeyParams always map to the same key, which is what makes caching and
// request coalescing safe.
type KeyParams struct {
	Adapter   string
	Endpoint  string
	Transport string
	Data      map[string]any
	// Settings are the adapter settings an endpoint declared as part of its
	// cache identity (e.g. an API tier that changes response shape).
	Settings map[string]string
}

// KeyGenerator derives a deterministic cache key from request parameters.
// Endpoints may substitute their own implementation.
type KeyGenerator interface {
	Generate(params KeyParams) string
}

// DefaultKeyGenerator normalizes the input data (lowercased string values,
// sorted keys, JSON-encoded) and joins it with the adapter/endpoint/transport
// scope. Keys longer than MaxSize have the variable part replaced by a SHA-1
// base64 digest.
type DefaultKeyGenerator struct {
	// MaxSize is the key length budget before hashing kicks in.
	MaxSize int
}

// DefaultMaxKeySize mirrors MAX_COMMON_KEY_SIZE's default.
const DefaultMaxKeySize = 300

// NewKeyGenerator creates a DefaultKeyGenerator with the given size budget.
// A non-positive maxSize uses DefaultMaxKeySize.
func NewKeyGenerator(maxSize int) *DefaultKeyGenerator {
	if maxSize <= 0 {
		maxSize = DefaultMaxKeySize
	}
	return &DefaultKeyGenerator{MaxSize: maxSize}
}

// Generate implements KeyGenerator.
func (g *DefaultKeyGenerator) Generate(params KeyParams) string {
	scope := fmt.Sprintf("%s-%s-%s", params.Adapter, params.Endpoint, params.Transport)
	body := canonicalize(params.Data, params.Settings)

	key := scope + "-" + body
	maxSize := g.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxKeySize
	}
	if len(key) > maxSize {
		sum := sha1.Sum([]byte(body)) // #nosec G401 -- fingerprint only.
		key = scope + "-" + base64.StdEncoding.EncodeToString(sum[:])
	}
	return key
}

// canonicalize produces a stable JSON encoding: keys sorted, string values
// lowercased, settings folded in under a reserved key so they cannot collide
// with input params.
func canonicalize(data map[string]any, settings map[string]string) string {
	var sb strings.Builder
	sb.WriteByte('{')

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeJSONString(&sb, k)
		sb.WriteByte(':')
		writeCanonicalValue(&sb, data[k])
	}

	if len(settings) > 0 {
		if len(keys) > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(`"__settings":`)
		settingKeys := make([]string, 0, len(settings))
		for k := range settings {
			settingKeys = append(settingKeys, k)
		}
		sort.Strings(settingKeys)
		sb.WriteByte('{')
		for i, k := range settingKeys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeJSONString(&sb, k)
			sb.WriteByte(':')
			writeJSONString(&sb, strings.ToLower(settings[k]))
		}
		sb.WriteByte('}')
	}

	sb.WriteByte('}')
	return sb.String()
}

func writeCanonicalValue(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case string:
		writeJSONString(sb, strings.ToLower(val))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeJSONString(sb, k)
			sb.WriteByte(':')
			writeCanonicalValue(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonicalValue(sb, item)
		}
		sb.WriteByte(']')
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			writeJSONString(sb, fmt.Sprintf("%v", val))
			return
		}
		sb.Write(encoded)
	}
}

func writeJSONString(sb *strings.Builder, s string) {
	encoded, err := json.Marshal(s)
	if err != nil {
		sb.WriteString(`"` + s + `"`)
		return
	}
	sb.Write(encoded)
}
