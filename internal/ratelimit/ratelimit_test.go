package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestResolveCapacity(t *testing.T) {
	t.Run("no limits means unlimited", func(t *testing.T) {
		assert.Equal(t, 0.0, ResolveCapacity(Tier{}, EnvCaps{}))
	})

	t.Run("per-minute wins when lower", func(t *testing.T) {
		tier := Tier{RateLimit1s: 10, RateLimit1m: 100}
		assert.Equal(t, 100.0, ResolveCapacity(tier, EnvCaps{}))
	})

	t.Run("per-second wins when lower", func(t *testing.T) {
		tier := Tier{RateLimit1s: 1, RateLimit1m: 500}
		assert.Equal(t, 60.0, ResolveCapacity(tier, EnvCaps{}))
	})

	t.Run("credits cap the budget", func(t *testing.T) {
		tier := Tier{RateLimit1m: 500, RateLimitCredits: 120}
		assert.Equal(t, 120.0, ResolveCapacity(tier, EnvCaps{}))
	})

	t.Run("env caps override the tier", func(t *testing.T) {
		tier := Tier{RateLimit1m: 500}
		assert.Equal(t, 60.0, ResolveCapacity(tier, EnvCaps{PerMinute: 60}))
	})
}

func TestComputeAllocations(t *testing.T) {
	t.Run("explicit percentages become fractions", func(t *testing.T) {
		fractions, err := ComputeAllocations([]EndpointAllocation{
			{Name: "price", Percentage: ptr(60)},
			{Name: "volume", Percentage: ptr(40)},
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.6, fractions["price"], 1e-9)
		assert.InDelta(t, 0.4, fractions["volume"], 1e-9)
	})

	t.Run("implicit endpoints share the remainder equally", func(t *testing.T) {
		fractions, err := ComputeAllocations([]EndpointAllocation{
			{Name: "price", Percentage: ptr(50)},
			{Name: "a"},
			{Name: "b"},
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, fractions["price"], 1e-9)
		assert.InDelta(t, 0.25, fractions["a"], 1e-9)
		assert.InDelta(t, 0.25, fractions["b"], 1e-9)
	})

	t.Run("sum over 100 is rejected", func(t *testing.T) {
		_, err := ComputeAllocations([]EndpointAllocation{
			{Name: "a", Percentage: ptr(70)},
			{Name: "b", Percentage: ptr(40)},
		})
		assert.Error(t, err)
	})

	t.Run("sum of exactly 100 with an implicit endpoint is rejected", func(t *testing.T) {
		_, err := ComputeAllocations([]EndpointAllocation{
			{Name: "a", Percentage: ptr(100)},
			{Name: "b"},
		})
		assert.Error(t, err)
	})

	t.Run("all implicit splits evenly", func(t *testing.T) {
		fractions, err := ComputeAllocations([]EndpointAllocation{
			{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"},
		})
		require.NoError(t, err)
		for _, name := range []string{"a", "b", "c", "d"} {
			assert.InDelta(t, 0.25, fractions[name], 1e-9)
		}
	})
}
