// Package ratelimit implements the adapter-wide data provider rate limiter:
// one capacity budget shared across endpoints through percentage allocations,
// with burst, fixed-interval, and api-credit admission strategies and a
// bounded FIFO wait queue per endpoint.
package ratelimit

import (
	"fmt"
	"math"
)

// Tier is one provider plan from the adapter's rateLimiting config. Zero
// fields mean "not specified by this plan".
type Tier struct {
	RateLimit1s      float64
	RateLimit1m      float64
	RateLimitCredits float64 // credits per minute
}

// EnvCaps are the environment capacity overrides.
type EnvCaps struct {
	PerSecond int // RATE_LIMIT_CAPACITY_SECOND
	PerMinute int // RATE_LIMIT_CAPACITY_MINUTE
	Credits   int // RATE_LIMIT_CAPACITY
}

// ResolveCapacity computes the adapter's per-minute budget as the minimum of
// all configured limits, with env caps taking precedence over the tier when
// set. A zero result means unlimited.
func ResolveCapacity(tier Tier, caps EnvCaps) float64 {
	perSecond := tier.RateLimit1s
	perMinute := tier.RateLimit1m
	credits := tier.RateLimitCredits

	if caps.PerSecond > 0 {
		perSecond = float64(caps.PerSecond)
	}
	if caps.PerMinute > 0 {
		perMinute = float64(caps.PerMinute)
	}
	if caps.Credits > 0 {
		credits = float64(caps.Credits)
	}

	budget := math.Inf(1)
	if perSecond > 0 {
		budget = math.Min(budget, perSecond*60)
	}
	if perMinute > 0 {
		budget = math.Min(budget, perMinute)
	}
	if credits > 0 {
		budget = math.Min(budget, credits)
	}
	if math.IsInf(budget, 1) {
		return 0
	}
	return budget
}

// EndpointAllocation declares one endpoint's share of the budget. A nil
// Percentage marks an implicit endpoint that shares the remainder equally.
type EndpointAllocation struct {
	Name       string
	Percentage *float64
}

// ComputeAllocations resolves per-endpoint fractions (0..1). Explicit
// percentages must sum to at most 100, and exactly 100 only when no implicit
// endpoint is left with nothing.
func ComputeAllocations(allocations []EndpointAllocation) (map[string]float64, error) {
	explicitSum := 0.0
	implicit := make([]string, 0, len(allocations))
	result := make(map[string]float64, len(allocations))

	for _, a := range allocations {
		if a.Percentage == nil {
			implicit = append(implicit, a.Name)
			continue
		}
		p := *a.Percentage
		if p <= 0 || p > 100 {
			return nil, fmt.Errorf("endpoint %q allocation percentage must be in (0, 100], got %v", a.Name, p)
		}
		explicitSum += p
		result[a.Name] = p / 100
	}

	if explicitSum > 100 {
		return nil, fmt.Errorf("endpoint rate limit allocations sum to %v%%, cannot exceed 100%%", explicitSum)
	}
	if len(implicit) > 0 && explicitSum >= 100 {
		return nil, fmt.Errorf("endpoint rate limit allocations sum to 100%% but %d endpoint(s) have no explicit allocation", len(implicit))
	}

	if len(implicit) > 0 {
		share := (100 - explicitSum) / float64(len(implicit)) / 100
		for _, name := range implicit {
			result[name] = share
		}
	}
	return result, nil
}
