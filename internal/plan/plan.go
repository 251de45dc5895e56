// Package plan maps subscription plans to their usage limits and spacing.
package plan

import (
	"strings"
	"time"
)

// Plan identifies a mailtester subscription tier.
type Plan string

const (
	// Pro is the entry-level paid tier.
	Pro Plan = "pro"
	// Ultimate is the high-volume tier. Unrecognized plan values
	// normalize to Ultimate.
	Ultimate Plan = "ultimate"
)

// Window and day periods over which the limits apply. Both slide per key,
// anchored at the key's windowStart/dayStart, not at wall clock boundaries.
const (
	WindowPeriod = 30 * time.Second
	DayPeriod    = 24 * time.Hour
)

// Default spacing between consecutive reservations of one key, per plan.
const (
	DefaultProIntervalMs      int64 = 860
	DefaultUltimateIntervalMs int64 = 170
)

// Limits holds the per-key quota derived from a plan.
type Limits struct {
	WindowLimit   int
	DailyLimit    int
	AvgIntervalMs int64
}

// Policy resolves plans to limits. Interval overrides come from
// configuration; window and daily limits are fixed per plan.
type Policy struct {
	proIntervalMs      int64
	ultimateIntervalMs int64
}

// NewPolicy creates a policy with the given interval overrides.
// Non-positive overrides fall back to the plan defaults.
func NewPolicy(proIntervalMs, ultimateIntervalMs int64) *Policy {
	if proIntervalMs <= 0 {
		proIntervalMs = DefaultProIntervalMs
	}
	if ultimateIntervalMs <= 0 {
		ultimateIntervalMs = DefaultUltimateIntervalMs
	}
	return &Policy{
		proIntervalMs:      proIntervalMs,
		ultimateIntervalMs: ultimateIntervalMs,
	}
}

// DefaultPolicy returns a policy with no overrides.
func DefaultPolicy() *Policy {
	return NewPolicy(0, 0)
}

// Normalize maps an arbitrary plan string to a known plan.
// Matching is case-insensitive; anything unrecognized collapses to Ultimate.
func Normalize(s string) Plan {
	if strings.EqualFold(strings.TrimSpace(s), string(Pro)) {
		return Pro
	}
	return Ultimate
}

// Limits returns the quota for a plan, applying any interval override.
func (p *Policy) Limits(pl Plan) Limits {
	if pl == Pro {
		return Limits{WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: p.proIntervalMs}
	}
	return Limits{WindowLimit: 170, DailyLimit: 500_000, AvgIntervalMs: p.ultimateIntervalMs}
}

// DefaultWaitHintMs is the wait hint surfaced to clients when no key is
// currently reservable: the shorter of the two plan intervals.
func (p *Policy) DefaultWaitHintMs() int64 {
	return min(p.proIntervalMs, p.ultimateIntervalMs)
}
