package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  Plan
	}{
		{"pro", Pro},
		{"PRO", Pro},
		{" Pro ", Pro},
		{"ultimate", Ultimate},
		{"ULTIMATE", Ultimate},
		{"", Ultimate},
		{"enterprise", Ultimate},
		{"free", Ultimate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.input), "Normalize(%q)", tt.input)
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()

	pro := p.Limits(Pro)
	assert.Equal(t, 35, pro.WindowLimit)
	assert.Equal(t, 100_000, pro.DailyLimit)
	assert.Equal(t, int64(860), pro.AvgIntervalMs)

	ult := p.Limits(Ultimate)
	assert.Equal(t, 170, ult.WindowLimit)
	assert.Equal(t, 500_000, ult.DailyLimit)
	assert.Equal(t, int64(170), ult.AvgIntervalMs)

	assert.Equal(t, int64(170), p.DefaultWaitHintMs())
}

func TestPolicyOverrides(t *testing.T) {
	t.Parallel()
	p := NewPolicy(500, 100)

	// Overrides change spacing only, never the fixed limits.
	pro := p.Limits(Pro)
	assert.Equal(t, int64(500), pro.AvgIntervalMs)
	assert.Equal(t, 35, pro.WindowLimit)
	assert.Equal(t, 100_000, pro.DailyLimit)

	assert.Equal(t, int64(100), p.Limits(Ultimate).AvgIntervalMs)
	assert.Equal(t, int64(100), p.DefaultWaitHintMs())
}

func TestPolicyIgnoresNonPositiveOverrides(t *testing.T) {
	t.Parallel()
	p := NewPolicy(0, -5)
	assert.Equal(t, int64(860), p.Limits(Pro).AvgIntervalMs)
	assert.Equal(t, int64(170), p.Limits(Ultimate).AvgIntervalMs)
}
