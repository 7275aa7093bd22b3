package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQualityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want QualityLevel
	}{
		{"low", QualityLow},
		{"mid", QualityMid},
		{"high", QualityHigh},
		{" LOW ", QualityLow},
		{"Mid", QualityMid},
		{"", QualityHigh},
		{"ultra", QualityHigh},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseQualityLevel(tc.in), "input %q", tc.in)
	}
}

func TestQualityPresetsOrdering(t *testing.T) {
	low := qualityPresets[QualityLow]
	mid := qualityPresets[QualityMid]
	high := qualityPresets[QualityHigh]

	assert.Less(t, low.maxKbps, mid.maxKbps)
	assert.Less(t, mid.maxKbps, high.maxKbps)
	assert.Less(t, low.maxFPS, mid.maxFPS)
	assert.Less(t, mid.maxFPS, high.maxFPS)
	assert.Greater(t, low.scaleDown, mid.scaleDown)
	assert.Equal(t, 1.0, high.scaleDown)
}
