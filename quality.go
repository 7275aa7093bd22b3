package session

import "strings"

type QualityLevel string

const (
	QualityLow  QualityLevel = "low"
	QualityMid  QualityLevel = "mid"
	QualityHigh QualityLevel = "high"
)

// qualityPreset is the fixed encoder tuple for one level. Applied to the
// outbound encoder directly; changing level never renegotiates.
type qualityPreset struct {
	maxKbps   int
	minKbps   int
	maxFPS    int
	scaleDown float64
}

var qualityPresets = map[QualityLevel]qualityPreset{
	QualityLow:  {maxKbps: 700, minKbps: 200, maxFPS: 20, scaleDown: 2.0},
	QualityMid:  {maxKbps: 1300, minKbps: 400, maxFPS: 24, scaleDown: 1.33},
	QualityHigh: {maxKbps: 2200, minKbps: 600, maxFPS: 30, scaleDown: 1.0},
}

// ParseQualityLevel maps a wire string to a level, defaulting to high for
// anything unrecognized.
func ParseQualityLevel(s string) QualityLevel {
	switch QualityLevel(strings.ToLower(strings.TrimSpace(s))) {
	case QualityLow:
		return QualityLow
	case QualityMid:
		return QualityMid
	default:
		return QualityHigh
	}
}
