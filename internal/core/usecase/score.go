package usecase

import (
	"github.com/kirillkom/rag-qa-service/internal/config"
)

// scoreInterpreter folds raw store scores and thresholds behind one type so
// distance-specific math never leaks into the decision logic.
type scoreInterpreter struct {
	scoreMode string
	distance  string
	cfg       config.Thresholds
	short     config.ShortQueryConfig
}

func newScoreInterpreter(r config.RetrievalConfig) scoreInterpreter {
	return scoreInterpreter{
		scoreMode: r.ScoreMode,
		distance:  r.Distance,
		cfg:       r.Thresholds,
		short:     r.ShortQuery,
	}
}

// toSimilarity maps a raw store score into [0,1].
//   - dot_product: raw is an inner product in [-1,1] for unit vectors;
//     similarity = (raw+1)/2.
//   - cosine: raw is a cosine distance; similarity = 1-raw, clamped.
func (s scoreInterpreter) toSimilarity(raw float64) float64 {
	var v float64
	switch s.distance {
	case "cosine":
		v = 1.0 - raw
	default:
		v = (raw + 1.0) / 2.0
	}
	return clamp01(v)
}

// decisionScore picks which score drives mode selection: normalised
// similarity in normalized mode, the raw value in raw mode.
func (s scoreInterpreter) decisionScore(maxRaw, maxSimilarity float64) float64 {
	if s.scoreMode == "raw" {
		return maxRaw
	}
	return maxSimilarity
}

// thresholds returns (low, high) for the active mode; short queries swap in
// the tighter short-query pair.
func (s scoreInterpreter) thresholds(shortQuery bool) (float64, float64) {
	if shortQuery {
		return s.short.ThresholdLow, s.short.ThresholdHigh
	}
	if s.scoreMode == "raw" {
		switch s.distance {
		case "cosine":
			return deref(s.cfg.RawCosineLow), deref(s.cfg.RawCosineHigh)
		default:
			return deref(s.cfg.RawDotLow), deref(s.cfg.RawDotHigh)
		}
	}
	return s.cfg.Low, s.cfg.High
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
