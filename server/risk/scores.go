package risk

import "math"

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// ttcBands are the effective TTC thresholds for one evaluation.
type ttcBands struct {
	orange, red, orangeOff, redOff float64
}

// nextTTCLevel applies independent enter/leave thresholds per level.
func nextTTCLevel(prev Level, ttc float64, b ttcBands) Level {
	if math.IsNaN(ttc) {
		ttc = math.Inf(1)
	}
	switch prev {
	case LevelRed:
		if ttc <= b.redOff {
			return LevelRed
		}
		if ttc <= b.orangeOff {
			return LevelOrange
		}
		return LevelSafe
	case LevelOrange:
		if ttc <= b.red {
			return LevelRed
		}
		if ttc <= b.orangeOff {
			return LevelOrange
		}
		return LevelSafe
	default:
		if ttc <= b.red {
			return LevelRed
		}
		if ttc <= b.orange {
			return LevelOrange
		}
		return LevelSafe
	}
}

// ttcScore maps the hysteretic TTC level, plus a continuous tail below the
// falloff horizon while SAFE, onto [0,1].
func ttcScore(level Level, ttc float64, b ttcBands, horizon float64) float64 {
	switch level {
	case LevelRed:
		return 1
	case LevelOrange:
		span := b.orange - b.red
		if span <= 0 || !isFinite(ttc) {
			return 0.6
		}
		return math.Max(0.6, math.Min(0.95, 0.6+0.35*(b.orange-ttc)/span))
	}
	if !isFinite(ttc) || ttc >= horizon || horizon <= b.orange {
		return 0
	}
	return math.Max(0, math.Min(0.5, 0.5*(horizon-ttc)/(horizon-b.orange)))
}

// distanceScore is 1 at or inside the red distance, falls linearly to 0.45 at
// the orange distance and decays with the square of the distance beyond it.
func distanceScore(d float64, t Thresholds) float64 {
	if !isFinite(d) || d <= 0 {
		return 0
	}
	switch {
	case d <= t.DistRed:
		return 1
	case d <= t.DistOrange:
		f := (d - t.DistRed) / (t.DistOrange - t.DistRed)
		return 1 - 0.55*f
	default:
		r := t.DistOrange / d
		return 0.45 * r * r
	}
}

// relSpeedScore mirrors distanceScore for closing speed, where high is bad.
func relSpeedScore(v float64, t Thresholds) float64 {
	if !isFinite(v) || v <= 0 {
		return 0
	}
	switch {
	case v >= t.RelRed:
		return 1
	case v >= t.RelOrange:
		f := (v - t.RelOrange) / (t.RelRed - t.RelOrange)
		return 0.55 + 0.45*f
	default:
		return 0.55 * v / t.RelOrange
	}
}

// roiScore blends containment with how centered the target sits in the lane.
func roiScore(containment, egoOffset float64) float64 {
	roi := clamp01(containment)
	if !isFinite(egoOffset) {
		return roi
	}
	centered := clamp01(1 - math.Abs(egoOffset))
	return 0.7*roi + 0.3*centered
}

func brakeCueScore(active bool, strength float64) float64 {
	if !active {
		return 0
	}
	return 0.7 + 0.3*clamp01(strength)
}

// normalizeQuality treats an unknown quality as a mediocre frame.
func normalizeQuality(q float64) float64 {
	if math.IsNaN(q) {
		return 0.5
	}
	return clamp01(q)
}
