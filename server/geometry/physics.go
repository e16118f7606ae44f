package geometry

import "math"

const (
	// MinApproachSpeedMps is the closing speed at or below which TTC is infinite.
	MinApproachSpeedMps = 0.05

	minPixelWidth = 1.0
	// horizonEpsilonRad keeps rays grazing the horizon from producing huge distances.
	horizonEpsilonRad = 1e-4
)

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DistanceFromWidth is the object-width pinhole model:
// distance = realWidth * focalPx / pixelWidth.
func DistanceFromWidth(realWidthM, focalPx, pixelWidth float64) float64 {
	if !isFinite(pixelWidth) || pixelWidth <= minPixelWidth {
		return math.Inf(1)
	}
	if !isFinite(realWidthM) || !isFinite(focalPx) || realWidthM <= 0 || focalPx <= 0 {
		return math.Inf(1)
	}
	return realWidthM * focalPx / pixelWidth
}

// GroundPlaneDistance intersects the ray through pixel row yBottomPx with a
// flat road, for a camera mounted heightM above it and pitched pitchDeg
// downward. The principal point is assumed at the frame's vertical center.
// It reports false when the ray is parallel to or above the horizon.
func GroundPlaneDistance(yBottomPx, frameHeightPx, focalPx, heightM, pitchDeg float64) (float64, bool) {
	if !isFinite(yBottomPx) || !isFinite(frameHeightPx) || !isFinite(focalPx) ||
		!isFinite(heightM) || !isFinite(pitchDeg) {
		return 0, false
	}
	if frameHeightPx <= 0 || focalPx <= 0 || heightM <= 0 {
		return 0, false
	}

	cy := frameHeightPx / 2
	below := pitchDeg*math.Pi/180 + math.Atan((yBottomPx-cy)/focalPx)
	if below <= horizonEpsilonRad || below >= math.Pi/2 {
		return 0, false
	}
	return heightM / math.Tan(below), true
}

// GroundPlaneDistanceNorm is GroundPlaneDistance with a normalized row.
func GroundPlaneDistanceNorm(yNorm, frameHeightPx, focalPx, heightM, pitchDeg float64) (float64, bool) {
	return GroundPlaneDistance(yNorm*frameHeightPx, frameHeightPx, focalPx, heightM, pitchDeg)
}

// FocalLengthPx converts a physical focal length into pixels along the
// frame's vertical axis, scaled by digital zoom.
func FocalLengthPx(focalMm, sensorHeightMm, frameHeightPx, zoom float64) float64 {
	if focalMm <= 0 || sensorHeightMm <= 0 || frameHeightPx <= 0 {
		return math.NaN()
	}
	if !isFinite(zoom) || zoom <= 0 {
		zoom = 1
	}
	return focalMm / sensorHeightMm * frameHeightPx * zoom
}

// TTC returns distance / closing speed. Negative speeds are clamped to zero and
// anything at or below MinApproachSpeedMps means "not approaching" (+Inf).
func TTC(distanceM, approachSpeedMps float64) float64 {
	if !isFinite(distanceM) || distanceM < 0 {
		return math.Inf(1)
	}
	if math.IsNaN(approachSpeedMps) {
		return math.Inf(1)
	}
	speed := math.Max(0, approachSpeedMps)
	if speed <= MinApproachSpeedMps {
		return math.Inf(1)
	}
	return distanceM / speed
}

// AdaptiveTTCThreshold steps the warning horizon up with rider speed. Unknown
// speed falls in the 3.0 s band; it is never read as a standstill.
func AdaptiveTTCThreshold(riderSpeedMps float64) float64 {
	switch {
	case math.IsNaN(riderSpeedMps):
		return 3.0
	case riderSpeedMps < 5:
		return 1.8
	case riderSpeedMps < 10:
		return 2.5
	case riderSpeedMps < 20:
		return 3.0
	default:
		return 3.5
	}
}

// BottomOcclusionEpsilonPx is the pixel band above the bottom edge inside
// which a vanishing box is treated as occluded by the dash rather than lost.
func BottomOcclusionEpsilonPx(frameHeightPx, zoom float64) float64 {
	if !isFinite(zoom) || zoom <= 0 {
		zoom = 1
	}
	return math.Max(0.01*frameHeightPx, 6*zoom)
}

// ApproachSpeedFromWidth estimates closing speed from box-width growth.
// Under the width model d = K/w, so -dd/dt = d * (dw/dt) / w.
func ApproachSpeedFromWidth(distanceM, prevWidthPx, currWidthPx, dtSec float64) float64 {
	if !isFinite(distanceM) || !isFinite(prevWidthPx) || !isFinite(currWidthPx) || !isFinite(dtSec) {
		return math.NaN()
	}
	if dtSec <= 0 || prevWidthPx <= minPixelWidth || currWidthPx <= minPixelWidth {
		return math.NaN()
	}
	growth := (currWidthPx - prevWidthPx) / dtSec
	mid := (currWidthPx + prevWidthPx) / 2
	return distanceM * growth / mid
}
