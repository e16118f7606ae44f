package postprocess

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/san-kum/rider-fcw/server/geometry"
)

type ROIKind string

const (
	ROINone      ROIKind = "none"
	ROIRect      ROIKind = "rect"
	ROITrapezoid ROIKind = "trapezoid"
)

// NormRect is an axis-aligned rectangle in normalized frame coordinates.
type NormRect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// ROI is the region of the frame considered relevant to the ego lane.
type ROI struct {
	Kind      ROIKind            `json:"kind"`
	Rect      NormRect           `json:"rect"`
	Trapezoid geometry.Trapezoid `json:"trapezoid"`
}

// roiSamples is how many points along a box's bottom edge are tested for containment.
const roiSamples = 5

func (r ROI) enabled() bool {
	return r.Kind == ROIRect || r.Kind == ROITrapezoid
}

// Polygon returns the ROI as a closed orb polygon in normalized coordinates.
func (r ROI) Polygon() orb.Polygon {
	var ring orb.Ring
	switch r.Kind {
	case ROIRect:
		ring = orb.Ring{
			{r.Rect.X1, r.Rect.Y1},
			{r.Rect.X2, r.Rect.Y1},
			{r.Rect.X2, r.Rect.Y2},
			{r.Rect.X1, r.Rect.Y2},
			{r.Rect.X1, r.Rect.Y1},
		}
	case ROITrapezoid:
		t := r.Trapezoid
		ring = orb.Ring{
			{t.TopLeftX, t.TopY},
			{t.TopRightX, t.TopY},
			{t.BottomRightX, t.BottomY},
			{t.BottomLeftX, t.BottomY},
			{t.TopLeftX, t.TopY},
		}
	default:
		return nil
	}
	return orb.Polygon{ring}
}

// region caches the polygon and its bound for repeated per-frame tests.
type region struct {
	roi     ROI
	polygon orb.Polygon
	bound   orb.Bound
}

func newRegion(roi ROI) region {
	rg := region{roi: roi}
	if roi.enabled() {
		rg.polygon = roi.Polygon()
		rg.bound = rg.polygon.Bound()
	}
	return rg
}

func (rg region) contains(xNorm, yNorm float64) bool {
	if !rg.roi.enabled() {
		return true
	}
	p := orb.Point{xNorm, yNorm}
	if !rg.bound.Contains(p) {
		return false
	}
	return planar.PolygonContains(rg.polygon, p)
}

// Containment is the fraction of points sampled along the box's bottom edge
// that fall inside the ROI, in [0,1]. Without an ROI every box is contained.
func (rg region) containment(box geometry.Box, frameW, frameH float64) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	if !rg.roi.enabled() {
		return 1
	}
	y := box.Y2 / frameH
	inside := 0
	for i := 0; i < roiSamples; i++ {
		x := box.X1 + box.Width()*float64(i)/float64(roiSamples-1)
		if rg.contains(x/frameW, y) {
			inside++
		}
	}
	return float64(inside) / roiSamples
}

// laneOffset is the box center's lateral offset from the lane center, scaled so
// the lane edges sit at -1 and +1 and clamped to [-1,1].
func (rg region) laneOffset(box geometry.Box, frameW, frameH float64) float64 {
	if frameW <= 0 || frameH <= 0 {
		return math.NaN()
	}
	cx, _ := box.Center()
	xNorm := cx / frameW
	yNorm := box.Y2 / frameH

	left, right := 0.0, 1.0
	switch rg.roi.Kind {
	case ROIRect:
		left, right = rg.roi.Rect.X1, rg.roi.Rect.X2
	case ROITrapezoid:
		left, right = rg.roi.Trapezoid.EdgesAt(yNorm)
	}
	half := (right - left) / 2
	if half <= 0 {
		return math.NaN()
	}
	off := (xNorm - (left + half)) / half
	return math.Max(-1, math.Min(1, off))
}
