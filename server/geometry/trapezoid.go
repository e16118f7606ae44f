package geometry

import "errors"

var (
	ErrTrapezoidNonFinite  = errors.New("roi trapezoid has non-finite coordinates")
	ErrTrapezoidOffScreen  = errors.New("roi trapezoid extends outside the frame")
	ErrTrapezoidInverted   = errors.New("roi trapezoid top is not above its bottom")
	ErrTrapezoidDegenerate = errors.New("roi trapezoid is degenerate")
)

const minTrapezoidAreaFrac = 0.01

// Trapezoid is an ego-lane region in normalized frame coordinates, with
// horizontal top and bottom edges.
type Trapezoid struct {
	TopY         float64 `json:"top_y"`
	BottomY      float64 `json:"bottom_y"`
	TopLeftX     float64 `json:"top_left_x"`
	TopRightX    float64 `json:"top_right_x"`
	BottomLeftX  float64 `json:"bottom_left_x"`
	BottomRightX float64 `json:"bottom_right_x"`
}

// DefaultTrapezoid covers the lower-center of the frame ahead of the rider.
func DefaultTrapezoid() Trapezoid {
	return Trapezoid{
		TopY:         0.45,
		BottomY:      1.0,
		TopLeftX:     0.40,
		TopRightX:    0.60,
		BottomLeftX:  0.10,
		BottomRightX: 0.90,
	}
}

func (t Trapezoid) coords() []float64 {
	return []float64{t.TopY, t.BottomY, t.TopLeftX, t.TopRightX, t.BottomLeftX, t.BottomRightX}
}

// Area in normalized units.
func (t Trapezoid) Area() float64 {
	top := t.TopRightX - t.TopLeftX
	bottom := t.BottomRightX - t.BottomLeftX
	return (top + bottom) / 2 * (t.BottomY - t.TopY)
}

// Validate reports why the trapezoid cannot be used, or nil.
func (t Trapezoid) Validate() error {
	for _, v := range t.coords() {
		if !isFinite(v) {
			return ErrTrapezoidNonFinite
		}
		if v < 0 || v > 1 {
			return ErrTrapezoidOffScreen
		}
	}
	if t.TopY >= t.BottomY {
		return ErrTrapezoidInverted
	}
	if t.TopLeftX >= t.TopRightX || t.BottomLeftX >= t.BottomRightX {
		return ErrTrapezoidDegenerate
	}
	if t.Area() < minTrapezoidAreaFrac {
		return ErrTrapezoidDegenerate
	}
	return nil
}

// EdgesAt returns the left and right x of the trapezoid at normalized row y,
// interpolating between the top and bottom edges.
func (t Trapezoid) EdgesAt(y float64) (left, right float64) {
	span := t.BottomY - t.TopY
	if span <= 0 {
		return t.BottomLeftX, t.BottomRightX
	}
	f := (y - t.TopY) / span
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	left = t.TopLeftX + (t.BottomLeftX-t.TopLeftX)*f
	right = t.TopRightX + (t.BottomRightX-t.TopRightX)*f
	return left, right
}
