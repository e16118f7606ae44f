package geometry

import "math"

// Box is an axis-aligned bounding box in pixel or normalized coordinates.
// Callers keep the coordinate space consistent within one frame.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// NewBox clamps inverted corners instead of failing: X2 >= X1 and Y2 >= Y1
// always hold for the returned box.
func NewBox(x1, y1, x2, y2 float64) Box {
	if x2 < x1 {
		x2 = x1
	}
	if y2 < y1 {
		y2 = y1
	}
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func (b Box) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

func (b Box) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

func (b Box) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b Box) Area() float64 {
	return b.Width() * b.Height()
}

// Blend returns prev*(1-alpha) + b*alpha per coordinate.
func (b Box) Blend(prev Box, alpha float64) Box {
	return NewBox(
		prev.X1*(1-alpha)+b.X1*alpha,
		prev.Y1*(1-alpha)+b.Y1*alpha,
		prev.X2*(1-alpha)+b.X2*alpha,
		prev.Y2*(1-alpha)+b.Y2*alpha,
	)
}

// IoU returns intersection-over-union of two boxes, 0 when the union is empty.
func IoU(a, b Box) float64 {
	ix1, ix2 := math.Max(a.X1, b.X1), math.Min(a.X2, b.X2)
	iy1, iy2 := math.Max(a.Y1, b.Y1), math.Min(a.Y2, b.Y2)

	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance is the euclidean distance between box centers.
func CenterDistance(a, b Box) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}

// Detection is one object hypothesis. DistanceM, RelSpeedMps and TTCSec are
// attached after tracking and stay NaN until then.
type Detection struct {
	Box         Box     `json:"box"`
	Score       float64 `json:"score"`
	Label       string  `json:"label"`
	TrackID     int64   `json:"track_id,omitempty"`
	DistanceM   float64 `json:"-"`
	RelSpeedMps float64 `json:"-"`
	TTCSec      float64 `json:"-"`
}

// NewDetection returns a detection with the runtime kinematic fields unset.
func NewDetection(box Box, score float64, label string) Detection {
	return Detection{
		Box:         box,
		Score:       score,
		Label:       label,
		DistanceM:   math.NaN(),
		RelSpeedMps: math.NaN(),
		TTCSec:      math.NaN(),
	}
}
