package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoxClampsInvertedCorners(t *testing.T) {
	b := NewBox(10, 20, 5, 15)
	assert.Equal(t, 10.0, b.X2)
	assert.Equal(t, 20.0, b.Y2)
	assert.Zero(t, b.Width())
	assert.Zero(t, b.Height())
	assert.Zero(t, b.Area())
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", NewBox(0, 0, 10, 10), NewBox(0, 0, 10, 10), 1},
		{"disjoint", NewBox(0, 0, 10, 10), NewBox(20, 20, 30, 30), 0},
		{"half overlap", NewBox(0, 0, 10, 10), NewBox(5, 0, 15, 10), 50.0 / 150.0},
		{"zero union", NewBox(0, 0, 0, 0), NewBox(0, 0, 0, 0), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, IoU(tc.a, tc.b), 1e-9)
		})
	}
}

func TestDistanceFromWidth(t *testing.T) {
	assert.InDelta(t, 18.0, DistanceFromWidth(1.8, 1000, 100), 1e-9)
	assert.True(t, math.IsInf(DistanceFromWidth(1.8, 1000, 1), 1))
	assert.True(t, math.IsInf(DistanceFromWidth(1.8, 1000, 0.5), 1))
	assert.True(t, math.IsInf(DistanceFromWidth(1.8, 1000, math.NaN()), 1))
}

func TestGroundPlaneDistanceMonotonic(t *testing.T) {
	const (
		frameH = 1080.0
		focal  = 1000.0
		height = 1.2
		pitch  = 5.0
	)

	prev := math.Inf(1)
	for y := 460.0; y <= frameH; y += 4 {
		d, ok := GroundPlaneDistance(y, frameH, focal, height, pitch)
		require.True(t, ok, "row %v should hit the ground", y)
		assert.Less(t, d, prev, "distance must shrink as row %v moves down", y)
		prev = d
	}
}

func TestGroundPlaneDistanceAboveHorizon(t *testing.T) {
	// Horizon sits near row 452 for a 5 degree pitch.
	_, ok := GroundPlaneDistance(300, 1080, 1000, 1.2, 5)
	assert.False(t, ok)

	_, ok = GroundPlaneDistance(540, 1080, 1000, 1.2, 0)
	assert.False(t, ok, "ray along the optical axis with zero pitch never meets the road")

	_, ok = GroundPlaneDistance(800, 0, 1000, 1.2, 5)
	assert.False(t, ok)
}

func TestGroundPlaneDistanceKnownValue(t *testing.T) {
	// Principal row with 10 degree pitch: d = h / tan(10deg).
	d, ok := GroundPlaneDistance(540, 1080, 1000, 1.0, 10)
	require.True(t, ok)
	assert.InDelta(t, 1.0/math.Tan(10*math.Pi/180), d, 1e-9)
}

func TestTTC(t *testing.T) {
	assert.InDelta(t, 2.0, TTC(20, 10), 1e-9)
	assert.True(t, math.IsInf(TTC(20, 0.05), 1))
	assert.True(t, math.IsInf(TTC(20, 0.01), 1))
	assert.True(t, math.IsInf(TTC(20, -3), 1))
	assert.True(t, math.IsInf(TTC(math.NaN(), 5), 1))
	assert.True(t, math.IsInf(TTC(20, math.NaN()), 1))
}

func TestAdaptiveTTCThreshold(t *testing.T) {
	tests := []struct {
		speed float64
		want  float64
	}{
		{0, 1.8},
		{4.9, 1.8},
		{5, 2.5},
		{9.9, 2.5},
		{10, 3.0},
		{19.9, 3.0},
		{20, 3.5},
		{40, 3.5},
		{math.NaN(), 3.0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, AdaptiveTTCThreshold(tc.speed), "speed %v", tc.speed)
	}
}

func TestBottomOcclusionEpsilon(t *testing.T) {
	assert.InDelta(t, 10.8, BottomOcclusionEpsilonPx(1080, 1), 1e-9)
	assert.InDelta(t, 18.0, BottomOcclusionEpsilonPx(1080, 3), 1e-9)
	assert.InDelta(t, 6.0, BottomOcclusionEpsilonPx(100, 0), 1e-9)
}

func TestApproachSpeedFromWidth(t *testing.T) {
	// Width grows 100 -> 110 px in 0.5 s at 20 m.
	v := ApproachSpeedFromWidth(20, 100, 110, 0.5)
	assert.InDelta(t, 20*20/105.0, v, 1e-9)

	assert.True(t, math.IsNaN(ApproachSpeedFromWidth(20, 100, 110, 0)))
	assert.True(t, math.IsNaN(ApproachSpeedFromWidth(math.Inf(1), 100, 110, 0.1)))
	assert.Less(t, ApproachSpeedFromWidth(20, 110, 100, 0.5), 0.0)
}

func TestFocalLengthPx(t *testing.T) {
	assert.InDelta(t, 4.0/4.8*1080, FocalLengthPx(4.0, 4.8, 1080, 1), 1e-9)
	assert.InDelta(t, 2*4.0/4.8*1080, FocalLengthPx(4.0, 4.8, 1080, 2), 1e-9)
	assert.True(t, math.IsNaN(FocalLengthPx(0, 4.8, 1080, 1)))
}

func TestTrapezoidValidate(t *testing.T) {
	require.NoError(t, DefaultTrapezoid().Validate())

	bad := DefaultTrapezoid()
	bad.TopY = 0.9
	bad.BottomY = 0.5
	assert.ErrorIs(t, bad.Validate(), ErrTrapezoidInverted)

	bad = DefaultTrapezoid()
	bad.BottomRightX = 1.2
	assert.ErrorIs(t, bad.Validate(), ErrTrapezoidOffScreen)

	bad = DefaultTrapezoid()
	bad.TopLeftX = math.NaN()
	assert.ErrorIs(t, bad.Validate(), ErrTrapezoidNonFinite)

	bad = DefaultTrapezoid()
	bad.TopLeftX, bad.TopRightX = 0.5, 0.5
	assert.ErrorIs(t, bad.Validate(), ErrTrapezoidDegenerate)

	thin := Trapezoid{TopY: 0.5, BottomY: 0.51, TopLeftX: 0.4, TopRightX: 0.6, BottomLeftX: 0.3, BottomRightX: 0.7}
	assert.ErrorIs(t, thin.Validate(), ErrTrapezoidDegenerate)
}

func TestTrapezoidEdgesAt(t *testing.T) {
	tr := DefaultTrapezoid()
	l, r := tr.EdgesAt(tr.TopY)
	assert.InDelta(t, 0.40, l, 1e-9)
	assert.InDelta(t, 0.60, r, 1e-9)

	l, r = tr.EdgesAt(tr.BottomY)
	assert.InDelta(t, 0.10, l, 1e-9)
	assert.InDelta(t, 0.90, r, 1e-9)

	l, _ = tr.EdgesAt(0)
	assert.InDelta(t, 0.40, l, 1e-9, "rows above the top clamp to the top edge")
}
