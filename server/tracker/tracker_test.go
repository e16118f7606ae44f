package tracker

import (
	"testing"
	"time"

	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameStep = 33 * time.Millisecond

var frameHint = Hint{FrameWidth: 1920, FrameHeight: 1080, Zoom: 1}

type clock struct{ now time.Time }

func (c *clock) tick() time.Time {
	c.now = c.now.Add(frameStep)
	return c.now
}

func car(x1, y1, x2, y2, score float64) geometry.Detection {
	return geometry.NewDetection(geometry.NewBox(x1, y1, x2, y2), score, "car")
}

func lockedID(t *testing.T, tr *Tracker) int64 {
	t.Helper()
	l, ok := tr.Locked()
	require.True(t, ok, "expected a locked track")
	return l.ID
}

func TestAlertGateNeedsConsecutiveHits(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	out := tr.Update([]geometry.Detection{car(860, 500, 1060, 650, 0.9)}, c.tick(), frameHint)
	require.Len(t, out, 1)
	assert.False(t, out[0].AlertGatePassed)

	tr.Update([]geometry.Detection{car(862, 501, 1062, 651, 0.9)}, c.tick(), frameHint)
	out = tr.Update([]geometry.Detection{car(864, 502, 1064, 652, 0.9)}, c.tick(), frameHint)
	require.Len(t, out, 1)
	assert.True(t, out[0].AlertGatePassed)
	assert.Equal(t, 3, out[0].ConsecutiveHits)
	assert.Equal(t, int64(1), out[0].ID)
	assert.Equal(t, int64(1), out[0].Detection.TrackID)

	out = tr.Update(nil, c.tick(), frameHint)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].ConsecutiveHits)
	assert.False(t, out[0].AlertGatePassed)
}

func TestEMABlendsBoxAndScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alpha = 0.5
	tr := New(cfg)
	c := &clock{now: time.Unix(0, 0)}

	tr.Update([]geometry.Detection{car(100, 100, 200, 200, 0.6)}, c.tick(), frameHint)
	out := tr.Update([]geometry.Detection{car(110, 100, 210, 200, 1.0)}, c.tick(), frameHint)

	require.Len(t, out, 1)
	assert.InDelta(t, 105, out[0].Detection.Box.X1, 1e-9)
	assert.InDelta(t, 205, out[0].Detection.Box.X2, 1e-9)
	assert.InDelta(t, 0.8, out[0].Detection.Score, 1e-9)
}

func TestLabelsNeverCrossMatch(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	tr.Update([]geometry.Detection{car(100, 100, 200, 200, 0.9)}, c.tick(), frameHint)
	truck := geometry.NewDetection(geometry.NewBox(100, 100, 200, 200), 0.9, "truck")
	out := tr.Update([]geometry.Detection{truck}, c.tick(), frameHint)

	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Misses)
	assert.Equal(t, int64(2), out[1].ID)
}

func TestLockSurvivesShortDropout(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	for i := 0; i < 6; i++ {
		off := float64(i)
		tr.Update([]geometry.Detection{car(860+off, 500, 1060+off, 650, 0.9)}, c.tick(), frameHint)
	}
	id := lockedID(t, tr)

	for i := 0; i < 3; i++ {
		tr.Update(nil, c.tick(), frameHint)
		assert.True(t, tr.Trace().InGrace, "miss %d should be inside the grace window", i+1)
		assert.Equal(t, id, lockedID(t, tr))
	}

	out := tr.Update([]geometry.Detection{car(868, 504, 1068, 654, 0.9)}, c.tick(), frameHint)
	require.Len(t, out, 1)
	assert.Equal(t, id, lockedID(t, tr))
	assert.Equal(t, id, out[0].ID)
	assert.Zero(t, out[0].Misses)
	assert.False(t, tr.Trace().InGrace)
}

func TestLockGraceExpiresByTime(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	for i := 0; i < 5; i++ {
		tr.Update([]geometry.Detection{car(860, 500, 1060, 650, 0.9)}, c.tick(), frameHint)
	}
	first := lockedID(t, tr)

	c.now = c.now.Add(time.Second)
	tr.Update([]geometry.Detection{car(100, 600, 300, 750, 0.9)}, c.tick(), frameHint)

	assert.True(t, tr.Trace().LockReleased)
	assert.NotEqual(t, first, lockedID(t, tr))
}

func TestLockGraceBoundedByMaxMisses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMisses = 2
	cfg.LockGraceFrames = 6
	tr := New(cfg)
	c := &clock{now: time.Unix(0, 0)}

	for i := 0; i < 5; i++ {
		tr.Update([]geometry.Detection{car(860, 500, 1060, 650, 0.9)}, c.tick(), frameHint)
	}

	tr.Update(nil, c.tick(), frameHint)
	tr.Update(nil, c.tick(), frameHint)
	_, ok := tr.Locked()
	assert.True(t, ok)

	out := tr.Update(nil, c.tick(), frameHint)
	_, ok = tr.Locked()
	assert.False(t, ok)
	assert.Empty(t, out, "the released track is past the miss bound and removed")
}

func TestSwitchNeedsConfirmation(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	a := car(860, 500, 1060, 650, 0.8)
	b := car(1200, 400, 1700, 900, 0.95)

	for i := 0; i < 5; i++ {
		tr.Update([]geometry.Detection{a}, c.tick(), frameHint)
	}
	lockA := lockedID(t, tr)

	tr.Update([]geometry.Detection{a, b}, c.tick(), frameHint)
	assert.Equal(t, lockA, lockedID(t, tr), "one frame spike must not steal the lock")
	assert.Equal(t, 1, tr.Trace().SwitchPendingFrames)

	tr.Update([]geometry.Detection{a}, c.tick(), frameHint)
	assert.Equal(t, lockA, lockedID(t, tr))
	assert.Zero(t, tr.Trace().SwitchPendingFrames)

	cfg := tr.Config()
	for i := 1; i < cfg.SwitchConfirmFrames; i++ {
		tr.Update([]geometry.Detection{a, b}, c.tick(), frameHint)
		assert.Equal(t, lockA, lockedID(t, tr), "frame %d of confirmation", i)
	}
	tr.Update([]geometry.Detection{a, b}, c.tick(), frameHint)
	assert.NotEqual(t, lockA, lockedID(t, tr))
	assert.True(t, tr.Trace().Switched)
	assert.Equal(t, uint64(1), tr.Trace().Switches)
}

func TestSwitchIgnoresCompetitorWithinMargin(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	a := car(860, 500, 1060, 650, 0.8)
	twin := car(400, 500, 600, 650, 0.85)

	for i := 0; i < 5; i++ {
		tr.Update([]geometry.Detection{a}, c.tick(), frameHint)
	}
	lockA := lockedID(t, tr)
	for i := 0; i < 10; i++ {
		tr.Update([]geometry.Detection{a, twin}, c.tick(), frameHint)
	}
	assert.Equal(t, lockA, lockedID(t, tr))
}

func TestOcclusionFallbackSelectivity(t *testing.T) {
	lock := car(800, 700, 1100, 1000, 0.9)
	occluded := frameHint
	occluded.BottomOccluded = true

	setup := func() (*Tracker, *clock, int64) {
		tr := New(DefaultConfig())
		c := &clock{now: time.Unix(0, 0)}
		for i := 0; i < 5; i++ {
			tr.Update([]geometry.Detection{lock}, c.tick(), frameHint)
		}
		return tr, c, lockedID(t, tr)
	}

	t.Run("large co-located box keeps the lock", func(t *testing.T) {
		tr, c, id := setup()
		big := car(600, 500, 1350, 1080, 0.9)
		require.Less(t, geometry.IoU(lock.Box, big.Box), tr.Config().IoUMatchThreshold)

		out := tr.Update([]geometry.Detection{big}, c.tick(), occluded)
		require.Len(t, out, 1)
		assert.Equal(t, id, out[0].ID)
		assert.Zero(t, out[0].Misses)
		assert.True(t, tr.Trace().OcclusionFallback)
	})

	t.Run("same box without the hint spawns a new track", func(t *testing.T) {
		tr, c, id := setup()
		out := tr.Update([]geometry.Detection{car(600, 500, 1350, 1080, 0.9)}, c.tick(), frameHint)
		require.Len(t, out, 2)
		assert.Equal(t, id, lockedID(t, tr))
		assert.True(t, tr.Trace().InGrace)
		assert.False(t, tr.Trace().OcclusionFallback)
	})

	t.Run("small box does not match", func(t *testing.T) {
		tr, c, id := setup()
		out := tr.Update([]geometry.Detection{car(930, 940, 990, 1000, 0.9)}, c.tick(), occluded)
		require.Len(t, out, 2)
		locked, ok := tr.Locked()
		require.True(t, ok)
		assert.Equal(t, id, locked.ID)
		assert.Equal(t, 1, locked.Misses)
		assert.False(t, tr.Trace().OcclusionFallback)
	})
}

func TestResetNeverReusesIDs(t *testing.T) {
	tr := New(DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	tr.Update([]geometry.Detection{car(100, 100, 200, 200, 0.9)}, c.tick(), frameHint)
	tr.Reset()
	_, ok := tr.Locked()
	assert.False(t, ok)

	out := tr.Update([]geometry.Detection{car(100, 100, 200, 200, 0.9)}, c.tick(), frameHint)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].ID)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Alpha = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.OcclusionMinIoU = 0.9
	assert.Error(t, bad.Validate())
}
