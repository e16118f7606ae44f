package processor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/config"
	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/san-kum/rider-fcw/server/models"
	"github.com/san-kum/rider-fcw/server/profile"
	"github.com/san-kum/rider-fcw/server/risk"
	"github.com/san-kum/rider-fcw/server/telemetry"
)

const (
	frameW = 1280.0
	frameH = 720.0
	focal  = nominalFocalRatio * frameH

	mountHeightM  = 1.2
	mountPitchDeg = 6.0
)

var t0 = time.UnixMilli(1_700_000_000_000)

func testSettings() Settings {
	return NewSettings(config.EngineConfig{
		DefaultMode:        "city",
		MaxSessions:        8,
		SessionIdleTimeout: time.Minute,
	}, config.EmptyTuningConfig())
}

// carAt is a 1.8 m wide car centered in the frame whose bottom edge sits at
// bottomY.
func carAt(distanceM, bottomY float64) models.Detection {
	w := 1.8 * focal / distanceM
	return models.Detection{
		X1: frameW/2 - w/2, X2: frameW/2 + w/2,
		Y1: bottomY - 0.8*w, Y2: bottomY,
		Score: 0.9, Label: "car",
	}
}

// groundRow is the pixel row where the road at distanceM appears for the
// test mount.
func groundRow(distanceM float64) float64 {
	below := math.Atan(mountHeightM/distanceM) - mountPitchDeg*math.Pi/180
	return frameH/2 + focal*math.Tan(below)
}

func frameAt(i int, dets ...models.Detection) *models.FrameRequest {
	return &models.FrameRequest{
		SessionID:   "s1",
		Timestamp:   t0.Add(time.Duration(i) * 100 * time.Millisecond).UnixMilli(),
		FrameWidth:  frameW,
		FrameHeight: frameH,
		Detections:  dets,
	}
}

func calibratedProfile() *profile.MountProfile {
	fit := calibration.FitResult{
		HeightM:   mountHeightM,
		PitchDeg:  mountPitchDeg,
		FocalPx:   focal,
		Geometry:  calibration.QualityOK,
		Stability: calibration.QualityOK,
		Overall:   calibration.QualityOK,
	}
	return profile.FromFit("bike", fit, calibration.Optics{FrameHeightPx: frameH, Zoom: 1}, geometry.DefaultTrapezoid())
}

func newTestSession(t *testing.T, mount *profile.MountProfile) *Session {
	t.Helper()
	name := ""
	if mount != nil {
		name = mount.Name
	}
	s, err := NewSession("s1", testSettings(), name, mount, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestUncalibratedApproachWarnsButNeverRed(t *testing.T) {
	s := newTestSession(t, nil)
	assert.Equal(t, calibration.HealthUnknown, s.Health().Status)

	var last models.FrameDecision
	sawOrange := false
	for i := 0; i <= 20; i++ {
		d := 25 - float64(i)
		decision, err := s.Process(frameAt(i, carAt(d, 560)), telemetry.Unknown())
		require.NoError(t, err)

		assert.NotEqual(t, "RED", decision.Level, "frame %d", i)
		assert.True(t, decision.ReasonBits.Has(risk.ReasonDistanceUnreliable))
		if decision.Level == "ORANGE" {
			sawOrange = true
		}
		last = decision
	}

	assert.True(t, sawOrange)
	require.NotNil(t, last.Target)
	assert.Equal(t, DistanceNominal, last.Target.DistanceSource)
	require.NotNil(t, last.Target.ApproachSpeedMps)
	assert.InDelta(t, 10, *last.Target.ApproachSpeedMps, 2.5)
	require.NotNil(t, last.Target.TTCSec)
	assert.Less(t, *last.Target.TTCSec, 1.5)
}

func TestCalibratedApproachReachesCorroboratedRed(t *testing.T) {
	s := newTestSession(t, calibratedProfile())
	require.True(t, s.Health().DistanceReliable)

	speed := 12.0
	sawRed := false
	var last models.FrameDecision
	for i := 0; i <= 26; i++ {
		d := 30 - float64(i)
		req := frameAt(i, carAt(d, groundRow(d)))
		req.Telemetry = &models.Telemetry{SpeedMps: &speed, SpeedSource: "gps"}

		decision, err := s.Process(req, telemetry.Unknown())
		require.NoError(t, err)
		if decision.Level == "RED" {
			sawRed = true
			assert.True(t, decision.ReasonBits.Has(risk.ReasonRedComboOK))
			assert.False(t, decision.ReasonBits.Has(risk.ReasonRedGuarded))
		}
		assert.False(t, decision.ReasonBits.Has(risk.ReasonDistanceUnreliable))
		last = decision
	}

	assert.True(t, sawRed)
	require.NotNil(t, last.Target)
	assert.Equal(t, DistanceGround, last.Target.DistanceSource)
	require.NotNil(t, last.Target.DistanceM)
	assert.InDelta(t, 4, *last.Target.DistanceM, 1.5)
	assert.Equal(t, risk.ModeCity, last.Mode)
	assert.InDelta(t, 3.0, last.Thresholds.TTCOrange, 1e-9)
}

func TestStandingRiderBypassesScoring(t *testing.T) {
	s := newTestSession(t, nil)
	for i := 0; i < 5; i++ {
		_, err := s.Process(frameAt(i, carAt(10-float64(i), 560)), telemetry.Unknown())
		require.NoError(t, err)
	}

	stopped := telemetry.Unknown()
	stopped.SpeedMps = 0
	decision, err := s.Process(frameAt(5, carAt(5, 560)), stopped)
	require.NoError(t, err)

	assert.True(t, decision.Standing)
	assert.Equal(t, "SAFE", decision.Level)
	assert.True(t, decision.ReasonBits.Has(risk.ReasonRiderStanding))
	assert.Nil(t, decision.Target)
	assert.Equal(t, int64(0), decision.Trace.LockedID)
}

func TestUnknownSpeedIsNotStanding(t *testing.T) {
	s := newTestSession(t, nil)
	decision, err := s.Process(frameAt(0, carAt(10, 560)), telemetry.Unknown())
	require.NoError(t, err)
	assert.False(t, decision.Standing)
	assert.InDelta(t, 3.0, decision.Thresholds.AdaptiveTTC, 1e-9)
}

func TestLockedTargetCoastsThroughDropout(t *testing.T) {
	s := newTestSession(t, calibratedProfile())

	var before models.FrameDecision
	for i := 0; i < 6; i++ {
		d := 20 - float64(i)
		decision, err := s.Process(frameAt(i, carAt(d, groundRow(d))), telemetry.Unknown())
		require.NoError(t, err)
		before = decision
	}
	require.NotNil(t, before.Target)
	require.NotNil(t, before.Target.DistanceM)

	decision, err := s.Process(frameAt(6), telemetry.Unknown())
	require.NoError(t, err)
	require.NotNil(t, decision.Target)
	assert.True(t, decision.Target.Coasting)
	assert.True(t, decision.Trace.InGrace)
	require.NotNil(t, decision.Target.DistanceM)
	assert.Less(t, *decision.Target.DistanceM, *before.Target.DistanceM)

	for i := 7; i < 20; i++ {
		decision, err = s.Process(frameAt(i), telemetry.Unknown())
		require.NoError(t, err)
	}
	assert.Nil(t, decision.Target)
}

func TestApproachSpeedSurvivesDropout(t *testing.T) {
	s := newTestSession(t, calibratedProfile())

	// 2 m/s closing speed at 10 fps, detections missing for frames 10 to 12.
	for i := 0; i < 20; i++ {
		req := frameAt(i)
		if i < 10 || i > 12 {
			d := 20 - 0.2*float64(i)
			req = frameAt(i, carAt(d, groundRow(d)))
		}
		decision, err := s.Process(req, telemetry.Unknown())
		require.NoError(t, err)
		if i < 8 {
			continue
		}

		require.NotNil(t, decision.Target, "frame %d", i)
		require.NotNil(t, decision.Target.ApproachSpeedMps, "frame %d", i)
		assert.InDelta(t, 2.0, *decision.Target.ApproachSpeedMps, 0.5, "frame %d", i)
		if i >= 10 && i <= 12 {
			assert.True(t, decision.Target.Coasting, "frame %d", i)
		}
	}
}

func TestRotationSwapsFrameSize(t *testing.T) {
	req := frameAt(0)
	req.Rotation = 90
	w, h, err := uprightSize(req)
	require.NoError(t, err)
	assert.Equal(t, frameH, w)
	assert.Equal(t, frameW, h)

	req.Rotation = -180
	w, _, err = uprightSize(req)
	require.NoError(t, err)
	assert.Equal(t, frameW, w)

	req.Rotation = 45
	_, _, err = uprightSize(req)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	req.Rotation = 0
	req.FrameWidth = math.NaN()
	_, _, err = uprightSize(req)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestModeFollowsRequest(t *testing.T) {
	s := newTestSession(t, nil)

	req := frameAt(0)
	req.Mode = "sport"
	decision, err := s.Process(req, telemetry.Unknown())
	require.NoError(t, err)
	assert.Equal(t, risk.ModeSport, decision.Mode)

	decision, err = s.Process(frameAt(1), telemetry.Unknown())
	require.NoError(t, err)
	assert.Equal(t, risk.ModeSport, decision.Mode, "mode sticks to the session")

	req = frameAt(2)
	req.Mode = "warp"
	_, err = s.Process(req, telemetry.Unknown())
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestRequestTelemetryOverridesFeed(t *testing.T) {
	snap := telemetry.Unknown()
	snap.SpeedMps = 5
	snap.SpeedSource = "mqtt"

	speed, lean := 14.0, -30.0
	merged := mergeTelemetry(snap, &models.Telemetry{SpeedMps: &speed, SpeedSource: "obd", LeanDeg: &lean})
	assert.Equal(t, 14.0, merged.SpeedMps)
	assert.Equal(t, "obd", merged.SpeedSource)
	assert.Equal(t, -30.0, merged.LeanDeg)
	assert.True(t, math.IsNaN(merged.BrakeConfidence))

	assert.Equal(t, 5.0, mergeTelemetry(snap, nil).SpeedMps)
}

func TestSetProfileRestartsKinematics(t *testing.T) {
	s := newTestSession(t, nil)
	for i := 0; i < 4; i++ {
		_, err := s.Process(frameAt(i, carAt(20-float64(i), 560)), telemetry.Unknown())
		require.NoError(t, err)
	}

	s.SetProfile("bike", calibratedProfile())
	assert.Equal(t, "bike", s.ProfileName())
	assert.Equal(t, calibration.HealthOK, s.Health().Status)

	decision, err := s.Process(frameAt(4, carAt(16, 560)), telemetry.Unknown())
	require.NoError(t, err)
	require.NotNil(t, decision.Target)
	assert.Nil(t, decision.Target.ApproachSpeedMps, "speed needs two frames under the new model")
}
