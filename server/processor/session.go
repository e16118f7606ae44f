package processor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/san-kum/rider-fcw/server/models"
	"github.com/san-kum/rider-fcw/server/postprocess"
	"github.com/san-kum/rider-fcw/server/profile"
	"github.com/san-kum/rider-fcw/server/risk"
	"github.com/san-kum/rider-fcw/server/telemetry"
	"github.com/san-kum/rider-fcw/server/tracker"
)

var ErrInvalidFrame = errors.New("invalid frame")

// nominalFocalRatio is focal/frame height for a 60 degree vertical field of
// view, used until a mount profile is calibrated.
const nominalFocalRatio = 0.866

const defaultClassWidthM = 1.8

const (
	DistanceGround  = "ground_plane"
	DistanceWidth   = "object_width"
	DistanceNominal = "nominal"
)

// kinematics is the motion state of the locked target between frames.
type kinematics struct {
	trackID   int64
	at        time.Time
	widthPx   float64
	distanceM float64
	speedMps  float64
	ttc       float64
	slope     float64
	source    string
}

func freshKinematics() kinematics {
	nan := math.NaN()
	return kinematics{
		widthPx:   nan,
		distanceM: nan,
		speedMps:  nan,
		ttc:       math.Inf(1),
		slope:     nan,
	}
}

// Session is the decision state of one camera stream. Frames of a session
// are processed one at a time.
type Session struct {
	id     string
	mutex  sync.Mutex
	logger *zap.Logger

	postConfig postprocess.Config
	post       *postprocess.Processor
	tracker    *tracker.Tracker
	engine     *risk.Engine

	mode risk.Mode
	user risk.Thresholds

	profile     *profile.MountProfile
	profileName string
	health      calibration.Health

	widths     map[string]float64
	speedAlpha float64

	frame     uint64
	lastSeen  time.Time
	lastLevel risk.Level
	kin       kinematics
}

func NewSession(id string, settings Settings, profileName string, mount *profile.MountProfile, logger *zap.Logger) (*Session, error) {
	mode, err := risk.ParseMode(settings.DefaultMode, settings.UserThresholds)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         id,
		logger:     logger.With(zap.String("session", id)),
		postConfig: settings.Post,
		tracker:    tracker.New(settings.Tracker),
		engine:     risk.NewEngine(settings.Risk),
		mode:       mode,
		user:       settings.UserThresholds,
		widths:     settings.ClassWidthsM,
		speedAlpha: settings.SpeedEMAAlpha,
		lastSeen:   time.Now(),
		kin:        freshKinematics(),
	}
	s.applyProfile(profileName, mount)
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) LastSeen() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastSeen
}

func (s *Session) ProfileName() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.profileName
}

func (s *Session) Health() calibration.Health {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.health
}

// SetProfile binds the session to a profile name. mount is nil when no
// version of that name exists yet. Target kinematics restart because the
// distance model changed.
func (s *Session) SetProfile(name string, mount *profile.MountProfile) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.applyProfile(name, mount)
}

func (s *Session) applyProfile(name string, mount *profile.MountProfile) {
	cfg := s.postConfig
	roi := cfg.ROI.Trapezoid
	s.profileName = name
	if mount != nil {
		roi = mount.ROI
		if cfg.ROI.Kind == postprocess.ROITrapezoid && mount.ROI.Validate() == nil {
			cfg.ROI.Trapezoid = mount.ROI
		}
		mount.RefreshHealth()
		s.health = mount.Health
	} else {
		s.health = calibration.Assess(nil, roi)
	}
	s.post = postprocess.New(cfg)
	s.profile = mount
	s.kin = freshKinematics()
}

// Reset drops all temporal state, as if the stream had just started.
func (s *Session) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reset()
}

func (s *Session) reset() {
	s.tracker.Reset()
	s.engine.Reset()
	s.kin = freshKinematics()
	s.lastLevel = risk.LevelSafe
}

// Process runs one frame through post-processing, tracking, physics and the
// risk engine.
func (s *Session) Process(req *models.FrameRequest, snap telemetry.Snapshot) (models.FrameDecision, error) {
	width, height, err := uprightSize(req)
	if err != nil {
		return models.FrameDecision{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if req.Mode != "" && req.Mode != string(s.mode.Kind()) {
		mode, err := risk.ParseMode(req.Mode, s.user)
		if err != nil {
			return models.FrameDecision{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		s.logger.Info("Alert mode changed", zap.String("from", s.mode.String()), zap.String("to", mode.String()))
		s.mode = mode
	}

	ts := req.Time()
	zoom := req.Zoom
	if !isFinite(zoom) || zoom <= 0 {
		zoom = 1
	}
	rider := mergeTelemetry(snap, req.Telemetry)

	s.frame++
	s.lastSeen = time.Now()

	decision := models.FrameDecision{
		SessionID:   s.id,
		Frame:       s.frame,
		Timestamp:   ts.UnixMilli(),
		Mode:        s.mode.Kind(),
		Calibration: s.health,
	}

	if s.standing(rider.SpeedMps) {
		if s.lastLevel != risk.LevelSafe {
			s.logger.Info("Rider standing, clearing alert", zap.String("from", s.lastLevel.String()))
		}
		s.reset()
		s.fill(&decision, risk.StandingResult())
		decision.Standing = true
		decision.Trace = s.tracker.Trace()
		return decision, nil
	}

	hint := tracker.Hint{
		BottomOccluded: s.bottomOccluded(height, zoom),
		FrameWidth:     width,
		FrameHeight:    height,
		Zoom:           zoom,
	}

	pp := s.post.Process(toRaw(req.Detections), width, height)
	decision.Counts = pp.Counts

	s.tracker.Update(pp.Accepted, ts, hint)
	trace := s.tracker.Trace()
	decision.Trace = trace
	if trace.Switched {
		s.logger.Info("Target lock switched",
			zap.Int64("from", trace.PreviousLockedID),
			zap.Int64("to", trace.LockedID))
	}

	in := risk.NoTarget()
	if locked, ok := s.tracker.Locked(); ok {
		m := s.measure(locked, ts, height, zoom)
		box := locked.Detection.Box
		roiWeight := s.post.Containment(box, width, height)
		offset := s.post.LaneOffset(box, width, height)

		decision.Target = &models.Target{
			TrackID:          locked.ID,
			Label:            locked.Detection.Label,
			Box:              [4]float64{box.X1, box.Y1, box.X2, box.Y2},
			Score:            locked.Detection.Score,
			ConsecutiveHits:  locked.ConsecutiveHits,
			Coasting:         m.coasting,
			DistanceM:        models.FiniteOrNil(m.distanceM),
			DistanceSource:   m.source,
			ApproachSpeedMps: models.FiniteOrNil(m.speedMps),
			TTCSec:           models.FiniteOrNil(m.ttc),
			TTCSlope:         models.FiniteOrNil(m.slope),
			ROIWeight:        roiWeight,
			LaneOffset:       models.FiniteOrNil(offset),
		}

		if locked.AlertGatePassed {
			in.DistanceM = m.distanceM
			in.ApproachSpeedMps = m.speedMps
			in.TTCSec = m.ttc
			in.TTCSlope = m.slope
			in.ROIWeight = roiWeight
			in.EgoOffset = offset
		}
	} else {
		s.kin = freshKinematics()
	}

	in.RiderSpeedMps = rider.SpeedMps
	in.EgoBrakeConfidence = rider.BrakeConfidence
	in.LeanDeg = rider.LeanDeg
	in.DistanceReliable = s.health.DistanceReliable
	in.Mode = s.mode
	applyCues(&in, req.Cues)

	result := s.engine.Evaluate(in)
	s.fill(&decision, result)
	decision.Thresholds = s.engine.DerivedThresholds()
	return decision, nil
}

func (s *Session) fill(d *models.FrameDecision, result risk.Result) {
	if result.Level != s.lastLevel {
		s.logger.Debug("Alert level changed",
			zap.String("from", s.lastLevel.String()),
			zap.String("to", result.Level.String()),
			zap.Stringer("reasons", result.Reasons))
	}
	s.lastLevel = result.Level

	d.Level = result.Level.String()
	d.State = result.State
	d.RiskScore = result.RiskScore
	d.ReasonBits = result.Reasons
	d.Reasons = result.Reasons.Labels()
}

func (s *Session) standing(speedMps float64) bool {
	return isFinite(speedMps) && speedMps >= 0 && speedMps <= s.engine.Config().StandingSpeedMps
}

// bottomOccluded reports whether the current lock was last seen touching the
// bottom band of the frame, where the dash or fairing hides it.
func (s *Session) bottomOccluded(frameH, zoom float64) bool {
	locked, ok := s.tracker.Locked()
	if !ok {
		return false
	}
	return locked.Detection.Box.Y2 >= frameH-geometry.BottomOcclusionEpsilonPx(frameH, zoom)
}

type measurement struct {
	distanceM float64
	speedMps  float64
	ttc       float64
	slope     float64
	source    string
	coasting  bool
}

func (s *Session) measure(locked tracker.TrackedDetection, ts time.Time, frameH, zoom float64) measurement {
	if locked.ID != s.kin.trackID {
		s.kin = freshKinematics()
		s.kin.trackID = locked.ID
	}

	dt := math.NaN()
	if !s.kin.at.IsZero() {
		dt = ts.Sub(s.kin.at).Seconds()
	}

	if locked.Misses > 0 {
		return s.coast(dt)
	}

	box := locked.Detection.Box
	focal := s.focalPx(frameH, zoom)
	distance, source := s.distance(box, locked.Detection.Label, frameH, zoom, focal)

	speed := s.kin.speedMps
	if raw := geometry.ApproachSpeedFromWidth(distance, s.kin.widthPx, box.Width(), dt); isFinite(raw) {
		speed = s.smooth(speed, raw)
	}

	ttc := geometry.TTC(distance, speed)
	slope := s.kin.slope
	switch {
	case !isFinite(ttc):
		slope = math.NaN()
	case isFinite(s.kin.ttc) && dt > 0:
		slope = s.smooth(slope, (ttc-s.kin.ttc)/dt)
	}

	s.kin = kinematics{
		trackID:   locked.ID,
		at:        ts,
		widthPx:   box.Width(),
		distanceM: distance,
		speedMps:  speed,
		ttc:       ttc,
		slope:     slope,
		source:    source,
	}
	return measurement{distanceM: distance, speedMps: speed, ttc: ttc, slope: slope, source: source}
}

// coast dead-reckons the locked target through a detection dropout at its
// last closing speed. The kinematics keep the last real observation so the
// width baseline and its timestamp stay paired for the next detection.
func (s *Session) coast(dt float64) measurement {
	k := s.kin
	distance, ttc := k.distanceM, k.ttc
	if isFinite(dt) && dt > 0 && isFinite(distance) && isFinite(k.speedMps) {
		distance = math.Max(0, distance-k.speedMps*dt)
		ttc = geometry.TTC(distance, k.speedMps)
	}
	return measurement{
		distanceM: distance,
		speedMps:  k.speedMps,
		ttc:       ttc,
		slope:     k.slope,
		source:    k.source,
		coasting:  true,
	}
}

func (s *Session) smooth(prev, sample float64) float64 {
	if !isFinite(prev) {
		return sample
	}
	return prev + s.speedAlpha*(sample-prev)
}

func (s *Session) focalPx(frameH, zoom float64) float64 {
	if s.profile != nil {
		if f := s.profile.FocalPx(frameH, zoom); isFinite(f) && f > 0 {
			return f
		}
	}
	return nominalFocalRatio * frameH * zoom
}

// distance prefers the ground-plane model, which needs a trusted calibration
// and a visible bottom edge, and falls back to the object-width model.
func (s *Session) distance(box geometry.Box, label string, frameH, zoom, focal float64) (float64, string) {
	if s.profile != nil && s.health.DistanceReliable &&
		box.Y2 < frameH-geometry.BottomOcclusionEpsilonPx(frameH, zoom) {
		if d, ok := geometry.GroundPlaneDistance(box.Y2, frameH, focal, s.profile.HeightM, s.profile.PitchDeg); ok {
			return d, DistanceGround
		}
	}

	realWidth, ok := s.widths[label]
	if !ok {
		realWidth = defaultClassWidthM
	}
	source := DistanceWidth
	if s.profile == nil {
		source = DistanceNominal
	}
	return geometry.DistanceFromWidth(realWidth, focal, box.Width()), source
}

// uprightSize validates the frame geometry and returns its size after
// rotation. Detections are expected in upright coordinates.
func uprightSize(req *models.FrameRequest) (float64, float64, error) {
	w, h := req.FrameWidth, req.FrameHeight
	if !isFinite(w) || !isFinite(h) || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: frame size %vx%v", ErrInvalidFrame, w, h)
	}
	switch ((req.Rotation % 360) + 360) % 360 {
	case 0, 180:
		return w, h, nil
	case 90, 270:
		return h, w, nil
	default:
		return 0, 0, fmt.Errorf("%w: rotation %d", ErrInvalidFrame, req.Rotation)
	}
}

func toRaw(dets []models.Detection) []postprocess.RawDetection {
	raw := make([]postprocess.RawDetection, 0, len(dets))
	for _, d := range dets {
		raw = append(raw, postprocess.RawDetection{
			Box:   geometry.NewBox(d.X1, d.Y1, d.X2, d.Y2),
			Score: d.Score,
			Label: d.Label,
		})
	}
	return raw
}

// mergeTelemetry overlays per-frame rider state on the feed snapshot.
func mergeTelemetry(snap telemetry.Snapshot, t *models.Telemetry) telemetry.Snapshot {
	if t == nil {
		return snap
	}
	if v := models.ValueOrNaN(t.SpeedMps); isFinite(v) && v >= 0 {
		snap.SpeedMps = v
		snap.SpeedSource = t.SpeedSource
	}
	if v := models.ValueOrNaN(t.LeanDeg); isFinite(v) {
		snap.LeanDeg = v
	}
	if v := models.ValueOrNaN(t.EgoBrakeConfidence); isFinite(v) {
		snap.BrakeConfidence = v
	}
	return snap
}

func applyCues(in *risk.Input, cues *models.Cues) {
	if cues == nil {
		return
	}
	in.CutIn = cues.CutIn
	in.BrakeCue = cues.BrakeCue
	in.BrakeStrength = models.ValueOrNaN(cues.BrakeStrength)
	if cues.Quality != nil {
		in.Quality = *cues.Quality
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
