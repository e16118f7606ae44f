package telemetry

import (
	"errors"
	"math"
	"sync"
	"time"
)

var ErrInvalidSample = errors.New("invalid telemetry sample")

// SpeedSample is one rider-speed reading from an external fusion source.
type SpeedSample struct {
	SpeedMps   float64   `json:"speed_mps"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// IMUSample carries the values the engine consumes from the IMU; NaN marks a
// field the sender did not have.
type IMUSample struct {
	LeanDeg         float64   `json:"lean_deg"`
	BrakeConfidence float64   `json:"brake_confidence"`
	At              time.Time `json:"at"`
}

// Snapshot is the rider state for one frame. Unknown values are NaN.
type Snapshot struct {
	SpeedMps        float64
	SpeedSource     string
	SpeedConfidence float64
	LeanDeg         float64
	BrakeConfidence float64
}

func Unknown() Snapshot {
	nan := math.NaN()
	return Snapshot{SpeedMps: nan, SpeedConfidence: nan, LeanDeg: nan, BrakeConfidence: nan}
}

type sessionState struct {
	speeds map[string]SpeedSample
	imu    IMUSample
	hasIMU bool
}

// Feed holds the latest telemetry per session. Readings older than maxAge are
// reported as unknown rather than reused.
type Feed struct {
	mu       sync.RWMutex
	maxAge   time.Duration
	sessions map[string]*sessionState
}

func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{
		maxAge:   maxAge,
		sessions: make(map[string]*sessionState),
	}
}

func (f *Feed) state(session string) *sessionState {
	s, ok := f.sessions[session]
	if !ok {
		s = &sessionState{speeds: make(map[string]SpeedSample)}
		f.sessions[session] = s
	}
	return s
}

func (f *Feed) ObserveSpeed(session string, s SpeedSample) error {
	if math.IsNaN(s.SpeedMps) || math.IsInf(s.SpeedMps, 0) || s.SpeedMps < 0 {
		return ErrInvalidSample
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	if s.Source == "" {
		s.Source = "unknown"
	}
	if math.IsNaN(s.Confidence) {
		s.Confidence = 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state(session).speeds[s.Source] = s
	return nil
}

func (f *Feed) ObserveIMU(session string, s IMUSample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state(session)
	st.imu = s
	st.hasIMU = true
}

// Snapshot returns the freshest usable readings at now. Among fresh speed
// sources the most confident wins, then the most recent.
func (f *Feed) Snapshot(session string, now time.Time) Snapshot {
	out := Unknown()

	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.sessions[session]
	if !ok {
		return out
	}

	var best *SpeedSample
	for _, s := range st.speeds {
		if !f.fresh(s.At, now) {
			continue
		}
		if best == nil || s.Confidence > best.Confidence ||
			(s.Confidence == best.Confidence && s.At.After(best.At)) {
			s := s
			best = &s
		}
	}
	if best != nil {
		out.SpeedMps = best.SpeedMps
		out.SpeedSource = best.Source
		out.SpeedConfidence = best.Confidence
	}

	if st.hasIMU && f.fresh(st.imu.At, now) {
		out.LeanDeg = st.imu.LeanDeg
		out.BrakeConfidence = st.imu.BrakeConfidence
	}
	return out
}

func (f *Feed) fresh(at, now time.Time) bool {
	age := now.Sub(at)
	return age >= -f.maxAge && age <= f.maxAge
}

func (f *Feed) Forget(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, session)
}

func (f *Feed) Sessions() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}
