package models

import (
	"math"
	"time"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/postprocess"
	"github.com/san-kum/rider-fcw/server/risk"
	"github.com/san-kum/rider-fcw/server/tracker"
)

// Detection is one raw model output in pixel coordinates of the upright frame.
type Detection struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Telemetry is the optional per-frame rider state. Absent fields are unknown,
// never zero.
type Telemetry struct {
	SpeedMps           *float64 `json:"speed_mps,omitempty"`
	SpeedSource        string   `json:"speed_source,omitempty"`
	LeanDeg            *float64 `json:"lean_deg,omitempty"`
	EgoBrakeConfidence *float64 `json:"ego_brake_confidence,omitempty"`
}

// Cues are perception signals computed upstream of the engine.
type Cues struct {
	BrakeCue      bool     `json:"brake_cue"`
	BrakeStrength *float64 `json:"brake_strength,omitempty"`
	CutIn         bool     `json:"cut_in"`
	Quality       *float64 `json:"quality,omitempty"`
}

type FrameRequest struct {
	SessionID   string      `json:"session_id"`
	ClientID    string      `json:"client_id"`
	Timestamp   int64       `json:"timestamp"` // unix milliseconds
	FrameWidth  float64     `json:"frame_width"`
	FrameHeight float64     `json:"frame_height"`
	Rotation    int         `json:"rotation"`
	Zoom        float64     `json:"zoom"`
	Mode        string      `json:"mode,omitempty"`
	Profile     string      `json:"profile,omitempty"`
	Detections  []Detection `json:"detections"`
	ImageData   []byte      `json:"image_data,omitempty"`
	Telemetry   *Telemetry  `json:"telemetry,omitempty"`
	Cues        *Cues       `json:"cues,omitempty"`
}

// Time returns the capture time, or now when the client sent none.
func (r *FrameRequest) Time() time.Time {
	if r.Timestamp <= 0 {
		return time.Now()
	}
	return time.UnixMilli(r.Timestamp)
}

// Target is the locked object as the decision saw it. Kinematic fields are
// nil when unknown.
type Target struct {
	TrackID          int64      `json:"track_id"`
	Label            string     `json:"label"`
	Box              [4]float64 `json:"box"`
	Score            float64    `json:"score"`
	ConsecutiveHits  int        `json:"consecutive_hits"`
	Coasting         bool       `json:"coasting"`
	DistanceM        *float64   `json:"distance_m"`
	DistanceSource   string     `json:"distance_source,omitempty"`
	ApproachSpeedMps *float64   `json:"approach_speed_mps"`
	TTCSec           *float64   `json:"ttc_sec"`
	TTCSlope         *float64   `json:"ttc_slope"`
	ROIWeight        float64    `json:"roi_weight"`
	LaneOffset       *float64   `json:"lane_offset"`
}

type FrameDecision struct {
	SessionID   string                 `json:"session_id"`
	Frame       uint64                 `json:"frame"`
	Timestamp   int64                  `json:"timestamp"`
	Level       string                 `json:"level"`
	State       risk.State             `json:"state"`
	RiskScore   float64                `json:"risk_score"`
	ReasonBits  risk.ReasonBits        `json:"reason_bits"`
	Reasons     []string               `json:"reasons"`
	Mode        risk.ModeKind          `json:"mode"`
	Standing    bool                   `json:"standing"`
	Target      *Target                `json:"target,omitempty"`
	Calibration calibration.Health     `json:"calibration"`
	Counts      postprocess.Counts     `json:"counts"`
	Trace       tracker.Trace          `json:"trace"`
	Thresholds  risk.DerivedThresholds `json:"thresholds"`
	LatencyMs   float64                `json:"latency_ms"`
}

// FiniteOrNil turns NaN and infinities into an absent JSON value.
func FiniteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ValueOrNaN is the inverse of FiniteOrNil for optional inputs.
func ValueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *APIError     `json:"error,omitempty"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ResponseMeta struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Version        string    `json:"version"`
}
