package calibration

import "github.com/san-kum/rider-fcw/server/geometry"

type Status string

const (
	HealthOK        Status = "OK"
	HealthUncertain Status = "UNCERTAIN"
	HealthBad       Status = "BAD"
	HealthInvalid   Status = "INVALID"
	HealthUnknown   Status = "UNKNOWN"
)

// Health is the calibration verdict the risk engine consumes. TTC alerting
// never depends on it; only distance and speed do.
type Health struct {
	Status           Status `json:"status"`
	DistanceReliable bool   `json:"distance_reliable"`
	Reason           string `json:"reason,omitempty"`
}

// Assess grades a stored calibration. A nil fit means calibration was never
// done. An unusable ROI trapezoid invalidates the calibration regardless of fit.
func Assess(fit *FitResult, roi geometry.Trapezoid) Health {
	if err := roi.Validate(); err != nil {
		return Health{Status: HealthInvalid, Reason: err.Error()}
	}
	if fit == nil {
		return Health{Status: HealthUnknown, Reason: "not calibrated"}
	}
	if !isFinite(fit.HeightM) || !isFinite(fit.PitchDeg) || fit.HeightM <= 0 || !(fit.FocalPx > 0) {
		return Health{Status: HealthInvalid, Reason: "stored fit parameters are unusable"}
	}

	switch fit.Overall {
	case QualityOK:
		return Health{Status: HealthOK, DistanceReliable: true}
	case QualityUncertain:
		return Health{Status: HealthUncertain, Reason: "geometry " + string(fit.Geometry) + ", stability " + string(fit.Stability)}
	case QualityBad:
		return Health{Status: HealthBad, Reason: "geometry " + string(fit.Geometry)}
	default:
		return Health{Status: HealthUnknown, Reason: "unknown quality " + string(fit.Overall)}
	}
}
