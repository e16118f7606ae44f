package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/san-kum/rider-fcw/server/models"
)

// Message kinds accepted by Ingest. MQTT uses them as the last topic level.
const (
	KindSpeed = "speed"
	KindIMU   = "imu"
	KindNMEA  = "nmea"
)

type imuPayload struct {
	LeanDeg         *float64 `json:"lean_deg"`
	BrakeConfidence *float64 `json:"brake_confidence"`
	Timestamp       int64    `json:"timestamp"`
}

type speedPayload struct {
	SpeedMps   *float64 `json:"speed_mps"`
	Source     string   `json:"source"`
	Confidence *float64 `json:"confidence"`
	Timestamp  int64    `json:"timestamp"`
}

func stampOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// Ingest decodes one telemetry payload of the given kind and records it for
// session. NMEA payloads are a single raw sentence; the others are JSON.
func (f *Feed) Ingest(session, kind string, payload []byte) error {
	switch kind {
	case KindSpeed:
		var p speedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSample, err)
		}
		if p.SpeedMps == nil {
			return fmt.Errorf("%w: speed_mps missing", ErrInvalidSample)
		}
		conf := 1.0
		if p.Confidence != nil {
			conf = *p.Confidence
		}
		return f.ObserveSpeed(session, SpeedSample{
			SpeedMps:   *p.SpeedMps,
			Source:     p.Source,
			Confidence: conf,
			At:         stampOrNow(p.Timestamp),
		})
	case KindIMU:
		var p imuPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSample, err)
		}
		f.ObserveIMU(session, IMUSample{
			LeanDeg:         models.ValueOrNaN(p.LeanDeg),
			BrakeConfidence: models.ValueOrNaN(p.BrakeConfidence),
			At:              stampOrNow(p.Timestamp),
		})
		return nil
	case KindNMEA:
		s, err := ParseNMEASpeed(string(payload), time.Now())
		if err != nil {
			return err
		}
		return f.ObserveSpeed(session, s)
	default:
		return fmt.Errorf("%w: unknown telemetry kind %q", ErrInvalidSample, kind)
	}
}
