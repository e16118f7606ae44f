package telemetry

import (
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const (
	knotsToMps = 0.514444
	kphToMps   = 1 / 3.6
)

// ParseNMEASpeed extracts ground speed from an RMC or VTG sentence. RMC
// fixes flagged void are rejected so a lost fix never reads as standstill.
func ParseNMEASpeed(line string, at time.Time) (SpeedSample, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return SpeedSample{}, fmt.Errorf("%w: not an NMEA sentence", ErrInvalidSample)
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return SpeedSample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return SpeedSample{}, fmt.Errorf("%w: RMC fix is void", ErrInvalidSample)
		}
		return SpeedSample{SpeedMps: m.Speed * knotsToMps, Source: "gps", Confidence: 0.9, At: at}, nil
	case nmea.TypeVTG:
		m := sentence.(nmea.VTG)
		speed := m.GroundSpeedKPH * kphToMps
		if speed == 0 && m.GroundSpeedKnots > 0 {
			speed = m.GroundSpeedKnots * knotsToMps
		}
		return SpeedSample{SpeedMps: speed, Source: "gps", Confidence: 0.8, At: at}, nil
	default:
		return SpeedSample{}, fmt.Errorf("%w: sentence %s carries no speed", ErrInvalidSample, sentence.DataType())
	}
}
