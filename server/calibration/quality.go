package calibration

import "math"

type Quality string

const (
	QualityOK        Quality = "OK"
	QualityUncertain Quality = "UNCERTAIN"
	QualityBad       Quality = "BAD"
)

// Geometry error bands in meters.
const (
	geometryOKRMS        = 0.5
	geometryOKMax        = 1.0
	geometryUncertainRMS = 1.2
	geometryUncertainMax = 2.5
)

// Stability bands on the worst per-sample IMU jitter, in degrees.
const (
	stabilityOKDeg        = 0.5
	stabilityUncertainDeg = 1.5
)

func ClassifyGeometry(rmsM, maxErrM float64) Quality {
	switch {
	case !isFinite(rmsM) || !isFinite(maxErrM):
		return QualityBad
	case rmsM <= geometryOKRMS && maxErrM <= geometryOKMax:
		return QualityOK
	case rmsM <= geometryUncertainRMS && maxErrM <= geometryUncertainMax:
		return QualityUncertain
	default:
		return QualityBad
	}
}

// ClassifyStability grades the worst IMU jitter. NaN means the jitter was not
// captured, which is never better than UNCERTAIN.
func ClassifyStability(worstStdDeg float64) Quality {
	switch {
	case math.IsNaN(worstStdDeg):
		return QualityUncertain
	case worstStdDeg <= stabilityOKDeg:
		return QualityOK
	case worstStdDeg <= stabilityUncertainDeg:
		return QualityUncertain
	default:
		return QualityBad
	}
}

// Combine is BAD if geometry is BAD, OK only when both are OK, and UNCERTAIN
// otherwise.
func Combine(geometry, stability Quality) Quality {
	switch {
	case geometry == QualityBad:
		return QualityBad
	case geometry == QualityOK && stability == QualityOK:
		return QualityOK
	default:
		return QualityUncertain
	}
}

// worstStd returns the largest known jitter. It returns NaN only when no
// sample carries a value; a mix of known and unknown yields the known maximum
// with unknown set.
func worstStd(samples []Sample) (worst float64, unknown bool) {
	worst = math.NaN()
	for _, s := range samples {
		if !isFinite(s.IMUStdDeg) || s.IMUStdDeg < 0 {
			unknown = true
			continue
		}
		if math.IsNaN(worst) || s.IMUStdDeg > worst {
			worst = s.IMUStdDeg
		}
	}
	return worst, unknown
}

func stabilityOf(samples []Sample) (Quality, float64) {
	worst, unknown := worstStd(samples)
	q := ClassifyStability(worst)
	if unknown && q == QualityOK {
		q = QualityUncertain
	}
	return q, worst
}

// errorAt10M projects the fit residual and the IMU angular jitter to a 10 m
// target and combines them in quadrature.
func errorAt10M(rmsM, worstStdDeg float64) (total, imu float64) {
	if isFinite(worstStdDeg) {
		imu = 10 * math.Tan(worstStdDeg*math.Pi/180)
	}
	return math.Hypot(rmsM, imu), imu
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
