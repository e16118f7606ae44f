package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/rider-fcw/server/geometry"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const RequiredSamples = 3

var (
	ErrSampleCount   = errors.New("calibration needs exactly three samples")
	ErrInvalidSample = errors.New("invalid calibration sample")
	ErrInvalidOptics = errors.New("invalid camera optics")
	ErrFitFailed     = errors.New("calibration fit failed")
)

// Search space. Heights in meters, pitch in degrees below horizontal.
const (
	minHeightM = 0.6
	maxHeightM = 2.2
	minPitch   = -2.0
	maxPitch   = 25.0

	coarseHeightStep = 0.1
	coarsePitchStep  = 1.0
	fineHeightStep   = 0.01
	finePitchStep    = 0.05
	fineHeightSpan   = 10 // steps either side of the coarse optimum
	finePitchSpan    = 20

	// Fitted pitch outside this band means the samples are inconsistent.
	sanePitchMin = -1.5
	sanePitchMax = 23.0
)

// Sample is one ground-truth placement: a marker at normalized image position
// (XNorm, YNorm) measured DistanceM from the camera, with the IMU jitter
// recorded while the rider held still.
type Sample struct {
	XNorm     float64 `json:"x_norm"`
	YNorm     float64 `json:"y_norm"`
	DistanceM float64 `json:"distance_m"`
	// IMUStdDeg is NaN when no IMU statistic was captured.
	IMUStdDeg float64 `json:"imu_std_deg"`
}

// Optics describes the camera. FocalPx wins when set; otherwise it is derived
// from FocalMm and SensorHeightMm.
type Optics struct {
	FocalPx        float64 `json:"focal_px"`
	FocalMm        float64 `json:"focal_mm"`
	SensorHeightMm float64 `json:"sensor_height_mm"`
	FrameHeightPx  float64 `json:"frame_height_px"`
	Zoom           float64 `json:"zoom"`
}

func (o Optics) FocalLengthPx() (float64, error) {
	if !(o.FrameHeightPx > 0) || math.IsInf(o.FrameHeightPx, 0) {
		return 0, fmt.Errorf("%w: frame height %v", ErrInvalidOptics, o.FrameHeightPx)
	}
	if o.FocalPx > 0 && isFinite(o.FocalPx) {
		return o.FocalPx, nil
	}
	f := geometry.FocalLengthPx(o.FocalMm, o.SensorHeightMm, o.FrameHeightPx, o.Zoom)
	if !isFinite(f) || f <= 0 {
		return 0, fmt.Errorf("%w: no usable focal length", ErrInvalidOptics)
	}
	return f, nil
}

type FitResult struct {
	HeightM    float64 `json:"height_m"`
	PitchDeg   float64 `json:"pitch_deg"`
	FocalPx    float64 `json:"focal_px"`
	RMSM       float64 `json:"rms_m"`
	MaxErrM    float64 `json:"max_err_m"`
	WorstIndex int     `json:"worst_index"`

	Geometry  Quality `json:"geometry_quality"`
	Stability Quality `json:"stability_quality"`
	Overall   Quality `json:"overall_quality"`

	// WorstIMUStdDeg is nil when no sample carried an IMU statistic.
	WorstIMUStdDeg     *float64 `json:"worst_imu_std_deg,omitempty"`
	TypicalErrorAt10M  float64  `json:"typical_error_at_10m"`
	GeometryErrorAt10M float64  `json:"geometry_error_at_10m"`
	IMUErrorAt10M      float64  `json:"imu_error_at_10m"`

	Residuals []float64 `json:"residuals"`
}

type candidate struct {
	height, pitch, mse float64
}

func (c candidate) better(o candidate) bool {
	return c.mse < o.mse
}

type model struct {
	samples []Sample
	frameH  float64
	focal   float64
}

func (m model) predict(heightM, pitchDeg, yNorm float64) (float64, bool) {
	return geometry.GroundPlaneDistanceNorm(yNorm, m.frameH, m.focal, heightM, pitchDeg)
}

// mse is +Inf when any sample row cannot hit the road for these parameters.
func (m model) mse(heightM, pitchDeg float64) float64 {
	sq := make([]float64, len(m.samples))
	for i, s := range m.samples {
		d, ok := m.predict(heightM, pitchDeg, s.YNorm)
		if !ok {
			return math.Inf(1)
		}
		e := d - s.DistanceM
		sq[i] = e * e
	}
	return stat.Mean(sq, nil)
}

func validateSamples(samples []Sample) error {
	if len(samples) != RequiredSamples {
		return fmt.Errorf("%w: got %d", ErrSampleCount, len(samples))
	}
	for i, s := range samples {
		if err := validateSample(i, s); err != nil {
			return err
		}
	}
	return nil
}

func validateSample(i int, s Sample) error {
	if !isFinite(s.YNorm) || s.YNorm <= 0 || s.YNorm > 1 {
		return fmt.Errorf("%w %d: y_norm %v outside (0,1]", ErrInvalidSample, i, s.YNorm)
	}
	if !isFinite(s.DistanceM) || s.DistanceM <= 0 {
		return fmt.Errorf("%w %d: distance %v", ErrInvalidSample, i, s.DistanceM)
	}
	return nil
}

// Fit estimates mount height and pitch from three ground-truth samples with a
// coarse-to-fine grid search. Parameters are never returned on failure.
func Fit(ctx context.Context, samples []Sample, optics Optics) (FitResult, error) {
	if err := validateSamples(samples); err != nil {
		return FitResult{}, err
	}
	focal, err := optics.FocalLengthPx()
	if err != nil {
		return FitResult{}, err
	}
	m := model{samples: samples, frameH: optics.FrameHeightPx, focal: focal}

	coarse, err := m.coarse(ctx)
	if err != nil {
		return FitResult{}, err
	}
	if !isFinite(coarse.mse) {
		return FitResult{}, fmt.Errorf("%w: no configuration reaches the road for every sample", ErrFitFailed)
	}

	best := m.refine(coarse)
	if best.pitch < sanePitchMin || best.pitch > sanePitchMax {
		return FitResult{}, fmt.Errorf("%w: pitch %.2f outside [%.1f, %.1f]", ErrFitFailed, best.pitch, sanePitchMin, sanePitchMax)
	}

	return m.result(best), nil
}

// coarse scans the full grid, one goroutine per height row. Rows are reduced
// in order so ties resolve the same way on every run.
func (m model) coarse(ctx context.Context) (candidate, error) {
	rows := int(math.Round((maxHeightM-minHeightM)/coarseHeightStep)) + 1
	cols := int(math.Round((maxPitch-minPitch)/coarsePitchStep)) + 1
	bests := make([]candidate, rows)

	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < rows; r++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h := minHeightM + float64(r)*coarseHeightStep
			row := candidate{mse: math.Inf(1)}
			for c := 0; c < cols; c++ {
				p := minPitch + float64(c)*coarsePitchStep
				if cand := (candidate{height: h, pitch: p, mse: m.mse(h, p)}); cand.better(row) {
					row = cand
				}
			}
			bests[r] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidate{}, err
	}

	best := candidate{mse: math.Inf(1)}
	for _, c := range bests {
		if c.better(best) {
			best = c
		}
	}
	return best, nil
}

func (m model) refine(center candidate) candidate {
	best := center
	for i := -fineHeightSpan; i <= fineHeightSpan; i++ {
		h := center.height + float64(i)*fineHeightStep
		if h < minHeightM || h > maxHeightM {
			continue
		}
		for j := -finePitchSpan; j <= finePitchSpan; j++ {
			p := center.pitch + float64(j)*finePitchStep
			if p < minPitch || p > maxPitch {
				continue
			}
			if cand := (candidate{height: h, pitch: p, mse: m.mse(h, p)}); cand.better(best) {
				best = cand
			}
		}
	}
	return best
}

func (m model) result(best candidate) FitResult {
	residuals := make([]float64, len(m.samples))
	abs := make([]float64, len(m.samples))
	for i, s := range m.samples {
		d, _ := m.predict(best.height, best.pitch, s.YNorm)
		residuals[i] = d - s.DistanceM
		abs[i] = math.Abs(residuals[i])
	}

	rms := floats.Norm(residuals, 2) / math.Sqrt(float64(len(residuals)))
	geo := ClassifyGeometry(rms, floats.Max(abs))
	stab, worst := stabilityOf(m.samples)
	total, imu := errorAt10M(rms, worst)

	var worstPtr *float64
	if isFinite(worst) {
		worstPtr = &worst
	}

	return FitResult{
		HeightM:            best.height,
		PitchDeg:           best.pitch,
		FocalPx:            m.focal,
		RMSM:               rms,
		MaxErrM:            floats.Max(abs),
		WorstIndex:         floats.MaxIdx(abs),
		Geometry:           geo,
		Stability:          stab,
		Overall:            Combine(geo, stab),
		WorstIMUStdDeg:     worstPtr,
		TypicalErrorAt10M:  total,
		GeometryErrorAt10M: rms,
		IMUErrorAt10M:      imu,
		Residuals:          residuals,
	}
}

// Predict returns the ground-plane distance for a normalized row under a fit.
func Predict(fit FitResult, frameHeightPx, yNorm float64) (float64, bool) {
	return geometry.GroundPlaneDistanceNorm(yNorm, frameHeightPx, fit.FocalPx, fit.HeightM, fit.PitchDeg)
}

type Verification struct {
	PredictedM float64 `json:"predicted_m"`
	MeasuredM  float64 `json:"measured_m"`
	ErrorM     float64 `json:"error_m"`
	ErrorPct   float64 `json:"error_pct"`
}

// Verify checks a fit against one extra placement not used for fitting.
func Verify(fit FitResult, frameHeightPx float64, s Sample) (Verification, error) {
	if err := validateSample(0, s); err != nil {
		return Verification{}, err
	}
	d, ok := Predict(fit, frameHeightPx, s.YNorm)
	if !ok {
		return Verification{}, fmt.Errorf("%w: row %.3f is above the horizon", ErrInvalidSample, s.YNorm)
	}
	return Verification{
		PredictedM: d,
		MeasuredM:  s.DistanceM,
		ErrorM:     d - s.DistanceM,
		ErrorPct:   100 * (d - s.DistanceM) / s.DistanceM,
	}, nil
}
