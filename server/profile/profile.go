package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/geometry"
)

var (
	ErrNotFound       = errors.New("mount profile not found")
	ErrInvalidProfile = errors.New("invalid mount profile")
	ErrClosed         = errors.New("profile store is closed")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// MountProfile is one immutable version of a camera mount: where the camera
// sits, its optics, the ego-lane ROI and the fit that produced them.
type MountProfile struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	HeightM   float64                `json:"height_m"`
	PitchDeg  float64                `json:"pitch_deg"`
	Optics    calibration.Optics     `json:"optics"`
	ROI       geometry.Trapezoid     `json:"roi"`
	Fit       *calibration.FitResult `json:"fit,omitempty"`
	Health    calibration.Health     `json:"health"`
	CreatedAt time.Time              `json:"created_at"`
}

// FromFit builds an unsaved profile from a successful fit.
func FromFit(name string, fit calibration.FitResult, optics calibration.Optics, roi geometry.Trapezoid) *MountProfile {
	optics.FocalPx = fit.FocalPx
	p := &MountProfile{
		Name:     name,
		HeightM:  fit.HeightM,
		PitchDeg: fit.PitchDeg,
		Optics:   optics,
		ROI:      roi,
		Fit:      &fit,
	}
	p.RefreshHealth()
	return p
}

// RefreshHealth recomputes the calibration verdict from the stored fit and ROI.
func (p *MountProfile) RefreshHealth() {
	p.Health = calibration.Assess(p.Fit, p.ROI)
}

func (p *MountProfile) Validate() error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q must be 1-64 letters, digits, '.', '_' or '-'", ErrInvalidProfile, p.Name)
	}
	if !finite(p.HeightM) || p.HeightM <= 0 || p.HeightM > 5 {
		return fmt.Errorf("%w: height %v m", ErrInvalidProfile, p.HeightM)
	}
	if !finite(p.PitchDeg) || math.Abs(p.PitchDeg) > 90 {
		return fmt.Errorf("%w: pitch %v deg", ErrInvalidProfile, p.PitchDeg)
	}
	if _, err := p.Optics.FocalLengthPx(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.Fit != nil && (!finite(p.Fit.HeightM) || !finite(p.Fit.PitchDeg) || !(p.Fit.FocalPx > 0)) {
		return fmt.Errorf("%w: fit parameters are not finite", ErrInvalidProfile)
	}
	return nil
}

// FocalPx returns the pixel focal length for a frame of the given height and
// zoom, scaled from the optics the profile was calibrated with.
func (p *MountProfile) FocalPx(frameHeightPx, zoom float64) float64 {
	base, err := p.Optics.FocalLengthPx()
	if err != nil {
		return math.NaN()
	}
	scale := 1.0
	if frameHeightPx > 0 && p.Optics.FrameHeightPx > 0 {
		scale = frameHeightPx / p.Optics.FrameHeightPx
	}
	calZoom := p.Optics.Zoom
	if !(calZoom > 0) {
		calZoom = 1
	}
	if zoom > 0 && finite(zoom) {
		scale *= zoom / calZoom
	}
	return base * scale
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Stats describes a store for the stats endpoint.
type Stats struct {
	Backend  string `json:"backend"`
	Profiles int    `json:"profiles"`
	Versions int    `json:"versions"`
}

// Store persists mount profiles append-only: saving an existing name writes a
// new version and never touches older ones.
type Store interface {
	// Save assigns ID, Version and CreatedAt and persists p.
	Save(ctx context.Context, p *MountProfile) error

	Latest(ctx context.Context, name string) (*MountProfile, error)

	Versions(ctx context.Context, name string) ([]MountProfile, error)

	// List returns the latest version of every profile, ordered by name.
	List(ctx context.Context) ([]MountProfile, error)

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
