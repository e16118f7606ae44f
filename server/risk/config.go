package risk

import (
	"errors"
	"fmt"
	"math"
)

type Weights struct {
	TTC      float64 `json:"ttc"`
	Distance float64 `json:"distance"`
	RelSpeed float64 `json:"rel_speed"`
	ROI      float64 `json:"roi"`
	BrakeCue float64 `json:"brake_cue"`
	CutIn    float64 `json:"cut_in"`
}

func (w Weights) sum() float64 {
	return w.TTC + w.Distance + w.RelSpeed + w.ROI + w.BrakeCue + w.CutIn
}

// Config is the engine tuning. Defaults reproduce the production behavior;
// tests and the tuning file may override any field.
type Config struct {
	Weights Weights `json:"weights"`

	RiseAlpha float64 `json:"rise_alpha"`
	FallAlpha float64 `json:"fall_alpha"`

	OrangeOn  float64 `json:"orange_on"`
	OrangeOff float64 `json:"orange_off"`
	RedOn     float64 `json:"red_on"`
	RedOff    float64 `json:"red_off"`
	// QualityWiden raises both ON thresholds by up to this much as frame
	// quality falls to zero.
	QualityWiden float64 `json:"quality_widen"`

	TTCOrangeOffMargin float64 `json:"ttc_orange_off_margin"`
	TTCRedOffMargin    float64 `json:"ttc_red_off_margin"`
	TTCFalloffHorizon  float64 `json:"ttc_falloff_horizon"`

	StrongTTCScore   float64 `json:"strong_ttc_score"`
	StrongDistScore  float64 `json:"strong_dist_score"`
	StrongRelScore   float64 `json:"strong_rel_score"`
	ModerateDist     float64 `json:"moderate_dist_score"`
	ModerateRel      float64 `json:"moderate_rel_score"`
	StrongSlope      float64 `json:"strong_slope"`
	ContributionMin  float64 `json:"contribution_min"`
	LowROI           float64 `json:"low_roi"`
	EgoBrakeMinConf  float64 `json:"ego_brake_min_conf"`
	EgoBrakeMaxBoost float64 `json:"ego_brake_max_boost"`

	QualityConservativeBelow float64 `json:"quality_conservative_below"`
	QualityFloorScale        float64 `json:"quality_floor_scale"`

	LeanStartDeg   float64 `json:"lean_start_deg"`
	LeanSpanDeg    float64 `json:"lean_span_deg"`
	LeanMaxDamping float64 `json:"lean_max_damping"`

	// StandingSpeedMps is the known rider speed at or below which the rider
	// counts as stopped.
	StandingSpeedMps float64 `json:"standing_speed_mps"`
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			TTC:      0.35,
			Distance: 0.20,
			RelSpeed: 0.20,
			ROI:      0.10,
			BrakeCue: 0.10,
			CutIn:    0.05,
		},
		RiseAlpha:    0.30,
		FallAlpha:    0.15,
		OrangeOn:     0.45,
		OrangeOff:    0.35,
		RedOn:        0.70,
		RedOff:       0.58,
		QualityWiden: 0.08,

		TTCOrangeOffMargin: 0.5,
		TTCRedOffMargin:    0.3,
		TTCFalloffHorizon:  10,

		StrongTTCScore:   0.85,
		StrongDistScore:  0.8,
		StrongRelScore:   0.8,
		ModerateDist:     0.45,
		ModerateRel:      0.55,
		StrongSlope:      -0.8,
		ContributionMin:  0.5,
		LowROI:           0.35,
		EgoBrakeMinConf:  0.65,
		EgoBrakeMaxBoost: 0.08,

		QualityConservativeBelow: 0.8,
		QualityFloorScale:        0.6,

		LeanStartDeg:   20,
		LeanSpanDeg:    20,
		LeanMaxDamping: 0.12,

		StandingSpeedMps: 0.3,
	}
}

func (c Config) Validate() error {
	var errs []error
	if s := c.Weights.sum(); math.Abs(s-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("weights must sum to 1, got %.4f", s))
	}
	if c.RiseAlpha <= 0 || c.RiseAlpha > 1 || c.FallAlpha <= 0 || c.FallAlpha > 1 {
		errs = append(errs, fmt.Errorf("ema alphas must be in (0,1]"))
	}
	if c.FallAlpha > c.RiseAlpha {
		errs = append(errs, fmt.Errorf("fall_alpha %.2f must not exceed rise_alpha %.2f", c.FallAlpha, c.RiseAlpha))
	}
	if !(c.OrangeOff < c.OrangeOn && c.OrangeOn <= c.RedOff && c.RedOff < c.RedOn && c.RedOn+c.QualityWiden <= 1) {
		errs = append(errs, fmt.Errorf("level thresholds must satisfy orange_off < orange_on <= red_off < red_on"))
	}
	if c.TTCOrangeOffMargin < 0 || c.TTCRedOffMargin < 0 {
		errs = append(errs, fmt.Errorf("ttc off margins must be non-negative"))
	}
	if c.QualityFloorScale < 0 || c.QualityFloorScale > 1 {
		errs = append(errs, fmt.Errorf("quality_floor_scale must be in [0,1]"))
	}
	if c.LeanSpanDeg <= 0 || c.LeanMaxDamping < 0 || c.LeanMaxDamping > 1 {
		errs = append(errs, fmt.Errorf("lean damping parameters out of range"))
	}
	return errors.Join(errs...)
}
