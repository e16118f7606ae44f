package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/san-kum/rider-fcw/server/postprocess"
	"github.com/san-kum/rider-fcw/server/risk"
	"github.com/san-kum/rider-fcw/server/tracker"
)

const maxTuningFileSize = 1 * 1024 * 1024

// TuningConfig is the optional JSON tuning file. Every field is a pointer so a
// partial file only overrides what it names; the Get* and *Config methods
// fall back to the built-in defaults.
type TuningConfig struct {
	// Post-processor
	DefaultScoreThreshold *float64              `json:"default_score_threshold,omitempty"`
	ClassThresholds       map[string]float64    `json:"class_thresholds,omitempty"`
	ExtraAliases          map[string]string     `json:"extra_aliases,omitempty"`
	NMSIoUThreshold       *float64              `json:"nms_iou_threshold,omitempty"`
	MinAreaRatio          *float64              `json:"min_area_ratio,omitempty"`
	MaxAreaRatio          *float64              `json:"max_area_ratio,omitempty"`
	MinAspect             *float64              `json:"min_aspect,omitempty"`
	MaxAspect             *float64              `json:"max_aspect,omitempty"`
	EdgeMarginEnabled     *bool                 `json:"edge_margin_enabled,omitempty"`
	EdgeMarginRatio       *float64              `json:"edge_margin_ratio,omitempty"`
	ROIKind               *string               `json:"roi_kind,omitempty"`
	ROIRect               *postprocess.NormRect `json:"roi_rect,omitempty"`
	ROITrapezoid          *geometry.Trapezoid   `json:"roi_trapezoid,omitempty"`

	// Tracker
	TrackIoUThreshold       *float64 `json:"track_iou_threshold,omitempty"`
	TrackAlpha              *float64 `json:"track_alpha,omitempty"`
	MaxMisses               *int     `json:"max_misses,omitempty"`
	MinConsecutiveForAlert  *int     `json:"min_consecutive_for_alert,omitempty"`
	SwitchConfirmFrames     *int     `json:"switch_confirm_frames,omitempty"`
	SwitchMargin            *float64 `json:"switch_margin,omitempty"`
	LockGrace               *string  `json:"lock_grace,omitempty"` // duration string like "700ms"
	LockGraceFrames         *int     `json:"lock_grace_frames,omitempty"`
	OcclusionMinAreaRatio   *float64 `json:"occlusion_min_area_ratio,omitempty"`
	OcclusionMaxCenterShift *float64 `json:"occlusion_max_center_shift,omitempty"`
	OcclusionMinIoU         *float64 `json:"occlusion_min_iou,omitempty"`

	// Risk engine
	RiseAlpha        *float64         `json:"rise_alpha,omitempty"`
	FallAlpha        *float64         `json:"fall_alpha,omitempty"`
	OrangeOn         *float64         `json:"orange_on,omitempty"`
	OrangeOff        *float64         `json:"orange_off,omitempty"`
	RedOn            *float64         `json:"red_on,omitempty"`
	RedOff           *float64         `json:"red_off,omitempty"`
	QualityWiden     *float64         `json:"quality_widen,omitempty"`
	StandingSpeedMps *float64         `json:"standing_speed_mps,omitempty"`
	UserThresholds   *risk.Thresholds `json:"user_thresholds,omitempty"`

	// Physics
	ClassWidthsM  map[string]float64 `json:"class_widths_m,omitempty"`
	SpeedEMAAlpha *float64           `json:"speed_ema_alpha,omitempty"`
}

func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig reads a tuning file. An empty path yields the defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	if path == "" {
		return EmptyTuningConfig(), nil
	}

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("tuning file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tuning file: %w", err)
	}
	if fileInfo.Size() > maxTuningFileSize {
		return nil, fmt.Errorf("tuning file too large: %d bytes (max %d)", fileInfo.Size(), maxTuningFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tuning JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	return cfg, nil
}

// Validate checks set fields and the configs derived from them.
func (c *TuningConfig) Validate() error {
	var errs []error

	if c.LockGrace != nil && *c.LockGrace != "" {
		if _, err := time.ParseDuration(*c.LockGrace); err != nil {
			errs = append(errs, fmt.Errorf("invalid lock_grace %q: %w", *c.LockGrace, err))
		}
	}
	if c.NMSIoUThreshold != nil && (*c.NMSIoUThreshold <= 0 || *c.NMSIoUThreshold > 1) {
		errs = append(errs, fmt.Errorf("nms_iou_threshold must be in (0,1], got %v", *c.NMSIoUThreshold))
	}
	if c.MinAreaRatio != nil && c.MaxAreaRatio != nil && *c.MinAreaRatio >= *c.MaxAreaRatio {
		errs = append(errs, fmt.Errorf("min_area_ratio must be below max_area_ratio"))
	}
	if c.MinAspect != nil && c.MaxAspect != nil && *c.MinAspect >= *c.MaxAspect {
		errs = append(errs, fmt.Errorf("min_aspect must be below max_aspect"))
	}
	if c.ROIKind != nil {
		switch postprocess.ROIKind(*c.ROIKind) {
		case postprocess.ROINone, postprocess.ROIRect:
		case postprocess.ROITrapezoid:
			if err := c.GetROITrapezoid().Validate(); err != nil {
				errs = append(errs, fmt.Errorf("roi_trapezoid: %w", err))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown roi_kind %q", *c.ROIKind))
		}
	}
	for class, w := range c.ClassWidthsM {
		if !(w > 0) {
			errs = append(errs, fmt.Errorf("class width for %q must be positive, got %v", class, w))
		}
	}
	if c.SpeedEMAAlpha != nil && (*c.SpeedEMAAlpha <= 0 || *c.SpeedEMAAlpha > 1) {
		errs = append(errs, fmt.Errorf("speed_ema_alpha must be in (0,1], got %v", *c.SpeedEMAAlpha))
	}
	if c.UserThresholds != nil {
		if err := c.UserThresholds.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.TrackerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	if err := c.RiskConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	return errors.Join(errs...)
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// GetROITrapezoid returns the configured trapezoid or the default lane shape.
func (c *TuningConfig) GetROITrapezoid() geometry.Trapezoid {
	if c.ROITrapezoid == nil {
		return geometry.DefaultTrapezoid()
	}
	return *c.ROITrapezoid
}

func (c *TuningConfig) GetLockGrace() time.Duration {
	def := tracker.DefaultConfig().LockGraceDuration
	if c.LockGrace == nil || *c.LockGrace == "" {
		return def
	}
	d, err := time.ParseDuration(*c.LockGrace)
	if err != nil {
		return def
	}
	return d
}

func (c *TuningConfig) PostprocessConfig() postprocess.Config {
	cfg := postprocess.DefaultConfig()
	setFloat(&cfg.DefaultThreshold, c.DefaultScoreThreshold)
	setFloat(&cfg.NMSIoUThreshold, c.NMSIoUThreshold)
	setFloat(&cfg.MinAreaRatio, c.MinAreaRatio)
	setFloat(&cfg.MaxAreaRatio, c.MaxAreaRatio)
	setFloat(&cfg.MinAspect, c.MinAspect)
	setFloat(&cfg.MaxAspect, c.MaxAspect)
	setFloat(&cfg.EdgeMarginRatio, c.EdgeMarginRatio)
	if c.EdgeMarginEnabled != nil {
		cfg.EdgeMarginEnabled = *c.EdgeMarginEnabled
	}
	for class, t := range c.ClassThresholds {
		cfg.ClassThresholds[class] = t
	}
	for alias, class := range c.ExtraAliases {
		cfg.Aliases[strings.ToLower(strings.TrimSpace(alias))] = class
	}
	if c.ROIKind != nil {
		cfg.ROI.Kind = postprocess.ROIKind(*c.ROIKind)
	}
	if c.ROIRect != nil {
		cfg.ROI.Rect = *c.ROIRect
	}
	cfg.ROI.Trapezoid = c.GetROITrapezoid()
	return cfg
}

func (c *TuningConfig) TrackerConfig() tracker.Config {
	cfg := tracker.DefaultConfig()
	setFloat(&cfg.IoUMatchThreshold, c.TrackIoUThreshold)
	setFloat(&cfg.Alpha, c.TrackAlpha)
	setInt(&cfg.MaxMisses, c.MaxMisses)
	setInt(&cfg.MinConsecutiveForAlert, c.MinConsecutiveForAlert)
	setInt(&cfg.SwitchConfirmFrames, c.SwitchConfirmFrames)
	setFloat(&cfg.SwitchMargin, c.SwitchMargin)
	setInt(&cfg.LockGraceFrames, c.LockGraceFrames)
	setFloat(&cfg.OcclusionMinAreaRatio, c.OcclusionMinAreaRatio)
	setFloat(&cfg.OcclusionMaxCenterShift, c.OcclusionMaxCenterShift)
	setFloat(&cfg.OcclusionMinIoU, c.OcclusionMinIoU)
	cfg.LockGraceDuration = c.GetLockGrace()
	return cfg
}

func (c *TuningConfig) RiskConfig() risk.Config {
	cfg := risk.DefaultConfig()
	setFloat(&cfg.RiseAlpha, c.RiseAlpha)
	setFloat(&cfg.FallAlpha, c.FallAlpha)
	setFloat(&cfg.OrangeOn, c.OrangeOn)
	setFloat(&cfg.OrangeOff, c.OrangeOff)
	setFloat(&cfg.RedOn, c.RedOn)
	setFloat(&cfg.RedOff, c.RedOff)
	setFloat(&cfg.QualityWiden, c.QualityWiden)
	setFloat(&cfg.StandingSpeedMps, c.StandingSpeedMps)
	return cfg
}

// GetUserThresholds returns the custom mode thresholds, falling back to the
// city set when none are configured.
func (c *TuningConfig) GetUserThresholds() risk.Thresholds {
	if c.UserThresholds == nil {
		return risk.CityMode().Thresholds()
	}
	return *c.UserThresholds
}

// DefaultClassWidthsM are typical rear widths used by the object-width model.
func DefaultClassWidthsM() map[string]float64 {
	return map[string]float64{
		"car":        1.8,
		"truck":      2.5,
		"bus":        2.55,
		"motorcycle": 0.8,
		"bicycle":    0.6,
		"person":     0.5,
	}
}

func (c *TuningConfig) GetClassWidthsM() map[string]float64 {
	widths := DefaultClassWidthsM()
	for class, w := range c.ClassWidthsM {
		widths[class] = w
	}
	return widths
}

func (c *TuningConfig) GetSpeedEMAAlpha() float64 {
	if c.SpeedEMAAlpha == nil {
		return 0.35
	}
	return *c.SpeedEMAAlpha
}
