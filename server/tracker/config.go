package tracker

import (
	"fmt"
	"time"
)

// Config holds tracker tuning. The occlusion thresholds are empirical; keep
// them configurable.
type Config struct {
	IoUMatchThreshold      float64       `json:"iou_match_threshold"`
	Alpha                  float64       `json:"alpha"`
	MaxMisses              int           `json:"max_misses"`
	MinConsecutiveForAlert int           `json:"min_consecutive_for_alert"`
	SwitchConfirmFrames    int           `json:"switch_confirm_frames"`
	SwitchMargin           float64       `json:"switch_margin"`
	LockGraceDuration      time.Duration `json:"lock_grace_duration"`
	LockGraceFrames        int           `json:"lock_grace_frames"`

	// Occlusion fallback gates: candidate area relative to the track box,
	// center shift relative to the track's larger side, and a floor on IoU.
	OcclusionMinAreaRatio   float64 `json:"occlusion_min_area_ratio"`
	OcclusionMaxCenterShift float64 `json:"occlusion_max_center_shift"`
	OcclusionMinIoU         float64 `json:"occlusion_min_iou"`
}

func DefaultConfig() Config {
	return Config{
		IoUMatchThreshold:       0.3,
		Alpha:                   0.6,
		MaxMisses:               8,
		MinConsecutiveForAlert:  3,
		SwitchConfirmFrames:     3,
		SwitchMargin:            0.15,
		LockGraceDuration:       700 * time.Millisecond,
		LockGraceFrames:         6,
		OcclusionMinAreaRatio:   0.8,
		OcclusionMaxCenterShift: 0.5,
		OcclusionMinIoU:         0.05,
	}
}

func (c Config) Validate() error {
	switch {
	case c.IoUMatchThreshold <= 0 || c.IoUMatchThreshold > 1:
		return fmt.Errorf("iou_match_threshold must be in (0,1], got %v", c.IoUMatchThreshold)
	case c.Alpha <= 0 || c.Alpha > 1:
		return fmt.Errorf("alpha must be in (0,1], got %v", c.Alpha)
	case c.MaxMisses < 0:
		return fmt.Errorf("max_misses must be non-negative, got %d", c.MaxMisses)
	case c.MinConsecutiveForAlert < 1:
		return fmt.Errorf("min_consecutive_for_alert must be at least 1, got %d", c.MinConsecutiveForAlert)
	case c.SwitchConfirmFrames < 1:
		return fmt.Errorf("switch_confirm_frames must be at least 1, got %d", c.SwitchConfirmFrames)
	case c.SwitchMargin < 0:
		return fmt.Errorf("switch_margin must be non-negative, got %v", c.SwitchMargin)
	case c.LockGraceDuration < 0 || c.LockGraceFrames < 0:
		return fmt.Errorf("lock grace bounds must be non-negative")
	case c.OcclusionMinAreaRatio <= 0:
		return fmt.Errorf("occlusion_min_area_ratio must be positive, got %v", c.OcclusionMinAreaRatio)
	case c.OcclusionMaxCenterShift <= 0:
		return fmt.Errorf("occlusion_max_center_shift must be positive, got %v", c.OcclusionMaxCenterShift)
	case c.OcclusionMinIoU < 0 || c.OcclusionMinIoU > c.IoUMatchThreshold:
		return fmt.Errorf("occlusion_min_iou must be in [0,iou_match_threshold], got %v", c.OcclusionMinIoU)
	}
	return nil
}

// graceFrames is the tighter of the grace frame bound and the removal bound.
func (c Config) graceFrames() int {
	if c.MaxMisses < c.LockGraceFrames {
		return c.MaxMisses
	}
	return c.LockGraceFrames
}
