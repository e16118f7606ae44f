package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/san-kum/rider-fcw/server/postprocess"
	"github.com/san-kum/rider-fcw/server/risk"
	"github.com/san-kum/rider-fcw/server/tracker"
)

func writeTuning(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadTuningConfigEmptyPath(t *testing.T) {
	cfg, err := LoadTuningConfig("")
	require.NoError(t, err)

	if diff := cmp.Diff(tracker.DefaultConfig(), cfg.TrackerConfig()); diff != "" {
		t.Errorf("tracker config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(risk.DefaultConfig(), cfg.RiskConfig()); diff != "" {
		t.Errorf("risk config mismatch (-want +got):\n%s", diff)
	}

	pp := cfg.PostprocessConfig()
	assert.Equal(t, postprocess.ROINone, pp.ROI.Kind)
	assert.Equal(t, geometry.DefaultTrapezoid(), pp.ROI.Trapezoid)
	assert.Equal(t, 0.35, cfg.GetSpeedEMAAlpha())
	assert.Equal(t, risk.CityMode().Thresholds(), cfg.GetUserThresholds())
	assert.Equal(t, DefaultClassWidthsM(), cfg.GetClassWidthsM())
}

func TestLoadTuningConfigPartialOverride(t *testing.T) {
	path := writeTuning(t, "tuning.json", `{
  "track_alpha": 0.5,
  "lock_grace": "500ms",
  "roi_kind": "trapezoid",
  "roi_trapezoid": {"top_y": 0.5, "bottom_y": 0.95, "top_left_x": 0.42, "top_right_x": 0.58, "bottom_left_x": 0.15, "bottom_right_x": 0.85},
  "class_thresholds": {"car": 0.55},
  "extra_aliases": {" Pickup ": "truck"},
  "rise_alpha": 0.4,
  "class_widths_m": {"car": 1.9},
  "user_thresholds": {"ttc_orange": 3.5, "ttc_red": 1.8, "dist_orange": 20, "dist_red": 9, "rel_orange": 4, "rel_red": 8}
}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	wantTracker := tracker.DefaultConfig()
	wantTracker.Alpha = 0.5
	wantTracker.LockGraceDuration = 500 * time.Millisecond
	if diff := cmp.Diff(wantTracker, cfg.TrackerConfig()); diff != "" {
		t.Errorf("tracker config mismatch (-want +got):\n%s", diff)
	}

	wantRisk := risk.DefaultConfig()
	wantRisk.RiseAlpha = 0.4
	if diff := cmp.Diff(wantRisk, cfg.RiskConfig()); diff != "" {
		t.Errorf("risk config mismatch (-want +got):\n%s", diff)
	}

	pp := cfg.PostprocessConfig()
	assert.Equal(t, postprocess.ROITrapezoid, pp.ROI.Kind)
	assert.Equal(t, 0.5, pp.ROI.Trapezoid.TopY)
	assert.Equal(t, 0.55, pp.ClassThresholds["car"])
	assert.Equal(t, 0.35, pp.ClassThresholds["motorcycle"])
	assert.Equal(t, "truck", pp.Aliases["pickup"])

	widths := cfg.GetClassWidthsM()
	assert.Equal(t, 1.9, widths["car"])
	assert.Equal(t, 2.5, widths["truck"])

	assert.Equal(t, 3.5, cfg.GetUserThresholds().TTCOrange)
}

func TestLoadTuningConfigDoesNotLeakIntoDefaults(t *testing.T) {
	path := writeTuning(t, "tuning.json", `{"class_thresholds": {"car": 0.9}}`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	_ = cfg.PostprocessConfig()
	assert.Equal(t, 0.40, postprocess.DefaultConfig().ClassThresholds["car"])
}

func TestLoadTuningConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"wrong extension", "tuning.yaml", `{}`},
		{"malformed json", "tuning.json", `{"track_alpha": }`},
		{"bad lock grace", "tuning.json", `{"lock_grace": "soon"}`},
		{"nms out of range", "tuning.json", `{"nms_iou_threshold": 1.5}`},
		{"inverted area bounds", "tuning.json", `{"min_area_ratio": 0.5, "max_area_ratio": 0.1}`},
		{"unknown roi kind", "tuning.json", `{"roi_kind": "circle"}`},
		{"inverted trapezoid", "tuning.json", `{"roi_kind": "trapezoid", "roi_trapezoid": {"top_y": 0.9, "bottom_y": 0.4, "top_left_x": 0.4, "top_right_x": 0.6, "bottom_left_x": 0.1, "bottom_right_x": 0.9}}`},
		{"zero class width", "tuning.json", `{"class_widths_m": {"car": 0}}`},
		{"speed alpha", "tuning.json", `{"speed_ema_alpha": 0}`},
		{"tracker alpha", "tuning.json", `{"track_alpha": 0}`},
		{"risk hysteresis", "tuning.json", `{"orange_on": 0.3, "orange_off": 0.4}`},
		{"user thresholds", "tuning.json", `{"user_thresholds": {"ttc_orange": 1, "ttc_red": 2, "dist_orange": 15, "dist_red": 7, "rel_orange": 3, "rel_red": 6}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTuning(t, tt.file, tt.body)
			_, err := LoadTuningConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadTuningConfigMissingFile(t *testing.T) {
	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestGetLockGraceFallsBackOnGarbage(t *testing.T) {
	bad := "later"
	cfg := &TuningConfig{LockGrace: &bad}
	assert.Equal(t, tracker.DefaultConfig().LockGraceDuration, cfg.GetLockGrace())
}
