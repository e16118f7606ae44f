package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/san-kum/rider-fcw/server/metrics"
	"github.com/san-kum/rider-fcw/server/processor"
	"github.com/san-kum/rider-fcw/server/profile"
)

// SampleInput is a calibration placement on the wire. A missing IMU
// statistic stays unknown rather than reading as zero jitter.
type SampleInput struct {
	XNorm     float64  `json:"x_norm"`
	YNorm     float64  `json:"y_norm"`
	DistanceM float64  `json:"distance_m"`
	IMUStdDeg *float64 `json:"imu_std_deg,omitempty"`
}

func (s SampleInput) sample() calibration.Sample {
	imu := math.NaN()
	if s.IMUStdDeg != nil {
		imu = *s.IMUStdDeg
	}
	return calibration.Sample{XNorm: s.XNorm, YNorm: s.YNorm, DistanceM: s.DistanceM, IMUStdDeg: imu}
}

type FitRequest struct {
	Name    string              `json:"name"`
	Samples []SampleInput       `json:"samples" binding:"required"`
	Optics  calibration.Optics  `json:"optics"`
	ROI     *geometry.Trapezoid `json:"roi,omitempty"`
	Verify  []SampleInput       `json:"verify,omitempty"`
}

type FitResponse struct {
	Fit           calibration.FitResult      `json:"fit"`
	Health        calibration.Health         `json:"health"`
	Verifications []calibration.Verification `json:"verifications,omitempty"`
	Profile       *profile.MountProfile      `json:"profile,omitempty"`
	Rebound       int                        `json:"rebound_sessions,omitempty"`
}

type CalibrationHandler struct {
	store     profile.Store
	processor *processor.FrameProcessor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewCalibrationHandler(store profile.Store, fp *processor.FrameProcessor, m *metrics.Metrics, logger *zap.Logger) *CalibrationHandler {
	return &CalibrationHandler{store: store, processor: fp, metrics: m, logger: logger}
}

// Fit runs a calibration without saving it.
func (h *CalibrationHandler) Fit(c *gin.Context) {
	startTime := time.Now()
	var req FitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid calibration request")
		return
	}

	res, err := h.fit(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, res, startTime)
}

// SaveProfile fits and, if the fit succeeds, stores it as the next version of
// the named mount profile and rebinds live sessions using that name. Failed
// fits are never stored.
func (h *CalibrationHandler) SaveProfile(c *gin.Context) {
	startTime := time.Now()
	var req FitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid calibration request")
		return
	}
	if name := c.Param("name"); name != "" {
		req.Name = name
	}

	res, err := h.fit(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}

	mount := profile.FromFit(req.Name, res.Fit, req.Optics, roiOrDefault(req.ROI))
	if err := h.store.Save(c.Request.Context(), mount); err != nil {
		h.logger.Error("Failed to save mount profile", zap.String("profile", req.Name), zap.Error(err))
		fail(c, err)
		return
	}
	res.Profile = mount
	res.Health = mount.Health
	res.Rebound = h.processor.ProfileUpdated(mount)

	h.logger.Info("Mount profile saved",
		zap.String("profile", mount.Name),
		zap.Int("version", mount.Version),
		zap.String("health", string(mount.Health.Status)),
		zap.String("saved_by", c.GetString("subject")))
	respond(c, http.StatusCreated, res, startTime)
}

func (h *CalibrationHandler) fit(ctx context.Context, req *FitRequest) (*FitResponse, error) {
	samples := make([]calibration.Sample, len(req.Samples))
	for i, s := range req.Samples {
		samples[i] = s.sample()
	}

	fit, err := calibration.Fit(ctx, samples, req.Optics)
	if err != nil {
		h.observe("failed")
		return nil, err
	}
	h.observe(strings.ToLower(string(fit.Overall)))

	res := &FitResponse{Fit: fit, Health: calibration.Assess(&fit, roiOrDefault(req.ROI))}
	for i, s := range req.Verify {
		v, err := calibration.Verify(fit, req.Optics.FrameHeightPx, s.sample())
		if err != nil {
			return nil, fmt.Errorf("verification sample %d: %w", i, err)
		}
		res.Verifications = append(res.Verifications, v)
	}
	return res, nil
}

func (h *CalibrationHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.CalibrationFit(outcome)
	}
}

func roiOrDefault(roi *geometry.Trapezoid) geometry.Trapezoid {
	if roi == nil {
		return geometry.DefaultTrapezoid()
	}
	return *roi
}

func (h *CalibrationHandler) ListProfiles(c *gin.Context) {
	startTime := time.Now()
	profiles, err := h.store.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, profiles, startTime)
}

func (h *CalibrationHandler) GetProfile(c *gin.Context) {
	startTime := time.Now()
	mount, err := h.store.Latest(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, mount, startTime)
}

func (h *CalibrationHandler) ProfileVersions(c *gin.Context) {
	startTime := time.Now()
	versions, err := h.store.Versions(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, versions, startTime)
}
