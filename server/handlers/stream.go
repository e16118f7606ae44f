package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/processor"
	"github.com/san-kum/rider-fcw/server/telemetry"
)

const maxTelemetryBody = 64 * 1024

// HealthReporter is anything whose readiness the health endpoint reports,
// such as the remote detector.
type HealthReporter interface {
	Healthy() bool
}

type StreamHandler struct {
	processor *processor.FrameProcessor
	feed      *telemetry.Feed
	detector  HealthReporter
	logger    *zap.Logger
	started   time.Time
}

func NewStreamHandler(fp *processor.FrameProcessor, feed *telemetry.Feed, detector HealthReporter, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		processor: fp,
		feed:      feed,
		detector:  detector,
		logger:    logger,
		started:   time.Now(),
	}
}

// Health stays 200 while the decision engine runs. A down detector only
// degrades it, because frames with detections need no detector.
func (h *StreamHandler) Health(c *gin.Context) {
	status := "healthy"
	detector := "disabled"
	if h.detector != nil {
		detector = "healthy"
		if !h.detector.Healthy() {
			detector = "unhealthy"
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"detector":        detector,
		"active_sessions": h.processor.ActiveSessions(),
		"uptime_seconds":  time.Since(h.started).Seconds(),
		"timestamp":       time.Now().Unix(),
		"service":         "rider-fcw",
	})
}

func (h *StreamHandler) ProcessFrame(c *gin.Context) {
	startTime := time.Now()

	var upload FrameUpload
	if err := c.ShouldBindJSON(&upload); err != nil {
		h.logger.Debug("Invalid frame request", zap.Error(err))
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	req, err := upload.Request()
	if err != nil {
		fail(c, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetHeader("X-Session-ID")
	}
	if req.ClientID == "" {
		req.ClientID = c.ClientIP()
	}

	decision, err := h.processor.ProcessFrame(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Frame processing failed",
			zap.Error(err),
			zap.String("session", req.SessionID),
			zap.String("client_ip", c.ClientIP()))
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, decision, startTime)
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	startTime := time.Now()
	stats := h.processor.GetStats(c.Request.Context())

	var successRate, errorRate float64
	if stats.TotalProcessed > 0 {
		successRate = float64(stats.SuccessfullyProcessed) / float64(stats.TotalProcessed) * 100
		errorRate = float64(stats.FailedProcessed) / float64(stats.TotalProcessed) * 100
	}

	telemetrySessions := 0
	if h.feed != nil {
		telemetrySessions = h.feed.Sessions()
	}

	respond(c, http.StatusOK, gin.H{
		"processor": stats,
		"metrics": gin.H{
			"success_rate":       successRate,
			"error_rate":         errorRate,
			"uptime_seconds":     time.Since(stats.StartTime).Seconds(),
			"telemetry_sessions": telemetrySessions,
		},
	}, startTime)
}

func (h *StreamHandler) ResetSession(c *gin.Context) {
	startTime := time.Now()
	id := c.Param("id")
	if !h.processor.ResetSession(id) {
		respondError(c, http.StatusNotFound, "not_found", "Unknown session")
		return
	}
	respond(c, http.StatusOK, gin.H{"session_id": id, "reset": true}, startTime)
}

func (h *StreamHandler) EndSession(c *gin.Context) {
	id := c.Param("id")
	h.processor.EndSession(id)
	c.Status(http.StatusNoContent)
}

// PostTelemetry accepts one speed, IMU or NMEA reading for a session, for
// clients that cannot reach the MQTT broker.
func (h *StreamHandler) PostTelemetry(c *gin.Context) {
	startTime := time.Now()
	if h.feed == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "Telemetry feed disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTelemetryBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Unreadable body")
		return
	}

	id, kind := c.Param("id"), c.Param("kind")
	if err := h.feed.Ingest(id, kind, body); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"session_id": id, "kind": kind}, startTime)
}
