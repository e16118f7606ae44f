package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/san-kum/rider-fcw/server/calibration"
	"github.com/san-kum/rider-fcw/server/models"
	"github.com/san-kum/rider-fcw/server/processor"
	"github.com/san-kum/rider-fcw/server/profile"
	"github.com/san-kum/rider-fcw/server/telemetry"
)

const apiVersion = "v1"

var errImageFormat = errors.New("invalid data URL format")

func respond(c *gin.Context, status int, data any, started time.Time) {
	c.JSON(status, models.APIResponse{
		Success: true,
		Data:    data,
		Meta: &models.ResponseMeta{
			RequestID:      uuid.NewString(),
			Timestamp:      time.Now(),
			ProcessingTime: float64(time.Since(started).Microseconds()) / 1000,
			Version:        apiVersion,
		},
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.APIResponse{
		Success: false,
		Error:   &models.APIError{Code: code, Message: message},
	})
}

// statusFor maps domain errors onto HTTP statuses and stable error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, processor.ErrNoSession),
		errors.Is(err, processor.ErrInvalidFrame),
		errors.Is(err, telemetry.ErrInvalidSample),
		errors.Is(err, profile.ErrInvalidProfile):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, calibration.ErrSampleCount),
		errors.Is(err, calibration.ErrInvalidSample),
		errors.Is(err, calibration.ErrInvalidOptics),
		errors.Is(err, calibration.ErrFitFailed):
		return http.StatusUnprocessableEntity, "calibration_failed"
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, processor.ErrDetector):
		return http.StatusBadGateway, "detector_unavailable"
	case errors.Is(err, processor.ErrShuttingDown),
		errors.Is(err, processor.ErrSessionLimit):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)
	respondError(c, status, code, err.Error())
}

// FrameUpload is a frame as clients send it. Image, when set, is a data URL
// and is used only if the frame carries no detections.
type FrameUpload struct {
	models.FrameRequest
	Image string `json:"image,omitempty"`
}

func (u *FrameUpload) Request() (*models.FrameRequest, error) {
	req := u.FrameRequest
	if u.Image != "" && len(req.ImageData) == 0 {
		data, err := decodeDataURL(u.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", processor.ErrInvalidFrame, err)
		}
		req.ImageData = data
	}
	return &req, nil
}

func decodeDataURL(dataURL string) ([]byte, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return nil, errImageFormat
	}
	return base64.StdEncoding.DecodeString(payload)
}
