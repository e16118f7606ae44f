package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/config"
	"github.com/san-kum/rider-fcw/server/geometry"
	"github.com/san-kum/rider-fcw/server/models"
	"github.com/san-kum/rider-fcw/server/postprocess"
)

var ErrRejected = errors.New("detector rejected the frame")

// Client talks to the remote object-detection model wrapper.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.DetectorConfig
	healthy    atomic.Bool
}

type DetectRequest struct {
	ImageData   []byte  `json:"image_data"`
	Timestamp   int64   `json:"timestamp"`
	FrameWidth  float64 `json:"frame_width"`
	FrameHeight float64 `json:"frame_height"`
	Rotation    int     `json:"rotation"`
	SessionID   string  `json:"session_id,omitempty"`
}

type DetectResponse struct {
	Detections     []ObjectDetection `json:"detections"`
	ProcessingTime float64           `json:"processing_time"`
	ModelVersion   string            `json:"model_version"`
}

type ObjectDetection struct {
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	BoundingBox BBox    `json:"bounding_box"`
}

type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func NewClient(cfg config.DetectorConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		logger:  logger,
		config:  cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

// Detect returns the raw detections for the frame's image bytes.
func (c *Client) Detect(ctx context.Context, frame *models.FrameRequest) ([]postprocess.RawDetection, error) {
	request := &DetectRequest{
		ImageData:   frame.ImageData,
		Timestamp:   frame.Timestamp,
		FrameWidth:  frame.FrameWidth,
		FrameHeight: frame.FrameHeight,
		Rotation:    frame.Rotation,
		SessionID:   frame.SessionID,
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying detection request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		dets, err := c.executeDetectRequest(ctx, request)
		if err == nil {
			c.healthy.Store(true)
			return dets, nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}

	c.healthy.Store(false)
	return nil, fmt.Errorf("detection failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeDetectRequest(ctx context.Context, request *DetectRequest) ([]postprocess.RawDetection, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "rider-fcw/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 && response.StatusCode < 500 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return nil, fmt.Errorf("%w (status %d): %s", ErrRejected, response.StatusCode, string(body))
	}
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return nil, fmt.Errorf("detector error (status %d): %s", response.StatusCode, string(body))
	}

	var resp DetectResponse
	if err := json.NewDecoder(response.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return convert(resp.Detections), nil
}

func convert(in []ObjectDetection) []postprocess.RawDetection {
	out := make([]postprocess.RawDetection, 0, len(in))
	for _, d := range in {
		b := d.BoundingBox
		out = append(out, postprocess.RawDetection{
			Box:   geometry.NewBox(b.X, b.Y, b.X+b.Width, b.Y+b.Height),
			Score: d.Confidence,
			Label: d.Class,
		})
	}
	return out
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.healthy.Store(false)
		return fmt.Errorf("detector unhealthy (status %d)", response.StatusCode)
	}
	c.healthy.Store(true)
	return nil
}

// Healthy is the result of the most recent request or health check.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// RunHealthChecker polls the detector until ctx is done.
func (c *Client) RunHealthChecker(ctx context.Context) {
	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("Detector not available at startup", zap.Error(err))
	}
	if c.config.HealthCheckInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Detector health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Detector health check passed")
			}
		}
	}
}
