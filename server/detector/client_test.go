package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/config"
	"github.com/san-kum/rider-fcw/server/models"
)

func testClient(url string, retries int) *Client {
	return NewClient(config.DetectorConfig{
		BaseURL:    url,
		Timeout:    time.Second,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())
}

func TestDetectConvertsBoxes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		var req DetectRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte{1, 2, 3}, req.ImageData)
		assert.Equal(t, 1280.0, req.FrameWidth)

		json.NewEncoder(w).Encode(DetectResponse{Detections: []ObjectDetection{
			{Class: "car", Confidence: 0.8, BoundingBox: BBox{X: 100, Y: 200, Width: 50, Height: 40}},
		}})
	}))
	defer srv.Close()

	c := testClient(srv.URL, 0)
	dets, err := c.Detect(context.Background(), &models.FrameRequest{
		ImageData: []byte{1, 2, 3}, FrameWidth: 1280, FrameHeight: 720,
	})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].Label)
	assert.Equal(t, 0.8, dets[0].Score)
	assert.Equal(t, 150.0, dets[0].Box.X2)
	assert.Equal(t, 240.0, dets[0].Box.Y2)
	assert.True(t, c.Healthy())
}

func TestDetectRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"detections": []}`))
	}))
	defer srv.Close()

	dets, err := testClient(srv.URL, 2).Detect(context.Background(), &models.FrameRequest{})
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDetectDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 3).Detect(context.Background(), &models.FrameRequest{})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDetectGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 1)
	_, err := c.Detect(context.Background(), &models.FrameRequest{})
	assert.Error(t, err)
	assert.False(t, c.Healthy())
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 0)
	require.NoError(t, c.HealthCheck(context.Background()))
	assert.True(t, c.Healthy())
}
