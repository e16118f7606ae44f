package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDecision(t *testing.T) {
	m := New(func() float64 { return 2 })

	m.ObserveDecision("SAFE", false, false, time.Millisecond)
	m.ObserveDecision("ORANGE", true, true, 2*time.Millisecond)
	m.ObserveDecision("ORANGE", false, false, time.Millisecond)
	m.FrameDropped()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.framesProcessed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("ORANGE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardDowngrades))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockSwitches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(func() float64 { return 5 })
	m.CalibrationFit("ok")
	m.FrameError("bad_request")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fcw_active_sessions 5")
	assert.Contains(t, string(body), `fcw_calibration_fits_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), `fcw_frame_errors_total{reason="bad_request"} 1`)
}

func TestIndependentRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.FrameDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.framesDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.framesDropped))
}
