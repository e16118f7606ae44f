package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/config"
	"github.com/san-kum/rider-fcw/server/metrics"
	"github.com/san-kum/rider-fcw/server/models"
	"github.com/san-kum/rider-fcw/server/postprocess"
	"github.com/san-kum/rider-fcw/server/profile"
	"github.com/san-kum/rider-fcw/server/risk"
	"github.com/san-kum/rider-fcw/server/telemetry"
	"github.com/san-kum/rider-fcw/server/tracker"
)

var (
	ErrNoSession    = errors.New("session id is required")
	ErrDetector     = errors.New("detection unavailable")
	ErrShuttingDown = errors.New("frame processor is shutting down")
	ErrSessionLimit = errors.New("too many active sessions")
)

// Detector produces raw detections for frames that carry only image bytes.
type Detector interface {
	Detect(ctx context.Context, frame *models.FrameRequest) ([]postprocess.RawDetection, error)
}

// AlertPublisher forwards level changes to alert delivery.
type AlertPublisher interface {
	PublishDecision(d models.FrameDecision) (bool, error)
	Forget(session string)
}

// Settings are the per-session engine parameters plus session limits.
type Settings struct {
	Post           postprocess.Config
	Tracker        tracker.Config
	Risk           risk.Config
	UserThresholds risk.Thresholds
	ClassWidthsM   map[string]float64
	SpeedEMAAlpha  float64

	DefaultMode        string
	DefaultProfile     string
	MaxSessions        int
	SessionIdleTimeout time.Duration
	StatsInterval      time.Duration
}

func NewSettings(cfg config.EngineConfig, tuning *config.TuningConfig) Settings {
	return Settings{
		Post:               tuning.PostprocessConfig(),
		Tracker:            tuning.TrackerConfig(),
		Risk:               tuning.RiskConfig(),
		UserThresholds:     tuning.GetUserThresholds(),
		ClassWidthsM:       tuning.GetClassWidthsM(),
		SpeedEMAAlpha:      tuning.GetSpeedEMAAlpha(),
		DefaultMode:        cfg.DefaultMode,
		DefaultProfile:     cfg.DefaultProfile,
		MaxSessions:        cfg.MaxSessions,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		StatsInterval:      cfg.StatsInterval,
	}
}

// Deps are the optional collaborators of a FrameProcessor. Any may be nil.
type Deps struct {
	Detector Detector
	Feed     *telemetry.Feed
	Alerts   AlertPublisher
	Profiles profile.Store
	Metrics  *metrics.Metrics
}

type FrameProcessor struct {
	settings Settings
	deps     Deps
	logger   *zap.Logger
	stats    *ProcessorStats
	mutex    sync.RWMutex
	sessions map[string]*Session
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type ProcessorStats struct {
	StartTime             time.Time        `json:"start_time"`
	TotalProcessed        int64            `json:"total_processed"`
	SuccessfullyProcessed int64            `json:"successfully_processed"`
	FailedProcessed       int64            `json:"failed_processed"`
	DroppedFrames         int64            `json:"dropped_frames"`
	AverageLatency        float64          `json:"average_latency_ms"`
	ActiveSessions        int              `json:"active_sessions"`
	Decisions             map[string]int64 `json:"decisions"`
	Profiles              *profile.Stats   `json:"profiles,omitempty"`
}

func NewFrameProcessor(settings Settings, deps Deps, logger *zap.Logger) *FrameProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	fp := &FrameProcessor{
		settings: settings,
		deps:     deps,
		logger:   logger,
		stats: &ProcessorStats{
			StartTime: time.Now(),
			Decisions: make(map[string]int64),
		},
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	fp.wg.Add(1)
	go fp.housekeeping()

	return fp
}

// ProcessFrame evaluates one frame synchronously.
func (fp *FrameProcessor) ProcessFrame(ctx context.Context, request *models.FrameRequest) (*models.FrameDecision, error) {
	startTime := time.Now()

	if request.SessionID == "" {
		request.SessionID = request.ClientID
	}
	if request.SessionID == "" {
		return nil, fp.fail("bad_request", ErrNoSession)
	}

	if len(request.Detections) == 0 && len(request.ImageData) > 0 && fp.deps.Detector != nil {
		detStart := time.Now()
		raw, err := fp.deps.Detector.Detect(ctx, request)
		if fp.deps.Metrics != nil {
			fp.deps.Metrics.ObserveDetector(time.Since(detStart))
		}
		if err != nil {
			fp.logger.Warn("Detection failed", zap.String("session", request.SessionID), zap.Error(err))
			return nil, fp.fail("detector", fmt.Errorf("%w: %v", ErrDetector, err))
		}
		request.Detections = fromRaw(raw)
	}

	session, err := fp.session(ctx, request.SessionID, request.Profile)
	if err != nil {
		return nil, fp.fail("session", err)
	}

	snap := telemetry.Unknown()
	if fp.deps.Feed != nil {
		snap = fp.deps.Feed.Snapshot(request.SessionID, time.Now())
	}

	decision, err := session.Process(request, snap)
	if err != nil {
		return nil, fp.fail("bad_request", err)
	}

	latency := time.Since(startTime)
	decision.LatencyMs = float64(latency.Microseconds()) / 1000

	if m := fp.deps.Metrics; m != nil {
		m.ObserveDecision(decision.Level, decision.ReasonBits.Has(risk.ReasonRedGuarded), decision.Trace.Switched, latency)
	}
	fp.publish(decision)

	fp.mutex.Lock()
	fp.stats.TotalProcessed++
	fp.stats.SuccessfullyProcessed++
	fp.stats.Decisions[decision.Level]++
	fp.updateLatencyStats(latency)
	fp.mutex.Unlock()

	return &decision, nil
}

func (fp *FrameProcessor) publish(decision models.FrameDecision) {
	if fp.deps.Alerts == nil {
		return
	}
	sent, err := fp.deps.Alerts.PublishDecision(decision)
	if err != nil {
		fp.logger.Warn("Failed to publish alert", zap.String("session", decision.SessionID), zap.Error(err))
		return
	}
	if sent && fp.deps.Metrics != nil {
		fp.deps.Metrics.AlertPublished()
	}
}

func (fp *FrameProcessor) fail(reason string, err error) error {
	fp.mutex.Lock()
	fp.stats.TotalProcessed++
	fp.stats.FailedProcessed++
	fp.mutex.Unlock()
	if fp.deps.Metrics != nil {
		fp.deps.Metrics.FrameError(reason)
	}
	return err
}

// FrameDropped records a streamed frame replaced before it was processed.
func (fp *FrameProcessor) FrameDropped() {
	fp.mutex.Lock()
	fp.stats.DroppedFrames++
	fp.mutex.Unlock()
	if fp.deps.Metrics != nil {
		fp.deps.Metrics.FrameDropped()
	}
}

// session returns the live session for id, creating it with the requested
// or default mount profile. A different profile name rebinds the session.
func (fp *FrameProcessor) session(ctx context.Context, id, profileName string) (*Session, error) {
	fp.mutex.RLock()
	s, exists := fp.sessions[id]
	closed := fp.closed
	fp.mutex.RUnlock()

	if closed {
		return nil, ErrShuttingDown
	}
	if exists {
		if profileName != "" && profileName != s.ProfileName() {
			s.SetProfile(profileName, fp.loadProfile(ctx, profileName))
		}
		return s, nil
	}

	if profileName == "" {
		profileName = fp.settings.DefaultProfile
	}
	mount := fp.loadProfile(ctx, profileName)

	created, err := NewSession(id, fp.settings, profileName, mount, fp.logger)
	if err != nil {
		return nil, err
	}

	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	if s, exists := fp.sessions[id]; exists {
		return s, nil
	}
	if fp.settings.MaxSessions > 0 && len(fp.sessions) >= fp.settings.MaxSessions {
		if !fp.evictOldest() {
			return nil, ErrSessionLimit
		}
	}
	fp.sessions[id] = created
	fp.logger.Info("Session started",
		zap.String("session", id),
		zap.String("profile", profileName),
		zap.String("calibration", string(created.Health().Status)))
	return created, nil
}

func (fp *FrameProcessor) loadProfile(ctx context.Context, name string) *profile.MountProfile {
	if fp.deps.Profiles == nil || name == "" {
		return nil
	}
	mount, err := fp.deps.Profiles.Latest(ctx, name)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			fp.logger.Error("Failed to load mount profile", zap.String("profile", name), zap.Error(err))
		}
		return nil
	}
	return mount
}

// evictOldest removes the least recently seen session. Callers hold the
// write lock.
func (fp *FrameProcessor) evictOldest() bool {
	var oldestID string
	var oldestTime time.Time

	for id, s := range fp.sessions {
		seen := s.LastSeen()
		if oldestID == "" || seen.Before(oldestTime) {
			oldestID = id
			oldestTime = seen
		}
	}
	if oldestID == "" {
		return false
	}
	fp.logger.Warn("Evicting session at capacity", zap.String("session", oldestID))
	fp.dropLocked(oldestID)
	return true
}

func (fp *FrameProcessor) dropLocked(id string) {
	delete(fp.sessions, id)
	if fp.deps.Feed != nil {
		fp.deps.Feed.Forget(id)
	}
	if fp.deps.Alerts != nil {
		fp.deps.Alerts.Forget(id)
	}
}

// ResetSession clears the temporal state of a session. It reports false for
// an unknown id.
func (fp *FrameProcessor) ResetSession(id string) bool {
	fp.mutex.RLock()
	s, exists := fp.sessions[id]
	fp.mutex.RUnlock()
	if !exists {
		return false
	}
	s.Reset()
	fp.logger.Info("Session reset", zap.String("session", id))
	return true
}

// EndSession forgets a session and its telemetry.
func (fp *FrameProcessor) EndSession(id string) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	if _, exists := fp.sessions[id]; exists {
		fp.dropLocked(id)
		fp.logger.Info("Session ended", zap.String("session", id))
	}
}

// ProfileUpdated rebinds every session using the profile's name to the new
// version.
func (fp *FrameProcessor) ProfileUpdated(mount *profile.MountProfile) int {
	fp.mutex.RLock()
	var bound []*Session
	for _, s := range fp.sessions {
		if s.ProfileName() == mount.Name {
			bound = append(bound, s)
		}
	}
	fp.mutex.RUnlock()

	for _, s := range bound {
		copied := *mount
		s.SetProfile(mount.Name, &copied)
	}
	if len(bound) > 0 {
		fp.logger.Info("Mount profile rebound",
			zap.String("profile", mount.Name),
			zap.Int("version", mount.Version),
			zap.Int("sessions", len(bound)))
	}
	return len(bound)
}

func (fp *FrameProcessor) ActiveSessions() int {
	fp.mutex.RLock()
	defer fp.mutex.RUnlock()
	return len(fp.sessions)
}

func (fp *FrameProcessor) GetStats(ctx context.Context) *ProcessorStats {
	fp.mutex.RLock()
	stats := *fp.stats
	stats.Decisions = make(map[string]int64, len(fp.stats.Decisions))
	for level, n := range fp.stats.Decisions {
		stats.Decisions[level] = n
	}
	stats.ActiveSessions = len(fp.sessions)
	fp.mutex.RUnlock()

	if fp.deps.Profiles != nil {
		if ps, err := fp.deps.Profiles.Stats(ctx); err == nil {
			stats.Profiles = ps
		} else {
			fp.logger.Warn("Failed to read profile store stats", zap.Error(err))
		}
	}
	return &stats
}

func (fp *FrameProcessor) updateLatencyStats(latency time.Duration) {
	currentLatency := float64(latency.Microseconds()) / 1000

	if fp.stats.AverageLatency == 0 {
		fp.stats.AverageLatency = currentLatency
	} else {
		alpha := 0.1
		fp.stats.AverageLatency = alpha*currentLatency + (1-alpha)*fp.stats.AverageLatency
	}
}

// housekeeping evicts idle sessions and periodically logs throughput.
func (fp *FrameProcessor) housekeeping() {
	defer fp.wg.Done()

	idle := fp.settings.SessionIdleTimeout
	sweepEvery := time.Minute
	if idle > 0 && idle/4 < sweepEvery {
		sweepEvery = max(idle/4, time.Second)
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	statsEvery := fp.settings.StatsInterval
	if statsEvery <= 0 {
		statsEvery = time.Hour
	}
	report := time.NewTicker(statsEvery)
	defer report.Stop()

	for {
		select {
		case <-fp.ctx.Done():
			return
		case now := <-sweep.C:
			if idle > 0 {
				fp.evictIdle(now, idle)
			}
		case <-report.C:
			s := fp.GetStats(fp.ctx)
			fp.logger.Info("Frame processor stats",
				zap.Int64("processed", s.TotalProcessed),
				zap.Int64("failed", s.FailedProcessed),
				zap.Int64("dropped", s.DroppedFrames),
				zap.Float64("avg_latency_ms", s.AverageLatency),
				zap.Int("sessions", s.ActiveSessions))
		}
	}
}

func (fp *FrameProcessor) evictIdle(now time.Time, idle time.Duration) int {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	evicted := 0
	for id, s := range fp.sessions {
		if now.Sub(s.LastSeen()) > idle {
			fp.dropLocked(id)
			evicted++
			fp.logger.Info("Session expired", zap.String("session", id))
		}
	}
	return evicted
}

// Shutdown stops housekeeping and rejects further frames.
func (fp *FrameProcessor) Shutdown() error {
	fp.logger.Info("Shutting down frame processor...")

	fp.mutex.Lock()
	fp.closed = true
	fp.mutex.Unlock()

	fp.cancel()
	fp.wg.Wait()

	fp.logger.Info("Frame processor shutdown complete")
	return nil
}

func fromRaw(raw []postprocess.RawDetection) []models.Detection {
	out := make([]models.Detection, 0, len(raw))
	for _, d := range raw {
		out = append(out, models.Detection{
			X1: d.Box.X1, Y1: d.Box.Y1, X2: d.Box.X2, Y2: d.Box.Y2,
			Score: d.Score,
			Label: d.Label,
		})
	}
	return out
}
