package tracker

import (
	"math"
	"sort"
	"time"

	"github.com/san-kum/rider-fcw/server/geometry"
)

// Hint carries per-frame context the tracker cannot derive from boxes alone.
type Hint struct {
	// BottomOccluded is set when the locked target sits against the bottom
	// edge and may be cut off by the dash or the frame. The relaxed occlusion
	// match only applies to the locked track.
	BottomOccluded bool
	FrameWidth     float64
	FrameHeight    float64
	Zoom           float64
}

type track struct {
	id       int64
	det      geometry.Detection
	hits     int
	misses   int
	lastSeen time.Time
	matched  bool
}

// TrackedDetection is the per-frame view of one live track.
type TrackedDetection struct {
	ID              int64              `json:"id"`
	Detection       geometry.Detection `json:"detection"`
	ConsecutiveHits int                `json:"consecutive_hits"`
	Misses          int                `json:"misses"`
	AlertGatePassed bool               `json:"alert_gate_passed"`
	Locked          bool               `json:"locked"`
}

// Trace describes the lock decisions of the most recent Update.
type Trace struct {
	Frame               uint64 `json:"frame"`
	LockedID            int64  `json:"locked_id"`
	PreviousLockedID    int64  `json:"previous_locked_id"`
	Switched            bool   `json:"switched"`
	SwitchPendingID     int64  `json:"switch_pending_id"`
	SwitchPendingFrames int    `json:"switch_pending_frames"`
	OcclusionFallback   bool   `json:"occlusion_fallback"`
	InGrace             bool   `json:"in_grace"`
	LockReleased        bool   `json:"lock_released"`
	Switches            uint64 `json:"switches"`
}

// Tracker associates detections across frames and keeps one locked target.
// It is not safe for concurrent use; one tracker belongs to one camera session.
type Tracker struct {
	config Config
	tracks []*track
	nextID int64

	lockedID      int64
	pendingID     int64
	pendingFrames int
	switches      uint64
	frame         uint64
	trace         Trace
}

func New(config Config) *Tracker {
	return &Tracker{config: config, nextID: 1}
}

func (t *Tracker) Config() Config {
	return t.config
}

// Reset drops every track and the lock. Ids keep counting so they are never reused.
func (t *Tracker) Reset() {
	t.tracks = nil
	t.lockedID = 0
	t.pendingID = 0
	t.pendingFrames = 0
	t.trace = Trace{Frame: t.frame, Switches: t.switches}
}

func (t *Tracker) Trace() Trace {
	return t.trace
}

// Locked returns the locked track, if any.
func (t *Tracker) Locked() (TrackedDetection, bool) {
	if tr := t.find(t.lockedID); tr != nil {
		return t.view(tr), true
	}
	return TrackedDetection{}, false
}

// Update ingests one frame of post-processed detections.
func (t *Tracker) Update(dets []geometry.Detection, ts time.Time, hint Hint) []TrackedDetection {
	t.frame++
	t.trace = Trace{Frame: t.frame, PreviousLockedID: t.lockedID}

	for _, tr := range t.tracks {
		tr.matched = false
	}
	used := make([]bool, len(dets))

	for _, tr := range t.matchOrder() {
		if j := t.bestIoU(tr, dets, used); j >= 0 {
			t.hit(tr, dets[j], ts)
			used[j] = true
		}
	}

	if hint.BottomOccluded {
		if tr := t.find(t.lockedID); tr != nil && !tr.matched {
			if j := t.occlusionCandidate(tr, dets, used, hint); j >= 0 {
				t.hit(tr, dets[j], ts)
				used[j] = true
				t.trace.OcclusionFallback = true
			}
		}
	}

	for _, tr := range t.tracks {
		if !tr.matched {
			tr.misses++
			tr.hits = 0
		}
	}

	for j, d := range dets {
		if used[j] {
			continue
		}
		tr := &track{id: t.nextID, det: d, hits: 1, lastSeen: ts, matched: true}
		tr.det.TrackID = tr.id
		t.nextID++
		t.tracks = append(t.tracks, tr)
	}

	inGrace := t.updateLockGrace(ts)
	t.prune(inGrace)
	t.updateLock(hint, inGrace)

	t.trace.LockedID = t.lockedID
	t.trace.InGrace = inGrace
	t.trace.SwitchPendingID = t.pendingID
	t.trace.SwitchPendingFrames = t.pendingFrames
	t.trace.Switches = t.switches

	out := make([]TrackedDetection, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, t.view(tr))
	}
	return out
}

// matchOrder puts the locked track first, then the rest by id.
func (t *Tracker) matchOrder() []*track {
	order := make([]*track, len(t.tracks))
	copy(order, t.tracks)
	sort.SliceStable(order, func(i, j int) bool {
		li, lj := order[i].id == t.lockedID, order[j].id == t.lockedID
		if li != lj {
			return li
		}
		return order[i].id < order[j].id
	})
	return order
}

func (t *Tracker) bestIoU(tr *track, dets []geometry.Detection, used []bool) int {
	best, bestIoU := -1, 0.0
	for j, d := range dets {
		if used[j] || d.Label != tr.det.Label {
			continue
		}
		iou := geometry.IoU(tr.det.Box, d.Box)
		if iou > bestIoU {
			best, bestIoU = j, iou
		}
	}
	if best < 0 || bestIoU < t.config.IoUMatchThreshold {
		return -1
	}
	return best
}

// occlusionCandidate finds a relaxed match for a track whose box is being cut
// off at the bottom: a comparably large, roughly co-located box that does not
// sit above the track. Small boxes never qualify.
func (t *Tracker) occlusionCandidate(tr *track, dets []geometry.Detection, used []bool, hint Hint) int {
	prev := tr.det.Box
	prevArea := prev.Area()
	if prevArea <= 0 {
		return -1
	}
	side := math.Max(prev.Width(), prev.Height())
	eps := 0.0
	if hint.FrameHeight > 0 {
		eps = geometry.BottomOcclusionEpsilonPx(hint.FrameHeight, hint.Zoom)
	}

	best, bestIoU := -1, -1.0
	for j, d := range dets {
		if used[j] || d.Label != tr.det.Label {
			continue
		}
		if d.Box.Area() < t.config.OcclusionMinAreaRatio*prevArea {
			continue
		}
		if geometry.CenterDistance(prev, d.Box) > t.config.OcclusionMaxCenterShift*side {
			continue
		}
		if d.Box.Y2 < prev.Y2-eps {
			continue
		}
		iou := geometry.IoU(prev, d.Box)
		if iou < t.config.OcclusionMinIoU {
			continue
		}
		if iou > bestIoU {
			best, bestIoU = j, iou
		}
	}
	return best
}

func (t *Tracker) hit(tr *track, d geometry.Detection, ts time.Time) {
	a := t.config.Alpha
	tr.det.Box = d.Box.Blend(tr.det.Box, a)
	tr.det.Score = tr.det.Score*(1-a) + d.Score*a
	tr.hits++
	tr.misses = 0
	tr.lastSeen = ts
	tr.matched = true
}

// prune removes tracks past the miss bound. A locked track inside its grace
// window stays.
func (t *Tracker) prune(lockInGrace bool) {
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.misses > t.config.MaxMisses && !(tr.id == t.lockedID && lockInGrace) {
			continue
		}
		kept = append(kept, tr)
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept
}

func (t *Tracker) find(id int64) *track {
	if id == 0 {
		return nil
	}
	for _, tr := range t.tracks {
		if tr.id == id {
			return tr
		}
	}
	return nil
}

func (t *Tracker) view(tr *track) TrackedDetection {
	return TrackedDetection{
		ID:              tr.id,
		Detection:       tr.det,
		ConsecutiveHits: tr.hits,
		Misses:          tr.misses,
		AlertGatePassed: tr.hits >= t.config.MinConsecutiveForAlert,
		Locked:          tr.id == t.lockedID,
	}
}
