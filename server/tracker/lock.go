package tracker

import (
	"math"
	"time"
)

// Priority weights for lock selection.
const (
	priorityAreaWeight       = 0.5
	priorityScoreWeight      = 0.3
	priorityCentralityWeight = 0.2
)

// updateLockGrace reports whether the locked track is missing but still inside
// its grace window. A lock whose grace has run out is released.
func (t *Tracker) updateLockGrace(ts time.Time) bool {
	if t.lockedID == 0 {
		return false
	}
	tr := t.find(t.lockedID)
	if tr == nil {
		t.releaseLock()
		return false
	}
	if tr.matched {
		return false
	}
	if tr.misses <= t.config.graceFrames() && ts.Sub(tr.lastSeen) <= t.config.LockGraceDuration {
		return true
	}
	t.releaseLock()
	return false
}

func (t *Tracker) releaseLock() {
	t.lockedID = 0
	t.pendingID = 0
	t.pendingFrames = 0
	t.trace.LockReleased = true
}

// updateLock picks a lock when there is none and otherwise only hands it to a
// competitor that has out-ranked the lock by SwitchMargin for
// SwitchConfirmFrames consecutive frames.
func (t *Tracker) updateLock(hint Hint, inGrace bool) {
	if inGrace {
		t.pendingID, t.pendingFrames = 0, 0
		return
	}

	var visible []*track
	maxArea := 0.0
	for _, tr := range t.tracks {
		if tr.matched {
			visible = append(visible, tr)
			maxArea = math.Max(maxArea, tr.det.Box.Area())
		}
	}
	if len(visible) == 0 {
		t.pendingID, t.pendingFrames = 0, 0
		return
	}

	var (
		challenger     *track
		challengerPrio = math.Inf(-1)
		lockedPrio     = math.Inf(-1)
	)
	for _, tr := range visible {
		p := priority(tr, maxArea, hint.FrameWidth)
		if tr.id == t.lockedID {
			lockedPrio = p
			continue
		}
		if p > challengerPrio || (p == challengerPrio && tr.id < challenger.id) {
			challenger, challengerPrio = tr, p
		}
	}

	if t.lockedID == 0 {
		if challenger == nil {
			return
		}
		t.lockedID = challenger.id
		t.pendingID, t.pendingFrames = 0, 0
		return
	}

	if challenger == nil || challengerPrio < lockedPrio+t.config.SwitchMargin {
		t.pendingID, t.pendingFrames = 0, 0
		return
	}

	if challenger.id == t.pendingID {
		t.pendingFrames++
	} else {
		t.pendingID, t.pendingFrames = challenger.id, 1
	}
	if t.pendingFrames >= t.config.SwitchConfirmFrames {
		t.lockedID = challenger.id
		t.pendingID, t.pendingFrames = 0, 0
		t.switches++
		t.trace.Switched = true
	}
}

// priority ranks a visible track by relative size, confidence and how close
// it sits to the horizontal center of the frame.
func priority(tr *track, maxArea, frameWidth float64) float64 {
	relArea := 0.0
	if maxArea > 0 {
		relArea = tr.det.Box.Area() / maxArea
	}

	centrality := 0.5
	if frameWidth > 0 {
		cx, _ := tr.det.Box.Center()
		half := frameWidth / 2
		centrality = math.Max(0, 1-math.Abs(cx-half)/half)
	}

	return priorityAreaWeight*relArea + priorityScoreWeight*tr.det.Score + priorityCentralityWeight*centrality
}
