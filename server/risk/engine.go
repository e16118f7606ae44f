package risk

import (
	"math"

	"github.com/san-kum/rider-fcw/server/geometry"
)

type Level int

const (
	LevelSafe Level = iota
	LevelOrange
	LevelRed
)

func (l Level) String() string {
	switch l {
	case LevelOrange:
		return "ORANGE"
	case LevelRed:
		return "RED"
	default:
		return "SAFE"
	}
}

// State mirrors Level with the names alert delivery uses.
type State string

const (
	StateSafe     State = "SAFE"
	StateCaution  State = "CAUTION"
	StateCritical State = "CRITICAL"
)

func (l Level) State() State {
	switch l {
	case LevelOrange:
		return StateCaution
	case LevelRed:
		return StateCritical
	default:
		return StateSafe
	}
}

// Input is everything one frame contributes to the decision. Unknown values
// are NaN; none of them is ever read as zero.
type Input struct {
	DistanceM        float64
	ApproachSpeedMps float64
	TTCSec           float64
	// TTCSlope is dTTC/dt in seconds per second; negative means closing faster.
	TTCSlope           float64
	ROIWeight          float64
	EgoOffset          float64
	CutIn              bool
	BrakeCue           bool
	BrakeStrength      float64
	Quality            float64
	RiderSpeedMps      float64
	EgoBrakeConfidence float64
	LeanDeg            float64
	// DistanceReliable is the calibration verdict. When false, distance and
	// closing speed do not contribute; TTC still does.
	DistanceReliable bool
	Mode             Mode
}

// NoTarget returns an input with every kinematic signal absent.
func NoTarget() Input {
	nan := math.NaN()
	return Input{
		DistanceM:          nan,
		ApproachSpeedMps:   nan,
		TTCSec:             math.Inf(1),
		TTCSlope:           nan,
		ROIWeight:          0,
		EgoOffset:          nan,
		Quality:            1,
		RiderSpeedMps:      nan,
		EgoBrakeConfidence: nan,
		LeanDeg:            nan,
	}
}

type Result struct {
	Level     Level      `json:"level"`
	RiskScore float64    `json:"risk_score"`
	Reasons   ReasonBits `json:"reason_bits"`
	State     State      `json:"state"`
}

// SubScores are the per-signal contributions of one evaluation, kept for
// diagnostics.
type SubScores struct {
	TTC      float64 `json:"ttc"`
	Distance float64 `json:"distance"`
	RelSpeed float64 `json:"rel_speed"`
	ROI      float64 `json:"roi"`
	BrakeCue float64 `json:"brake_cue"`
	CutIn    float64 `json:"cut_in"`
	Raw      float64 `json:"raw"`
}

// DerivedThresholds is the exact set of numbers one evaluation used.
type DerivedThresholds struct {
	Mode         ModeKind   `json:"mode"`
	Base         Thresholds `json:"base"`
	AdaptiveTTC  float64    `json:"adaptive_ttc"`
	TTCOrange    float64    `json:"ttc_orange"`
	TTCRed       float64    `json:"ttc_red"`
	TTCOrangeOff float64    `json:"ttc_orange_off"`
	TTCRedOff    float64    `json:"ttc_red_off"`
	OrangeOn     float64    `json:"orange_on"`
	OrangeOff    float64    `json:"orange_off"`
	RedOn        float64    `json:"red_on"`
	RedOff       float64    `json:"red_off"`
	Quality      float64    `json:"quality"`
	QualityScale float64    `json:"quality_scale"`
	LeanDamping  float64    `json:"lean_damping"`
	TTCLevel     Level      `json:"ttc_level"`
	Scores       SubScores  `json:"scores"`
}

// Engine turns per-frame signals into a stable alert level. It owns
// hysteresis state for one camera session and is not safe for concurrent use.
type Engine struct {
	config   Config
	ttcLevel Level
	level    Level
	filtered float64
	derived  DerivedThresholds
}

func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

func (e *Engine) Config() Config {
	return e.config
}

// Reset clears all hysteresis, as on a new session or when the rider stops.
func (e *Engine) Reset() {
	e.ttcLevel = LevelSafe
	e.level = LevelSafe
	e.filtered = 0
	e.derived = DerivedThresholds{}
}

func (e *Engine) Level() Level {
	return e.level
}

// DerivedThresholds returns the thresholds of the last evaluation.
func (e *Engine) DerivedThresholds() DerivedThresholds {
	return e.derived
}

// StandingResult is the decision for a rider known to be stationary.
func StandingResult() Result {
	return Result{
		Level:   LevelSafe,
		Reasons: withVersion(ReasonRiderStanding),
		State:   StateSafe,
	}
}

func (e *Engine) standing(speed float64) bool {
	return isFinite(speed) && speed >= 0 && speed <= e.config.StandingSpeedMps
}

func (e *Engine) Evaluate(in Input) Result {
	c := e.config

	if e.standing(in.RiderSpeedMps) {
		e.Reset()
		return StandingResult()
	}

	base := in.Mode.Thresholds()
	adaptive := geometry.AdaptiveTTCThreshold(in.RiderSpeedMps)
	bands := ttcBands{orange: math.Max(base.TTCOrange, adaptive)}
	bands.red = base.TTCRed * bands.orange / base.TTCOrange
	bands.orangeOff = bands.orange + c.TTCOrangeOffMargin
	bands.redOff = bands.red + c.TTCRedOffMargin

	var bits ReasonBits

	e.ttcLevel = nextTTCLevel(e.ttcLevel, in.TTCSec, bands)
	s := SubScores{
		TTC:      ttcScore(e.ttcLevel, in.TTCSec, bands, c.TTCFalloffHorizon),
		ROI:      roiScore(in.ROIWeight, in.EgoOffset),
		BrakeCue: brakeCueScore(in.BrakeCue, in.BrakeStrength),
	}
	if in.DistanceReliable {
		s.Distance = distanceScore(in.DistanceM, base)
		s.RelSpeed = relSpeedScore(in.ApproachSpeedMps, base)
	} else {
		bits |= ReasonDistanceUnreliable
	}
	if in.CutIn {
		s.CutIn = 1
		bits |= ReasonCutIn
	}

	w := c.Weights
	raw := w.TTC*s.TTC + w.Distance*s.Distance + w.RelSpeed*s.RelSpeed +
		w.ROI*s.ROI + w.BrakeCue*s.BrakeCue + w.CutIn*s.CutIn
	// Without trusted distance the remaining weights are renormalized so TTC
	// alone can still reach ORANGE; the combo guard keeps it out of RED.
	if !in.DistanceReliable {
		if rest := 1 - w.Distance - w.RelSpeed; rest > 0 {
			raw /= rest
		}
	}

	if conf := in.EgoBrakeConfidence; isFinite(conf) && conf >= c.EgoBrakeMinConf {
		raw += c.EgoBrakeMaxBoost * clamp01((conf-c.EgoBrakeMinConf)/(1-c.EgoBrakeMinConf))
		bits |= ReasonEgoBrake
	}

	q := normalizeQuality(in.Quality)
	scale := 1.0
	if q < 1 {
		scale = c.QualityFloorScale + (1-c.QualityFloorScale)*q
		raw *= scale
	}
	if q < c.QualityConservativeBelow {
		bits |= ReasonQualityConservative
	}

	damping := 1.0
	if lean := math.Abs(in.LeanDeg); isFinite(lean) && lean > c.LeanStartDeg {
		damping = 1 - c.LeanMaxDamping*math.Min(1, (lean-c.LeanStartDeg)/c.LeanSpanDeg)
		raw *= damping
		bits |= ReasonLeanDamped
	}

	raw = clamp01(raw)
	s.Raw = raw

	alpha := c.FallAlpha
	if raw > e.filtered {
		alpha = c.RiseAlpha
	}
	e.filtered += alpha * (raw - e.filtered)

	widen := c.QualityWiden * (1 - q)
	orangeOn, redOn := c.OrangeOn+widen, c.RedOn+widen
	level := nextLevel(e.level, e.filtered, orangeOn, c.OrangeOff, redOn, c.RedOff)

	if isFinite(in.TTCSlope) && in.TTCSlope <= c.StrongSlope {
		bits |= ReasonSlopeStrong
	}
	if level == LevelRed {
		if e.redCorroborated(s, in.TTCSlope) {
			bits |= ReasonRedComboOK
		} else {
			level = LevelOrange
			bits |= ReasonRedGuarded
		}
	}
	e.level = level

	if s.TTC >= c.ContributionMin {
		bits |= ReasonTTC
	}
	if s.Distance >= c.ContributionMin {
		bits |= ReasonDistance
	}
	if s.RelSpeed >= c.ContributionMin {
		bits |= ReasonRelSpeed
	}
	if clamp01(in.ROIWeight) < c.LowROI {
		bits |= ReasonLowROI
	}
	if in.BrakeCue {
		bits |= ReasonBrakeCue
	}

	e.derived = DerivedThresholds{
		Mode:         in.Mode.Kind(),
		Base:         base,
		AdaptiveTTC:  adaptive,
		TTCOrange:    bands.orange,
		TTCRed:       bands.red,
		TTCOrangeOff: bands.orangeOff,
		TTCRedOff:    bands.redOff,
		OrangeOn:     orangeOn,
		OrangeOff:    c.OrangeOff,
		RedOn:        redOn,
		RedOff:       c.RedOff,
		Quality:      q,
		QualityScale: scale,
		LeanDamping:  damping,
		TTCLevel:     e.ttcLevel,
		Scores:       s,
	}

	return Result{
		Level:     level,
		RiskScore: e.filtered,
		Reasons:   withVersion(bits),
		State:     level.State(),
	}
}

// redCorroborated is the combo guard: TTC must be strong on its own and at
// least one independent signal must agree.
func (e *Engine) redCorroborated(s SubScores, slope float64) bool {
	c := e.config
	ttcStrong := e.ttcLevel == LevelRed || s.TTC >= c.StrongTTCScore
	if !ttcStrong {
		return false
	}
	if s.Distance >= c.StrongDistScore || s.RelSpeed >= c.StrongRelScore {
		return true
	}
	trending := isFinite(slope) && slope <= c.StrongSlope
	return trending && (s.Distance >= c.ModerateDist || s.RelSpeed >= c.ModerateRel)
}

// nextLevel is two-level hysteresis on the filtered score.
func nextLevel(prev Level, score, orangeOn, orangeOff, redOn, redOff float64) Level {
	switch prev {
	case LevelRed:
		if score >= redOff {
			return LevelRed
		}
		if score >= orangeOff {
			return LevelOrange
		}
		return LevelSafe
	case LevelOrange:
		if score >= redOn {
			return LevelRed
		}
		if score >= orangeOff {
			return LevelOrange
		}
		return LevelSafe
	default:
		if score >= redOn {
			return LevelRed
		}
		if score >= orangeOn {
			return LevelOrange
		}
		return LevelSafe
	}
}
