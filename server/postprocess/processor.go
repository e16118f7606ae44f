package postprocess

import (
	"math"
	"sort"
	"strings"

	"github.com/san-kum/rider-fcw/server/geometry"
)

// Rejection reasons, checked in this order.
const (
	ReasonInvalidFrame = "invalid_frame_size"
	ReasonAreaRatio    = "area_ratio"
	ReasonAspectRatio  = "aspect_ratio"
	ReasonEdgeMargin   = "edge_margin"
	ReasonOutsideROI   = "outside_roi"
)

type Config struct {
	// Aliases maps lower-cased model labels to canonical classes.
	Aliases          map[string]string  `json:"aliases"`
	ClassThresholds  map[string]float64 `json:"class_thresholds"`
	DefaultThreshold float64            `json:"default_threshold"`
	NMSIoUThreshold  float64            `json:"nms_iou_threshold"`

	MinAreaRatio float64 `json:"min_area_ratio"`
	MaxAreaRatio float64 `json:"max_area_ratio"`
	MinAspect    float64 `json:"min_aspect"`
	MaxAspect    float64 `json:"max_aspect"`

	EdgeMarginEnabled bool    `json:"edge_margin_enabled"`
	EdgeMarginRatio   float64 `json:"edge_margin_ratio"`

	ROI ROI `json:"roi"`
}

func DefaultAliases() map[string]string {
	return map[string]string{
		"car":        "car",
		"auto":       "car",
		"vehicle":    "car",
		"sedan":      "car",
		"suv":        "car",
		"van":        "car",
		"truck":      "truck",
		"lorry":      "truck",
		"bus":        "bus",
		"motorcycle": "motorcycle",
		"motorbike":  "motorcycle",
		"scooter":    "motorcycle",
		"bicycle":    "bicycle",
		"bike":       "bicycle",
		"person":     "person",
		"pedestrian": "person",
	}
}

func DefaultConfig() Config {
	return Config{
		Aliases: DefaultAliases(),
		ClassThresholds: map[string]float64{
			"car":        0.40,
			"truck":      0.40,
			"bus":        0.40,
			"motorcycle": 0.35,
			"bicycle":    0.35,
			"person":     0.45,
		},
		DefaultThreshold:  0.50,
		NMSIoUThreshold:   0.45,
		MinAreaRatio:      0.0004,
		MaxAreaRatio:      0.90,
		MinAspect:         0.20,
		MaxAspect:         5.0,
		EdgeMarginEnabled: false,
		EdgeMarginRatio:   0.01,
		ROI:               ROI{Kind: ROINone},
	}
}

// RawDetection is one model output before canonicalization.
type RawDetection struct {
	Box   geometry.Box `json:"box"`
	Score float64      `json:"score"`
	Label string       `json:"label"`
}

type Rejection struct {
	Detection geometry.Detection `json:"detection"`
	Reason    string             `json:"reason"`
}

// Counts are per-stage survivor counts for diagnostics.
type Counts struct {
	Raw         int `json:"raw"`
	Canonical   int `json:"canonical"`
	Thresholded int `json:"thresholded"`
	NMS         int `json:"nms"`
	Accepted    int `json:"accepted"`
}

type Result struct {
	Accepted []geometry.Detection `json:"accepted"`
	Rejected []Rejection          `json:"rejected"`
	Counts   Counts               `json:"counts"`
}

// Processor turns one frame of raw detections into accepted detections.
// It holds no per-frame state and may be shared by read-only callers.
type Processor struct {
	config Config
	region region
}

func New(config Config) *Processor {
	if config.Aliases == nil {
		config.Aliases = DefaultAliases()
	}
	return &Processor{
		config: config,
		region: newRegion(config.ROI),
	}
}

func (p *Processor) Config() Config {
	return p.config
}

// Canonical maps a model label to its canonical class.
func (p *Processor) Canonical(label string) (string, bool) {
	c, ok := p.config.Aliases[strings.ToLower(strings.TrimSpace(label))]
	if !ok || c == "" {
		return "", false
	}
	return c, true
}

func (p *Processor) threshold(class string) float64 {
	if t, ok := p.config.ClassThresholds[class]; ok {
		return t
	}
	return p.config.DefaultThreshold
}

func (p *Processor) Process(raw []RawDetection, frameW, frameH float64) Result {
	res := Result{Counts: Counts{Raw: len(raw)}}

	candidates := make([]geometry.Detection, 0, len(raw))
	for _, r := range raw {
		class, ok := p.Canonical(r.Label)
		if !ok {
			continue
		}
		res.Counts.Canonical++
		// Non-finite scores or coordinates carry no signal.
		if !(r.Score >= p.threshold(class)) || math.IsInf(r.Score, 0) || !finiteBox(r.Box) {
			continue
		}
		b := geometry.NewBox(r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2)
		candidates = append(candidates, geometry.NewDetection(b, r.Score, class))
	}
	res.Counts.Thresholded = len(candidates)

	survivors := NMS(candidates, p.config.NMSIoUThreshold)
	res.Counts.NMS = len(survivors)

	for _, d := range survivors {
		if reason := p.reject(d.Box, frameW, frameH); reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Detection: d, Reason: reason})
			continue
		}
		res.Accepted = append(res.Accepted, d)
	}
	res.Counts.Accepted = len(res.Accepted)
	return res
}

func finiteBox(b geometry.Box) bool {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p *Processor) reject(b geometry.Box, frameW, frameH float64) string {
	if !(frameW > 0) || !(frameH > 0) {
		return ReasonInvalidFrame
	}

	areaRatio := b.Area() / (frameW * frameH)
	if areaRatio < p.config.MinAreaRatio || areaRatio > p.config.MaxAreaRatio {
		return ReasonAreaRatio
	}

	if b.Height() <= 0 {
		return ReasonAspectRatio
	}
	aspect := b.Width() / b.Height()
	if aspect < p.config.MinAspect || aspect > p.config.MaxAspect {
		return ReasonAspectRatio
	}

	if p.config.EdgeMarginEnabled {
		margin := p.config.EdgeMarginRatio * frameW
		if b.X1 <= margin || b.X2 >= frameW-margin {
			return ReasonEdgeMargin
		}
	}

	cx, cy := b.Center()
	if !p.region.contains(cx/frameW, cy/frameH) {
		return ReasonOutsideROI
	}
	return ""
}

// Containment is the ROI containment weight of a box in [0,1].
func (p *Processor) Containment(b geometry.Box, frameW, frameH float64) float64 {
	return p.region.containment(b, frameW, frameH)
}

// LaneOffset is the box's lateral offset from the ego-lane center in [-1,1].
func (p *Processor) LaneOffset(b geometry.Box, frameW, frameH float64) float64 {
	return p.region.laneOffset(b, frameW, frameH)
}

// NMS runs greedy non-maximum suppression independently per label. Within a
// label, a box is dropped when its IoU with an already kept box exceeds
// iouThreshold. Output is grouped by label in lexical order, each group
// sorted by descending score.
func NMS(dets []geometry.Detection, iouThreshold float64) []geometry.Detection {
	groups := make(map[string][]geometry.Detection)
	for _, d := range dets {
		groups[d.Label] = append(groups[d.Label], d)
	}

	labels := make([]string, 0, len(groups))
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	out := make([]geometry.Detection, 0, len(dets))
	for _, l := range labels {
		group := groups[l]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Score > group[j].Score
		})

		suppressed := make([]bool, len(group))
		for i := range group {
			if suppressed[i] {
				continue
			}
			out = append(out, group[i])
			for j := i + 1; j < len(group); j++ {
				if !suppressed[j] && geometry.IoU(group[i].Box, group[j].Box) > iouThreshold {
					suppressed[j] = true
				}
			}
		}
	}
	return out
}
