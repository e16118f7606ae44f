package risk

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidThresholds = errors.New("invalid risk thresholds")

// Thresholds are the mode-dependent kinematic limits. TTC and distance are
// "low is bad"; relative speed is "high is bad".
type Thresholds struct {
	TTCOrange  float64 `json:"ttc_orange"`
	TTCRed     float64 `json:"ttc_red"`
	DistOrange float64 `json:"dist_orange"`
	DistRed    float64 `json:"dist_red"`
	RelOrange  float64 `json:"rel_orange"`
	RelRed     float64 `json:"rel_red"`
}

func (t Thresholds) Validate() error {
	for _, v := range []float64{t.TTCOrange, t.TTCRed, t.DistOrange, t.DistRed, t.RelOrange, t.RelRed} {
		if !isFinite(v) || v <= 0 {
			return fmt.Errorf("%w: all thresholds must be positive and finite", ErrInvalidThresholds)
		}
	}
	if t.TTCRed >= t.TTCOrange {
		return fmt.Errorf("%w: ttc_red %.2f must be below ttc_orange %.2f", ErrInvalidThresholds, t.TTCRed, t.TTCOrange)
	}
	if t.DistRed >= t.DistOrange {
		return fmt.Errorf("%w: dist_red %.2f must be below dist_orange %.2f", ErrInvalidThresholds, t.DistRed, t.DistOrange)
	}
	if t.RelRed <= t.RelOrange {
		return fmt.Errorf("%w: rel_red %.2f must be above rel_orange %.2f", ErrInvalidThresholds, t.RelRed, t.RelOrange)
	}
	return nil
}

var (
	cityThresholds = Thresholds{
		TTCOrange: 3.0, TTCRed: 1.5,
		DistOrange: 15, DistRed: 7,
		RelOrange: 3, RelRed: 6,
	}
	sportThresholds = Thresholds{
		TTCOrange: 4.0, TTCRed: 2.0,
		DistOrange: 25, DistRed: 12,
		RelOrange: 5, RelRed: 10,
	}
)

type ModeKind string

const (
	ModeCity  ModeKind = "city"
	ModeSport ModeKind = "sport"
	ModeUser  ModeKind = "user"
)

// Mode is the effective alert mode together with the thresholds it carries.
// The zero Mode behaves as city.
type Mode struct {
	kind       ModeKind
	thresholds Thresholds
}

func CityMode() Mode {
	return Mode{kind: ModeCity, thresholds: cityThresholds}
}

func SportMode() Mode {
	return Mode{kind: ModeSport, thresholds: sportThresholds}
}

// UserMode carries thresholds supplied by the rider's configuration.
func UserMode(t Thresholds) Mode {
	return Mode{kind: ModeUser, thresholds: t}
}

func (m Mode) Kind() ModeKind {
	if m.kind == "" {
		return ModeCity
	}
	return m.kind
}

func (m Mode) Thresholds() Thresholds {
	if m.kind == "" {
		return cityThresholds
	}
	return m.thresholds
}

func (m Mode) String() string {
	return string(m.Kind())
}

// ParseMode resolves a mode name. user is used only for "user".
func ParseMode(name string, user Thresholds) (Mode, error) {
	switch ModeKind(strings.ToLower(strings.TrimSpace(name))) {
	case ModeCity, "":
		return CityMode(), nil
	case ModeSport:
		return SportMode(), nil
	case ModeUser:
		if err := user.Validate(); err != nil {
			return Mode{}, err
		}
		return UserMode(user), nil
	default:
		return Mode{}, fmt.Errorf("unknown alert mode %q", name)
	}
}
