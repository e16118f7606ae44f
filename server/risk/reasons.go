package risk

import "strings"

// ReasonBits is the audit record of one evaluation. The low bits flag which
// signals contributed; the top nibble holds the schema version. Changing the
// meaning of any bit requires bumping SchemaVersion.
type ReasonBits uint32

const (
	SchemaVersion = 1

	versionShift = 28
	versionMask  = ReasonBits(0xF) << versionShift
)

const (
	ReasonTTC ReasonBits = 1 << iota
	ReasonDistance
	ReasonRelSpeed
	ReasonLowROI
	ReasonBrakeCue
	ReasonCutIn
	ReasonEgoBrake
	ReasonQualityConservative
	ReasonSlopeStrong
	ReasonRedComboOK
	ReasonRedGuarded
	ReasonRiderStanding
	ReasonLeanDamped
	ReasonDistanceUnreliable
)

var reasonLabels = []struct {
	bit   ReasonBits
	label string
}{
	{ReasonTTC, "ttc"},
	{ReasonDistance, "distance"},
	{ReasonRelSpeed, "rel_speed"},
	{ReasonLowROI, "low_roi"},
	{ReasonBrakeCue, "brake_cue"},
	{ReasonCutIn, "cut_in"},
	{ReasonEgoBrake, "ego_brake"},
	{ReasonQualityConservative, "quality_conservative"},
	{ReasonSlopeStrong, "slope_strong"},
	{ReasonRedComboOK, "red_combo_ok"},
	{ReasonRedGuarded, "red_guarded"},
	{ReasonRiderStanding, "rider_standing"},
	{ReasonLeanDamped, "lean_damped"},
	{ReasonDistanceUnreliable, "distance_unreliable"},
}

func withVersion(bits ReasonBits) ReasonBits {
	return (bits &^ versionMask) | ReasonBits(SchemaVersion)<<versionShift
}

func (r ReasonBits) Version() int {
	return int((r & versionMask) >> versionShift)
}

func (r ReasonBits) Has(bit ReasonBits) bool {
	return r&bit == bit
}

// Labels lists the set flags in bit order.
func (r ReasonBits) Labels() []string {
	var out []string
	for _, l := range reasonLabels {
		if r.Has(l.bit) {
			out = append(out, l.label)
		}
	}
	return out
}

func (r ReasonBits) String() string {
	return strings.Join(r.Labels(), ",")
}
