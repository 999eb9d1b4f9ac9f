package history

// Trend is the directional classification of recent gravity change, used to
// detect fermentation progress or stall.
type Trend int

const (
	TrendStable Trend = iota
	TrendRising
	TrendFalling
)

func (t Trend) String() string {
	switch t {
	case TrendRising:
		return "rising"
	case TrendFalling:
		return "falling"
	default:
		return "stable"
	}
}

// Classify derives the trend from the last window entries: the signed delta
// between the oldest and newest gravity in that window, with hysteresis so
// near-equal samples do not flap. Deterministic and side-effect-free.
func Classify(entries []Entry, window int, hysteresis float64) Trend {
	if len(entries) < 2 {
		return TrendStable
	}
	if len(entries) > window {
		entries = entries[len(entries)-window:]
	}

	delta := entries[len(entries)-1].Gravity - entries[0].Gravity
	switch {
	case delta >= hysteresis:
		return TrendRising
	case delta <= -hysteresis:
		return TrendFalling
	default:
		return TrendStable
	}
}
