package stats

import "math"

// z for a two-sided 95% interval.
const z95 = 1.959963984540054

// Wilson is the Wilson score interval for a binomial proportion.
type Wilson struct {
	Z float64
}

func NewWilson() Wilson {
	return Wilson{Z: z95}
}

func (Wilson) Method() string {
	return "wilson"
}

// Interval returns bounds clamped to [0, 1]. ok is false when trials is
// not positive or successes falls outside [0, trials].
func (w Wilson) Interval(successes, trials int64) (float64, float64, bool) {
	if trials <= 0 || successes < 0 || successes > trials {
		return 0, 0, false
	}
	z := w.Z
	if z <= 0 {
		z = z95
	}
	n := float64(trials)
	p := float64(successes) / n
	z2 := z * z
	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	half := z * math.Sqrt((p*(1-p)+z2/(4*n))/n) / denom
	return math.Max(0, center-half), math.Min(1, center+half), true
}
