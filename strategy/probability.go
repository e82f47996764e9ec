package strategy

import "math"

// ═══════════════════════════════════════════════════════════════════════════════
// RANGE PROBABILITY MODEL
// ═══════════════════════════════════════════════════════════════════════════════
//
// P(S_T in [floor, cap]) under a no-drift lognormal (GBM) terminal
// distribution:
//
//   sigma_t = vol_per_min * sqrt(minutes)
//   P       = N(ln(cap/S)/sigma_t) - N(ln(floor/S)/sigma_t)
//
// There is no drift term. Strategies built on this must not assume a
// directional edge.
//
// ═══════════════════════════════════════════════════════════════════════════════

// negligibleSigma treats the horizon as frozen below this scaled volatility
const negligibleSigma = 1e-9

// RangeProbability returns the probability that a value now at current ends
// inside [floor, cap] after minutes, given per-minute volatility.
func RangeProbability(current, floor, cap, volPerMin, minutes float64) float64 {
	if minutes <= 0 {
		return insideRange(current, floor, cap)
	}
	sigmaT := volPerMin * math.Sqrt(minutes)
	if sigmaT < negligibleSigma {
		return insideRange(current, floor, cap)
	}

	dCap := math.Log(cap/current) / sigmaT
	dFloor := math.Log(floor/current) / sigmaT
	return clamp01(NormalCDF(dCap) - NormalCDF(dFloor))
}

// NormalCDF is the standard normal cumulative distribution
func NormalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func insideRange(current, floor, cap float64) float64 {
	if current >= floor && current <= cap {
		return 1
	}
	return 0
}

func clamp01(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
