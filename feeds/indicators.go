package feeds

import (
	"math"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Rolling price window and realized volatility
// ═══════════════════════════════════════════════════════════════════════════════
//
// The window is owned by the engine loop and is not safe for concurrent use.
// Volatility is reported per minute so it plugs straight into the range model,
// which counts time remaining in minutes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MinutesPerYear converts annualized volatility to per-minute units.
const MinutesPerYear = 525_600

const (
	minVolSamples = 5 // below this the window is too thin to trust
	minVolReturns = 3
)

// PriceWindow is a fixed-capacity, insertion-ordered buffer of samples.
// When full, the oldest sample is evicted.
type PriceWindow struct {
	capacity int
	prices   []float64
}

// NewPriceWindow creates a window holding at most capacity samples
func NewPriceWindow(capacity int) *PriceWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &PriceWindow{
		capacity: capacity,
		prices:   make([]float64, 0, capacity),
	}
}

// Add appends a sample, evicting the oldest when at capacity
func (w *PriceWindow) Add(price float64) {
	if len(w.prices) == w.capacity {
		copy(w.prices, w.prices[1:])
		w.prices = w.prices[:w.capacity-1]
	}
	w.prices = append(w.prices, price)
}

// Values returns a copy of the samples, oldest first
func (w *PriceWindow) Values() []float64 {
	out := make([]float64, len(w.prices))
	copy(out, w.prices)
	return out
}

// Len returns the number of samples held
func (w *PriceWindow) Len() int {
	return len(w.prices)
}

// Cap returns the window capacity
func (w *PriceWindow) Cap() int {
	return w.capacity
}

// ═══════════════════════════════════════════════════════════════════════════════
// VOLATILITY ESTIMATOR
// ═══════════════════════════════════════════════════════════════════════════════

// VolatilityEstimator turns a price window into per-minute realized volatility.
type VolatilityEstimator struct {
	sampleMinutes float64 // spacing between samples
	defaultPerMin float64
	floorPerMin   float64
}

// NewVolatilityEstimator creates an estimator for samples taken every
// sampleInterval. defaultAnnVol is used until the window has enough samples;
// minAnnVol floors the estimate during quiet stretches.
func NewVolatilityEstimator(sampleInterval time.Duration, defaultAnnVol, minAnnVol float64) *VolatilityEstimator {
	mins := sampleInterval.Minutes()
	if mins <= 0 {
		mins = 1
	}
	return &VolatilityEstimator{
		sampleMinutes: mins,
		defaultPerMin: AnnualToPerMinute(defaultAnnVol),
		floorPerMin:   AnnualToPerMinute(minAnnVol),
	}
}

// Estimate returns per-minute volatility for the window (always > 0 for
// positive configured defaults). Pure function of its input.
func (ve *VolatilityEstimator) Estimate(window []float64) float64 {
	if len(window) < minVolSamples {
		return ve.defaultPerMin
	}

	rets := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] > 0 && window[i] > 0 {
			rets = append(rets, math.Log(window[i]/window[i-1]))
		}
	}
	if len(rets) < minVolReturns {
		return ve.defaultPerMin
	}

	perMin := sampleStdDev(rets) / math.Sqrt(ve.sampleMinutes)
	return math.Max(perMin, ve.floorPerMin)
}

// Default returns the per-minute fallback volatility
func (ve *VolatilityEstimator) Default() float64 {
	return ve.defaultPerMin
}

// AnnualToPerMinute converts annualized volatility to per-minute units
func AnnualToPerMinute(annual float64) float64 {
	return annual / math.Sqrt(MinutesPerYear)
}

// PerMinuteToAnnual converts per-minute volatility back to annualized units
func PerMinuteToAnnual(perMin float64) float64 {
	return perMin * math.Sqrt(MinutesPerYear)
}

// sampleStdDev is the n-1 standard deviation; callers guarantee len(xs) >= 2
func sampleStdDev(xs []float64) float64 {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
