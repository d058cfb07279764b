// Package stall implements momentum-exhaustion detection for the
// monitoring loop's stall phase (spec.md §4.8.g). The manager's original
// implementation left this as a stub; this package builds it from the
// three heuristics the spec names as examples.
package stall

import (
	"math"

	"github.com/BenignMalice/usltpm/internal/marketservice"
)

// Detector implements monitor.StallDetector.
type Detector struct{}

// New returns a ready-to-use Detector.
func New() *Detector {
	return &Detector{}
}

// Exhausted reports whether the most recent candles show momentum
// exhaustion: three consecutive doji bars, a cumulative-volume-delta
// divergence against price direction, or a sustained volume decline.
// Any one signal is sufficient.
func (d *Detector) Exhausted(candles []marketservice.Candle, dojiBodyRatio float64) bool {
	if len(candles) < 6 {
		return false
	}
	if dojiBodyRatio <= 0 {
		dojiBodyRatio = 0.1
	}
	return threeConsecutiveDojis(candles, dojiBodyRatio) ||
		cvdDivergence(candles) ||
		volumeDecline(candles)
}

func isDoji(c marketservice.Candle, bodyRatio float64) bool {
	rng := c.High - c.Low
	if rng <= 0 {
		return false
	}
	body := math.Abs(c.Close - c.Open)
	return body/rng <= bodyRatio
}

func threeConsecutiveDojis(candles []marketservice.Candle, bodyRatio float64) bool {
	n := len(candles)
	last3 := candles[n-3:]
	for _, c := range last3 {
		if !isDoji(c, bodyRatio) {
			return false
		}
	}
	return true
}

// cvdDivergence compares price direction over the recent window against
// the sign of cumulative (up-volume minus down-volume): price still
// rising while cumulative delta turns negative (or vice versa) signals
// buyers/sellers losing conviction.
func cvdDivergence(candles []marketservice.Candle) bool {
	n := len(candles)
	window := candles[n-6:]

	priceMove := window[len(window)-1].Close - window[0].Open
	if priceMove == 0 {
		return false
	}

	var cvd float64
	for _, c := range window {
		if c.Close >= c.Open {
			cvd += c.Volume
		} else {
			cvd -= c.Volume
		}
	}

	if priceMove > 0 && cvd < 0 {
		return true
	}
	if priceMove < 0 && cvd > 0 {
		return true
	}
	return false
}

// volumeDecline reports whether the average volume of the most recent
// three candles is materially lower (below 60%) than the three before
// them, suggesting fading participation.
func volumeDecline(candles []marketservice.Candle) bool {
	n := len(candles)
	recent := candles[n-3:]
	prior := candles[n-6 : n-3]

	var recentAvg, priorAvg float64
	for _, c := range recent {
		recentAvg += c.Volume
	}
	recentAvg /= 3
	for _, c := range prior {
		priorAvg += c.Volume
	}
	priorAvg /= 3

	if priorAvg <= 0 {
		return false
	}
	return recentAvg/priorAvg < 0.6
}
