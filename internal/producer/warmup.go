package producer

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold: stable if instantaneous FPS stddev < 15% of mean.
	fpsStabilityThreshold = 0.15
	// jitterStabilityThreshold: stable if mean jitter < 20% of the expected interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats summarizes frame arrival over a warmup window.
type FPSStats struct {
	FramesReceived int           `json:"frames_received"`
	Duration       time.Duration `json:"duration"`
	FPSMean        float64       `json:"fps_mean"`
	FPSStdDev      float64       `json:"fps_stddev"`
	FPSMin         float64       `json:"fps_min"`
	FPSMax         float64       `json:"fps_max"`
	JitterMean     float64       `json:"jitter_mean"` // seconds
	JitterMax      float64       `json:"jitter_max"`  // seconds
	IsStable       bool          `json:"is_stable"`
}

// CalculateFPSStats computes arrival statistics for frames received over
// totalDuration. Fewer than two frames are never stable.
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) FPSStats {
	n := len(frameTimes)
	stats := FPSStats{FramesReceived: n, Duration: totalDuration}
	if n == 0 || totalDuration <= 0 {
		return stats
	}

	stats.FPSMean = float64(n) / totalDuration.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = math.Inf(1), 0
	var sumSquares float64
	for _, d := range intervals {
		fps := 1 / d
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		sumSquares += (fps - stats.FPSMean) * (fps - stats.FPSMean)
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(intervals)))

	expected := 1 / stats.FPSMean
	var jitterSum float64
	for _, d := range intervals {
		j := math.Abs(d - expected)
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(intervals))

	stats.IsStable = n >= 3 &&
		stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

// OptimalRequestRate caps maxRate at 90% of the measured stream FPS when
// the stream is slower than maxRate.
func OptimalRequestRate(stats FPSStats, maxRate float64) float64 {
	if stats.FPSMean > 0 && stats.FPSMean < maxRate {
		return stats.FPSMean * 0.9
	}
	return maxRate
}
