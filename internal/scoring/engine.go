// Package scoring compares a subject pose against a reference pose and
// produces per-part and overall fidelity scores with a correction hint.
package scoring

import (
	"math"
	"sync"

	"github.com/e7canasta/orion-mirror/internal/pose"
)

// MinConfidence is the subject confidence below which an angle is ignored.
const MinConfidence = 0.65

// HintThreshold is the weakest-part score at or above which no hint is given.
const HintThreshold = 80

// DefaultSmoothing is the score smoothing factor used when none is configured.
const DefaultSmoothing = 0.4

// Part weights for the overall score.
var weights = [...]float64{
	pose.Arms:  0.35,
	pose.Legs:  0.40,
	pose.Torso: 0.25,
}

// Part tolerance windows in radians.
var tolerances = [...]float64{
	pose.Arms:  25 * math.Pi / 180,
	pose.Legs:  30 * math.Pi / 180,
	pose.Torso: 15 * math.Pi / 180,
}

// Tolerance returns the tolerance window of part in radians.
func Tolerance(part pose.BodyPart) float64 {
	return tolerances[part]
}

// BodyPartScores holds the integer score of each body part.
type BodyPartScores struct {
	Arms  int `json:"arms" msgpack:"arms"`
	Legs  int `json:"legs" msgpack:"legs"`
	Torso int `json:"torso" msgpack:"torso"`
}

// ScoreResult is the outcome of one comparison. Hint is empty when the
// weakest part is good enough.
type ScoreResult struct {
	OverallScore   int            `json:"overall_score"`
	TimingOffsetMS float64        `json:"timing_offset_ms"`
	BodyParts      BodyPartScores `json:"body_parts"`
	Hint           string         `json:"hint,omitempty"`
}

// Round rounds half to even, matching the rounding of the scoring reference.
func Round(x float64) int {
	return int(math.RoundToEven(x))
}

// AngleDifference returns the absolute difference of two angles with
// wraparound, in [0, π] for inputs in [0, 2π].
func AngleDifference(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > math.Pi {
		d = 2*math.Pi - d
	}
	return d
}

// AngleScore maps an angular difference to [0, 100].
//
// Within tolerance the score falls linearly from 100 to 85. Beyond it the
// score decays as 85·(1-r)^1.5 where r is the excess as a fraction of the
// remaining range up to π.
func AngleScore(diff, tolerance float64) float64 {
	if diff <= tolerance {
		return 100 - (diff/tolerance)*15
	}
	ratio := math.Min((diff-tolerance)/(math.Pi-tolerance), 1)
	return math.Max(0, 85*math.Pow(1-ratio, 1.5))
}

// PartScore is the confidence²-weighted mean angle score over one part.
//
// Indices whose confidence is below MinConfidence are skipped; missing
// confidence entries count as 1. Returns 0 when nothing qualifies.
func PartScore(subject, reference, confidence []float64, tolerance float64) float64 {
	if len(subject) == 0 || len(reference) == 0 {
		return 0
	}

	var total, weight float64
	for i := range subject {
		if i >= len(reference) {
			break
		}
		conf := 1.0
		if i < len(confidence) {
			conf = confidence[i]
		}
		if conf < MinConfidence {
			continue
		}
		w := conf * conf
		total += AngleScore(AngleDifference(subject[i], reference[i]), tolerance) * w
		weight += w
	}

	if weight == 0 {
		return 0
	}
	return total / weight
}

// Hint returns a correction for the weakest part, or "" if every part
// scores at least HintThreshold. Ties go to the earlier part in
// arms, legs, torso order.
func Hint(partScores [3]float64, subject, reference *pose.NormalizedPose) string {
	weakest := pose.Arms
	for _, part := range pose.BodyParts[1:] {
		if partScores[part] < partScores[weakest] {
			weakest = part
		}
	}
	if partScores[weakest] >= HintThreshold {
		return ""
	}

	switch weakest {
	case pose.Arms:
		return sideHint(subject, reference, pose.AngleLeftElbow, pose.AngleRightElbow,
			[2]string{"Extend your left elbow more", "Bend your left elbow more"},
			[2]string{"Extend your right elbow more", "Bend your right elbow more"})
	case pose.Legs:
		return sideHint(subject, reference, pose.AngleLeftKnee, pose.AngleRightKnee,
			[2]string{"Straighten your left leg more", "Bend your left knee more"},
			[2]string{"Straighten your right leg more", "Bend your right knee more"})
	default:
		return "Keep your torso aligned with the teacher"
	}
}

// sideHint picks the side with the larger error (left only on a strict
// win) and returns msgs[0] when the subject angle is smaller than the
// reference, msgs[1] otherwise.
func sideHint(subject, reference *pose.NormalizedPose, left, right int, leftMsgs, rightMsgs [2]string) string {
	idx, msgs := right, rightMsgs
	if AngleDifference(subject.Angles[left], reference.Angles[left]) >
		AngleDifference(subject.Angles[right], reference.Angles[right]) {
		idx, msgs = left, leftMsgs
	}
	if subject.Angles[idx] < reference.Angles[idx] {
		return msgs[0]
	}
	return msgs[1]
}

// Score compares subject against reference without any smoothing.
func Score(subject, reference *pose.NormalizedPose) ScoreResult {
	var parts [3]float64
	for _, part := range pose.BodyParts {
		parts[part] = PartScore(
			subject.PartAngles(part),
			reference.PartAngles(part),
			subject.PartConfidence(part),
			tolerances[part],
		)
	}

	overall := 0.0
	for _, part := range pose.BodyParts {
		overall += parts[part] * weights[part]
	}

	return ScoreResult{
		OverallScore: Round(overall),
		BodyParts: BodyPartScores{
			Arms:  Round(parts[pose.Arms]),
			Legs:  Round(parts[pose.Legs]),
			Torso: Round(parts[pose.Torso]),
		},
		Hint: Hint(parts, subject, reference),
	}
}

// Engine scores successive pose pairs and smooths the integer scores
// across calls.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	smoothing float64
	prev      *ScoreResult
}

// NewEngine returns an engine with the given smoothing factor in [0, 1).
// Out-of-range values fall back to DefaultSmoothing.
func NewEngine(smoothing float64) *Engine {
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	return &Engine{smoothing: smoothing}
}

// SetSmoothing updates the smoothing factor; invalid values are ignored.
func (e *Engine) SetSmoothing(smoothing float64) {
	if smoothing < 0 || smoothing >= 1 {
		return
	}
	e.mu.Lock()
	e.smoothing = smoothing
	e.mu.Unlock()
}

// Compare scores subject against reference.
//
// When a previous result exists, overall and part scores are blended as
// round(s·prev + (1-s)·new). The hint is taken from the raw comparison.
// The smoothed result becomes the new previous result.
func (e *Engine) Compare(subject, reference *pose.NormalizedPose) ScoreResult {
	result := Score(subject, reference)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.prev != nil {
		s := e.smoothing
		blend := func(prev, cur int) int {
			return Round(s*float64(prev) + (1-s)*float64(cur))
		}
		result.OverallScore = blend(e.prev.OverallScore, result.OverallScore)
		result.BodyParts = BodyPartScores{
			Arms:  blend(e.prev.BodyParts.Arms, result.BodyParts.Arms),
			Legs:  blend(e.prev.BodyParts.Legs, result.BodyParts.Legs),
			Torso: blend(e.prev.BodyParts.Torso, result.BodyParts.Torso),
		}
	}

	prev := result
	e.prev = &prev
	return result
}

// Reset forgets the previous result.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.prev = nil
	e.mu.Unlock()
}
