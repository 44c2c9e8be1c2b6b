package pose

import (
	"fmt"
	"math"
	"time"
)

// Calibration thresholds.
const (
	CalibrationMinVisible   = 20
	CalibrationMinBodyRatio = 0.3
	CalibrationMaxBodyRatio = 0.9
	CalibrationKeyJointVis  = 0.6
	CalibrationMinKeyJoints = 6
	DefaultCalibrationHold  = 3 * time.Second
)

// PositionCheck is the outcome of one calibration evaluation.
type PositionCheck struct {
	BodyInFrame   bool    `json:"body_in_frame"`
	GoodDistance  bool    `json:"good_distance"`
	JointsVisible bool    `json:"joints_visible"`
	VisibleCount  int     `json:"visible_count"`
	BodyRatio     float64 `json:"body_ratio"`
	KeyJoints     int     `json:"key_joints"`
	Message       string  `json:"message"`
}

// Passed reports whether all checks succeeded.
func (c PositionCheck) Passed() bool {
	return c.BodyInFrame && c.GoodDistance && c.JointsVisible
}

// CheckPosition evaluates whether the performer is framed well enough to
// start a session. A nil pose fails every check.
func CheckPosition(p *PoseResult) PositionCheck {
	if p == nil {
		return PositionCheck{Message: "no person detected"}
	}

	var c PositionCheck
	c.VisibleCount = p.VisibleCount(visibilityThreshold)
	c.BodyInFrame = c.VisibleCount >= CalibrationMinVisible

	if c.VisibleCount > 0 {
		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for _, kp := range p.Keypoints {
			if !kp.Visible() {
				continue
			}
			minX, maxX = math.Min(minX, kp.X), math.Max(maxX, kp.X)
			minY, maxY = math.Min(minY, kp.Y), math.Max(maxY, kp.Y)
		}
		c.BodyRatio = math.Max(maxX-minX, maxY-minY)
	}
	c.GoodDistance = c.BodyRatio >= CalibrationMinBodyRatio && c.BodyRatio <= CalibrationMaxBodyRatio

	for _, idx := range keyJoints {
		if p.Keypoints[idx].Visibility > CalibrationKeyJointVis {
			c.KeyJoints++
		}
	}
	c.JointsVisible = c.KeyJoints >= CalibrationMinKeyJoints

	switch {
	case !c.BodyInFrame:
		c.Message = fmt.Sprintf("only %d joints visible", c.VisibleCount)
	case c.BodyRatio < CalibrationMinBodyRatio:
		c.Message = "too far away"
	case c.BodyRatio > CalibrationMaxBodyRatio:
		c.Message = "too close"
	case !c.JointsVisible:
		c.Message = fmt.Sprintf("%d/%d key joints", c.KeyJoints, len(keyJoints))
	default:
		c.Message = "ready"
	}
	return c
}

// Calibrator requires CheckPosition to pass continuously for a hold duration.
//
// Not safe for concurrent use; the orchestrator feeds it from one goroutine.
type Calibrator struct {
	hold        time.Duration
	passingFrom time.Time
	last        PositionCheck
}

// NewCalibrator returns a calibrator with the given hold duration
// (DefaultCalibrationHold if hold <= 0).
func NewCalibrator(hold time.Duration) *Calibrator {
	if hold <= 0 {
		hold = DefaultCalibrationHold
	}
	return &Calibrator{hold: hold}
}

// Update evaluates p observed at now and reports whether calibration is complete.
// Any failing check resets the countdown.
func (c *Calibrator) Update(p *PoseResult, now time.Time) (PositionCheck, bool) {
	c.last = CheckPosition(p)
	if !c.last.Passed() {
		c.passingFrom = time.Time{}
		return c.last, false
	}
	if c.passingFrom.IsZero() {
		c.passingFrom = now
	}
	return c.last, now.Sub(c.passingFrom) >= c.hold
}

// Remaining returns the time left on the countdown at now, or the full hold
// if the checks are not currently passing.
func (c *Calibrator) Remaining(now time.Time) time.Duration {
	if c.passingFrom.IsZero() {
		return c.hold
	}
	left := c.hold - now.Sub(c.passingFrom)
	if left < 0 {
		return 0
	}
	return left
}

// Reset clears the countdown.
func (c *Calibrator) Reset() {
	c.passingFrom = time.Time{}
	c.last = PositionCheck{}
}
