package pose

import (
	"math"
	"sync"
)

// DefaultSmoothing is the angle smoothing factor used when none is configured.
const DefaultSmoothing = 0.3

// Normalizer converts raw poses into NormalizedPose values.
//
// Each instance owns its own smoothing state (the previously emitted angle
// vector), so subject and reference streams must use separate instances.
//
// Thread-safety: Normalize, ResetSmoothing and SetSmoothing may be called
// concurrently; the state is mutex-protected.
type Normalizer struct {
	mu         sync.Mutex
	smoothing  float64
	prevAngles *[NumAngles]float64
}

// NewNormalizer returns a normalizer with the given smoothing factor in [0, 1).
// Out-of-range values fall back to DefaultSmoothing.
func NewNormalizer(smoothing float64) *Normalizer {
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	return &Normalizer{smoothing: smoothing}
}

// SetSmoothing updates the smoothing factor without clearing state.
func (n *Normalizer) SetSmoothing(smoothing float64) {
	if smoothing < 0 || smoothing >= 1 {
		return
	}
	n.mu.Lock()
	n.smoothing = smoothing
	n.mu.Unlock()
}

// Normalize computes the normalized pose for p.
//
// Returns false when the pose is invalid (fewer than 15 visible keypoints);
// smoothing state is untouched in that case.
//
// Algorithm:
//  1. Mirror x (x → 1-x) when requested
//  2. Center on the hip midpoint, scale by center → shoulder-midpoint distance
//  3. Compute the 10 joint angles in the x/y plane
//  4. Blend with the previous angles: s·prev + (1-s)·new (first call seeds state)
//  5. Copy the 12 landmark visibilities as confidence (never smoothed)
func (n *Normalizer) Normalize(p *PoseResult, mirror, applySmoothing bool) (NormalizedPose, bool) {
	if !p.Valid() {
		return NormalizedPose{}, false
	}

	kps := p.Keypoints
	if mirror {
		for i := range kps {
			kps[i].X = 1 - kps[i].X
		}
	}

	lh, rh := kps[LeftHip], kps[RightHip]
	ls, rs := kps[LeftShoulder], kps[RightShoulder]
	cx, cy := (lh.X+rh.X)/2, (lh.Y+rh.Y)/2
	sx, sy := (ls.X+rs.X)/2, (ls.Y+rs.Y)/2
	scale := math.Hypot(sx-cx, sy-cy)
	if scale == 0 {
		scale = 1
	}

	out := NormalizedPose{CenterX: cx, CenterY: cy, Scale: scale}
	for i, t := range AngleTriples {
		out.Angles[i] = JointAngle(kps[t.Joint], kps[t.Parent], kps[t.Child])
	}
	for i, idx := range LandmarkOrder {
		out.Confidence[i] = kps[idx].Visibility
	}

	if applySmoothing {
		n.mu.Lock()
		if n.prevAngles != nil {
			s := n.smoothing
			for i := range out.Angles {
				out.Angles[i] = s*n.prevAngles[i] + (1-s)*out.Angles[i]
			}
		}
		prev := out.Angles
		n.prevAngles = &prev
		n.mu.Unlock()
	}

	return out, true
}

// ResetSmoothing forgets the previous angle vector.
func (n *Normalizer) ResetSmoothing() {
	n.mu.Lock()
	n.prevAngles = nil
	n.mu.Unlock()
}

// JointAngle returns the angle at joint between the rays to parent and child,
// in radians, using only x and y. A zero-length ray yields 0.
func JointAngle(joint, parent, child Keypoint) float64 {
	v1x, v1y := parent.X-joint.X, parent.Y-joint.Y
	v2x, v2y := child.X-joint.X, child.Y-joint.Y

	m1 := math.Hypot(v1x, v1y)
	m2 := math.Hypot(v2x, v2y)
	if m1 == 0 || m2 == 0 {
		return 0
	}

	cos := (v1x*v2x + v1y*v2y) / (m1 * m2)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos)
}
