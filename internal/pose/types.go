package pose

// NumKeypoints is the size of the landmark vector produced by the detector.
const NumKeypoints = 33

// NumAngles is the length of a normalized angle vector.
const NumAngles = 10

// NumConfidences is the length of a normalized confidence vector.
const NumConfidences = 12

// visibilityThreshold is the visibility a keypoint needs to count as seen.
const visibilityThreshold = 0.5

// minValidKeypoints is the number of visible keypoints a pose needs to be scored.
const minValidKeypoints = 15

// Keypoint is one tracked landmark in normalized image coordinates.
//
// X and Y are in [0, 1] relative to frame width/height. Z is depth relative to
// the hips (unused by scoring). Visibility is the detector's confidence in [0, 1].
type Keypoint struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Z          float64 `json:"z" msgpack:"z"`
	Visibility float64 `json:"visibility" msgpack:"visibility"`
}

// Visible reports whether the keypoint clears the default visibility threshold.
func (k Keypoint) Visible() bool {
	return k.Visibility > visibilityThreshold
}

// PoseResult is one detector output: 33 keypoints plus the frame timestamp.
type PoseResult struct {
	Keypoints   [NumKeypoints]Keypoint `json:"keypoints" msgpack:"keypoints"`
	TimestampMS float64                `json:"timestamp_ms" msgpack:"timestamp_ms"`
}

// VisibleCount returns the number of keypoints with visibility above threshold.
func (p *PoseResult) VisibleCount(threshold float64) int {
	n := 0
	for _, kp := range p.Keypoints {
		if kp.Visibility > threshold {
			n++
		}
	}
	return n
}

// Valid reports whether the pose has enough visible keypoints to be scored.
func (p *PoseResult) Valid() bool {
	return p != nil && p.VisibleCount(visibilityThreshold) >= minValidKeypoints
}

// NormalizedPose is a framing-independent representation of a pose.
//
// Angles holds the 10 joint angles in radians ([0, π]) ordered arms, legs,
// torso. Confidence holds the visibility of the 12 scored landmarks in
// LandmarkOrder. CenterX/CenterY/Scale describe the body frame used for
// normalization.
type NormalizedPose struct {
	Angles     [NumAngles]float64      `json:"angles" msgpack:"angles"`
	Confidence [NumConfidences]float64 `json:"confidence" msgpack:"confidence"`
	CenterX    float64                 `json:"center_x" msgpack:"center_x"`
	CenterY    float64                 `json:"center_y" msgpack:"center_y"`
	Scale      float64                 `json:"scale" msgpack:"scale"`
}

// BodyPart identifies a scored region of the body.
type BodyPart int

const (
	Arms BodyPart = iota
	Legs
	Torso
)

// BodyParts lists every part in scoring and tie-break order.
var BodyParts = [...]BodyPart{Arms, Legs, Torso}

func (b BodyPart) String() string {
	switch b {
	case Arms:
		return "arms"
	case Legs:
		return "legs"
	case Torso:
		return "torso"
	default:
		return "unknown"
	}
}

// partRanges are the fixed [start, end) index ranges of each body part over
// both the angle vector and the confidence vector.
var partRanges = [...][2]int{
	Arms:  {0, 4},
	Legs:  {4, 8},
	Torso: {8, 10},
}

// Range returns the [start, end) index range of the part.
func (b BodyPart) Range() (start, end int) {
	r := partRanges[b]
	return r[0], r[1]
}

// PartAngles returns the angle slice belonging to part.
func (n *NormalizedPose) PartAngles(part BodyPart) []float64 {
	s, e := part.Range()
	return n.Angles[s:e]
}

// PartConfidence returns the confidence slice belonging to part.
//
// Confidence has 12 entries but only the first 10 are partitioned; the
// ankles carry no angle of their own.
func (n *NormalizedPose) PartConfidence(part BodyPart) []float64 {
	s, e := part.Range()
	return n.Confidence[s:e]
}
