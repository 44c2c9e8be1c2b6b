package pose

// MediaPipe Pose landmark indices used by the scoring pipeline.
const (
	LeftShoulder  = 11
	RightShoulder = 12
	LeftElbow     = 13
	RightElbow    = 14
	LeftWrist     = 15
	RightWrist    = 16
	LeftHip       = 23
	RightHip      = 24
	LeftKnee      = 25
	RightKnee     = 26
	LeftAnkle     = 27
	RightAnkle    = 28
)

// LandmarkOrder is the order of NormalizedPose.Confidence.
var LandmarkOrder = [NumConfidences]int{
	LeftShoulder, RightShoulder,
	LeftElbow, RightElbow,
	LeftWrist, RightWrist,
	LeftHip, RightHip,
	LeftKnee, RightKnee,
	LeftAnkle, RightAnkle,
}

// AngleTriple names the vertex of an angle and the two landmarks forming its rays.
type AngleTriple struct {
	Name   string
	Joint  int
	Parent int
	Child  int
}

// AngleTriples is the ordered angle table: arms [0:4], legs [4:8], torso [8:10].
var AngleTriples = [NumAngles]AngleTriple{
	{"left_shoulder", LeftShoulder, LeftHip, LeftElbow},
	{"left_elbow", LeftElbow, LeftShoulder, LeftWrist},
	{"right_shoulder", RightShoulder, RightHip, RightElbow},
	{"right_elbow", RightElbow, RightShoulder, RightWrist},

	{"left_hip", LeftHip, LeftShoulder, LeftKnee},
	{"left_knee", LeftKnee, LeftHip, LeftAnkle},
	{"right_hip", RightHip, RightShoulder, RightKnee},
	{"right_knee", RightKnee, RightHip, RightAnkle},

	{"torso_left", LeftShoulder, LeftHip, RightShoulder},
	{"torso_right", RightShoulder, RightHip, LeftShoulder},
}

// Indices into the angle vector referenced by correction hints.
const (
	AngleLeftElbow  = 1
	AngleRightElbow = 3
	AngleLeftKnee   = 5
	AngleRightKnee  = 7
)

// keyJoints are checked during calibration: shoulders, hips, elbows, knees.
var keyJoints = [...]int{
	LeftShoulder, RightShoulder,
	LeftHip, RightHip,
	LeftElbow, RightElbow,
	LeftKnee, RightKnee,
}
